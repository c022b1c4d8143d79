package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/bankflow/internal/scheduler"
	"github.com/rendis/bankflow/internal/store"
	"github.com/rendis/bankflow/pkg/schema"
)

// withApp loads the configuration, builds the app with logs on stderr and
// runs fn.
func withApp(cmd *cobra.Command, load configLoader, fn func(ctx context.Context, a *app) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func readDefinition(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return schema.ParseDefinition(data)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newValidateCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow definition without registering it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinition(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, load, func(_ context.Context, a *app) error {
				result := a.engine.Validate(def)
				if err := printJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				return result.ToError()
			})
		},
	}
}

func newDefineCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "define <file>",
		Short: "Register a workflow definition as the next active version of its name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinition(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				result, err := a.engine.RegisterDefinition(ctx, def)
				if err != nil {
					if result != nil && !result.Valid() {
						_ = printJSON(cmd.ErrOrStderr(), result)
					}
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"definition_id": def.ID,
					"name":          def.Name,
					"version":       def.Version,
					"warnings":      result.Warnings,
				})
			})
		},
	}
}

func newMigrateCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending store migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// newApp migrates the store on open.
			return withApp(cmd, load, func(_ context.Context, a *app) error {
				fmt.Fprintf(cmd.OutOrStdout(), "%s store is up to date\n", a.cfg.Store.Driver)
				return nil
			})
		},
	}
}

func newScheduleCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage cron triggers",
	}

	var (
		pinVersion int
		input      string
		disabled   bool
	)
	add := &cobra.Command{
		Use:   "add <workflow> <cron>",
		Short: "Register a cron trigger for a workflow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			trigger := &store.Trigger{
				Definition:     schema.DefinitionRef{Name: args[0], Version: pinVersion},
				CronExpression: args[1],
				Enabled:        !disabled,
			}
			if input != "" {
				if err := json.Unmarshal([]byte(input), &trigger.Input); err != nil {
					return fmt.Errorf("--input: %w", err)
				}
			}
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				sched := scheduler.New(a.store, a.engine, a.logger)
				if err := sched.Register(ctx, trigger); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), trigger)
			})
		},
	}
	add.Flags().IntVar(&pinVersion, "version", 0, "pin a definition version (default: active version)")
	add.Flags().StringVar(&input, "input", "", "JSON object passed as the run input")
	add.Flags().BoolVar(&disabled, "disabled", false, "register the trigger disabled")

	list := &cobra.Command{
		Use:   "list",
		Short: "List cron triggers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				triggers, err := a.store.ListTriggers(ctx, store.TriggerFilter{})
				if err != nil {
					return err
				}
				if triggers == nil {
					triggers = []*store.Trigger{}
				}
				return printJSON(cmd.OutOrStdout(), triggers)
			})
		},
	}

	remove := &cobra.Command{
		Use:   "remove <trigger-id>",
		Short: "Delete a cron trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				return scheduler.New(a.store, a.engine, a.logger).Unregister(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(add, list, remove)
	return cmd
}
