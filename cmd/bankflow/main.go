// Command bankflow runs the bank-operations workflow engine and its MCP
// tool surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "bankflow:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "bankflow",
		Short:         "Workflow engine for bank operations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to bankflow.yaml")

	load := func() (*Config, error) { return loadConfig(configPath) }
	root.AddCommand(
		newServeCmd(load),
		newValidateCmd(load),
		newDefineCmd(load),
		newMigrateCmd(load),
		newScheduleCmd(load),
		newVersionCmd(),
	)
	return root
}
