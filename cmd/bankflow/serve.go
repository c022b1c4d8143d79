package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/bankflow/internal/scheduler"
	"github.com/rendis/bankflow/internal/telemetry"
	bfmcp "github.com/rendis/bankflow/pkg/mcp"
)

type configLoader func() (*Config, error)

func newServeCmd(load configLoader) *cobra.Command {
	var resume bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, sweepers, cron scheduler and MCP stdio server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, resume)
		},
	}
	cmd.Flags().BoolVar(&resume, "recover", true, "re-enter pending and in-progress runs at startup")
	return cmd
}

func serve(ctx context.Context, cfg *Config, resume bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing, "bankflow", version, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	a, err := newApp(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	if resume {
		n, err := a.recoverRuns(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			a.logger.Info("recovered runs", "runs", n)
		}
	}

	sched := scheduler.New(a.store, a.engine, a.logger)
	srv := bfmcp.NewServer(bfmcp.ServerDeps{
		Engine:  a.engine,
		Store:   a.store,
		Logger:  a.logger,
		Version: version,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.engine.RunSweepers(gctx)
	})
	g.Go(func() error {
		if err := sched.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		sched.Stop()
		return nil
	})
	g.Go(func() error {
		// The client closing stdin ends the session and the process.
		defer cancel()
		if err := srv.Serve(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	a.logger.Info("bankflow serving", "transport", "stdio", "version", version)
	err = g.Wait()
	a.logger.Info("bankflow stopped")
	return err
}
