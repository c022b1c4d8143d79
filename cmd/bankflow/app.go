package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/bankflow/internal/agents"
	"github.com/rendis/bankflow/internal/engine"
	"github.com/rendis/bankflow/internal/httpcall"
	"github.com/rendis/bankflow/internal/logging"
	"github.com/rendis/bankflow/internal/runlock"
	"github.com/rendis/bankflow/internal/store"
	"github.com/rendis/bankflow/internal/telemetry"
	"github.com/rendis/bankflow/pkg/schema"
)

// app is the wired set of components shared by the commands.
type app struct {
	cfg     *Config
	logger  *slog.Logger
	store   store.Store
	agents  *agents.Registry
	engine  *engine.Engine
	closers []func() error
}

// newApp opens the store, applies migrations and builds the engine. Logs go
// to logOut; stdout is reserved for the MCP transport and command output.
func newApp(ctx context.Context, cfg *Config, logOut io.Writer) (*app, error) {
	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Format, logOut)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger, agents: agents.NewRegistry()}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	if err := st.Migrate(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	if err := a.agents.Register(agents.Passthrough("system.passthrough", "passthrough")); err != nil {
		a.Close()
		return nil, err
	}

	metrics := telemetry.DefaultMetrics()
	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithMetrics(metrics),
		engine.WithHTTPClient(httpcall.New(cfg.HTTP, httpcall.WithMetrics(metrics))),
	}
	locker, closeLocker, err := newLocker(cfg.Lock, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if locker != nil {
		opts = append(opts, engine.WithLocker(locker))
		a.closers = append(a.closers, closeLocker)
	}

	a.engine, err = engine.New(st, a.agents, cfg.Engine, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		a.engine.Close()
		return nil
	})

	logger.Info("bankflow initialized",
		"store", cfg.Store.Driver,
		"lock", cfg.Lock.Driver,
		"pool_size", a.engine.Config().WorkerPoolSize,
		"agents", a.agents.Count(),
	)
	return a, nil
}

// Close releases components in reverse order of creation.
func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown", "error", err)
	}
}

// recoverRuns re-enters every pending or in-progress run. Runs suspended on
// a human task stay suspended.
func (a *app) recoverRuns(ctx context.Context) (int, error) {
	recovered := 0
	for _, status := range []schema.RunStatus{schema.RunStatusPending, schema.RunStatusInProgress} {
		runs, err := a.store.ListRuns(ctx, store.RunFilter{Status: &status})
		if err != nil {
			return recovered, err
		}
		for _, run := range runs {
			if _, err := a.engine.RecoverRun(ctx, run.ID); err != nil {
				a.logger.Error("recover run failed", "run_id", run.ID, "error", err)
				continue
			}
			recovered++
		}
	}
	return recovered, nil
}

func openStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		if err := ensureDir(cfg.DSN); err != nil {
			return nil, err
		}
		return store.NewSQLiteStore(cfg.DSN)
	case "libsql":
		if err := ensureDir(cfg.DSN); err != nil {
			return nil, err
		}
		return store.NewLibSQLStore(cfg.DSN)
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// ensureDir creates the parent directory of a file DSN.
func ensureDir(dsn string) error {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || p == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// newLocker returns nil for the local driver; the engine then keeps its
// in-process lock.
func newLocker(cfg LockConfig, logger *slog.Logger) (runlock.Locker, func() error, error) {
	switch cfg.Driver {
	case "local", "":
		return nil, nil, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		opts := []runlock.RedisOption{runlock.WithLogger(logger)}
		if cfg.LeaseTTL > 0 {
			opts = append(opts, runlock.WithTTL(cfg.LeaseTTL))
		}
		chain := runlock.Chain{runlock.NewKeyedMutex(), runlock.NewRedisLocker(client, opts...)}
		return chain, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported lock driver %q", cfg.Driver)
	}
}
