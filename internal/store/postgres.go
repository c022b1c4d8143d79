package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// NewPostgresStore connects to PostgreSQL through a pgx pool exposed as *sql.DB.
func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewSQLStore(stdlib.OpenDBFromPool(pool), DialectPostgres)
	s.onClose = func() error {
		pool.Close()
		return nil
	}
	return s, nil
}
