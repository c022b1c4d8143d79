package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// NewSQLiteStore opens a SQLite database through the pure-Go modernc driver.
// Use ":memory:" or a file path.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	applyPragmas(db)
	return NewSQLStore(db, DialectSQLite), nil
}
