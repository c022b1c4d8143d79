package store

import (
	"database/sql"
	"fmt"

	_ "github.com/tursodatabase/go-libsql"
)

// sqlitePragmas apply to every SQLite-family connection. Some return rows,
// so they are issued through QueryRow.
var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA cache_size=-20000",
	"PRAGMA foreign_keys=ON",
	"PRAGMA temp_store=MEMORY",
}

func applyPragmas(db *sql.DB) {
	for _, p := range sqlitePragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}
}

// NewLibSQLStore opens a libSQL database. The path should be a file URI,
// e.g. "file:/path/to/bankflow.db".
func NewLibSQLStore(dbPath string) (*SQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)
	applyPragmas(db)
	return NewSQLStore(db, DialectSQLite), nil
}
