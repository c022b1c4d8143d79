package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/bankflow/pkg/schema"
)

func storeNotFound(resource, id string) *schema.BankflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func versionConflict(runID string, have, stored int64) *schema.BankflowError {
	return schema.NewErrorf(schema.ErrCodeConflict, "run %q was modified concurrently (version %d, stored %d)", runID, have, stored).
		WithDetails(map[string]any{"run_id": runID, "version": have, "stored_version": stored})
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*schema.BankflowError); ok {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOr(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}

// Timestamps are stored as unix microseconds in every dialect.

func micros(t time.Time) int64 { return t.UnixMicro() }

func nullMicros(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMicro()
}

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	if string(b) == "null" {
		return "", nil
	}
	return string(b), nil
}

func unmarshalMap(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("unmarshal json: %w", err)
	}
	return m, nil
}
