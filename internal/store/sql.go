package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/bankflow/pkg/schema"
)

// Dialect selects placeholder syntax and migration scripts.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements Store over database/sql. Queries are written with ?
// placeholders and rebound for dialects that need numbered ones.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	onClose func() error
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an already opened database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// DB returns the underlying *sql.DB.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns the SQL dialect of the store.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// Close closes the database and any pool behind it.
func (s *SQLStore) Close() error {
	err := s.db.Close()
	if s.onClose != nil {
		if cerr := s.onClose(); err == nil {
			err = cerr
		}
	}
	return err
}

// Migrate runs all pending database migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, s.dialect)
}

func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- Definitions ---

const definitionColumns = `id, name, version, is_active, definition_json, created_at`

func (s *SQLStore) CreateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var latest int
		if err := tx.QueryRowContext(ctx,
			s.rebind(`SELECT COALESCE(MAX(version), 0) FROM definitions WHERE name = ?`), def.Name,
		).Scan(&latest); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			s.rebind(`UPDATE definitions SET is_active = 0 WHERE name = ?`), def.Name,
		); err != nil {
			return err
		}

		def.Version = latest + 1
		def.IsActive = true
		def.CreatedAt = &now
		body, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("marshal definition: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			s.rebind(`INSERT INTO definitions (`+definitionColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
			def.ID, def.Name, def.Version, 1, string(body), micros(now),
		)
		return err
	})
	return storeErr("create definition", err)
}

func (s *SQLStore) scanDefinition(row scanner) (*schema.WorkflowDefinition, error) {
	var (
		id, name, body string
		version        int
		active         int
		created        int64
	)
	if err := row.Scan(&id, &name, &version, &active, &body, &created); err != nil {
		return nil, err
	}
	def := &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(body), def); err != nil {
		return nil, fmt.Errorf("unmarshal definition %s: %w", id, err)
	}
	def.ID = id
	def.Name = name
	def.Version = version
	def.IsActive = active != 0
	t := fromMicros(created)
	def.CreatedAt = &t
	return def, nil
}

func (s *SQLStore) GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	def, err := s.scanDefinition(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+definitionColumns+` FROM definitions WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("definition", id)
	}
	return def, storeErr("get definition", err)
}

func (s *SQLStore) GetDefinitionByName(ctx context.Context, name string, version int) (*schema.WorkflowDefinition, error) {
	var row *sql.Row
	if version == 0 {
		row = s.db.QueryRowContext(ctx,
			s.rebind(`SELECT `+definitionColumns+` FROM definitions WHERE name = ? AND is_active = 1`), name)
	} else {
		row = s.db.QueryRowContext(ctx,
			s.rebind(`SELECT `+definitionColumns+` FROM definitions WHERE name = ? AND version = ?`), name, version)
	}
	def, err := s.scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("definition", schema.DefinitionRef{Name: name, Version: version}.String())
	}
	return def, storeErr("get definition", err)
}

func (s *SQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM definitions WHERE 1=1`
	var args []any
	if filter.Name != "" {
		query += ` AND name = ?`
		args = append(args, filter.Name)
	}
	if filter.ActiveOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY name ASC, version DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, storeErr("list definitions", err)
	}
	defer rows.Close()

	var out []*schema.WorkflowDefinition
	for rows.Next() {
		def, err := s.scanDefinition(rows)
		if err != nil {
			return nil, storeErr("list definitions", err)
		}
		out = append(out, def)
	}
	return out, storeErr("list definitions", rows.Err())
}

// --- Runs ---

const runColumns = `id, workflow_id, workflow_name, workflow_version, status, current_step, results_json,
	parent_run_id, parent_step_name, error, failed_step, cancel_requested, version,
	start_time, end_time, created_at, updated_at`

func (s *SQLStore) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	run.CreatedAt = timeOr(run.CreatedAt, now)
	run.UpdatedAt = now
	run.Version = 1

	results, err := marshalJSON(run.Results)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID, run.WorkflowID, run.WorkflowName, run.WorkflowVersion, string(run.Status), run.CurrentStep, results,
		run.ParentRunID, run.ParentStepName, run.Error, run.FailedStep, boolInt(run.CancelRequested), run.Version,
		nullMicros(run.StartTime), nullMicros(run.EndTime), micros(run.CreatedAt), micros(run.UpdatedAt),
	)
	return storeErr("create run", err)
}

func scanRun(row scanner) (*Run, error) {
	r := &Run{}
	var (
		status, results  string
		cancel           int
		start, end       sql.NullInt64
		created, updated int64
	)
	if err := row.Scan(&r.ID, &r.WorkflowID, &r.WorkflowName, &r.WorkflowVersion, &status, &r.CurrentStep, &results,
		&r.ParentRunID, &r.ParentStepName, &r.Error, &r.FailedStep, &cancel, &r.Version,
		&start, &end, &created, &updated); err != nil {
		return nil, err
	}
	m, err := unmarshalMap(results)
	if err != nil {
		return nil, fmt.Errorf("run %s results: %w", r.ID, err)
	}
	r.Results = m
	r.Status = schema.RunStatus(status)
	r.CancelRequested = cancel != 0
	r.StartTime = fromNullMicros(start)
	r.EndTime = fromNullMicros(end)
	r.CreatedAt = fromMicros(created)
	r.UpdatedAt = fromMicros(updated)
	return r, nil
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	return r, storeErr("get run", err)
}

func (s *SQLStore) SaveRun(ctx context.Context, run *Run) error {
	results, err := marshalJSON(run.Results)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE runs SET status = ?, current_step = ?, results_json = ?, error = ?, failed_step = ?,
			cancel_requested = ?, version = version + 1, start_time = ?, end_time = ?, updated_at = ?
			WHERE id = ? AND version = ?`),
		string(run.Status), run.CurrentStep, results, run.Error, run.FailedStep,
		boolInt(run.CancelRequested), nullMicros(run.StartTime), nullMicros(run.EndTime), micros(now),
		run.ID, run.Version,
	)
	if err != nil {
		return storeErr("save run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("save run", err)
	}
	if n == 0 {
		var stored int64
		err := s.db.QueryRowContext(ctx, s.rebind(`SELECT version FROM runs WHERE id = ?`), run.ID).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return storeNotFound("run", run.ID)
		}
		if err != nil {
			return storeErr("save run", err)
		}
		return versionConflict(run.ID, run.Version, stored)
	}
	run.Version++
	run.UpdatedAt = now
	return nil
}

func (s *SQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.WorkflowName != "" {
		query += ` AND workflow_name = ?`
		args = append(args, filter.WorkflowName)
	}
	if filter.ParentRunID != "" {
		query += ` AND parent_run_id = ?`
		args = append(args, filter.ParentRunID)
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, storeErr("list runs", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list runs", err)
	}
	if filter.Limit <= 0 && filter.Offset > 0 {
		out = limit(out, 0, filter.Offset)
	}
	return out, nil
}

// --- Tasks ---

const taskColumns = `id, run_id, step_name, type, agent_id, user_id, role, status,
	input_json, output_json, error_json, instructions, deadline_at, escalation_json, escalated_at,
	retry_count, retry_at, child_run_id, completed_by, created_at, updated_at, completed_at`

type taskJSON struct {
	input, output, errJSON, escalation string
}

func encodeTask(t *Task) (taskJSON, error) {
	var (
		enc taskJSON
		err error
	)
	if enc.input, err = marshalJSON(t.Input); err != nil {
		return enc, err
	}
	if enc.output, err = marshalJSON(t.Output); err != nil {
		return enc, err
	}
	if enc.errJSON, err = marshalJSON(t.Error); err != nil {
		return enc, err
	}
	if t.EscalationPolicy != nil {
		if enc.escalation, err = marshalJSON(t.EscalationPolicy); err != nil {
			return enc, err
		}
	}
	return enc, nil
}

func (s *SQLStore) CreateTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	task.CreatedAt = timeOr(task.CreatedAt, now)
	task.UpdatedAt = now

	enc, err := encodeTask(task)
	if err != nil {
		return err
	}
	var exists int
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM runs WHERE id = ?`), task.RunID).Scan(&exists)
	if err != nil {
		return storeErr("create task", err)
	}
	if exists == 0 {
		return storeNotFound("run", task.RunID)
	}
	_, err = s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		task.ID, task.RunID, task.StepName, string(task.Type), task.AgentID, task.UserID, task.Role, string(task.Status),
		enc.input, enc.output, enc.errJSON, task.Instructions, nullMicros(task.DeadlineAt), enc.escalation, nullMicros(task.EscalatedAt),
		task.RetryCount, nullMicros(task.RetryAt), task.ChildRunID, task.CompletedBy,
		micros(task.CreatedAt), micros(task.UpdatedAt), nullMicros(task.CompletedAt),
	)
	return storeErr("create task", err)
}

func scanTask(row scanner) (*Task, error) {
	t := &Task{}
	var (
		typ, status                               string
		input, output, errJSON, escalation        string
		deadline, escalated, retryAt, completedAt sql.NullInt64
		created, updated                          int64
	)
	if err := row.Scan(&t.ID, &t.RunID, &t.StepName, &typ, &t.AgentID, &t.UserID, &t.Role, &status,
		&input, &output, &errJSON, &t.Instructions, &deadline, &escalation, &escalated,
		&t.RetryCount, &retryAt, &t.ChildRunID, &t.CompletedBy, &created, &updated, &completedAt); err != nil {
		return nil, err
	}
	var err error
	if t.Input, err = unmarshalMap(input); err != nil {
		return nil, err
	}
	if t.Output, err = unmarshalMap(output); err != nil {
		return nil, err
	}
	if t.Error, err = unmarshalMap(errJSON); err != nil {
		return nil, err
	}
	if escalation != "" {
		t.EscalationPolicy = &schema.EscalationPolicy{}
		if err := json.Unmarshal([]byte(escalation), t.EscalationPolicy); err != nil {
			return nil, fmt.Errorf("task %s escalation policy: %w", t.ID, err)
		}
	}
	t.Type = TaskType(typ)
	t.Status = schema.TaskStatus(status)
	t.DeadlineAt = fromNullMicros(deadline)
	t.EscalatedAt = fromNullMicros(escalated)
	t.RetryAt = fromNullMicros(retryAt)
	t.CompletedAt = fromNullMicros(completedAt)
	t.CreatedAt = fromMicros(created)
	t.UpdatedAt = fromMicros(updated)
	return t, nil
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("task", id)
	}
	return t, storeErr("get task", err)
}

func (s *SQLStore) UpdateTask(ctx context.Context, task *Task) error {
	enc, err := encodeTask(task)
	if err != nil {
		return err
	}
	task.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE tasks SET agent_id = ?, user_id = ?, role = ?, status = ?, input_json = ?, output_json = ?,
			error_json = ?, instructions = ?, deadline_at = ?, escalation_json = ?, escalated_at = ?, retry_count = ?,
			retry_at = ?, child_run_id = ?, completed_by = ?, updated_at = ?, completed_at = ?
			WHERE id = ?`),
		task.AgentID, task.UserID, task.Role, string(task.Status), enc.input, enc.output,
		enc.errJSON, task.Instructions, nullMicros(task.DeadlineAt), enc.escalation, nullMicros(task.EscalatedAt), task.RetryCount,
		nullMicros(task.RetryAt), task.ChildRunID, task.CompletedBy, micros(task.UpdatedAt), nullMicros(task.CompletedAt),
		task.ID,
	)
	if err != nil {
		return storeErr("update task", err)
	}
	return checkRowsAffected(res, "task", task.ID)
}

func (s *SQLStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	add := func(clause string, v any) {
		query += ` AND ` + clause
		args = append(args, v)
	}
	if filter.RunID != "" {
		add(`run_id = ?`, filter.RunID)
	}
	if filter.StepName != "" {
		add(`step_name = ?`, filter.StepName)
	}
	if filter.Type != "" {
		add(`type = ?`, string(filter.Type))
	}
	if filter.UserID != "" {
		add(`user_id = ?`, filter.UserID)
	}
	if filter.Role != "" {
		add(`role = ?`, filter.Role)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND status IN (` + strings.Join(marks, ", ") + `)`
	}
	if filter.DeadlineBefore != nil {
		add(`deadline_at IS NOT NULL AND deadline_at <= ?`, micros(*filter.DeadlineBefore))
	}
	if filter.RetryDueBefore != nil {
		add(`retry_at IS NOT NULL AND retry_at <= ?`, micros(*filter.RetryDueBefore))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, storeErr("list tasks", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, storeErr("list tasks", err)
		}
		out = append(out, t)
	}
	return out, storeErr("list tasks", rows.Err())
}

// --- Events ---

func (s *SQLStore) AppendEvent(ctx context.Context, event *Event) error {
	payload, err := marshalJSON(event.Payload)
	if err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var seq int64
		if err := tx.QueryRowContext(ctx,
			s.rebind(`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`), event.RunID,
		).Scan(&seq); err != nil {
			return err
		}
		var id int64
		if err := tx.QueryRowContext(ctx,
			s.rebind(`INSERT INTO events (run_id, sequence, step_name, task_id, event_type, payload_json, timestamp)
				VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			event.RunID, seq, event.StepName, event.TaskID, event.Type, payload, micros(event.Timestamp),
		).Scan(&id); err != nil {
			return err
		}
		event.ID = id
		event.Sequence = seq
		return nil
	})
	return storeErr("append event", err)
}

func (s *SQLStore) ListEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT id, run_id, sequence, step_name, task_id, event_type, payload_json, timestamp
			FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`), runID, since)
	if err != nil {
		return nil, storeErr("list events", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var (
			payload string
			ts      int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Sequence, &e.StepName, &e.TaskID, &e.Type, &payload, &ts); err != nil {
			return nil, storeErr("list events", err)
		}
		if e.Payload, err = unmarshalMap(payload); err != nil {
			return nil, storeErr("list events", err)
		}
		e.Timestamp = fromMicros(ts)
		out = append(out, e)
	}
	return out, storeErr("list events", rows.Err())
}

// --- Triggers ---

const triggerColumns = `id, definition_json, cron_expression, input_json, enabled,
	last_run_at, next_run_at, last_run_status, last_run_id, created_at`

func (s *SQLStore) CreateTrigger(ctx context.Context, trigger *Trigger) error {
	if trigger.ID == "" {
		trigger.ID = uuid.NewString()
	}
	trigger.CreatedAt = timeOr(trigger.CreatedAt, time.Now().UTC())

	ref, err := marshalJSON(trigger.Definition)
	if err != nil {
		return err
	}
	input, err := marshalJSON(trigger.Input)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO triggers (`+triggerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		trigger.ID, ref, trigger.CronExpression, input, boolInt(trigger.Enabled),
		nullMicros(trigger.LastRunAt), nullMicros(trigger.NextRunAt), trigger.LastRunStatus, trigger.LastRunID,
		micros(trigger.CreatedAt),
	)
	return storeErr("create trigger", err)
}

func scanTrigger(row scanner) (*Trigger, error) {
	t := &Trigger{}
	var (
		ref, input       string
		enabled          int
		lastRun, nextRun sql.NullInt64
		created          int64
	)
	if err := row.Scan(&t.ID, &ref, &t.CronExpression, &input, &enabled,
		&lastRun, &nextRun, &t.LastRunStatus, &t.LastRunID, &created); err != nil {
		return nil, err
	}
	if ref != "" {
		if err := json.Unmarshal([]byte(ref), &t.Definition); err != nil {
			return nil, fmt.Errorf("trigger %s definition ref: %w", t.ID, err)
		}
	}
	var err error
	if t.Input, err = unmarshalMap(input); err != nil {
		return nil, err
	}
	t.Enabled = enabled != 0
	t.LastRunAt = fromNullMicros(lastRun)
	t.NextRunAt = fromNullMicros(nextRun)
	t.CreatedAt = fromMicros(created)
	return t, nil
}

func (s *SQLStore) GetTrigger(ctx context.Context, id string) (*Trigger, error) {
	t, err := scanTrigger(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+triggerColumns+` FROM triggers WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("trigger", id)
	}
	return t, storeErr("get trigger", err)
}

func (s *SQLStore) UpdateTrigger(ctx context.Context, id string, update TriggerUpdate) error {
	var (
		sets []string
		args []any
	)
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, micros(*update.LastRunAt))
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, micros(*update.NextRunAt))
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if update.LastRunID != "" {
		sets = append(sets, "last_run_id = ?")
		args = append(args, update.LastRunID)
	}
	if len(sets) == 0 {
		_, err := s.GetTrigger(ctx, id)
		return err
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE triggers SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return storeErr("update trigger", err)
	}
	return checkRowsAffected(res, "trigger", id)
}

func (s *SQLStore) ListTriggers(ctx context.Context, filter TriggerFilter) ([]*Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM triggers WHERE 1=1`
	var args []any
	if filter.Enabled != nil {
		query += ` AND enabled = ?`
		args = append(args, boolInt(*filter.Enabled))
	}
	query += ` ORDER BY id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, storeErr("list triggers", err)
	}
	defer rows.Close()

	var out []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, storeErr("list triggers", err)
		}
		out = append(out, t)
	}
	return out, storeErr("list triggers", rows.Err())
}

func (s *SQLStore) DeleteTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM triggers WHERE id = ?`), id)
	if err != nil {
		return storeErr("delete trigger", err)
	}
	return checkRowsAffected(res, "trigger", id)
}
