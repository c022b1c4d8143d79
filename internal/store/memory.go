package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/bankflow/pkg/schema"
)

// MemoryStore is an in-process Store. Values are deep-copied on the way in
// and out so callers never share state with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]*schema.WorkflowDefinition
	runs        map[string]*Run
	tasks       map[string]*Task
	events      map[string][]*Event
	triggers    map[string]*Trigger
	eventSeq    int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*schema.WorkflowDefinition),
		runs:        make(map[string]*Run),
		tasks:       make(map[string]*Task),
		events:      make(map[string][]*Event),
		triggers:    make(map[string]*Trigger),
	}
}

var _ Store = (*MemoryStore)(nil)

func clone[T any](v *T) *T {
	b, err := json.Marshal(v)
	if err != nil {
		panic("store: value is not serializable: " + err.Error())
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		panic("store: value does not round-trip: " + err.Error())
	}
	return out
}

// Migrate is a no-op.
func (m *MemoryStore) Migrate(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// --- Definitions ---

func (m *MemoryStore) CreateDefinition(_ context.Context, def *schema.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if _, exists := m.definitions[def.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "definition %q already exists", def.ID)
	}

	latest := 0
	for _, d := range m.definitions {
		if d.Name != def.Name {
			continue
		}
		if d.Version > latest {
			latest = d.Version
		}
	}
	for _, d := range m.definitions {
		if d.Name == def.Name {
			d.IsActive = false
		}
	}

	now := time.Now().UTC()
	def.Version = latest + 1
	def.IsActive = true
	def.CreatedAt = &now
	m.definitions[def.ID] = clone(def)
	return nil
}

func (m *MemoryStore) GetDefinition(_ context.Context, id string) (*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.definitions[id]
	if !ok {
		return nil, storeNotFound("definition", id)
	}
	return clone(d), nil
}

func (m *MemoryStore) GetDefinitionByName(_ context.Context, name string, version int) (*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.definitions {
		if d.Name != name {
			continue
		}
		if (version == 0 && d.IsActive) || (version != 0 && d.Version == version) {
			return clone(d), nil
		}
	}
	return nil, storeNotFound("definition", schema.DefinitionRef{Name: name, Version: version}.String())
}

func (m *MemoryStore) ListDefinitions(_ context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*schema.WorkflowDefinition
	for _, d := range m.definitions {
		if filter.Name != "" && d.Name != filter.Name {
			continue
		}
		if filter.ActiveOnly && !d.IsActive {
			continue
		}
		out = append(out, clone(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version > out[j].Version
	})
	return limit(out, filter.Limit, 0), nil
}

// --- Runs ---

func (m *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if _, exists := m.runs[run.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	now := time.Now().UTC()
	run.CreatedAt = timeOr(run.CreatedAt, now)
	run.UpdatedAt = now
	run.Version = 1
	m.runs[run.ID] = clone(run)
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	return clone(r), nil
}

func (m *MemoryStore) SaveRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.runs[run.ID]
	if !ok {
		return storeNotFound("run", run.ID)
	}
	if existing.Version != run.Version {
		return versionConflict(run.ID, run.Version, existing.Version)
	}
	run.Version++
	run.UpdatedAt = time.Now().UTC()
	m.runs[run.ID] = clone(run)
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Run
	for _, r := range m.runs {
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		if filter.WorkflowName != "" && r.WorkflowName != filter.WorkflowName {
			continue
		}
		if filter.ParentRunID != "" && r.ParentRunID != filter.ParentRunID {
			continue
		}
		out = append(out, clone(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return limit(out, filter.Limit, filter.Offset), nil
}

// --- Tasks ---

func (m *MemoryStore) CreateTask(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if _, exists := m.tasks[task.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "task %q already exists", task.ID)
	}
	if _, ok := m.runs[task.RunID]; !ok {
		return storeNotFound("run", task.RunID)
	}
	now := time.Now().UTC()
	task.CreatedAt = timeOr(task.CreatedAt, now)
	task.UpdatedAt = now
	m.tasks[task.ID] = clone(task)
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, storeNotFound("task", id)
	}
	return clone(t), nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[task.ID]; !ok {
		return storeNotFound("task", task.ID)
	}
	task.UpdatedAt = time.Now().UTC()
	m.tasks[task.ID] = clone(task)
	return nil
}

func (m *MemoryStore) ListTasks(_ context.Context, filter TaskFilter) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Task
	for _, t := range m.tasks {
		if filter.matches(t) {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return limit(out, filter.Limit, 0), nil
}

func (f TaskFilter) matches(t *Task) bool {
	if f.RunID != "" && t.RunID != f.RunID {
		return false
	}
	if f.StepName != "" && t.StepName != f.StepName {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.UserID != "" && t.UserID != f.UserID {
		return false
	}
	if f.Role != "" && t.Role != f.Role {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if t.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.DeadlineBefore != nil && (t.DeadlineAt == nil || t.DeadlineAt.After(*f.DeadlineBefore)) {
		return false
	}
	if f.RetryDueBefore != nil && (t.RetryAt == nil || t.RetryAt.After(*f.RetryDueBefore)) {
		return false
	}
	return true
}

// --- Events ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.eventSeq++
	event.ID = m.eventSeq
	event.Sequence = int64(len(m.events[event.RunID]) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	m.events[event.RunID] = append(m.events[event.RunID], clone(event))
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, runID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, e := range m.events[runID] {
		if e.Sequence > since {
			out = append(out, clone(e))
		}
	}
	return out, nil
}

// --- Triggers ---

func (m *MemoryStore) CreateTrigger(_ context.Context, trigger *Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if trigger.ID == "" {
		trigger.ID = uuid.NewString()
	}
	if _, exists := m.triggers[trigger.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "trigger %q already exists", trigger.ID)
	}
	trigger.CreatedAt = timeOr(trigger.CreatedAt, time.Now().UTC())
	m.triggers[trigger.ID] = clone(trigger)
	return nil
}

func (m *MemoryStore) GetTrigger(_ context.Context, id string) (*Trigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.triggers[id]
	if !ok {
		return nil, storeNotFound("trigger", id)
	}
	return clone(t), nil
}

func (m *MemoryStore) UpdateTrigger(_ context.Context, id string, update TriggerUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.triggers[id]
	if !ok {
		return storeNotFound("trigger", id)
	}
	if update.Enabled != nil {
		t.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		v := *update.LastRunAt
		t.LastRunAt = &v
	}
	if update.NextRunAt != nil {
		v := *update.NextRunAt
		t.NextRunAt = &v
	}
	if update.LastRunStatus != "" {
		t.LastRunStatus = update.LastRunStatus
	}
	if update.LastRunID != "" {
		t.LastRunID = update.LastRunID
	}
	return nil
}

func (m *MemoryStore) ListTriggers(_ context.Context, filter TriggerFilter) ([]*Trigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Trigger
	for _, t := range m.triggers {
		if filter.Enabled != nil && t.Enabled != *filter.Enabled {
			continue
		}
		out = append(out, clone(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return limit(out, filter.Limit, 0), nil
}

func (m *MemoryStore) DeleteTrigger(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.triggers[id]; !ok {
		return storeNotFound("trigger", id)
	}
	delete(m.triggers, id)
	return nil
}

func limit[T any](items []T, n, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if n > 0 && len(items) > n {
		items = items[:n]
	}
	return items
}
