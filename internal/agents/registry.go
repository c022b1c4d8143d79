package agents

import (
	"sort"
	"sync"

	"github.com/rendis/bankflow/pkg/schema"
)

// Registry is the thread-safe agent lookup used by the dispatcher.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent. Returns error on duplicate id.
func (r *Registry) Register(agent Agent) error {
	if agent == nil {
		return schema.NewError(schema.ErrCodeValidation, "agent is nil")
	}
	info := agent.Info()
	if err := info.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[info.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "agent %q already registered", info.ID)
	}
	r.agents[info.ID] = agent
	return nil
}

// Unregister removes an agent by id.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, id)
}

// Resolve finds the agent a selector points at. Criteria and identifier
// lookups that match several agents pick the lowest id.
func (r *Registry) Resolve(sel *schema.AgentSelector) (Agent, error) {
	if sel == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "agent selector is nil")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if sel.AgentID != "" {
		if a, ok := r.agents[sel.AgentID]; ok {
			return a, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeAgentUnavailable, "agent %q not registered", sel.AgentID)
	}

	var match func(Info) bool
	switch {
	case sel.Identifier != "":
		match = func(i Info) bool { return i.Identifier == sel.Identifier }
	case sel.Criteria != nil:
		match = func(i Info) bool { return i.Matches(sel.Criteria) }
	default:
		return nil, schema.NewError(schema.ErrCodeValidation, "agent selector sets no resolution method")
	}

	var found Agent
	var foundID string
	for id, a := range r.agents {
		if !match(a.Info()) {
			continue
		}
		if found == nil || id < foundID {
			found, foundID = a, id
		}
	}
	if found == nil {
		return nil, schema.NewErrorf(schema.ErrCodeAgentUnavailable, "no agent matches %s", sel.String())
	}
	return found, nil
}

// HasAgent reports whether an agent id is registered.
func (r *Registry) HasAgent(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok
}

// List returns info for all registered agents, sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.agents))
	for _, a := range r.agents {
		infos = append(infos, a.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
