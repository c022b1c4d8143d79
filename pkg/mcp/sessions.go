package mcp

import (
	"sort"
	"sync"

	"github.com/rendis/bankflow/internal/store"
)

// OperatorSessions tracks which operators are connected over MCP and which
// role queues they watch. Tools that carry an actor_id connect the caller;
// listing tasks by role with an actor_id subscribes the actor to that queue.
type OperatorSessions struct {
	mu       sync.RWMutex
	sessions map[string]string              // actor ID -> session ID
	watchers map[string]map[string]struct{} // role -> actor IDs
}

// NewOperatorSessions creates an empty registry.
func NewOperatorSessions() *OperatorSessions {
	return &OperatorSessions{
		sessions: make(map[string]string),
		watchers: make(map[string]map[string]struct{}),
	}
}

// Connect binds actorID to sessionID, replacing an earlier session.
func (o *OperatorSessions) Connect(actorID, sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessions[actorID] = sessionID
}

// Watch subscribes a connected actor to tasks assigned to role.
func (o *OperatorSessions) Watch(actorID, role string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.sessions[actorID]; !ok {
		return
	}
	set, ok := o.watchers[role]
	if !ok {
		set = make(map[string]struct{})
		o.watchers[role] = set
	}
	set[actorID] = struct{}{}
}

// SessionFor returns the actor's session, if connected.
func (o *OperatorSessions) SessionFor(actorID string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	sid, ok := o.sessions[actorID]
	return sid, ok
}

// Recipients returns the connected actors who should hear about task: the
// assigned user, or for a role task every actor watching that role.
func (o *OperatorSessions) Recipients(task *store.Task) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if task.UserID != "" {
		if _, ok := o.sessions[task.UserID]; ok {
			return []string{task.UserID}
		}
		return nil
	}
	var actors []string
	for actor := range o.watchers[task.Role] {
		actors = append(actors, actor)
	}
	sort.Strings(actors)
	return actors
}

// Disconnect drops every actor bound to sessionID along with its role
// subscriptions.
func (o *OperatorSessions) Disconnect(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for actor, sid := range o.sessions {
		if sid != sessionID {
			continue
		}
		delete(o.sessions, actor)
		for role, set := range o.watchers {
			delete(set, actor)
			if len(set) == 0 {
				delete(o.watchers, role)
			}
		}
	}
}

// Len returns the number of connected operators.
func (o *OperatorSessions) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.sessions)
}
