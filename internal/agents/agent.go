// Package agents holds the callables behind agent_execution steps. Agent
// business logic is opaque to the engine: it sees a Request in and an
// output map out.
package agents

import (
	"context"

	"github.com/rendis/bankflow/pkg/schema"
)

// Agent kinds.
const (
	KindLLM     = "llm"
	KindSystem  = "system"
	KindHuman   = "human"
	KindService = "service"
)

var validKinds = map[string]bool{
	KindLLM:     true,
	KindSystem:  true,
	KindHuman:   true,
	KindService: true,
}

// Agent is an executable unit resolved by an agent selector.
type Agent interface {
	Info() Info
	Execute(ctx context.Context, req Request) (map[string]any, error)
}

// Info describes how an agent can be selected.
type Info struct {
	ID           string            `json:"id"`
	Kind         string            `json:"kind"`
	Identifier   string            `json:"identifier,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Description  string            `json:"description,omitempty"`
}

// Request is what an agent receives. Context is a snapshot of the run's
// execution context; Parameters are the step's selector parameters after
// interpolation.
type Request struct {
	RunID      string         `json:"run_id"`
	StepName   string         `json:"step_name"`
	TaskID     string         `json:"task_id"`
	Attempt    int            `json:"attempt"`
	Context    map[string]any `json:"context"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Validate checks required fields on Info.
func (i Info) Validate() error {
	if i.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent id is required")
	}
	if !validKinds[i.Kind] {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid agent kind %q: must be one of llm, system, human, service", i.Kind)
	}
	return nil
}

func (i Info) hasCapability(c string) bool {
	for _, have := range i.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Matches reports whether the agent satisfies the criteria: the capability
// is declared and every requested tag is present with the same value.
func (i Info) Matches(c *schema.AgentCriteria) bool {
	if c == nil || !i.hasCapability(c.Capability) {
		return false
	}
	for k, v := range c.Tags {
		if i.Tags[k] != v {
			return false
		}
	}
	return true
}

// FuncAgent adapts a function into an Agent.
type FuncAgent struct {
	info Info
	fn   func(ctx context.Context, req Request) (map[string]any, error)
}

// Func builds a FuncAgent.
func Func(info Info, fn func(ctx context.Context, req Request) (map[string]any, error)) *FuncAgent {
	return &FuncAgent{info: info, fn: fn}
}

func (f *FuncAgent) Info() Info { return f.info }

func (f *FuncAgent) Execute(ctx context.Context, req Request) (map[string]any, error) {
	return f.fn(ctx, req)
}

// Passthrough returns an agent that echoes its parameters, or the context
// when there are none. Useful for wiring and smoke tests.
func Passthrough(id string, capabilities ...string) *FuncAgent {
	return Func(Info{ID: id, Kind: KindSystem, Identifier: id, Capabilities: capabilities},
		func(_ context.Context, req Request) (map[string]any, error) {
			if len(req.Parameters) > 0 {
				return req.Parameters, nil
			}
			return map[string]any{"context": req.Context["context"]}, nil
		})
}
