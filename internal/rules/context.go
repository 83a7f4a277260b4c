package rules

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionContext travels with one rule invocation. Chains share ExecutionID
// and StartedAt across all steps.
type ExecutionContext struct {
	ExecutionID   uuid.UUID
	RuleName      string
	StartedAt     time.Time
	ChainPosition int
	// PrevResults maps a previous step's rule name to its success, message and data fields.
	PrevResults map[string]map[string]any
	Metadata    map[string]any
}

// NewExecutionContext returns a context for a standalone (non-chain) execution.
func NewExecutionContext(ruleName string) *ExecutionContext {
	return &ExecutionContext{
		ExecutionID: uuid.New(),
		RuleName:    ruleName,
		StartedAt:   time.Now().UTC(),
		PrevResults: map[string]map[string]any{},
		Metadata:    map[string]any{},
	}
}

// PrevResult returns the recorded result of an earlier chain step, or nil.
func (c *ExecutionContext) PrevResult(name string) map[string]any {
	if c == nil || c.PrevResults == nil {
		return nil
	}
	return c.PrevResults[name]
}

func copyPrev(in map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
