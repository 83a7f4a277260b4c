package builtin

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"rulekeeper/internal/rules"
)

const celCostLimit = 1_000_000

// CELCheck evaluates payload["expression"] with `vars` bound to payload["vars"]
// and `payload` bound to the whole payload. A true result is a success.
type CELCheck struct {
	once    sync.Once
	env     *cel.Env
	envErr  error
	mu      sync.RWMutex
	program map[string]cel.Program
}

func NewCELCheck() *CELCheck {
	return &CELCheck{program: map[string]cel.Program{}}
}

func (c *CELCheck) init() {
	c.env, c.envErr = cel.NewEnv(
		cel.Variable("vars", cel.DynType),
		cel.Variable("payload", cel.DynType),
	)
}

func (c *CELCheck) compile(expr string) (cel.Program, error) {
	c.once.Do(c.init)
	if c.envErr != nil {
		return nil, fmt.Errorf("cel env: %w", c.envErr)
	}

	c.mu.RLock()
	prg, ok := c.program[expr]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	prg, err := c.env.Program(ast, cel.CostLimit(celCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	c.mu.Lock()
	c.program[expr] = prg
	c.mu.Unlock()
	return prg, nil
}

func (c *CELCheck) Handle(ctx context.Context, payload map[string]any, _ *rules.ExecutionContext) (map[string]any, error) {
	expr, _ := payload["expression"].(string)
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return map[string]any{"success": false, "message": "payload.expression is required"}, nil
	}
	vars, _ := payload["vars"].(map[string]any)
	if vars == nil {
		vars = map[string]any{}
	}

	prg, err := c.compile(expr)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, map[string]any{"vars": vars, "payload": payload})
	if err != nil {
		return nil, fmt.Errorf("eval: %w", err)
	}

	matched, isBool := out.Value().(bool)
	if !isBool {
		return map[string]any{
			"success": false,
			"message": fmt.Sprintf("expression returned %T, want bool", out.Value()),
			"value":   fmt.Sprint(out.Value()),
		}, nil
	}
	msg := "expression is false"
	if matched {
		msg = "expression is true"
	}
	return map[string]any{"success": matched, "message": msg, "expression": expr}, nil
}
