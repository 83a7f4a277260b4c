package rules

import (
	"context"
	"errors"
	"fmt"
	"path"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "rulekeeper/pkg/logx"
)

// Result is the normalized outcome of one rule execution.
type Result struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func failure(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...), Data: map[string]any{}}
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	// ScriptsDir holds manifest.yaml describing external rule processes.
	// Empty disables the external fallback.
	ScriptsDir string
	// Timeout bounds a single handler invocation. Zero means no limit.
	Timeout time.Duration
}

// Executor resolves rule names to handlers and runs them.
// Execute never returns an error: every failure becomes a Result.
type Executor struct {
	reg  *Registry
	opts ExecutorOptions
	log  logx.Logger

	extMu    sync.Mutex
	external map[string]Handler
}

func NewExecutor(reg *Registry, opts ExecutorOptions, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if reg == nil {
		reg = NewRegistry()
	}
	return &Executor{
		reg:      reg,
		opts:     opts,
		log:      log,
		external: map[string]Handler{},
	}
}

func (e *Executor) Registry() *Registry { return e.reg }

// SetTimeout changes the per-handler timeout; used on config reload.
func (e *Executor) SetTimeout(d time.Duration) {
	e.extMu.Lock()
	e.opts.Timeout = d
	e.extMu.Unlock()
}

func (e *Executor) timeout() time.Duration {
	e.extMu.Lock()
	defer e.extMu.Unlock()
	return e.opts.Timeout
}

// NormalizeName maps a script path to its rule name:
// "r", "r.py", "r/main.py" and "r/main" all become "r".
func NormalizeName(scriptPath string) string {
	s := strings.TrimSpace(scriptPath)
	s = strings.TrimPrefix(s, "./")
	if ext := path.Ext(s); ext != "" {
		s = strings.TrimSuffix(s, ext)
	}
	if s != "main" {
		s = strings.TrimSuffix(s, "/main")
	}
	return s
}

// Execute runs the rule named by scriptPath with payload. A nil ec gets a fresh context.
func (e *Executor) Execute(ctx context.Context, scriptPath string, payload map[string]any, ec *ExecutionContext) Result {
	name := NormalizeName(scriptPath)
	if name == "" {
		return failure("empty rule name")
	}

	h, ok := e.reg.Get(name)
	if !ok {
		h, ok = e.lookupExternal(name)
	}
	if !ok {
		if e.opts.ScriptsDir != "" {
			msg := fmt.Sprintf("Rule '%s' not found in registry or %s; register it at bootstrap or add it to the manifest", name, e.manifestPath())
			e.log.Error("rule not found", logx.String("rule", name), logx.String("manifest", e.manifestPath()))
			return failure("%s", msg)
		}
		e.log.Error("rule not found", logx.String("rule", name))
		return failure("Rule '%s' not found in registry", name)
	}

	if ec == nil {
		ec = NewExecutionContext(name)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return e.invoke(ctx, name, h, payload, ec)
}

// ExecuteChain runs names in order with one shared execution id and start time.
// Only the first step receives payload. It stops after the first failing step.
func (e *Executor) ExecuteChain(ctx context.Context, names []string, payload map[string]any, executionID uuid.UUID) []Result {
	if executionID == uuid.Nil {
		executionID = uuid.New()
	}
	started := time.Now().UTC()
	prev := map[string]map[string]any{}
	results := make([]Result, 0, len(names))

	for i, name := range names {
		ec := &ExecutionContext{
			ExecutionID:   executionID,
			RuleName:      name,
			StartedAt:     started,
			ChainPosition: i,
			PrevResults:   copyPrev(prev),
			Metadata:      map[string]any{},
		}
		step := map[string]any{}
		if i == 0 && payload != nil {
			step = payload
		}

		res := e.Execute(ctx, name, step, ec)
		results = append(results, res)

		rec := make(map[string]any, len(res.Data)+2)
		for k, v := range res.Data {
			rec[k] = v
		}
		rec["success"] = res.Success
		rec["message"] = res.Message
		prev[name] = rec

		if !res.Success {
			e.log.Warn("chain stopped", logx.String("rule", name), logx.Int("position", i), logx.String("err", res.Error))
			break
		}
	}
	return results
}

func (e *Executor) invoke(ctx context.Context, name string, h Handler, payload map[string]any, ec *ExecutionContext) (res Result) {
	if ctx == nil {
		ctx = context.Background()
	}
	if d := e.timeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	start := time.Now()
	log := e.log.With(logx.String("rule", name), logx.String("execution_id", ec.ExecutionID.String()))
	log.Debug("executing rule", logx.Int("chain_position", ec.ChainPosition))

	defer func() {
		if r := recover(); r != nil {
			log.Error("rule panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res = failure("Rule execution failed: panic: %v", r)
		}
	}()

	out, err := h(ctx, payload, ec)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			err = fmt.Errorf("timed out after %s: %w", e.timeout(), err)
		}
		log.Error("rule failed", logx.Err(err), logx.Duration("took", time.Since(start)))
		return failure("Rule execution failed: %v", err)
	}

	res, err = normalize(out)
	if err != nil {
		log.Error("rule returned malformed result", logx.Err(err))
		return failure("%v", err)
	}
	log.Info("rule completed", logx.Bool("success", res.Success), logx.Duration("took", time.Since(start)))
	return res
}

// normalize applies the handler contract to a raw result mapping.
func normalize(out map[string]any) (Result, error) {
	if out == nil {
		return Result{}, fmt.Errorf("%w: handler returned no result mapping", ErrContractViolation)
	}
	res := Result{Data: make(map[string]any, len(out))}
	if v, ok := out["success"]; ok {
		b, isBool := v.(bool)
		if !isBool {
			return Result{}, fmt.Errorf("%w: success must be a bool, got %T", ErrContractViolation, v)
		}
		res.Success = b
	}
	if v, ok := out["message"]; ok && v != nil {
		if s, isStr := v.(string); isStr {
			res.Message = s
		} else {
			res.Message = fmt.Sprint(v)
		}
	}
	for k, v := range out {
		if k == "success" || k == "message" {
			continue
		}
		res.Data[k] = v
	}
	return res, nil
}
