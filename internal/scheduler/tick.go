package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"rulekeeper/internal/callback"
	"rulekeeper/internal/metrics"
	"rulekeeper/internal/rules"
	"rulekeeper/internal/schedule"
	"rulekeeper/internal/storage"
	logx "rulekeeper/pkg/logx"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

var ErrInvalidLimit = fmt.Errorf("limit must be between 1 and %d", MaxLimit)

type TickRequest struct {
	// Now overrides the tick time. Nil means the current UTC time.
	Now   *time.Time `json:"now,omitempty"`
	Limit int        `json:"limit,omitempty"`
}

type TickResponse struct {
	Processed    int      `json:"processed"`
	Succeeded    int      `json:"succeeded"`
	Failed       int      `json:"failed"`
	ExecutionIDs []string `json:"execution_ids"`
}

// TickUseCase runs one scheduling pass. Passes are serialized.
type TickUseCase struct {
	mu        sync.Mutex
	store     storage.Store
	executor  *rules.Executor
	callbacks *callback.Factory
	metrics   *metrics.Metrics
	log       logx.Logger
	now       func() time.Time
}

func NewTickUseCase(store storage.Store, executor *rules.Executor, callbacks *callback.Factory, m *metrics.Metrics, log logx.Logger) *TickUseCase {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &TickUseCase{
		store:     store,
		executor:  executor,
		callbacks: callbacks,
		metrics:   m,
		log:       log.With(logx.String("comp", "tick")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Execute processes up to req.Limit due rules. A failure local to one rule is
// logged and counted; only listing due rules and the final commit can fail the
// pass, in which case everything is rolled back.
//
// ctx bounds handlers and callbacks only. Storage work runs detached from it so
// a canceled caller never discards the record of rules that already ran; rules
// not yet started when ctx ends are left due for the next pass.
func (u *TickUseCase) Execute(ctx context.Context, req TickRequest) (resp TickResponse, err error) {
	limit := req.Limit
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit < 1 || limit > MaxLimit {
		return TickResponse{}, ErrInvalidLimit
	}
	now := u.now()
	if req.Now != nil && !req.Now.IsZero() {
		now = *req.Now
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	start := time.Now()
	defer func() { u.metrics.ObserveTick(time.Since(start), err) }()

	txCtx := context.WithoutCancel(ctx)
	tx, err := u.store.Begin(txCtx)
	if err != nil {
		return TickResponse{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	svc := NewService(tx)

	due, err := svc.ListDueRules(txCtx, now, limit)
	if err != nil {
		return TickResponse{}, fmt.Errorf("list due rules: %w", err)
	}
	u.log.Info("due rules", logx.Int("count", len(due)), logx.Time("now", now))

	resp.ExecutionIDs = make([]string, 0, len(due))
	for i, rule := range due {
		if ctx.Err() != nil {
			u.log.Warn("tick canceled; remaining rules stay due",
				logx.Int("remaining", len(due)-i),
				logx.Err(ctx.Err()),
			)
			break
		}
		resp.Processed++
		ok, execID := u.runRule(ctx, txCtx, svc, rule, now, fmt.Sprintf("rule_%d", i))
		if execID != "" {
			resp.ExecutionIDs = append(resp.ExecutionIDs, execID)
		}
		if ok {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}

	if err := tx.Commit(); err != nil {
		return TickResponse{}, fmt.Errorf("commit tick: %w", err)
	}
	committed = true
	return resp, nil
}

// runRule runs one rule inside savepoint sp. When any of its writes fails the
// savepoint is rolled back, so the rest of the batch still commits, and the
// rule is rescheduled on its own so it does not stay due forever.
func (u *TickUseCase) runRule(ctx, txCtx context.Context, svc *Service, rule storage.Rule, now time.Time, sp string) (bool, string) {
	log := u.log.With(logx.String("rule", rule.Name), logx.String("rule_id", rule.ID))

	if err := svc.Checkpoint(txCtx, sp); err != nil {
		log.Error("savepoint failed", logx.Err(err))
		sp = ""
	}

	ok, execID, err := u.attempt(ctx, txCtx, svc, rule, now, log)
	if err == nil {
		err = u.reschedule(txCtx, svc, rule, now, log)
	} else if sp == "" {
		_ = u.reschedule(txCtx, svc, rule, now, log)
	}
	if err != nil {
		ok = false
		if sp != "" {
			if rbErr := svc.Discard(txCtx, sp); rbErr != nil {
				log.Error("rollback to savepoint failed", logx.Err(rbErr))
			} else {
				log.Warn("rule writes discarded after storage error", logx.Err(err))
				execID = ""
				if err := u.reschedule(txCtx, svc, rule, now, log); err != nil {
					_ = svc.Discard(txCtx, sp)
				}
			}
		}
	}
	if sp != "" {
		if err := svc.Keep(txCtx, sp); err != nil {
			log.Error("release savepoint failed", logx.Err(err))
		}
	}
	return ok, execID
}

// attempt records an execution, runs the handler and fires callbacks. The
// returned error is a storage failure; handler failures are part of ok.
func (u *TickUseCase) attempt(ctx, txCtx context.Context, svc *Service, rule storage.Rule, now time.Time, log logx.Logger) (bool, string, error) {
	exec, err := svc.StartExecution(txCtx, rule.ID, now)
	if err != nil {
		log.Error("start execution failed", logx.Err(err))
		return false, "", err
	}

	var res rules.Result
	if rule.LoadError != "" {
		res = rules.Result{Success: false, Error: rule.LoadError, Data: map[string]any{}}
	} else {
		ec := rules.NewExecutionContext(rules.NormalizeName(rule.ExecutionScriptPath))
		if id, err := uuid.Parse(exec.ID); err == nil {
			ec.ExecutionID = id
		}
		ec.Metadata["rule_id"] = rule.ID

		started := time.Now()
		res = u.executor.Execute(ctx, rule.ExecutionScriptPath, rule.Payload, ec)
		u.metrics.ObserveExecution(rule.Name, res.Success, time.Since(started))
	}

	cc := callback.Context{
		RuleName:    rule.Name,
		RuleID:      rule.ID,
		ExecutionID: exec.ID,
		Success:     res.Success,
		Message:     res.Message,
		Data:        res.Data,
		Payload:     rule.Payload,
	}

	var finishErr error
	if res.Success {
		if finishErr = svc.FinishExecutionSuccess(txCtx, exec.ID, successSummary(res)); finishErr != nil {
			log.Error("finish execution failed", logx.String("execution_id", exec.ID), logx.Err(finishErr))
		}
		log.Info("rule succeeded", logx.String("execution_id", exec.ID), logx.String("message", res.Message))
		u.fireCallback(ctx, "on_success", rule.OnSuccess, cc, log)
	} else {
		if finishErr = svc.FinishExecutionFailure(txCtx, exec.ID, failureSummary(res)); finishErr != nil {
			log.Error("finish execution failed", logx.String("execution_id", exec.ID), logx.Err(finishErr))
		}
		log.Warn("rule failed", logx.String("execution_id", exec.ID), logx.String("error", res.Error))
		u.fireCallback(ctx, "on_failure", rule.OnFailure, cc, log)
	}
	return res.Success, exec.ID, finishErr
}

func (u *TickUseCase) fireCallback(ctx context.Context, hook string, spec *callback.Spec, cc callback.Context, log logx.Logger) {
	if spec == nil || u.callbacks == nil {
		return
	}
	h := u.callbacks.Build(spec)
	if h == nil {
		return
	}
	if !callback.Run(ctx, h, cc, log) {
		u.metrics.CallbackFailed(cc.RuleName, hook)
		log.Warn("callback reported failure", logx.String("hook", hook))
	}
}

// reschedule advances next_run_at from now. An unparsable schedule leaves the
// pointer where it is, so the rule stays due and is retried every tick. Only a
// storage failure is returned.
func (u *TickUseCase) reschedule(ctx context.Context, svc *Service, rule storage.Rule, now time.Time, log logx.Logger) error {
	next, err := schedule.NextRun(rule.Schedule, now)
	if err != nil {
		u.metrics.RescheduleFailed()
		if schedule.IsValidationError(err) {
			log.Error("invalid cron for rule", logx.String("schedule", rule.Schedule), logx.Err(err))
		} else {
			log.Error("next run failed", logx.Err(err))
		}
		return nil
	}
	if err := svc.UpdateNextRunAt(ctx, rule.ID, next); err != nil {
		u.metrics.RescheduleFailed()
		log.Error("update next run failed", logx.Err(err))
		return err
	}
	log.Debug("rule rescheduled", logx.Time("next_run_at", next))
	return nil
}

func successSummary(r rules.Result) string {
	if r.Message != "" {
		return r.Message
	}
	return "Executed successfully"
}

func failureSummary(r rules.Result) string {
	switch {
	case r.Error != "":
		return r.Error
	case r.Message != "":
		return r.Message
	default:
		return "Execution failed"
	}
}

// IsRequestError reports whether err was caused by the tick request itself.
func IsRequestError(err error) bool { return errors.Is(err, ErrInvalidLimit) }
