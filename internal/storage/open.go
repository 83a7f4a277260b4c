package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "rulekeeper/pkg/logx"
)

// Store is the persistence API used by the scheduler and the operator surfaces.
type Store interface {
	// Begin opens a unit of work. Callers must Commit or Rollback.
	Begin(ctx context.Context) (Tx, error)

	CreateRule(ctx context.Context, r Rule) (Rule, error)
	UpdateRule(ctx context.Context, r Rule) (Rule, error)
	GetRule(ctx context.Context, id string) (Rule, error)
	GetRuleByName(ctx context.Context, name string) (Rule, error)
	ListRules(ctx context.Context) ([]Rule, error)

	// ListExecutions returns the newest executions of a rule first.
	ListExecutions(ctx context.Context, ruleID string, limit int) ([]Execution, error)
	LatestExecution(ctx context.Context, ruleID string) (Execution, error)

	Close() error
}

// Tx is the transactional view a tick works through.
type Tx interface {
	// ListDueRules returns active rules with NextRunAt <= now, oldest first.
	ListDueRules(ctx context.Context, now time.Time, limit int) ([]Rule, error)
	CreateExecution(ctx context.Context, ruleID string, executedAt time.Time) (Execution, error)
	// FinishExecution moves a running execution to a terminal status.
	// It returns ErrNotRunning if the row already left the running state.
	FinishExecution(ctx context.Context, id string, status Status, summary string) error
	UpdateNextRunAt(ctx context.Context, ruleID string, next time.Time) error

	// Savepoint marks a point RollbackTo can return to without losing the
	// rest of the transaction. Names must be plain identifiers.
	Savepoint(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error
	Release(ctx context.Context, name string) error

	Commit() error
	Rollback() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// UpsertRule creates r, or updates the rule with the same name. An existing
// rule keeps its NextRunAt unless the schedule changed.
func UpsertRule(ctx context.Context, st Store, r Rule) (Rule, bool, error) {
	cur, err := st.GetRuleByName(ctx, r.Name)
	if errors.Is(err, ErrNotFound) {
		created, err := st.CreateRule(ctx, r)
		return created, true, err
	}
	if err != nil {
		return Rule{}, false, err
	}
	r.ID = cur.ID
	r.CreatedAt = cur.CreatedAt
	if r.Schedule == cur.Schedule || r.NextRunAt.IsZero() {
		r.NextRunAt = cur.NextRunAt
	}
	updated, err := st.UpdateRule(ctx, r)
	return updated, false, err
}

// FindRule resolves ref as a rule id first, then as a name.
func FindRule(ctx context.Context, st Store, ref string) (Rule, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Rule{}, ErrNotFound
	}
	if _, perr := uuid.Parse(ref); perr == nil {
		r, err := st.GetRule(ctx, ref)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return r, err
		}
	}
	return st.GetRuleByName(ctx, ref)
}

// SetRuleActive toggles is_active on the rule named or identified by ref.
func SetRuleActive(ctx context.Context, st Store, ref string, active bool) (Rule, error) {
	r, err := FindRule(ctx, st, ref)
	if err != nil {
		return Rule{}, err
	}
	r.IsActive = active
	return st.UpdateRule(ctx, r)
}

func validateRule(r Rule) error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("storage: rule name is required")
	}
	if strings.TrimSpace(r.Schedule) == "" {
		return errors.New("storage: rule schedule is required")
	}
	if strings.TrimSpace(r.ExecutionScriptPath) == "" {
		return errors.New("storage: rule execution_script_path is required")
	}
	return nil
}

// prepareNew fills ID and timestamps. A zero NextRunAt makes the rule due now.
func prepareNew(r Rule, now time.Time) Rule {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.Payload == nil {
		r.Payload = map[string]any{}
	}
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.NextRunAt.IsZero() {
		r.NextRunAt = now
	}
	r.NextRunAt = r.NextRunAt.UTC().Truncate(time.Millisecond)
	return r
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}
