package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"rulekeeper/internal/callback"
	logx "rulekeeper/pkg/logx"
)

// dialect covers the differences between the SQL backends.
type dialect struct {
	name string
	// numbered placeholders ($1, $2...) instead of ?
	numbered bool
	// appended to the due-rule query
	lockDue string
	// encodes a timestamp for a bind parameter
	encTime func(time.Time) any
}

func (d dialect) q(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
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

// sqlStore implements Store over database/sql for sqlite and postgres.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

const ruleColumns = `id, name, schedule, is_active, payload, execution_script_path, on_success, on_failure, next_run_at, created_at, updated_at`
const execColumns = `id, rule_id, status, executed_at, log_summary, artifact_path, created_at, updated_at`

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Begin(ctx context.Context) (Tx, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &sqlTx{tx: tx, d: s.d, log: s.log}, nil
}

func (s *sqlStore) CreateRule(ctx context.Context, r Rule) (Rule, error) {
	if err := validateRule(r); err != nil {
		return Rule{}, err
	}
	r = prepareNew(r, now())
	payload, onSuccess, onFailure, err := encodeRuleJSON(r)
	if err != nil {
		return Rule{}, err
	}
	_, err = s.db.ExecContext(ctx, s.d.q(`INSERT INTO rules(`+ruleColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`),
		r.ID, r.Name, r.Schedule, r.IsActive, payload, r.ExecutionScriptPath, onSuccess, onFailure,
		s.d.encTime(r.NextRunAt), s.d.encTime(r.CreatedAt), s.d.encTime(r.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Rule{}, fmt.Errorf("%w: %s", ErrDuplicate, r.Name)
		}
		return Rule{}, err
	}
	return r, nil
}

func (s *sqlStore) UpdateRule(ctx context.Context, r Rule) (Rule, error) {
	if err := validateRule(r); err != nil {
		return Rule{}, err
	}
	if r.Payload == nil {
		r.Payload = map[string]any{}
	}
	r.UpdatedAt = now()
	r.NextRunAt = r.NextRunAt.UTC().Truncate(time.Millisecond)
	payload, onSuccess, onFailure, err := encodeRuleJSON(r)
	if err != nil {
		return Rule{}, err
	}
	res, err := s.db.ExecContext(ctx, s.d.q(`UPDATE rules SET name=?, schedule=?, is_active=?, payload=?, execution_script_path=?,
		on_success=?, on_failure=?, next_run_at=?, updated_at=? WHERE id=?`),
		r.Name, r.Schedule, r.IsActive, payload, r.ExecutionScriptPath, onSuccess, onFailure,
		s.d.encTime(r.NextRunAt), s.d.encTime(r.UpdatedAt), r.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Rule{}, fmt.Errorf("%w: %s", ErrDuplicate, r.Name)
		}
		return Rule{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Rule{}, ErrNotFound
	}
	return s.GetRule(ctx, r.ID)
}

func (s *sqlStore) GetRule(ctx context.Context, id string) (Rule, error) {
	return s.getRule(ctx, `id = ?`, id)
}

func (s *sqlStore) GetRuleByName(ctx context.Context, name string) (Rule, error) {
	return s.getRule(ctx, `name = ?`, name)
}

func (s *sqlStore) ListRules(ctx context.Context) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return scanRules(rows, s.log)
}

func (s *sqlStore) ListExecutions(ctx context.Context, ruleID string, limit int) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		s.d.q(`SELECT `+execColumns+` FROM rule_executions WHERE rule_id = ? ORDER BY executed_at DESC, created_at DESC LIMIT ?`),
		ruleID, clampLimit(limit, 20),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) LatestExecution(ctx context.Context, ruleID string) (Execution, error) {
	list, err := s.ListExecutions(ctx, ruleID, 1)
	if err != nil {
		return Execution{}, err
	}
	if len(list) == 0 {
		return Execution{}, ErrNotFound
	}
	return list[0], nil
}

type sqlTx struct {
	tx  *sql.Tx
	d   dialect
	log logx.Logger
}

func (t *sqlTx) ListDueRules(ctx context.Context, at time.Time, limit int) ([]Rule, error) {
	rows, err := t.tx.QueryContext(ctx,
		t.d.q(`SELECT `+ruleColumns+` FROM rules WHERE is_active = ? AND next_run_at <= ? ORDER BY next_run_at ASC LIMIT ?`+t.d.lockDue),
		true, t.d.encTime(at.UTC()), clampLimit(limit, 100),
	)
	if err != nil {
		return nil, err
	}
	return scanRules(rows, t.log)
}

func (t *sqlTx) CreateExecution(ctx context.Context, ruleID string, executedAt time.Time) (Execution, error) {
	ts := now()
	e := Execution{
		ID:         newID(),
		RuleID:     ruleID,
		Status:     StatusRunning,
		ExecutedAt: executedAt.UTC().Truncate(time.Millisecond),
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	_, err := t.tx.ExecContext(ctx, t.d.q(`INSERT INTO rule_executions(`+execColumns+`) VALUES(?,?,?,?,?,?,?,?)`),
		e.ID, e.RuleID, string(e.Status), t.d.encTime(e.ExecutedAt), nil, nil, t.d.encTime(e.CreatedAt), t.d.encTime(e.UpdatedAt),
	)
	if err != nil {
		return Execution{}, err
	}
	return e, nil
}

func (t *sqlTx) FinishExecution(ctx context.Context, id string, status Status, summary string) error {
	if !status.Terminal() {
		return fmt.Errorf("storage: %q is not a terminal status", status)
	}
	res, err := t.tx.ExecContext(ctx,
		t.d.q(`UPDATE rule_executions SET status = ?, log_summary = ?, updated_at = ? WHERE id = ? AND status = ?`),
		string(status), nullStr(summary), t.d.encTime(now()), id, string(StatusRunning),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var st string
	err = t.tx.QueryRowContext(ctx, t.d.q(`SELECT status FROM rule_executions WHERE id = ?`), id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", ErrNotRunning, id, st)
}

func (t *sqlTx) UpdateNextRunAt(ctx context.Context, ruleID string, next time.Time) error {
	res, err := t.tx.ExecContext(ctx, t.d.q(`UPDATE rules SET next_run_at = ?, updated_at = ? WHERE id = ?`),
		t.d.encTime(next.UTC().Truncate(time.Millisecond)), t.d.encTime(now()), ruleID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqlTx) Savepoint(ctx context.Context, name string) error {
	if !validSavepoint(name) {
		return fmt.Errorf("storage: invalid savepoint name %q", name)
	}
	_, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name)
	return err
}

func (t *sqlTx) RollbackTo(ctx context.Context, name string) error {
	if !validSavepoint(name) {
		return fmt.Errorf("storage: invalid savepoint name %q", name)
	}
	_, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name)
	return err
}

func (t *sqlTx) Release(ctx context.Context, name string) error {
	if !validSavepoint(name) {
		return fmt.Errorf("storage: invalid savepoint name %q", name)
	}
	_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

func validSavepoint(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func (t *sqlTx) Commit() error   { return t.tx.Commit() }
func (t *sqlTx) Rollback() error { return t.tx.Rollback() }

func (s *sqlStore) getRule(ctx context.Context, where string, arg any) (Rule, error) {
	rows, err := s.db.QueryContext(ctx, s.d.q(`SELECT `+ruleColumns+` FROM rules WHERE `+where), arg)
	if err != nil {
		return Rule{}, err
	}
	list, err := scanRules(rows, s.log)
	if err != nil {
		return Rule{}, err
	}
	if len(list) == 0 {
		return Rule{}, ErrNotFound
	}
	return list[0], nil
}

// scanRules reads rule rows. Undecodable JSON columns never fail the scan:
// a bad callback spec is dropped with a warning and a bad payload is
// recorded in Rule.LoadError.
func scanRules(rows *sql.Rows, log logx.Logger) ([]Rule, error) {
	defer rows.Close()
	var out []Rule
	for rows.Next() {
		var (
			r                          Rule
			payload, onSuccess, onFail []byte
			next, created, updated     timeCol
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Schedule, &r.IsActive, &payload, &r.ExecutionScriptPath,
			&onSuccess, &onFail, &next, &created, &updated); err != nil {
			return nil, err
		}
		r.NextRunAt, r.CreatedAt, r.UpdatedAt = next.t, created.t, updated.t
		decodeRuleJSON(&r, payload, onSuccess, onFail, log)
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanExecution(rows *sql.Rows) (Execution, error) {
	var (
		e                          Execution
		status                     string
		summary, artifact          sql.NullString
		executed, created, updated timeCol
	)
	if err := rows.Scan(&e.ID, &e.RuleID, &status, &executed, &summary, &artifact, &created, &updated); err != nil {
		return Execution{}, err
	}
	e.Status = Status(status)
	e.LogSummary = summary.String
	e.ArtifactPath = artifact.String
	e.ExecutedAt, e.CreatedAt, e.UpdatedAt = executed.t, created.t, updated.t
	return e, nil
}

// timeCol scans unix milliseconds (sqlite) or native timestamps (postgres).
type timeCol struct{ t time.Time }

func (c *timeCol) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		c.t = time.Time{}
	case int64:
		c.t = time.UnixMilli(v).UTC()
	case time.Time:
		c.t = v.UTC()
	case []byte:
		return c.parse(string(v))
	case string:
		return c.parse(v)
	default:
		return fmt.Errorf("unsupported time column type %T", src)
	}
	return nil
}

func (c *timeCol) parse(s string) error {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		c.t = time.UnixMilli(ms).UTC()
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	c.t = t.UTC()
	return nil
}

func encodeRuleJSON(r Rule) (payload string, onSuccess, onFailure any, err error) {
	b, err := json.Marshal(r.Payload)
	if err != nil {
		return "", nil, nil, fmt.Errorf("payload: %w", err)
	}
	payload = string(b)
	if onSuccess, err = encodeSpec(r.OnSuccess); err != nil {
		return "", nil, nil, fmt.Errorf("on_success: %w", err)
	}
	if onFailure, err = encodeSpec(r.OnFailure); err != nil {
		return "", nil, nil, fmt.Errorf("on_failure: %w", err)
	}
	return payload, onSuccess, onFailure, nil
}

func encodeSpec(s *callback.Spec) (any, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeRuleJSON(r *Rule, payload, onSuccess, onFailure []byte, log logx.Logger) {
	r.Payload = map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &r.Payload); err != nil {
			r.Payload = map[string]any{}
			r.LoadError = fmt.Sprintf("stored payload is invalid: %v", err)
			log.Warn("rule payload undecodable", logx.String("rule", r.Name), logx.String("rule_id", r.ID), logx.Err(err))
		}
		if r.Payload == nil {
			r.Payload = map[string]any{}
		}
	}
	r.OnSuccess = decodeSpec(r, "on_success", onSuccess, log)
	r.OnFailure = decodeSpec(r, "on_failure", onFailure, log)
}

func decodeSpec(r *Rule, hook string, raw []byte, log logx.Logger) *callback.Spec {
	sp, err := callback.ParseSpec(raw)
	if err != nil {
		log.Warn("callback spec undecodable; callback disabled",
			logx.String("rule", r.Name),
			logx.String("rule_id", r.ID),
			logx.String("hook", hook),
			logx.Err(err),
		)
		return nil
	}
	return sp
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
