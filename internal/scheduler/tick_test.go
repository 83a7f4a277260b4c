package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"rulekeeper/internal/callback"
	"rulekeeper/internal/metrics"
	"rulekeeper/internal/notify"
	"rulekeeper/internal/rules"
	"rulekeeper/internal/storage"
	logx "rulekeeper/pkg/logx"
)

type captureNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (c *captureNotifier) Notify(_ context.Context, m notify.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
	return nil
}

type fixture struct {
	path     string
	store    storage.Store
	reg      *rules.Registry
	notifier *captureNotifier
	metrics  *metrics.Metrics
	tick     *TickUseCase
}

// tickDrivers lists the stores the tick properties run against.
var tickDrivers = []string{"memory", "sqlite"}

func newFixture(t *testing.T) *fixture { return newDriverFixture(t, "memory") }

func openStore(t *testing.T, driver string) (storage.Store, string) {
	t.Helper()
	if driver == "memory" {
		return storage.NewMemory(), ""
	}
	path := filepath.Join(t.TempDir(), "rules.db")
	st, err := storage.Open(storage.Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open %s: %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, path
}

func (f *fixture) dbPath(t *testing.T) string {
	t.Helper()
	if f.path == "" {
		t.Fatal("fixture has no database file")
	}
	return f.path
}

func newDriverFixture(t *testing.T, driver string) *fixture {
	t.Helper()
	reg := rules.NewRegistry()
	reg.MustRegister("ok", func(_ context.Context, p map[string]any, _ *rules.ExecutionContext) (map[string]any, error) {
		return map[string]any{"success": true, "message": "fine", "echo": p["v"]}, nil
	})
	reg.MustRegister("silent", func(context.Context, map[string]any, *rules.ExecutionContext) (map[string]any, error) {
		return map[string]any{"success": true}, nil
	})
	reg.MustRegister("boom", func(context.Context, map[string]any, *rules.ExecutionContext) (map[string]any, error) {
		return nil, errors.New("disk full")
	})
	reg.MustRegister("nope", func(context.Context, map[string]any, *rules.ExecutionContext) (map[string]any, error) {
		return map[string]any{"success": false}, nil
	})
	reg.MustRegister("wait", func(ctx context.Context, _ map[string]any, _ *rules.ExecutionContext) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	st, path := openStore(t, driver)
	f := &fixture{
		path:     path,
		store:    st,
		reg:      reg,
		notifier: &captureNotifier{},
		metrics:  metrics.New(),
	}
	exec := rules.NewExecutor(reg, rules.ExecutorOptions{}, logx.Nop())
	f.tick = NewTickUseCase(f.store, exec, callback.NewFactory(f.notifier, logx.Nop()), f.metrics, logx.Nop())
	return f
}

func (f *fixture) addRule(t *testing.T, r storage.Rule) storage.Rule {
	t.Helper()
	r.IsActive = true
	out, err := f.store.CreateRule(context.Background(), r)
	if err != nil {
		t.Fatalf("CreateRule %s: %v", r.Name, err)
	}
	return out
}

var tickNow = time.Date(2024, 3, 1, 10, 2, 0, 0, time.UTC)

func TestTickProcessesDueRules(t *testing.T) {
	t.Parallel()
	for _, driver := range tickDrivers {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			f := newDriverFixture(t, driver)
			ctx := context.Background()

			a := f.addRule(t, storage.Rule{Name: "a", Schedule: "*/5 * * * *", ExecutionScriptPath: "ok", Payload: map[string]any{"v": "x"}, NextRunAt: tickNow.Add(-time.Minute)})
			b := f.addRule(t, storage.Rule{Name: "b", Schedule: "0 * * * *", ExecutionScriptPath: "boom.py", NextRunAt: tickNow.Add(-2 * time.Minute)})
			f.addRule(t, storage.Rule{Name: "later", Schedule: "@hourly", ExecutionScriptPath: "ok", NextRunAt: tickNow.Add(time.Hour)})

			now := tickNow
			resp, err := f.tick.Execute(ctx, TickRequest{Now: &now})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if resp.Processed != 2 || resp.Succeeded != 1 || resp.Failed != 1 || len(resp.ExecutionIDs) != 2 {
				t.Fatalf("resp = %+v", resp)
			}

			ea, err := f.store.LatestExecution(ctx, a.ID)
			if err != nil {
				t.Fatalf("LatestExecution a: %v", err)
			}
			if ea.Status != storage.StatusSuccess || ea.LogSummary != "fine" || !ea.ExecutedAt.Equal(tickNow) {
				t.Fatalf("execution a = %+v", ea)
			}
			eb, _ := f.store.LatestExecution(ctx, b.ID)
			if eb.Status != storage.StatusFailure || eb.LogSummary != "Rule execution failed: disk full" {
				t.Fatalf("execution b = %+v", eb)
			}

			ra, _ := f.store.GetRule(ctx, a.ID)
			if want := time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC); !ra.NextRunAt.Equal(want) {
				t.Fatalf("a next run = %v, want %v", ra.NextRunAt, want)
			}
			rb, _ := f.store.GetRule(ctx, b.ID)
			if want := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC); !rb.NextRunAt.Equal(want) {
				t.Fatalf("b next run = %v, want %v", rb.NextRunAt, want)
			}

			// Rescheduled rules are no longer due at the same instant.
			again, err := f.tick.Execute(ctx, TickRequest{Now: &now})
			if err != nil || again.Processed != 0 {
				t.Fatalf("second tick = %+v err=%v", again, err)
			}
			if len(again.ExecutionIDs) != 0 || again.ExecutionIDs == nil {
				t.Fatalf("empty tick execution ids = %#v", again.ExecutionIDs)
			}

			expected := `
# HELP rulekeeper_rules_executions_total Rule executions by rule and terminal status.
# TYPE rulekeeper_rules_executions_total counter
rulekeeper_rules_executions_total{rule="a",status="success"} 1
rulekeeper_rules_executions_total{rule="b",status="failure"} 1
`
			if err := testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected), "rulekeeper_rules_executions_total"); err != nil {
				t.Fatalf("execution metrics: %v", err)
			}
		})
	}
}

func TestTickSummaries(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	s := f.addRule(t, storage.Rule{Name: "s", Schedule: "@hourly", ExecutionScriptPath: "silent", NextRunAt: tickNow})
	n := f.addRule(t, storage.Rule{Name: "n", Schedule: "@hourly", ExecutionScriptPath: "nope", NextRunAt: tickNow})
	m := f.addRule(t, storage.Rule{Name: "m", Schedule: "@hourly", ExecutionScriptPath: "missing_rule", NextRunAt: tickNow})

	now := tickNow
	if _, err := f.tick.Execute(ctx, TickRequest{Now: &now}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	tests := []struct {
		rule   storage.Rule
		status storage.Status
		want   string
	}{
		{s, storage.StatusSuccess, "Executed successfully"},
		{n, storage.StatusFailure, "Execution failed"},
		{m, storage.StatusFailure, "Rule 'missing_rule' not found in registry"},
	}
	for _, tt := range tests {
		e, err := f.store.LatestExecution(ctx, tt.rule.ID)
		if err != nil {
			t.Fatalf("%s: %v", tt.rule.Name, err)
		}
		if e.Status != tt.status || e.LogSummary != tt.want {
			t.Fatalf("%s: status=%s summary=%q, want %s %q", tt.rule.Name, e.Status, e.LogSummary, tt.status, tt.want)
		}
	}
}

func TestTickInvalidCronLeavesPointer(t *testing.T) {
	t.Parallel()
	for _, driver := range tickDrivers {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			f := newDriverFixture(t, driver)
			ctx := context.Background()
			due := tickNow.Add(-time.Minute)
			bad := f.addRule(t, storage.Rule{Name: "bad", Schedule: "not a cron", ExecutionScriptPath: "ok", NextRunAt: due})
			good := f.addRule(t, storage.Rule{Name: "good", Schedule: "@hourly", ExecutionScriptPath: "ok", NextRunAt: due})

			now := tickNow
			resp, err := f.tick.Execute(ctx, TickRequest{Now: &now})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if resp.Processed != 2 || resp.Succeeded != 2 {
				t.Fatalf("resp = %+v", resp)
			}
			rb, _ := f.store.GetRule(ctx, bad.ID)
			if !rb.NextRunAt.Equal(due) {
				t.Fatalf("bad rule pointer moved to %v", rb.NextRunAt)
			}
			rg, _ := f.store.GetRule(ctx, good.ID)
			if !rg.NextRunAt.After(tickNow) {
				t.Fatalf("good rule not advanced: %v", rg.NextRunAt)
			}
			expected := `
# HELP rulekeeper_scheduler_reschedule_failures_total Rules whose next run could not be computed or stored.
# TYPE rulekeeper_scheduler_reschedule_failures_total counter
rulekeeper_scheduler_reschedule_failures_total 1
`
			if err := testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected), "rulekeeper_scheduler_reschedule_failures_total"); err != nil {
				t.Fatalf("reschedule metric: %v", err)
			}
		})
	}
}

func TestTickCallbacks(t *testing.T) {
	t.Parallel()
	for _, driver := range tickDrivers {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			f := newDriverFixture(t, driver)
			ctx := context.Background()
			f.addRule(t, storage.Rule{
				Name: "notify-ok", Schedule: "@hourly", ExecutionScriptPath: "ok", NextRunAt: tickNow,
				OnSuccess: &callback.Spec{Type: "telegram", Config: map[string]any{"chat_id": "42"}},
				OnFailure: &callback.Spec{Type: "telegram", Config: map[string]any{"chat_id": "99"}},
			})
			f.addRule(t, storage.Rule{
				Name: "notify-fail", Schedule: "@hourly", ExecutionScriptPath: "boom", NextRunAt: tickNow.Add(time.Second),
				OnFailure: &callback.Spec{Type: "chain", Config: map[string]any{"handlers": []any{
					map[string]any{"type": "log", "config": map[string]any{"level": "error"}},
					map[string]any{"type": "notify", "config": map[string]any{"recipient": "C1", "channel": "slack", "template": "{{.RuleName}} {{.StatusEmoji}}"}},
				}}},
			})
			f.addRule(t, storage.Rule{
				Name: "bad-callback", Schedule: "@hourly", ExecutionScriptPath: "ok", NextRunAt: tickNow.Add(2 * time.Second),
				OnSuccess: &callback.Spec{Type: "carrier-pigeon"},
			})

			now := tickNow.Add(time.Minute)
			resp, err := f.tick.Execute(ctx, TickRequest{Now: &now})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if resp.Processed != 3 || resp.Succeeded != 2 || resp.Failed != 1 {
				t.Fatalf("resp = %+v", resp)
			}
			f.notifier.mu.Lock()
			defer f.notifier.mu.Unlock()
			if len(f.notifier.msgs) != 2 {
				t.Fatalf("notifications = %+v", f.notifier.msgs)
			}
			if m := f.notifier.msgs[0]; m.Recipient != "42" || m.Text != "📋 *notify-ok*\n✅ fine" {
				t.Fatalf("success notification = %+v", m)
			}
			if m := f.notifier.msgs[1]; m.Channel != "slack" || m.Text != "notify-fail ❌" {
				t.Fatalf("failure notification = %+v", m)
			}
		})
	}
}

type panicCallback struct{}

func (panicCallback) Execute(context.Context, callback.Context) bool { panic("callback exploded") }

func TestTickCallbackPanicDoesNotChangeStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.tick.callbacks.RegisterType("explode", func(*callback.Factory, map[string]any) (callback.Handler, error) {
		return panicCallback{}, nil
	}); err != nil {
		t.Fatalf("RegisterType: %v", err)
	}
	ctx := context.Background()
	r := f.addRule(t, storage.Rule{Name: "p", Schedule: "@hourly", ExecutionScriptPath: "ok", NextRunAt: tickNow, OnSuccess: &callback.Spec{Type: "explode"}})

	now := tickNow
	resp, err := f.tick.Execute(ctx, TickRequest{Now: &now})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Succeeded != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	e, _ := f.store.LatestExecution(ctx, r.ID)
	if e.Status != storage.StatusSuccess {
		t.Fatalf("status = %s", e.Status)
	}
}

func TestTickLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for i, name := range []string{"r1", "r2", "r3"} {
		f.addRule(t, storage.Rule{Name: name, Schedule: "@hourly", ExecutionScriptPath: "ok", NextRunAt: tickNow.Add(time.Duration(i) * time.Second)})
	}
	now := tickNow.Add(time.Minute)
	resp, err := f.tick.Execute(context.Background(), TickRequest{Now: &now, Limit: 2})
	if err != nil || resp.Processed != 2 {
		t.Fatalf("limited tick = %+v err=%v", resp, err)
	}
	for _, bad := range []int{-1, MaxLimit + 1} {
		if _, err := f.tick.Execute(context.Background(), TickRequest{Limit: bad}); !errors.Is(err, ErrInvalidLimit) {
			t.Fatalf("limit %d err = %v", bad, err)
		}
	}
}

type failingStore struct {
	*storage.Memory
	tx storage.Tx
}

type failingTx struct {
	storage.Tx
	listErr   error
	commitErr error
}

func (t *failingTx) ListDueRules(ctx context.Context, now time.Time, limit int) ([]storage.Rule, error) {
	if t.listErr != nil {
		return nil, t.listErr
	}
	return t.Tx.ListDueRules(ctx, now, limit)
}

func (t *failingTx) Commit() error {
	if t.commitErr != nil {
		return t.commitErr
	}
	return t.Tx.Commit()
}

func (s *failingStore) Begin(ctx context.Context) (storage.Tx, error) {
	inner, err := s.Memory.Begin(ctx)
	if err != nil {
		return nil, err
	}
	ft := s.tx.(*failingTx)
	ft.Tx = inner
	return ft, nil
}

func TestTickPropagatesBatchFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		tx   *failingTx
	}{
		{"list", &failingTx{listErr: errors.New("db down")}},
		{"commit", &failingTx{commitErr: errors.New("serialization failure")}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			r := f.addRule(t, storage.Rule{Name: "x", Schedule: "@hourly", ExecutionScriptPath: "ok", NextRunAt: tickNow})
			st := &failingStore{Memory: f.store.(*storage.Memory), tx: tt.tx}
			exec := rules.NewExecutor(f.reg, rules.ExecutorOptions{}, logx.Nop())
			tick := NewTickUseCase(st, exec, nil, nil, logx.Nop())

			now := tickNow
			if _, err := tick.Execute(context.Background(), TickRequest{Now: &now}); err == nil {
				t.Fatal("expected tick error")
			}
			// Nothing from the failed pass is visible.
			if _, err := f.store.LatestExecution(context.Background(), r.ID); !errors.Is(err, storage.ErrNotFound) {
				t.Fatalf("execution persisted after failed tick: %v", err)
			}
			// The store is usable again.
			if _, err := f.tick.Execute(context.Background(), TickRequest{Now: &now}); err != nil {
				t.Fatalf("follow-up tick: %v", err)
			}
		})
	}
}

func TestTickKeepsWorkWhenCallerCancels(t *testing.T) {
	t.Parallel()
	for _, driver := range tickDrivers {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			f := newDriverFixture(t, driver)
			slow := f.addRule(t, storage.Rule{Name: "slow", Schedule: "@hourly", ExecutionScriptPath: "wait", NextRunAt: tickNow.Add(-time.Minute)})
			next := f.addRule(t, storage.Rule{Name: "next", Schedule: "@hourly", ExecutionScriptPath: "ok", NextRunAt: tickNow})

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			now := tickNow
			resp, err := f.tick.Execute(ctx, TickRequest{Now: &now})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if resp.Processed != 1 || resp.Failed != 1 || len(resp.ExecutionIDs) != 1 {
				t.Fatalf("resp = %+v", resp)
			}

			bg := context.Background()
			e, err := f.store.LatestExecution(bg, slow.ID)
			if err != nil || e.Status != storage.StatusFailure {
				t.Fatalf("slow execution = %+v err=%v", e, err)
			}
			rs, _ := f.store.GetRule(bg, slow.ID)
			if !rs.NextRunAt.After(tickNow) {
				t.Fatalf("slow rule not rescheduled: %v", rs.NextRunAt)
			}
			// The rule after the cancellation was never started and stays due.
			rn, _ := f.store.GetRule(bg, next.ID)
			if !rn.NextRunAt.Equal(tickNow) {
				t.Fatalf("next rule moved to %v", rn.NextRunAt)
			}
			if _, err := f.store.LatestExecution(bg, next.ID); !errors.Is(err, storage.ErrNotFound) {
				t.Fatalf("next rule executed: %v", err)
			}
		})
	}
}

func TestTickRunsRulesWithUndecodableRows(t *testing.T) {
	t.Parallel()
	f := newDriverFixture(t, "sqlite")
	ctx := context.Background()
	due := tickNow.Add(-time.Minute)
	healthy := f.addRule(t, storage.Rule{Name: "healthy", Schedule: "@hourly", ExecutionScriptPath: "ok", NextRunAt: due})
	badSpec := f.addRule(t, storage.Rule{Name: "bad-spec", Schedule: "@hourly", ExecutionScriptPath: "ok", NextRunAt: due,
		OnSuccess: &callback.Spec{Type: "telegram", Config: map[string]any{"chat_id": "1"}}})
	badPayload := f.addRule(t, storage.Rule{Name: "bad-payload", Schedule: "@hourly", ExecutionScriptPath: "ok", NextRunAt: due,
		OnFailure: &callback.Spec{Type: "telegram", Config: map[string]any{"chat_id": "2"}}})

	// Corrupt the rows behind the store's back.
	path := f.dbPath(t)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE rules SET on_success = ? WHERE id = ?`, `{"type":"log","config":["info"]}`, badSpec.ID); err != nil {
		t.Fatalf("corrupt spec: %v", err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE rules SET payload = ? WHERE id = ?`, `{"v":`, badPayload.ID); err != nil {
		t.Fatalf("corrupt payload: %v", err)
	}
	_ = db.Close()

	now := tickNow
	resp, err := f.tick.Execute(ctx, TickRequest{Now: &now})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Processed != 3 || resp.Succeeded != 2 || resp.Failed != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	for _, r := range []storage.Rule{healthy, badSpec} {
		if e, err := f.store.LatestExecution(ctx, r.ID); err != nil || e.Status != storage.StatusSuccess {
			t.Fatalf("%s execution = %+v err=%v", r.Name, e, err)
		}
	}
	e, err := f.store.LatestExecution(ctx, badPayload.ID)
	if err != nil || e.Status != storage.StatusFailure || !strings.Contains(e.LogSummary, "stored payload is invalid") {
		t.Fatalf("bad payload execution = %+v err=%v", e, err)
	}
	for _, r := range []storage.Rule{healthy, badSpec, badPayload} {
		got, _ := f.store.GetRule(ctx, r.ID)
		if !got.NextRunAt.After(tickNow) {
			t.Fatalf("%s not rescheduled", r.Name)
		}
	}
	// Only the intact on_failure callback of the bad payload rule fired.
	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	if len(f.notifier.msgs) != 1 || f.notifier.msgs[0].Recipient != "2" {
		t.Fatalf("notifications = %+v", f.notifier.msgs)
	}
}

// finishFailStore fails FinishExecution for one rule's executions.
type finishFailStore struct {
	storage.Store
	ruleID string
}

type finishFailTx struct {
	storage.Tx
	ruleID string
	execs  map[string]bool
}

func (s *finishFailStore) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &finishFailTx{Tx: tx, ruleID: s.ruleID, execs: map[string]bool{}}, nil
}

func (t *finishFailTx) CreateExecution(ctx context.Context, ruleID string, at time.Time) (storage.Execution, error) {
	e, err := t.Tx.CreateExecution(ctx, ruleID, at)
	if err == nil && ruleID == t.ruleID {
		t.execs[e.ID] = true
	}
	return e, err
}

func (t *finishFailTx) FinishExecution(ctx context.Context, id string, status storage.Status, summary string) error {
	if t.execs[id] {
		return errors.New("lost connection")
	}
	return t.Tx.FinishExecution(ctx, id, status, summary)
}

func TestTickIsolatesRuleStorageErrors(t *testing.T) {
	t.Parallel()
	for _, driver := range tickDrivers {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			f := newDriverFixture(t, driver)
			ctx := context.Background()
			first := f.addRule(t, storage.Rule{Name: "first", Schedule: "@hourly", ExecutionScriptPath: "ok", NextRunAt: tickNow.Add(-2 * time.Minute)})
			broken := f.addRule(t, storage.Rule{Name: "broken", Schedule: "@hourly", ExecutionScriptPath: "ok", NextRunAt: tickNow.Add(-time.Minute)})
			last := f.addRule(t, storage.Rule{Name: "last", Schedule: "@hourly", ExecutionScriptPath: "ok", NextRunAt: tickNow})

			exec := rules.NewExecutor(f.reg, rules.ExecutorOptions{}, logx.Nop())
			tick := NewTickUseCase(&finishFailStore{Store: f.store, ruleID: broken.ID}, exec, nil, nil, logx.Nop())
			now := tickNow
			resp, err := tick.Execute(ctx, TickRequest{Now: &now})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if resp.Processed != 3 || resp.Succeeded != 2 || resp.Failed != 1 || len(resp.ExecutionIDs) != 2 {
				t.Fatalf("resp = %+v", resp)
			}
			for _, r := range []storage.Rule{first, last} {
				if e, err := f.store.LatestExecution(ctx, r.ID); err != nil || e.Status != storage.StatusSuccess {
					t.Fatalf("%s execution = %+v err=%v", r.Name, e, err)
				}
			}
			// The broken rule's half-written execution is discarded but it still moves on.
			if _, err := f.store.LatestExecution(ctx, broken.ID); !errors.Is(err, storage.ErrNotFound) {
				t.Fatalf("broken execution kept: %v", err)
			}
			for _, r := range []storage.Rule{first, broken, last} {
				got, _ := f.store.GetRule(ctx, r.ID)
				if !got.NextRunAt.After(tickNow) {
					t.Fatalf("%s not rescheduled", r.Name)
				}
			}
		})
	}
}
