package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type memState struct {
	rules map[string]Rule
	execs map[string]Execution
}

func (s memState) clone() memState {
	out := memState{
		rules: make(map[string]Rule, len(s.rules)),
		execs: make(map[string]Execution, len(s.execs)),
	}
	for k, v := range s.rules {
		out.rules[k] = v
	}
	for k, v := range s.execs {
		out.execs[k] = v
	}
	return out
}

// Memory is an in-process Store. A Tx holds the store exclusively until it
// commits or rolls back; its writes become visible only on Commit.
type Memory struct {
	gate  chan struct{}
	mu    sync.RWMutex
	state memState
}

func NewMemory() *Memory {
	return &Memory{
		gate:  make(chan struct{}, 1),
		state: memState{rules: map[string]Rule{}, execs: map[string]Execution{}},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	select {
	case m.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	m.mu.RLock()
	work := m.state.clone()
	m.mu.RUnlock()
	return &memTx{m: m, work: work}, nil
}

func (m *Memory) CreateRule(_ context.Context, r Rule) (Rule, error) {
	if err := validateRule(r); err != nil {
		return Rule{}, err
	}
	r = prepareNew(r, now())
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.state.rules {
		if cur.Name == r.Name {
			return Rule{}, fmt.Errorf("%w: %s", ErrDuplicate, r.Name)
		}
	}
	m.state.rules[r.ID] = r
	return r, nil
}

func (m *Memory) UpdateRule(_ context.Context, r Rule) (Rule, error) {
	if err := validateRule(r); err != nil {
		return Rule{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.state.rules[r.ID]
	if !ok {
		return Rule{}, ErrNotFound
	}
	for id, other := range m.state.rules {
		if id != r.ID && other.Name == r.Name {
			return Rule{}, fmt.Errorf("%w: %s", ErrDuplicate, r.Name)
		}
	}
	if r.Payload == nil {
		r.Payload = map[string]any{}
	}
	r.CreatedAt = cur.CreatedAt
	r.UpdatedAt = now()
	r.NextRunAt = r.NextRunAt.UTC().Truncate(time.Millisecond)
	m.state.rules[r.ID] = r
	return r, nil
}

func (m *Memory) GetRule(_ context.Context, id string) (Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.state.rules[id]
	if !ok {
		return Rule{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) GetRuleByName(_ context.Context, name string) (Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.state.rules {
		if r.Name == name {
			return r, nil
		}
	}
	return Rule{}, ErrNotFound
}

func (m *Memory) ListRules(_ context.Context) ([]Rule, error) {
	m.mu.RLock()
	out := make([]Rule, 0, len(m.state.rules))
	for _, r := range m.state.rules {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) ListExecutions(_ context.Context, ruleID string, limit int) ([]Execution, error) {
	limit = clampLimit(limit, 20)
	m.mu.RLock()
	var out []Execution
	for _, e := range m.state.execs {
		if e.RuleID == ruleID {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExecutedAt.Equal(out[j].ExecutedAt) {
			return out[i].ExecutedAt.After(out[j].ExecutedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) LatestExecution(ctx context.Context, ruleID string) (Execution, error) {
	list, _ := m.ListExecutions(ctx, ruleID, 1)
	if len(list) == 0 {
		return Execution{}, ErrNotFound
	}
	return list[0], nil
}

type memTx struct {
	m          *Memory
	work       memState
	dirtyRules map[string]bool
	dirtyExecs map[string]bool
	savepoints map[string]memSavepoint
	done       bool
}

type memSavepoint struct {
	work       memState
	dirtyRules map[string]bool
	dirtyExecs map[string]bool
}

func copySet(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k := range in {
		out[k] = true
	}
	return out
}

func (t *memTx) Savepoint(_ context.Context, name string) error {
	if t.savepoints == nil {
		t.savepoints = map[string]memSavepoint{}
	}
	t.savepoints[name] = memSavepoint{work: t.work.clone(), dirtyRules: copySet(t.dirtyRules), dirtyExecs: copySet(t.dirtyExecs)}
	return nil
}

func (t *memTx) RollbackTo(_ context.Context, name string) error {
	sp, ok := t.savepoints[name]
	if !ok {
		return fmt.Errorf("storage: no savepoint %q", name)
	}
	// The savepoint stays usable, so restore from copies.
	t.work = sp.work.clone()
	t.dirtyRules = copySet(sp.dirtyRules)
	t.dirtyExecs = copySet(sp.dirtyExecs)
	return nil
}

func (t *memTx) Release(_ context.Context, name string) error {
	if _, ok := t.savepoints[name]; !ok {
		return fmt.Errorf("storage: no savepoint %q", name)
	}
	delete(t.savepoints, name)
	return nil
}

func (t *memTx) touchRule(id string) {
	if t.dirtyRules == nil {
		t.dirtyRules = map[string]bool{}
	}
	t.dirtyRules[id] = true
}

func (t *memTx) touchExec(id string) {
	if t.dirtyExecs == nil {
		t.dirtyExecs = map[string]bool{}
	}
	t.dirtyExecs[id] = true
}

func (t *memTx) ListDueRules(_ context.Context, at time.Time, limit int) ([]Rule, error) {
	limit = clampLimit(limit, 100)
	var out []Rule
	for _, r := range t.work.rules {
		if r.IsActive && !r.NextRunAt.After(at) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) CreateExecution(_ context.Context, ruleID string, executedAt time.Time) (Execution, error) {
	if _, ok := t.work.rules[ruleID]; !ok {
		return Execution{}, fmt.Errorf("%w: rule %s", ErrNotFound, ruleID)
	}
	ts := now()
	e := Execution{
		ID:         newID(),
		RuleID:     ruleID,
		Status:     StatusRunning,
		ExecutedAt: executedAt.UTC().Truncate(time.Millisecond),
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	t.work.execs[e.ID] = e
	t.touchExec(e.ID)
	return e, nil
}

func (t *memTx) FinishExecution(_ context.Context, id string, status Status, summary string) error {
	if !status.Terminal() {
		return fmt.Errorf("storage: %q is not a terminal status", status)
	}
	e, ok := t.work.execs[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != StatusRunning {
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, id, e.Status)
	}
	e.Status = status
	e.LogSummary = strings.TrimSpace(summary)
	e.UpdatedAt = now()
	t.work.execs[id] = e
	t.touchExec(id)
	return nil
}

func (t *memTx) UpdateNextRunAt(_ context.Context, ruleID string, next time.Time) error {
	r, ok := t.work.rules[ruleID]
	if !ok {
		return ErrNotFound
	}
	r.NextRunAt = next.UTC().Truncate(time.Millisecond)
	r.UpdatedAt = now()
	t.work.rules[ruleID] = r
	t.touchRule(ruleID)
	return nil
}

func (t *memTx) Commit() error {
	if t.done {
		return errTxDone
	}
	// Only this tx's writes are applied; rule edits made meanwhile survive.
	t.m.mu.Lock()
	for id := range t.dirtyExecs {
		t.m.state.execs[id] = t.work.execs[id]
	}
	for id := range t.dirtyRules {
		cur, ok := t.m.state.rules[id]
		if !ok {
			continue
		}
		w := t.work.rules[id]
		cur.NextRunAt = w.NextRunAt
		cur.UpdatedAt = w.UpdatedAt
		t.m.state.rules[id] = cur
	}
	t.m.mu.Unlock()
	t.release()
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return errTxDone
	}
	t.release()
	return nil
}

func (t *memTx) release() {
	t.done = true
	<-t.m.gate
}
