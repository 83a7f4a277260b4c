package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"rulekeeper/internal/schedule"
	logx "rulekeeper/pkg/logx"
)

const DefaultTickSpec = "@every 30s"

// TriggerConfig controls the periodic tick.
type TriggerConfig struct {
	Enabled bool
	// Spec is a cron expression, a descriptor ("@every 30s") or a bare Go
	// duration ("30s").
	Spec     string
	Timezone string
	Limit    int
	// Timeout bounds one tick. Zero means no bound.
	Timeout time.Duration
}

// Ticker is what the Trigger drives.
type Ticker interface {
	Execute(ctx context.Context, req TickRequest) (TickResponse, error)
}

// Trigger runs ticks on a cron schedule. A tick that is still running when the
// next one fires causes that firing to be skipped.
type Trigger struct {
	mu      sync.Mutex
	cfg     TriggerConfig
	ticker  Ticker
	log     logx.Logger
	c       *cron.Cron
	loc     *time.Location
	baseCtx context.Context
	running atomic.Bool
	skipped atomic.Uint64
}

func NewTrigger(cfg TriggerConfig, t Ticker, log logx.Logger) *Trigger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Trigger{cfg: cfg, ticker: t, log: log.With(logx.String("comp", "trigger"))}
}

// NormalizeSpec turns a bare duration into "@every <d>" and validates the result.
func NormalizeSpec(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return DefaultTickSpec, nil
	}
	if !strings.ContainsAny(s, " \t") && !strings.HasPrefix(s, "@") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return "", fmt.Errorf("invalid tick spec %q (use cron like '*/1 * * * *' or a duration like '30s')", raw)
		}
		if d <= 0 {
			return "", fmt.Errorf("tick interval must be > 0")
		}
		s = "@every " + d.String()
	}
	if _, err := schedule.Parse(s); err != nil {
		return "", err
	}
	return s, nil
}

func (t *Trigger) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.Enabled
}

// Start begins firing ticks. It is a no-op when disabled or already started.
func (t *Trigger) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.baseCtx = ctx
	if t.c != nil || !t.cfg.Enabled {
		return nil
	}
	return t.startLocked()
}

func (t *Trigger) startLocked() error {
	spec, err := NormalizeSpec(t.cfg.Spec)
	if err != nil {
		return err
	}
	t.loc = t.loadLocationLocked()
	c := cron.New(cron.WithParser(schedule.Parser()), cron.WithLocation(t.loc))
	if _, err := c.AddFunc(spec, t.fire); err != nil {
		return fmt.Errorf("tick spec %q: %w", spec, err)
	}
	c.Start()
	t.c = c
	args := []logx.Field{logx.String("spec", spec), logx.String("tz", t.loc.String())}
	if t.log.Enabled(logx.LevelDebug) {
		if next, err := schedule.Preview(spec, time.Now().In(t.loc), 3); err == nil {
			args = append(args, logx.String("next", schedule.FormatPreview(next)))
		}
	}
	t.log.Info("trigger started", args...)
	return nil
}

// Stop halts firing and waits for an in-flight tick, or for ctx.
func (t *Trigger) Stop(ctx context.Context) {
	t.mu.Lock()
	c := t.c
	t.c = nil
	t.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	t.log.Info("trigger stopped", logx.Int64("skipped", int64(t.skipped.Load())))
}

// Apply swaps the config. A running trigger restarts when the spec, timezone
// or enabled flag changed.
func (t *Trigger) Apply(cfg TriggerConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.cfg
	t.cfg = cfg
	if t.baseCtx == nil {
		return nil
	}
	changed := old.Enabled != cfg.Enabled ||
		strings.TrimSpace(old.Spec) != strings.TrimSpace(cfg.Spec) ||
		strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone)
	if !changed {
		return nil
	}
	if t.c != nil {
		<-t.c.Stop().Done()
		t.c = nil
	}
	if !cfg.Enabled {
		t.log.Info("trigger disabled")
		return nil
	}
	return t.startLocked()
}

func (t *Trigger) fire() {
	if !t.running.CompareAndSwap(false, true) {
		t.skipped.Add(1)
		t.log.Warn("previous tick still running; skipping")
		return
	}
	defer t.running.Store(false)

	t.mu.Lock()
	cfg := t.cfg
	ctx := t.baseCtx
	t.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	resp, err := t.ticker.Execute(ctx, TickRequest{Limit: cfg.Limit})
	if err != nil {
		t.log.Error("tick failed", logx.Err(err))
		return
	}
	if resp.Processed > 0 {
		t.log.Info("tick done",
			logx.Int("processed", resp.Processed),
			logx.Int("succeeded", resp.Succeeded),
			logx.Int("failed", resp.Failed),
		)
	}
}

func (t *Trigger) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(t.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		t.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}
