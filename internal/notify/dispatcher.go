package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "rulekeeper/pkg/logx"
)

var (
	ErrUnknownChannel = errors.New("notify: unknown channel")
	ErrNoRecipient    = errors.New("notify: recipient required")
	ErrEmptyText      = errors.New("notify: empty text")
)

// Sender delivers text to one recipient over a single channel.
type Sender interface {
	Send(ctx context.Context, recipient, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, recipient, text string) error

func (f SenderFunc) Send(ctx context.Context, recipient, text string) error {
	return f(ctx, recipient, text)
}

// Message is one outbound notification. An empty Channel selects the default channel.
type Message struct {
	Channel   string
	Recipient string
	Text      string
}

// Config controls delivery pacing and retries.
type Config struct {
	DefaultChannel string
	RatePerSec     int
	RetryMax       int
	RetryBase      time.Duration
	RetryMaxDelay  time.Duration
	// SendTimeout bounds each attempt. Zero means 10s.
	SendTimeout time.Duration
}

// Dispatcher routes messages to named channels with a shared token bucket and
// jittered exponential retry.
type Dispatcher struct {
	mu       sync.Mutex
	cfg      Config
	limiter  *rate.Limiter
	channels map[string]Sender
	log      logx.Logger
}

func NewDispatcher(cfg Config, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{channels: map[string]Sender{}, log: log}
	d.Apply(cfg)
	return d
}

// Apply swaps pacing/retry settings at runtime.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	if cfg.RatePerSec > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	} else {
		d.limiter = nil
	}
}

// Register installs (or replaces) the sender for a channel name.
func (d *Dispatcher) Register(channel string, s Sender) {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "" || s == nil {
		return
	}
	d.mu.Lock()
	d.channels[channel] = s
	d.mu.Unlock()
}

// Channels lists registered channel names.
func (d *Dispatcher) Channels() []string {
	d.mu.Lock()
	out := make([]string, 0, len(d.channels))
	for k := range d.channels {
		out = append(out, k)
	}
	d.mu.Unlock()
	sort.Strings(out)
	return out
}

// Notify delivers m, retrying transient failures. It blocks until delivery
// succeeds, retries are exhausted or ctx is done.
func (d *Dispatcher) Notify(ctx context.Context, m Message) error {
	if strings.TrimSpace(m.Recipient) == "" {
		return ErrNoRecipient
	}
	if strings.TrimSpace(m.Text) == "" {
		return ErrEmptyText
	}

	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	channel := strings.ToLower(strings.TrimSpace(m.Channel))
	if channel == "" {
		channel = strings.ToLower(strings.TrimSpace(cfg.DefaultChannel))
	}
	s := d.channels[channel]
	d.mu.Unlock()

	if s == nil {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}

	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	maxAttempts := 1
	if cfg.RetryMax > 0 {
		maxAttempts = 1 + cfg.RetryMax
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := s.Send(callCtx, m.Recipient, m.Text)
		cancel()
		if err == nil {
			d.log.Debug("notification sent", logx.String("channel", channel), logx.String("recipient", m.Recipient), logx.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		d.log.Debug("notification send failed", logx.String("channel", channel), logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("notify %s: %w", channel, lastErr)
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the NEXT attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
