package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"rulekeeper/internal/schedule"
	logx "rulekeeper/pkg/logx"
)

const (
	DefaultBatchLimit = 100
	MaxBatchLimit     = 1000
)

// Validate rejects configs that would fail at startup or on hot reload.
// It never mutates cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging.level: invalid %q", lvl))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "none", "memory", "mem":
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn: required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown %q", cfg.Storage.Driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}
	if n := cfg.Scheduler.BatchLimit; n < 0 || n > MaxBatchLimit {
		errs = append(errs, fmt.Errorf("scheduler.batch_limit: must be within 0..%d", MaxBatchLimit))
	}
	if _, err := ParseDurationField("scheduler.handler_timeout", cfg.Scheduler.HandlerTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("scheduler.tick_timeout", cfg.Scheduler.TickTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("http.request_timeout", cfg.HTTP.RequestTimeout); err != nil {
		errs = append(errs, err)
	}

	n := cfg.Notify
	if n.RatePerSec < 0 {
		errs = append(errs, errors.New("notify.rate_per_sec: must be >= 0"))
	}
	if n.RetryMax < 0 {
		errs = append(errs, errors.New("notify.retry_max: must be >= 0"))
	}
	for path, raw := range map[string]string{
		"notify.retry_base":      n.RetryBase,
		"notify.retry_max_delay": n.RetryMaxDelay,
		"notify.send_timeout":    n.SendTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(n.DefaultChannel)) {
	case "", "log":
	case "telegram":
		if strings.TrimSpace(n.Telegram.Token) == "" {
			errs = append(errs, errors.New("notify.default_channel: telegram selected but notify.telegram.token is empty"))
		}
	case "slack":
		if strings.TrimSpace(n.Slack.Token) == "" {
			errs = append(errs, errors.New("notify.default_channel: slack selected but notify.slack.token is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.default_channel: unknown %q", n.DefaultChannel))
	}

	seen := make(map[string]struct{}, len(cfg.Rules))
	for i, r := range cfg.Rules {
		path := fmt.Sprintf("rules[%d]", i)
		name := strings.TrimSpace(r.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		} else if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("%s.name: duplicate %q", path, name))
		} else {
			seen[name] = struct{}{}
		}
		if strings.TrimSpace(r.ExecutionScriptPath) == "" {
			errs = append(errs, fmt.Errorf("%s.execution_script_path: required", path))
		}
		if _, err := schedule.NextRun(r.Schedule, time.Time{}); err != nil {
			errs = append(errs, fmt.Errorf("%s.schedule: %w", path, err))
		}
	}

	return errors.Join(errs...)
}
