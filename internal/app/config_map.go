package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"rulekeeper/internal/config"
	"rulekeeper/internal/notify"
	"rulekeeper/internal/rules"
	"rulekeeper/internal/schedule"
	"rulekeeper/internal/scheduler"
	"rulekeeper/internal/storage"
	logx "rulekeeper/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "none" {
		return storage.Config{}, errors.New("storage.driver=none: rulekeeper needs a rule store")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
	}, nil
}

func mapExecutorOptions(cfg *config.Config) (rules.ExecutorOptions, error) {
	timeout, err := config.ParseDurationField("scheduler.handler_timeout", cfg.Scheduler.HandlerTimeout)
	if err != nil {
		return rules.ExecutorOptions{}, err
	}
	return rules.ExecutorOptions{
		ScriptsDir: strings.TrimSpace(cfg.Scheduler.ScriptsDir),
		Timeout:    timeout,
	}, nil
}

func mapTriggerConfig(cfg *config.Config) (scheduler.TriggerConfig, error) {
	sc := cfg.Scheduler
	spec, err := scheduler.NormalizeSpec(sc.TickSpec)
	if err != nil {
		return scheduler.TriggerConfig{}, fmt.Errorf("scheduler.tick_spec: %w", err)
	}
	timeout, err := config.ParseDurationField("scheduler.tick_timeout", sc.TickTimeout)
	if err != nil {
		return scheduler.TriggerConfig{}, err
	}
	limit := sc.BatchLimit
	if limit <= 0 {
		limit = config.DefaultBatchLimit
	}
	return scheduler.TriggerConfig{
		Enabled:  sc.Enabled,
		Spec:     spec,
		Timezone: strings.TrimSpace(sc.Timezone),
		Limit:    limit,
		Timeout:  timeout,
	}, nil
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	nc := cfg.Notify
	base, err := config.ParseDurationOrDefault("notify.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notify.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("notify.retry_max_delay", nc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notify.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("notify.send_timeout", nc.SendTimeout, 10*time.Second)
	if err != nil {
		return notify.Config{}, err
	}
	channel := strings.ToLower(strings.TrimSpace(nc.DefaultChannel))
	if channel == "" {
		channel = defaultChannel(cfg)
	}
	return notify.Config{
		DefaultChannel: channel,
		RatePerSec:     nc.RatePerSec,
		RetryMax:       nc.RetryMax,
		RetryBase:      base,
		RetryMaxDelay:  maxDelay,
		SendTimeout:    sendTimeout,
	}, nil
}

// defaultChannel prefers telegram, then slack, then the log channel.
func defaultChannel(cfg *config.Config) string {
	switch {
	case strings.TrimSpace(cfg.Notify.Telegram.Token) != "":
		return "telegram"
	case strings.TrimSpace(cfg.Notify.Slack.Token) != "":
		return "slack"
	default:
		return "log"
	}
}

type httpSettings struct {
	Enabled        bool
	Addr           string
	Profiler       bool
	RequestTimeout time.Duration
}

func mapHTTPConfig(cfg *config.Config) (httpSettings, error) {
	timeout, err := config.ParseDurationField("http.request_timeout", cfg.HTTP.RequestTimeout)
	if err != nil {
		return httpSettings{}, err
	}
	return httpSettings{
		Enabled:        cfg.HTTP.Enabled,
		Addr:           strings.TrimSpace(cfg.HTTP.Addr),
		Profiler:       cfg.HTTP.Profiler,
		RequestTimeout: timeout,
	}, nil
}

// mapSeedRule converts a configured rule. NextRunAt is the first activation
// after now; UpsertRule keeps the stored pointer when the schedule is unchanged.
func mapSeedRule(rc config.RuleConfig, now time.Time) (storage.Rule, error) {
	next, err := schedule.NextRun(rc.Schedule, now)
	if err != nil {
		return storage.Rule{}, fmt.Errorf("rule %q: %w", rc.Name, err)
	}
	payload := rc.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return storage.Rule{
		Name:                strings.TrimSpace(rc.Name),
		Schedule:            strings.TrimSpace(rc.Schedule),
		IsActive:            rc.Active(),
		Payload:             payload,
		ExecutionScriptPath: strings.TrimSpace(rc.ExecutionScriptPath),
		OnSuccess:           rc.OnSuccess,
		OnFailure:           rc.OnFailure,
		NextRunAt:           next,
	}, nil
}

// validateRuntime covers what config.Validate cannot see: mappings that need
// component packages.
func validateRuntime(cfg *config.Config) error {
	var errs []error
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapTriggerConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapNotifyConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
