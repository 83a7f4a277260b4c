package config

import (
	"reflect"
	"strings"

	logx "rulekeeper/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes tokens or DSNs).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage (never log dsn)
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.tick_spec", newCfg.Scheduler.TickSpec),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.Int("scheduler.batch_limit", newCfg.Scheduler.BatchLimit),
			logx.String("scheduler.handler_timeout", newCfg.Scheduler.HandlerTimeout),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.profiler", newCfg.HTTP.Profiler),
		)
	}

	// Notify (never log tokens)
	if oldCfg.Notify != newCfg.Notify {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.String("notify.default_channel", newCfg.Notify.DefaultChannel),
			logx.Int("notify.rate_per_sec", newCfg.Notify.RatePerSec),
			logx.Int("notify.retry_max", newCfg.Notify.RetryMax),
			logx.Bool("notify.telegram_set", strings.TrimSpace(newCfg.Notify.Telegram.Token) != ""),
			logx.Bool("notify.slack_set", strings.TrimSpace(newCfg.Notify.Slack.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Rules, newCfg.Rules) {
		changed = append(changed, "rules")
		attrs = append(attrs, logx.Int("rules.count", len(newCfg.Rules)))
	}

	return changed, attrs
}

// TokensChanged reports whether a notification backend credential changed.
func TokensChanged(oldCfg, newCfg *Config) bool {
	if oldCfg == nil || newCfg == nil {
		return oldCfg != newCfg
	}
	return oldCfg.Notify.Telegram != newCfg.Notify.Telegram || oldCfg.Notify.Slack != newCfg.Notify.Slack
}
