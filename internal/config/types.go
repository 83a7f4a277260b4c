package config

import "rulekeeper/internal/callback"

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	HTTP      HTTPConfig      `json:"http"`
	Notify    NotifyConfig    `json:"notify"`

	// Rules are upserted by name at startup. Rules created through the CLI are
	// left alone; removing an entry here does not delete the stored rule.
	Rules []RuleConfig `json:"rules,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	JSON    bool       `json:"json,omitempty"`
	File    FileConfig `json:"file"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the rule store.
//
// Driver is one of "sqlite" (default), "postgres", "memory" or "none".
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the periodic tick trigger and rule execution.
//
// Defaults (when fields are omitted/zero):
//   - tick_spec: "@every 30s" (a bare duration like "1m" is accepted)
//   - timezone: UTC
//   - batch_limit: 100
//   - handler_timeout: none
type SchedulerConfig struct {
	Enabled        bool   `json:"enabled"`
	TickSpec       string `json:"tick_spec,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	BatchLimit     int    `json:"batch_limit,omitempty"`
	HandlerTimeout string `json:"handler_timeout,omitempty"`
	TickTimeout    string `json:"tick_timeout,omitempty"`
	ScriptsDir     string `json:"scripts_dir,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	// Profiler mounts net/http/pprof under /debug.
	Profiler       bool   `json:"profiler,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
}

type NotifyConfig struct {
	DefaultChannel string `json:"default_channel,omitempty"`
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
	SendTimeout    string `json:"send_timeout,omitempty"`

	Telegram TelegramConfig `json:"telegram"`
	Slack    SlackConfig    `json:"slack"`
}

type TelegramConfig struct {
	Token     string `json:"token"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type SlackConfig struct {
	Token string `json:"token"`
}

// RuleConfig is a seed rule.
type RuleConfig struct {
	Name                string         `json:"name"`
	Schedule            string         `json:"schedule"`
	IsActive            *bool          `json:"is_active,omitempty"`
	Payload             map[string]any `json:"payload,omitempty"`
	ExecutionScriptPath string         `json:"execution_script_path"`
	OnSuccess           *callback.Spec `json:"on_success,omitempty"`
	OnFailure           *callback.Spec `json:"on_failure,omitempty"`
}

// Active reports the seed's is_active flag (default true).
func (r RuleConfig) Active() bool { return r.IsActive == nil || *r.IsActive }
