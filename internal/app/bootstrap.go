package app

import (
	"strings"

	"rulekeeper/internal/config"
	"rulekeeper/internal/notify"
	"rulekeeper/internal/rules"
	"rulekeeper/internal/rules/builtin"
	logx "rulekeeper/pkg/logx"
)

// buildRules creates the registry, installs the built-in handlers and wraps
// it in an executor.
func buildRules(cfg *config.Config, log logx.Logger) (*rules.Registry, *rules.Executor, error) {
	opts, err := mapExecutorOptions(cfg)
	if err != nil {
		return nil, nil, err
	}
	reg := rules.NewRegistry()
	if err := builtin.Register(reg); err != nil {
		return nil, nil, err
	}
	exec := rules.NewExecutor(reg, opts, log.With(logx.String("comp", "executor")))
	if opts.ScriptsDir != "" {
		if err := exec.ReloadManifest(); err != nil {
			// Lookups re-read the manifest on a miss, so a fixed file is picked up later.
			log.Warn("external rule manifest invalid", logx.String("dir", opts.ScriptsDir), logx.Err(err))
		}
	}
	return reg, exec, nil
}

func buildDispatcher(cfg *config.Config, log logx.Logger) (*notify.Dispatcher, error) {
	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	log = log.With(logx.String("comp", "notify"))
	d := notify.NewDispatcher(ncfg, log)
	d.Register("log", notify.NewLogSender(log))
	registerSenders(d, cfg, log)
	return d, nil
}

// registerSenders installs (or replaces) the chat backends that have a token.
// A backend that cannot be created is logged and left out so rule execution
// keeps running without it.
func registerSenders(d *notify.Dispatcher, cfg *config.Config, log logx.Logger) {
	if tok := strings.TrimSpace(cfg.Notify.Telegram.Token); tok != "" {
		tg, err := notify.NewTelegram(notify.TelegramConfig{Token: tok, ParseMode: cfg.Notify.Telegram.ParseMode})
		if err != nil {
			log.Error("telegram sender unavailable", logx.Err(err))
		} else {
			d.Register("telegram", tg)
		}
	}
	if tok := strings.TrimSpace(cfg.Notify.Slack.Token); tok != "" {
		sl, err := notify.NewSlack(notify.SlackConfig{Token: tok})
		if err != nil {
			log.Error("slack sender unavailable", logx.Err(err))
		} else {
			d.Register("slack", sl)
		}
	}
}
