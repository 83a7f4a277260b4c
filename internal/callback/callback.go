package callback

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"rulekeeper/internal/notify"
	logx "rulekeeper/pkg/logx"
)

// Context is what a callback sees about the finished execution.
type Context struct {
	RuleName    string
	RuleID      string
	ExecutionID string
	Success     bool
	Message     string
	Data        map[string]any
	Payload     map[string]any
}

func (c Context) StatusEmoji() string {
	if c.Success {
		return "✅"
	}
	return "❌"
}

func (c Context) status() string {
	if c.Success {
		return "SUCCESS"
	}
	return "FAILURE"
}

// Handler reacts to an execution outcome. It reports whether it did its job.
type Handler interface {
	Execute(ctx context.Context, c Context) bool
}

// Run executes h and converts a panic into false.
func Run(ctx context.Context, h Handler, c Context, log logx.Logger) (ok bool) {
	if h == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("callback execution failed",
				logx.String("rule", c.RuleName),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			ok = false
		}
	}()
	return h.Execute(ctx, c)
}

// LogHandler writes one line per outcome.
type LogHandler struct {
	Level string
	log   logx.Logger
}

func NewLogHandler(level string, log logx.Logger) *LogHandler {
	if log.IsZero() {
		log = logx.Nop()
	}
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		level = "info"
	}
	return &LogHandler{Level: level, log: log}
}

func (h *LogHandler) Execute(_ context.Context, c Context) bool {
	msg := fmt.Sprintf("[%s] Rule '%s' (execution: %s): %s", c.status(), c.RuleName, c.ExecutionID, c.Message)
	h.log.Log(logx.ParseLevel(h.Level, logx.LevelInfo), msg)
	return true
}

// Notifier is the delivery side of NotifyHandler.
type Notifier interface {
	Notify(ctx context.Context, m notify.Message) error
}

// ChainHandler runs every child and succeeds only if all of them do. A failing
// or panicking child does not stop the rest.
type ChainHandler struct {
	Handlers []Handler
	log      logx.Logger
}

func NewChainHandler(log logx.Logger, hs ...Handler) *ChainHandler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ChainHandler{Handlers: hs, log: log}
}

func (h *ChainHandler) Execute(ctx context.Context, c Context) bool {
	all := true
	for _, child := range h.Handlers {
		if !Run(ctx, child, c, h.log) {
			all = false
		}
	}
	return all
}
