package notify

import (
	"context"

	logx "rulekeeper/pkg/logx"
)

// LogSender writes notifications to the log. It is the fallback channel when no
// chat backend is configured.
type LogSender struct {
	log logx.Logger
}

func NewLogSender(log logx.Logger) *LogSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSender{log: log}
}

func (s *LogSender) Send(_ context.Context, recipient, text string) error {
	s.log.Info("notification", logx.String("recipient", recipient), logx.String("text", text))
	return nil
}
