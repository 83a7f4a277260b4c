package callback

import (
	"context"
	"strings"
	"text/template"

	"rulekeeper/internal/notify"
	logx "rulekeeper/pkg/logx"
)

const DefaultTemplate = "📋 *{{.RuleName}}*\n{{.StatusEmoji}} {{.Message}}"

// NotifyHandler renders a template and hands it to a Notifier.
type NotifyHandler struct {
	Channel   string
	Recipient string
	tmpl      *template.Template
	notifier  Notifier
	log       logx.Logger
}

// NewNotifyHandler parses text (DefaultTemplate when empty).
func NewNotifyHandler(n Notifier, channel, recipient, text string, log logx.Logger) (*NotifyHandler, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(text) == "" {
		text = DefaultTemplate
	}
	t, err := template.New("callback").Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, err
	}
	return &NotifyHandler{
		Channel:   channel,
		Recipient: recipient,
		tmpl:      t,
		notifier:  n,
		log:       log,
	}, nil
}

// Render returns the message text for c.
func (h *NotifyHandler) Render(c Context) (string, error) {
	var b strings.Builder
	if err := h.tmpl.Execute(&b, c); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (h *NotifyHandler) Execute(ctx context.Context, c Context) bool {
	text, err := h.Render(c)
	if err != nil {
		h.log.Warn("callback template failed", logx.String("rule", c.RuleName), logx.Err(err))
		return false
	}
	if h.notifier == nil {
		h.log.Warn("callback has no notifier", logx.String("rule", c.RuleName))
		return false
	}
	err = h.notifier.Notify(ctx, notify.Message{Channel: h.Channel, Recipient: h.Recipient, Text: text})
	if err != nil {
		h.log.Warn("callback notification failed",
			logx.String("rule", c.RuleName),
			logx.String("recipient", h.Recipient),
			logx.Err(err),
		)
		return false
	}
	return true
}
