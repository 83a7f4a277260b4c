package notify

import (
	"context"
	"errors"
	"strings"

	slackgo "github.com/slack-go/slack"
)

// Slack posts through the Web API. Recipients are "<channel_id>" or
// "<channel_id>:<thread_ts>".
type Slack struct {
	client *slackgo.Client
}

type SlackConfig struct {
	Token string
	// APIURL overrides the Web API base URL (tests, proxies).
	APIURL string
}

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("slack token is empty")
	}
	opts := []slackgo.Option{}
	if cfg.APIURL != "" {
		opts = append(opts, slackgo.OptionAPIURL(cfg.APIURL))
	}
	return &Slack{client: slackgo.New(cfg.Token, opts...)}, nil
}

func (s *Slack) Send(ctx context.Context, recipient, text string) error {
	channel, threadTS, _ := strings.Cut(strings.TrimSpace(recipient), ":")
	if channel == "" {
		return ErrNoRecipient
	}
	options := []slackgo.MsgOption{slackgo.MsgOptionText(text, false)}
	if threadTS != "" {
		options = append(options, slackgo.MsgOptionTS(threadTS))
	}
	_, _, err := s.client.PostMessageContext(ctx, channel, options...)
	return err
}
