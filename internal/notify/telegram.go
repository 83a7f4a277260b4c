package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"
)

const telegramTextLimit = 4000

// Telegram sends through the Bot API.
//
// Recipients are "<chat_id>", "<chat_id>:<thread_id>" for forum topics, or "@channel".
type Telegram struct {
	bot       *tele.Bot
	parseMode tele.ParseMode
}

type TelegramConfig struct {
	Token string
	// ParseMode is "Markdown" (default), "MarkdownV2", "HTML" or "none".
	ParseMode string
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, parseMode: telegramParseMode(cfg.ParseMode)}, nil
}

func telegramParseMode(s string) tele.ParseMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "markdown":
		return tele.ModeMarkdown
	case "markdownv2":
		return tele.ModeMarkdownV2
	case "html":
		return tele.ModeHTML
	default:
		return tele.ModeDefault
	}
}

type chatRef string

func (c chatRef) Recipient() string { return string(c) }

type telegramTarget struct {
	to       tele.Recipient
	threadID int
}

func parseTelegramRecipient(s string) (telegramTarget, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return telegramTarget{}, ErrNoRecipient
	}
	if strings.HasPrefix(s, "@") {
		return telegramTarget{to: chatRef(s)}, nil
	}
	chatPart, threadPart, hasThread := strings.Cut(s, ":")
	chatID, err := strconv.ParseInt(strings.TrimSpace(chatPart), 10, 64)
	if err != nil {
		return telegramTarget{}, fmt.Errorf("invalid telegram chat id %q", chatPart)
	}
	t := telegramTarget{to: &tele.Chat{ID: chatID}}
	if hasThread {
		tid, err := strconv.Atoi(strings.TrimSpace(threadPart))
		if err != nil {
			return telegramTarget{}, fmt.Errorf("invalid telegram thread id %q", threadPart)
		}
		t.threadID = tid
	}
	return t, nil
}

func (t *Telegram) Send(ctx context.Context, recipient, text string) error {
	target, err := parseTelegramRecipient(recipient)
	if err != nil {
		return err
	}
	for _, chunk := range splitText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{
			ParseMode:             t.parseMode,
			DisableWebPagePreview: true,
			ThreadID:              target.threadID,
		}
		if _, err := t.bot.Send(target.to, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts s into chunks of at most limit runes, preferring newline boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
