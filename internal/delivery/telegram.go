package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

const telegramTextLimit = 4096

// TelegramConfig configures the Telegram backend.
type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint (tests, self-hosted API servers).
	APIURL string
}

// Telegram sends each message to one chat (optionally a forum topic).
type Telegram struct {
	bot  *tele.Bot
	chat *tele.Chat
	cfg  TelegramConfig
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:   cfg.APIURL,
		Token: cfg.Token,
		// Send-only: no poller and no getMe round trip at startup.
		Offline: true,
		Client:  &http.Client{Timeout: 8 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Telegram{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, cfg: cfg}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, m Message) error {
	for _, chunk := range splitText(formatTelegram(m), telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{ThreadID: t.cfg.ThreadID}
		if _, err := t.bot.Send(t.chat, chunk, opt); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

func formatTelegram(m Message) string {
	var b strings.Builder
	if m.Urgent {
		b.WriteString("[URGENT] ")
	}
	b.WriteString(m.Title)
	if body := strings.TrimSpace(m.Body); body != "" {
		b.WriteString("\n\n")
		b.WriteString(body)
	}
	return b.String()
}

// splitText breaks s into rune chunks of at most limit, preferring to cut
// after a newline when one sits in the last two thirds of the window.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, string(rs[start:end]))
		start = end
	}
	return out
}
