// Package telegram delivers operator alerts to a Telegram chat. It is
// outbound only: the relay never polls for updates.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

const defaultTimeout = 8 * time.Second

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int // forum topic; 0 for the main thread

	// Timeout bounds each Bot API call. Default 8s.
	Timeout time.Duration
	// APIURL overrides the Bot API endpoint (tests, local bot-api servers).
	APIURL string
}

// Sender implements logx.AlertSender.
type Sender struct {
	bot  *tele.Bot
	chat *tele.Chat
	opts *tele.SendOptions
}

func New(cfg Config) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	b, err := tele.NewBot(tele.Settings{
		URL:    strings.TrimSpace(cfg.APIURL),
		Token:  cfg.Token,
		Client: &http.Client{Timeout: timeout},
		// Skips the getMe round trip; the token is only proven by the first send.
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Sender{
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
		opts: &tele.SendOptions{
			DisableWebPagePreview: true,
			ThreadID:              cfg.ThreadID,
		},
	}, nil
}

// SendAlert posts text as a plain message. The Bot API call is bounded by the
// client timeout rather than ctx; ctx is only checked before sending.
func (s *Sender) SendAlert(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if _, err := s.bot.Send(s.chat, text, s.opts); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
