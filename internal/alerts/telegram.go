package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"listing-sniper/internal/config"
	"listing-sniper/internal/resilience"
	"listing-sniper/internal/rest"

	"go.uber.org/zap"
)

const telegramBaseURL = "https://api.telegram.org"

type Priority int

const (
	PriorityHigh Priority = iota
	PriorityLow
)

func (p Priority) String() string {
	if p == PriorityLow {
		return "low"
	}
	return "high"
}

// Telegram delivers messages to one chat. Low priority messages arrive
// without a notification sound.
type Telegram struct {
	enabled bool
	token   string
	chatID  string
	rest    *rest.Client
	log     *zap.Logger
}

func NewTelegram(cfg config.TelegramConfig, guard *resilience.Guard, log *zap.Logger) *Telegram {
	return newTelegram(cfg, guard, log, telegramBaseURL)
}

func newTelegram(cfg config.TelegramConfig, guard *resilience.Guard, log *zap.Logger, baseURL string) *Telegram {
	if log == nil {
		log = zap.NewNop()
	}
	return &Telegram{
		enabled: cfg.Enabled,
		token:   strings.TrimSpace(cfg.Token),
		chatID:  strings.TrimSpace(cfg.ChatID),
		rest:    rest.New(baseURL, "telegram", 10*time.Second, guard, log),
		log:     log,
	}
}

type sendMessageRequest struct {
	ChatID              string `json:"chat_id"`
	Text                string `json:"text"`
	DisableNotification bool   `json:"disable_notification,omitempty"`
}

func (t *Telegram) SendMessage(ctx context.Context, message string, priority Priority) error {
	if !t.enabled {
		t.log.Debug("telegram disabled, message dropped", zap.String("priority", priority.String()))
		return nil
	}
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram token and chat_id are required")
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("telegram message is empty")
	}
	req := sendMessageRequest{
		ChatID:              t.chatID,
		Text:                message,
		DisableNotification: priority == PriorityLow,
	}
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := t.rest.PostJSON(ctx, fmt.Sprintf("/bot%s/sendMessage", t.token), req, &result); err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	if !result.OK {
		desc := strings.TrimSpace(result.Description)
		if desc == "" {
			desc = "unknown telegram error"
		}
		return fmt.Errorf("telegram send failed: %s", desc)
	}
	return nil
}
