package notify

import (
	"context"
	"fmt"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type sender interface {
	Send(c tgbot.Chattable) (tgbot.Message, error)
}

// Telegram posts alerts to one chat.
type Telegram struct {
	bot    sender
	chatID int64
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram: empty bot token")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("telegram: chat id required")
	}
	b, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Telegram{bot: b, chatID: chatID}, nil
}

func (t *Telegram) Alert(ctx context.Context, a Alert) error {
	if t == nil || t.bot == nil || t.chatID == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbot.NewMessage(t.chatID, icon(a.Level)+" "+a.String())
	msg.DisableNotification = a.Level == Info
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func icon(l Level) string {
	switch l {
	case Critical:
		return "🚨"
	case Warning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}
