// Package telegram is the outbound operator notification sink. Delivery
// is fire-and-forget: failures are logged, never propagated.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/tvasilis/pipeliner/internal/config"
)

const maxMessageLen = 4000

type Notifier struct {
	bot    *telego.Bot
	chatID int64
}

func NewNotifier(cfg config.TelegramConfig) (*Notifier, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token not set")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat_id not set")
	}

	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Notifier{
		bot:    bot,
		chatID: cfg.ChatID,
	}, nil
}

func (n *Notifier) Notify(title, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	text := title
	if message != "" {
		text += "\n\n" + message
	}

	for _, chunk := range chunkMessage(text, maxMessageLen) {
		msg := tu.Message(tu.ID(n.chatID), chunk)
		if _, err := n.bot.SendMessage(ctx, msg); err != nil {
			slog.Error("telegram notification failed", "chat", n.chatID, "error", err)
			return
		}
	}
}
