// Package notify carries user-facing messages out of the engine. The
// services only see the Notifier contract; the Telegram sender is the
// production implementation.
package notify

import (
	"context"
	"fmt"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

type Notifier interface {
	Send(ctx context.Context, telegramID int64, text string) error
}

type TelegramNotifier struct {
	Bot *telego.Bot
}

func NewTelegramNotifier(token string) (*TelegramNotifier, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return &TelegramNotifier{Bot: bot}, nil
}

func (n *TelegramNotifier) Send(ctx context.Context, telegramID int64, text string) error {
	_, err := n.Bot.SendMessage(ctx, tu.Message(tu.ID(telegramID), text))
	return err
}

// NopNotifier is used when no bot token is configured.
type NopNotifier struct{}

func (NopNotifier) Send(ctx context.Context, telegramID int64, text string) error { return nil }
