package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// LogNotifier writes events to the structured log. It is the delivery path
// for confirmation codes in local deployments.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("kind", string(e.Kind)),
		zap.String("owner", e.Owner),
	}
	if e.Kind == KindConfirmationCode {
		fields = append(fields, zap.String("email", e.Email), zap.String("code", e.Code))
	} else {
		fields = append(fields, zap.Stringer("loan_id", e.LoanID), zap.String("message", Message(e)))
	}
	n.logger.Info("notification", fields...)
	return nil
}

// sender is the part of *tgbotapi.BotAPI the notifier uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier posts loan events to an operator chat. Confirmation codes
// are never sent there.
type TelegramNotifier struct {
	bot    sender
	chatID int64
}

// NewTelegramNotifier connects to the Bot API with token.
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to connect telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

func (n *TelegramNotifier) Notify(_ context.Context, e Event) error {
	if e.Kind == KindConfirmationCode {
		return nil
	}
	msg := tgbotapi.NewMessage(n.chatID, Message(e))
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send %s: %w", e.Kind, err)
	}
	return nil
}
