package notification

import (
	"context"
	"log/slog"

	"github.com/hive-market/hive/internal/ledger"
)

// Message is a wallet activity notification for one account.
type Message struct {
	AccountID string
	Entry     ledger.Entry
}

// Notifier delivers notifications to downstream systems. Delivery is best-effort.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier is a stub implementation that writes notifications to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier stub.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("wallet activity",
		slog.String("account_id", message.AccountID),
		slog.String("entry_id", message.Entry.ID),
		slog.String("kind", string(message.Entry.Kind)),
		slog.String("direction", string(message.Entry.Direction)),
		slog.String("amount", message.Entry.Amount.String()),
	)
	return nil
}
