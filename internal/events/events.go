// Package events carries post-commit domain events and notifications out of the ledger.
// Nothing here runs on the financial commit path: the wallet engine enqueues after the
// balance and its log entry are durable, and delivery failures are only logged.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hive-market/hive/internal/ledger"
)

// Type names a domain event.
type Type string

const (
	// CreditSucceeded is emitted after any successful credit.
	CreditSucceeded Type = "CreditSucceeded"
	// FundingOccurred is emitted when a tasker wallet is funded or funds move into escrow.
	FundingOccurred Type = "FundingOccurred"
)

// Event is a domain event about one ledger entry.
type Event struct {
	ID         string
	Type       Type
	AccountID  string
	Entry      ledger.Entry
	OccurredAt time.Time
}

// New builds an event for entry.
func New(t Type, entry ledger.Entry) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		AccountID:  entry.AccountID,
		Entry:      entry,
		OccurredAt: time.Now().UTC(),
	}
}

// Sink receives events. Implementations must tolerate duplicates: delivery is at-least-once.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink constructs a logging sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish logs the event.
func (s *LogSink) Publish(_ context.Context, event Event) error {
	s.logger.Info("domain event",
		slog.String("event_id", event.ID),
		slog.String("type", string(event.Type)),
		slog.String("account_id", event.AccountID),
		slog.String("entry_id", event.Entry.ID),
	)
	return nil
}

const defaultStream = "hive:events:v1"

// RedisStreamSink appends events to a Redis stream for downstream consumers.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamSink builds a sink writing to stream (a default is used when empty).
func NewRedisStreamSink(client *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = defaultStream
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

type wireEntry struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Amount    string `json:"amount"`
	Direction string `json:"direction"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Reference string `json:"reference,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Publish XADDs the event. The event ID travels with it so consumers can deduplicate.
func (s *RedisStreamSink) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(wireEntry{
		ID:        event.Entry.ID,
		AccountID: event.Entry.AccountID,
		Amount:    event.Entry.Amount.String(),
		Direction: string(event.Entry.Direction),
		Kind:      string(event.Entry.Kind),
		Status:    string(event.Entry.Status),
		Reference: event.Entry.Reference,
		CreatedAt: event.Entry.CreatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("encode event entry: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"event_id":    event.ID,
			"type":        string(event.Type),
			"account_id":  event.AccountID,
			"occurred_at": event.OccurredAt.Format(time.RFC3339Nano),
			"entry":       string(payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}
