package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/hive-market/hive/internal/metrics"
	"github.com/hive-market/hive/internal/notification"
)

// Queue accepts outbound work after a ledger commit. Enqueueing never fails the caller.
type Queue interface {
	Publish(event Event)
	Notify(message notification.Message)
}

// OutboxConfig tunes the in-process outbox.
type OutboxConfig struct {
	Buffer      int
	MaxAttempts int
	Backoff     time.Duration
	SendTimeout time.Duration
}

func (c OutboxConfig) withDefaults() OutboxConfig {
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff <= 0 {
		c.Backoff = 50 * time.Millisecond
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 2 * time.Second
	}
	return c
}

type item struct {
	event   *Event
	message *notification.Message
}

// Outbox is a buffered queue drained by Run. Events are retried with bounded backoff;
// notifications are fire-and-forget with a single attempt. Delivery is best effort: the
// queue lives in memory, so a full buffer or a crash loses what it holds.
type Outbox struct {
	cfg      OutboxConfig
	queue    chan item
	sink     Sink
	notifier notification.Notifier
	logger   *slog.Logger
}

// NewOutbox builds an outbox. A nil sink or notifier disables that channel.
func NewOutbox(sink Sink, notifier notification.Notifier, cfg OutboxConfig, logger *slog.Logger) *Outbox {
	cfg = cfg.withDefaults()
	return &Outbox{
		cfg:      cfg,
		queue:    make(chan item, cfg.Buffer),
		sink:     sink,
		notifier: notifier,
		logger:   logger,
	}
}

// Publish enqueues an event. When the buffer is full the event is dropped and logged.
func (o *Outbox) Publish(event Event) {
	if o.sink == nil {
		return
	}
	o.enqueue(item{event: &event}, "event")
}

// Notify enqueues a notification. When the buffer is full it is dropped and logged.
func (o *Outbox) Notify(message notification.Message) {
	if o.notifier == nil {
		return
	}
	o.enqueue(item{message: &message}, "notification")
}

func (o *Outbox) enqueue(it item, channel string) {
	select {
	case o.queue <- it:
	default:
		metrics.OutboxDeliveries.WithLabelValues(channel, metrics.OutcomeDropped).Inc()
		o.logger.Warn("outbox full, dropping", slog.String("channel", channel))
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is already buffered.
func (o *Outbox) Run(ctx context.Context) error {
	for {
		select {
		case it := <-o.queue:
			o.deliver(ctx, it)
		case <-ctx.Done():
			o.flush()
			return nil
		}
	}
}

func (o *Outbox) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.SendTimeout)
	defer cancel()
	for {
		select {
		case it := <-o.queue:
			o.deliver(ctx, it)
		default:
			return
		}
	}
}

func (o *Outbox) deliver(ctx context.Context, it item) {
	switch {
	case it.event != nil:
		o.deliverEvent(ctx, *it.event)
	case it.message != nil:
		o.deliverNotification(ctx, *it.message)
	}
}

func (o *Outbox) deliverEvent(ctx context.Context, event Event) {
	delay := o.cfg.Backoff
	for attempt := 1; ; attempt++ {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SendTimeout)
		err := o.sink.Publish(sendCtx, event)
		cancel()
		if err == nil {
			metrics.OutboxDeliveries.WithLabelValues("event", metrics.OutcomeSuccess).Inc()
			return
		}
		if attempt >= o.cfg.MaxAttempts {
			metrics.OutboxDeliveries.WithLabelValues("event", metrics.OutcomeFailure).Inc()
			o.logger.Error("event delivery abandoned",
				slog.String("event_id", event.ID),
				slog.String("type", string(event.Type)),
				slog.Int("attempts", attempt),
				slog.Any("error", err),
			)
			return
		}
		o.logger.Warn("event delivery failed, retrying",
			slog.String("event_id", event.ID),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.OutboxDeliveries.WithLabelValues("event", metrics.OutcomeFailure).Inc()
			o.logger.Error("event delivery interrupted by shutdown",
				slog.String("event_id", event.ID),
				slog.String("type", string(event.Type)),
				slog.Int("attempts", attempt),
				slog.Any("error", err),
			)
			return
		case <-timer.C:
		}
		delay *= 2
	}
}

func (o *Outbox) deliverNotification(ctx context.Context, message notification.Message) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SendTimeout)
	defer cancel()
	if err := o.notifier.Send(sendCtx, message); err != nil {
		metrics.OutboxDeliveries.WithLabelValues("notification", metrics.OutcomeFailure).Inc()
		o.logger.Warn("notification failed",
			slog.String("account_id", message.AccountID),
			slog.String("entry_id", message.Entry.ID),
			slog.Any("error", err),
		)
		return
	}
	metrics.OutboxDeliveries.WithLabelValues("notification", metrics.OutcomeSuccess).Inc()
}
