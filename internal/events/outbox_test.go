package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/hive-market/hive/internal/ledger"
	"github.com/hive-market/hive/internal/logging"
	"github.com/hive-market/hive/internal/notification"
)

type flakySink struct {
	mu       sync.Mutex
	failures int
	attempts int
	got      []Event
}

func (s *flakySink) Publish(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failures > 0 {
		s.failures--
		return errors.New("sink unavailable")
	}
	s.got = append(s.got, e)
	return nil
}

func (s *flakySink) snapshot() (int, []Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts, append([]Event(nil), s.got...)
}

type countingNotifier struct {
	mu   sync.Mutex
	sent []notification.Message
	err  error
}

func (n *countingNotifier) Send(_ context.Context, m notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, m)
	return nil
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func testEntry() ledger.Entry {
	return ledger.Entry{
		ID:        "e-1",
		AccountID: "doer-1",
		Amount:    decimal.NewFromInt(200),
		Direction: ledger.DirectionCredit,
		Kind:      ledger.KindPayout,
		Status:    ledger.StatusSuccess,
		Reference: "task-1",
		CreatedAt: time.Now().UTC(),
	}
}

func runOutbox(t *testing.T, o *Outbox) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("outbox did not stop")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestOutboxRetriesEventDelivery(t *testing.T) {
	sink := &flakySink{failures: 2}
	o := NewOutbox(sink, nil, OutboxConfig{MaxAttempts: 5, Backoff: time.Millisecond}, logging.Discard())
	stop := runOutbox(t, o)
	defer stop()

	o.Publish(New(CreditSucceeded, testEntry()))

	waitFor(t, func() bool {
		_, got := sink.snapshot()
		return len(got) == 1
	})
	attempts, got := sink.snapshot()
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if got[0].Type != CreditSucceeded || got[0].AccountID != "doer-1" {
		t.Fatalf("unexpected event %+v", got[0])
	}
}

func TestOutboxAbandonsAfterMaxAttempts(t *testing.T) {
	sink := &flakySink{failures: 100}
	o := NewOutbox(sink, nil, OutboxConfig{MaxAttempts: 3, Backoff: time.Millisecond}, logging.Discard())
	stop := runOutbox(t, o)
	defer stop()

	o.Publish(New(FundingOccurred, testEntry()))

	waitFor(t, func() bool {
		attempts, _ := sink.snapshot()
		return attempts == 3
	})
	time.Sleep(20 * time.Millisecond)
	if attempts, _ := sink.snapshot(); attempts != 3 {
		t.Fatalf("expected delivery to stop after 3 attempts, got %d", attempts)
	}
}

func TestOutboxDropsWhenFull(t *testing.T) {
	sink := &flakySink{}
	o := NewOutbox(sink, nil, OutboxConfig{Buffer: 2}, logging.Discard())

	// Not running: the buffer fills and further events are dropped without blocking.
	for i := 0; i < 5; i++ {
		o.Publish(New(CreditSucceeded, testEntry()))
	}
	if len(o.queue) != 2 {
		t.Fatalf("expected 2 buffered events, got %d", len(o.queue))
	}

	stop := runOutbox(t, o)
	stop()
	if _, got := sink.snapshot(); len(got) != 2 {
		t.Fatalf("expected buffered events to flush on stop, got %d", len(got))
	}
}

func TestOutboxShutdownInterruptsBackoff(t *testing.T) {
	sink := &flakySink{failures: 100}
	o := NewOutbox(sink, nil, OutboxConfig{MaxAttempts: 3, Backoff: time.Hour, SendTimeout: 100 * time.Millisecond}, logging.Discard())
	stop := runOutbox(t, o)

	o.Publish(New(CreditSucceeded, testEntry()))
	waitFor(t, func() bool {
		attempts, _ := sink.snapshot()
		return attempts == 1
	})

	start := time.Now()
	stop()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("shutdown waited %s on backoff", elapsed)
	}
	if attempts, _ := sink.snapshot(); attempts != 1 {
		t.Fatalf("expected no retry after shutdown, got %d attempts", attempts)
	}
}

func TestOutboxNotificationFailureIsContained(t *testing.T) {
	sink := &flakySink{}
	notifier := &countingNotifier{err: errors.New("smtp down")}
	o := NewOutbox(sink, notifier, OutboxConfig{}, logging.Discard())
	stop := runOutbox(t, o)
	defer stop()

	o.Notify(notification.Message{AccountID: "doer-1", Entry: testEntry()})
	o.Publish(New(CreditSucceeded, testEntry()))

	waitFor(t, func() bool {
		_, got := sink.snapshot()
		return len(got) == 1
	})

	notifier.mu.Lock()
	notifier.err = nil
	notifier.mu.Unlock()
	o.Notify(notification.Message{AccountID: "doer-1", Entry: testEntry()})
	waitFor(t, func() bool { return notifier.count() == 1 })
}

func TestOutboxNilChannelsAreIgnored(t *testing.T) {
	o := NewOutbox(nil, nil, OutboxConfig{Buffer: 1}, logging.Discard())
	o.Publish(New(CreditSucceeded, testEntry()))
	o.Notify(notification.Message{AccountID: "x"})
	if len(o.queue) != 0 {
		t.Fatalf("expected nothing enqueued, got %d", len(o.queue))
	}
}

func TestRedisStreamSinkPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := NewRedisStreamSink(client, "", 0)
	event := New(CreditSucceeded, testEntry())
	if err := sink.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msgs, err := client.XRange(context.Background(), defaultStream, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 stream message, got %d", len(msgs))
	}
	values := msgs[0].Values
	if values["event_id"] != event.ID || values["type"] != string(CreditSucceeded) {
		t.Fatalf("unexpected stream values %v", values)
	}

	var entry map[string]string
	if err := json.Unmarshal([]byte(values["entry"].(string)), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry["amount"] != "200" || entry["reference"] != "task-1" {
		t.Fatalf("unexpected entry payload %v", entry)
	}
}

func TestRedisStreamSinkSurfacesErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	sink := NewRedisStreamSink(client, "events", 10)
	if err := sink.Publish(context.Background(), New(CreditSucceeded, testEntry())); err == nil {
		t.Fatal("expected publish to fail with redis down")
	}
}
