// Package lock provides per-key mutual exclusion for ledger read-modify-write sequences.
// Acquisition never blocks indefinitely: callers back off between attempts and give up
// with ErrLockTimeout once the configured wait is exhausted.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a lock could not be acquired within the allowed wait.
var ErrLockTimeout = errors.New("lock wait exceeded")

// Locker serializes work per key.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Backoff describes a bounded exponential retry schedule.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	MaxWait time.Duration
}

// DefaultBackoff is used when a zero Backoff is supplied.
var DefaultBackoff = Backoff{
	Initial: 2 * time.Millisecond,
	Max:     100 * time.Millisecond,
	MaxWait: 5 * time.Second,
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	if b.MaxWait <= 0 {
		b.MaxWait = DefaultBackoff.MaxWait
	}
	return b
}

// Retry calls try until it reports done, the wait budget is spent or ctx ends.
func (b Backoff) Retry(ctx context.Context, try func() (bool, error)) error {
	b = b.withDefaults()
	deadline := time.Now().Add(b.MaxWait)
	delay := b.Initial
	for {
		done, err := try()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if time.Now().Add(delay).After(deadline) {
			return ErrLockTimeout
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > b.Max {
			delay = b.Max
		}
	}
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// Keyed is an in-process Locker holding one mutex per key. Idle keys are released.
type Keyed struct {
	mu      sync.Mutex
	keys    map[string]*keyedEntry
	maxWait time.Duration
}

// NewKeyed builds an in-process locker. maxWait <= 0 uses DefaultBackoff.MaxWait.
func NewKeyed(maxWait time.Duration) *Keyed {
	if maxWait <= 0 {
		maxWait = DefaultBackoff.MaxWait
	}
	return &Keyed{keys: make(map[string]*keyedEntry), maxWait: maxWait}
}

// Lock blocks until key is free, ctx ends, or the wait budget is spent.
func (k *Keyed) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	entry, ok := k.keys[key]
	if !ok {
		entry = &keyedEntry{ch: make(chan struct{}, 1)}
		k.keys[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	timer := time.NewTimer(k.maxWait)
	defer timer.Stop()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, entry)
		return nil, ctx.Err()
	case <-timer.C:
		k.release(key, entry)
		return nil, ErrLockTimeout
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.ch
			k.release(key, entry)
		})
	}, nil
}

func (k *Keyed) release(key string, entry *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(k.keys, key)
	}
}
