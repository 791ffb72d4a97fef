package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type inMemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]Wallet
	escrows map[string]EscrowWallet
}

// NewInMemory creates a concurrency-safe in-memory store useful for unit tests and development.
func NewInMemory() Store {
	return &inMemoryStore{
		wallets: make(map[string]Wallet),
		escrows: make(map[string]EscrowWallet),
	}
}

func (s *inMemoryStore) GetWallet(_ context.Context, accountID string) (Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[accountID]
	if !ok {
		return Wallet{}, fmt.Errorf("wallet %s: %w", accountID, ErrNotFound)
	}
	return w, nil
}

func (s *inMemoryStore) SaveWallet(_ context.Context, w Wallet) (Wallet, error) {
	if w.Balance.IsNegative() {
		return Wallet{}, fmt.Errorf("wallet %s: negative balance %s", w.AccountID, w.Balance)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	current, exists := s.wallets[w.AccountID]
	switch {
	case !exists && w.Version != 0:
		return Wallet{}, fmt.Errorf("wallet %s: %w", w.AccountID, ErrVersionConflict)
	case exists && current.Version != w.Version:
		return Wallet{}, fmt.Errorf("wallet %s: %w", w.AccountID, ErrVersionConflict)
	}
	if exists {
		w.CreatedAt = current.CreatedAt
	} else {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	w.Version++
	s.wallets[w.AccountID] = w
	return w, nil
}

func (s *inMemoryStore) ListWallets(_ context.Context) ([]Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Wallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (s *inMemoryStore) GetEscrowWallet(_ context.Context, taskID string) (EscrowWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.escrows[taskID]
	if !ok {
		return EscrowWallet{}, fmt.Errorf("escrow %s: %w", taskID, ErrNotFound)
	}
	return e, nil
}

func (s *inMemoryStore) SaveEscrowWallet(_ context.Context, e EscrowWallet) (EscrowWallet, error) {
	if e.Held.IsNegative() {
		return EscrowWallet{}, fmt.Errorf("escrow %s: negative held amount %s", e.TaskID, e.Held)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	current, exists := s.escrows[e.TaskID]
	switch {
	case !exists && e.Version != 0:
		return EscrowWallet{}, fmt.Errorf("escrow %s: %w", e.TaskID, ErrVersionConflict)
	case exists && current.Version != e.Version:
		return EscrowWallet{}, fmt.Errorf("escrow %s: %w", e.TaskID, ErrVersionConflict)
	}
	if exists {
		e.Ref = current.Ref
		e.CreatedAt = current.CreatedAt
	} else {
		e.Ref = e.Reference()
		for _, other := range s.escrows {
			if other.Ref == e.Ref {
				return EscrowWallet{}, fmt.Errorf("escrow %s: reference %s held by task %s: %w", e.TaskID, e.Ref, other.TaskID, ErrVersionConflict)
			}
		}
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	e.Version++
	s.escrows[e.TaskID] = e
	return e, nil
}

func (s *inMemoryStore) ListEscrowWallets(_ context.Context) ([]EscrowWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EscrowWallet, 0, len(s.escrows))
	for _, e := range s.escrows {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

type inMemoryLog struct {
	mu      sync.RWMutex
	seq     int64
	entries []Entry
	byID    map[string]int
}

// NewInMemoryLog creates an append-only in-memory transaction log.
func NewInMemoryLog() Log {
	return &inMemoryLog{byID: make(map[string]int)}
}

func (l *inMemoryLog) Append(_ context.Context, e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if _, exists := l.byID[e.ID]; exists {
		return Entry{}, fmt.Errorf("entry %s already exists", e.ID)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	l.seq++
	e.Seq = l.seq
	l.byID[e.ID] = len(l.entries)
	l.entries = append(l.entries, e)
	return e, nil
}

func (l *inMemoryLog) Settle(_ context.Context, id string, status Status) (Entry, error) {
	if !validSettlement(status) {
		return Entry{}, fmt.Errorf("cannot settle entry to %s", status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	idx, ok := l.byID[id]
	if !ok {
		return Entry{}, fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	e := l.entries[idx]
	if e.Status != StatusPending {
		return e, fmt.Errorf("entry %s is %s: %w", id, e.Status, ErrEntrySettled)
	}
	e.Status = status
	l.entries[idx] = e
	return e, nil
}

func (l *inMemoryLog) ListByAccount(_ context.Context, accountID string, f Filter) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.AccountID != accountID || !f.match(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (l *inMemoryLog) ListByReference(_ context.Context, reference string) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.entries {
		if reference != "" && e.Reference == reference {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *inMemoryLog) ListPending(_ context.Context, olderThan time.Time) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.entries {
		if e.Status == StatusPending && !e.CreatedAt.After(olderThan) {
			out = append(out, e)
		}
	}
	return out, nil
}
