package ledger

import (
	"context"
	"sync"
)

// FaultyStore wraps a Store and fails selected saves on demand. It is a test helper.
type FaultyStore struct {
	Store

	mu              sync.Mutex
	failWalletSaves map[string]int
	loseWalletSaves map[string]int
	failReadBacks   map[string]int
	failReads       map[string]int
	failEscrowSaves map[string]int
}

// NewFaultyStore wraps inner.
func NewFaultyStore(inner Store) *FaultyStore {
	return &FaultyStore{
		Store:           inner,
		failWalletSaves: make(map[string]int),
		loseWalletSaves: make(map[string]int),
		failReadBacks:   make(map[string]int),
		failReads:       make(map[string]int),
		failEscrowSaves: make(map[string]int),
	}
}

// FailWalletSaves makes the next n SaveWallet calls for accountID fail.
func (s *FaultyStore) FailWalletSaves(accountID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWalletSaves[accountID] = n
}

// FailWalletSavesAfterCommit makes the next n SaveWallet calls for accountID commit and then
// report ErrStorageUnavailable, like a connection lost before the reply.
func (s *FaultyStore) FailWalletSavesAfterCommit(accountID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loseWalletSaves[accountID] = n
}

// FailReadBacks makes the next n GetWallet calls for accountID fail once a save set up by
// FailWalletSavesAfterCommit has committed.
func (s *FaultyStore) FailReadBacks(accountID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failReadBacks[accountID] = n
}

// FailEscrowSaves makes the next n SaveEscrowWallet calls for taskID fail.
func (s *FaultyStore) FailEscrowSaves(taskID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failEscrowSaves[taskID] = n
}

func (s *FaultyStore) GetWallet(ctx context.Context, accountID string) (Wallet, error) {
	if s.consume(s.failReads, accountID) {
		return Wallet{}, ErrStorageUnavailable
	}
	return s.Store.GetWallet(ctx, accountID)
}

func (s *FaultyStore) SaveWallet(ctx context.Context, w Wallet) (Wallet, error) {
	if s.consume(s.failWalletSaves, w.AccountID) {
		return Wallet{}, ErrStorageUnavailable
	}
	if !s.consume(s.loseWalletSaves, w.AccountID) {
		return s.Store.SaveWallet(ctx, w)
	}
	if _, err := s.Store.SaveWallet(ctx, w); err != nil {
		return Wallet{}, err
	}
	s.mu.Lock()
	s.failReads[w.AccountID] += s.failReadBacks[w.AccountID]
	s.failReadBacks[w.AccountID] = 0
	s.mu.Unlock()
	return Wallet{}, ErrStorageUnavailable
}

func (s *FaultyStore) SaveEscrowWallet(ctx context.Context, e EscrowWallet) (EscrowWallet, error) {
	if s.consume(s.failEscrowSaves, e.TaskID) {
		return EscrowWallet{}, ErrStorageUnavailable
	}
	return s.Store.SaveEscrowWallet(ctx, e)
}

func (s *FaultyStore) consume(m map[string]int, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m[key] <= 0 {
		return false
	}
	m[key]--
	return true
}

// FaultyLog wraps a Log and can fail appends or settlements. It is a test helper.
type FaultyLog struct {
	Log

	mu          sync.Mutex
	failAppends int
	failSettles int
}

// NewFaultyLog wraps inner.
func NewFaultyLog(inner Log) *FaultyLog {
	return &FaultyLog{Log: inner}
}

// FailAppends makes the next n Append calls fail.
func (l *FaultyLog) FailAppends(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failAppends = n
}

// FailSettles makes the next n Settle calls fail.
func (l *FaultyLog) FailSettles(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failSettles = n
}

func (l *FaultyLog) Append(ctx context.Context, e Entry) (Entry, error) {
	l.mu.Lock()
	fail := l.failAppends > 0
	if fail {
		l.failAppends--
	}
	l.mu.Unlock()
	if fail {
		return Entry{}, ErrStorageUnavailable
	}
	return l.Log.Append(ctx, e)
}

func (l *FaultyLog) Settle(ctx context.Context, id string, status Status) (Entry, error) {
	l.mu.Lock()
	fail := l.failSettles > 0
	if fail {
		l.failSettles--
	}
	l.mu.Unlock()
	if fail {
		return Entry{}, ErrStorageUnavailable
	}
	return l.Log.Settle(ctx, id, status)
}
