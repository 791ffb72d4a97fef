package accounts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hive-market/hive/internal/ledger"
)

type memoryRepository struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

// NewMemoryRepository builds an in-memory account store for testing and development.
func NewMemoryRepository() Repository {
	return &memoryRepository{accounts: make(map[string]Account)}
}

func (r *memoryRepository) Create(_ context.Context, account Account) error {
	if !account.Role.Valid() {
		return fmt.Errorf("account %s: unknown role %q", account.ID, account.Role)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.accounts[account.ID]; exists {
		return fmt.Errorf("account %s: %w", account.ID, ErrAccountExists)
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	r.accounts[account.ID] = account
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("account %s: %w", id, ledger.ErrNotFound)
	}
	return a, nil
}

func (r *memoryRepository) Role(ctx context.Context, accountID string) (ledger.Role, error) {
	a, err := r.Get(ctx, accountID)
	if err != nil {
		return "", err
	}
	return a.Role, nil
}
