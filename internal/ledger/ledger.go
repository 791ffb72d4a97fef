package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no wallet, escrow wallet or entry exists for a key.
	ErrNotFound = errors.New("not found")

	// ErrRoleMismatch indicates the operation kind is not permitted for the account role.
	ErrRoleMismatch = errors.New("role mismatch")

	// ErrInsufficientFunds occurs when a debit exceeds the available balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAmount rejects amounts that are not positive, carry more than AmountScale
	// decimal places, or fall outside MaxAmount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidEscrowState is returned when an escrow transition is attempted from the wrong state.
	ErrInvalidEscrowState = errors.New("invalid escrow state")

	// ErrStorageUnavailable wraps transient persistence failures. Callers may retry.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrVersionConflict signals a compare-and-swap save lost against a concurrent writer.
	ErrVersionConflict = errors.New("version conflict")

	// ErrEntrySettled is returned when settling an entry that already left PENDING.
	ErrEntrySettled = errors.New("entry already settled")
)

// Store persists wallet and escrow wallet records. Saves are compare-and-swap on Version:
// the caller passes the version it read (0 for a new record) and receives Version+1.
// Escrow records are keyed by task id and their Ref is unique; inserting a second record
// with a taken Ref fails with ErrVersionConflict, and updates never change Ref.
type Store interface {
	GetWallet(ctx context.Context, accountID string) (Wallet, error)
	SaveWallet(ctx context.Context, w Wallet) (Wallet, error)
	ListWallets(ctx context.Context) ([]Wallet, error)
	GetEscrowWallet(ctx context.Context, taskID string) (EscrowWallet, error)
	SaveEscrowWallet(ctx context.Context, e EscrowWallet) (EscrowWallet, error)
	ListEscrowWallets(ctx context.Context) ([]EscrowWallet, error)
}

// Log is the append-only transaction history. Settle is the only mutation and
// moves a PENDING entry to SUCCESS or FAILED exactly once.
type Log interface {
	Append(ctx context.Context, e Entry) (Entry, error)
	Settle(ctx context.Context, id string, status Status) (Entry, error)
	ListByAccount(ctx context.Context, accountID string, f Filter) ([]Entry, error)
	ListByReference(ctx context.Context, reference string) ([]Entry, error)
	ListPending(ctx context.Context, olderThan time.Time) ([]Entry, error)
}

func validSettlement(status Status) bool {
	return status == StatusSuccess || status == StatusFailed
}
