package wallet

import (
	"time"

	"github.com/hive-market/hive/internal/ledger"
)

// Result is the outcome of a committed credit or debit.
type Result struct {
	Wallet ledger.Wallet
	Entry  ledger.Entry
}

// TransferResult describes a wallet-to-wallet transfer. When the credit leg fails and the
// debit is reversed, To is empty and Reversal holds the compensating entry.
type TransferResult struct {
	Reference   string
	From        Result
	To          Result
	Reversal    *Result
	CompletedAt time.Time
}

// OpOption customizes a single wallet operation.
type OpOption func(*opConfig)

type opConfig struct {
	reference string
}

// WithReference tags the log entry with a task or transfer reference.
func WithReference(ref string) OpOption {
	return func(c *opConfig) {
		c.reference = ref
	}
}
