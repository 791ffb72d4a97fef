package accounts

import (
	"time"

	"github.com/hive-market/hive/internal/ledger"
)

// Account is a marketplace participant known to the ledger.
type Account struct {
	ID        string
	Role      ledger.Role
	CreatedAt time.Time
}
