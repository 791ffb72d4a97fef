package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of decimal places stored amounts carry.
const AmountScale = 4

// MaxAmount is the exclusive upper bound of amounts and balances.
var MaxAmount = decimal.New(1, 16)

// ValidAmount reports whether v is a positive amount storable without rounding.
func ValidAmount(v decimal.Decimal) bool {
	return v.IsPositive() && v.Equal(v.Truncate(AmountScale)) && v.LessThan(MaxAmount)
}

// Role identifies the marketplace side an account belongs to.
type Role string

const (
	RoleTasker Role = "TASKER"
	RoleDoer   Role = "DOER"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleTasker || r == RoleDoer
}

// Direction is the side of the balance an entry moves.
type Direction string

const (
	DirectionCredit Direction = "CREDIT"
	DirectionDebit  Direction = "DEBIT"
)

// Kind classifies a balance-affecting operation.
type Kind string

const (
	KindDeposit    Kind = "DEPOSIT"
	KindWithdrawal Kind = "WITHDRAWAL"
	KindEscrowHold Kind = "ESCROW_HOLD"
	KindPayout     Kind = "PAYOUT"
	KindRefund     Kind = "REFUND"
	KindTransfer   Kind = "TRANSFER"
	KindReversal   Kind = "REVERSAL"
)

type kindRule struct {
	credit bool
	debit  bool
	roles  []Role
}

var kindRules = map[Kind]kindRule{
	KindDeposit:    {credit: true, roles: []Role{RoleTasker, RoleDoer}},
	KindWithdrawal: {debit: true, roles: []Role{RoleTasker, RoleDoer}},
	KindEscrowHold: {debit: true, roles: []Role{RoleTasker}},
	KindPayout:     {credit: true, roles: []Role{RoleDoer}},
	KindRefund:     {credit: true, roles: []Role{RoleTasker}},
	KindTransfer:   {credit: true, debit: true, roles: []Role{RoleTasker, RoleDoer}},
	KindReversal:   {credit: true, debit: true, roles: []Role{RoleTasker, RoleDoer}},
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindRules[k]
	return ok
}

// Allows reports whether an operation of kind k may move funds in direction d
// on a wallet owned by role.
func (k Kind) Allows(d Direction, role Role) bool {
	rule, ok := kindRules[k]
	if !ok {
		return false
	}
	switch d {
	case DirectionCredit:
		if !rule.credit {
			return false
		}
	case DirectionDebit:
		if !rule.debit {
			return false
		}
	default:
		return false
	}
	for _, r := range rule.roles {
		if r == role {
			return true
		}
	}
	return false
}

// Status is the settlement state of a log entry.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// EscrowState is the lifecycle position of a task escrow.
type EscrowState string

const (
	EscrowNone     EscrowState = "NONE"
	EscrowFunded   EscrowState = "FUNDED"
	EscrowReleased EscrowState = "RELEASED"
	EscrowRefunded EscrowState = "REFUNDED"
)

// Terminal reports whether no transition may leave s.
func (s EscrowState) Terminal() bool {
	return s == EscrowReleased || s == EscrowRefunded
}

// Wallet is the balance record of a single participant account.
type Wallet struct {
	AccountID string
	Role      Role
	Balance   decimal.Decimal
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EscrowWallet stages funds taken from a tasker against one task. Records are stored under
// TaskID; Ref is fixed when the escrow is funded and tags every entry that moves its funds.
type EscrowWallet struct {
	TaskID    string
	Ref       string
	TaskerID  string
	DoerID    string
	Amount    decimal.Decimal
	Held      decimal.Decimal
	State     EscrowState
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Reference returns the log reference of the escrow's entries. It defaults to the task id.
func (e EscrowWallet) Reference() string {
	if e.Ref != "" {
		return e.Ref
	}
	return e.TaskID
}

// Entry is one immutable record in the transaction log.
type Entry struct {
	ID        string
	Seq       int64
	AccountID string
	Amount    decimal.Decimal
	Direction Direction
	Kind      Kind
	Status    Status
	Reference string
	CreatedAt time.Time
}

// Signed returns the amount with the sign of its direction.
func (e Entry) Signed() decimal.Decimal {
	if e.Direction == DirectionDebit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// Filter narrows ListByAccount results. Zero values match everything.
type Filter struct {
	Status Status
	Kind   Kind
	Limit  int
}

func (f Filter) match(e Entry) bool {
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	return true
}

// SumSettled totals the signed amounts of SUCCESS entries.
func SumSettled(entries []Entry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		if e.Status == StatusSuccess {
			total = total.Add(e.Signed())
		}
	}
	return total
}
