package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hive-market/hive/internal/accounts"
	"github.com/hive-market/hive/internal/events"
	"github.com/hive-market/hive/internal/ledger"
	"github.com/hive-market/hive/internal/lock"
	"github.com/hive-market/hive/internal/metrics"
	"github.com/hive-market/hive/internal/notification"
)

// ErrSameAccount rejects transfers whose source and destination are identical.
var ErrSameAccount = errors.New("transfer source and destination are the same account")

// ErrOutcomeUnknown is returned when a wallet save failed and the stored wallet could not be
// read back. The operation's entry stays PENDING until the reconciler settles it.
var ErrOutcomeUnknown = errors.New("wallet save outcome unknown")

const defaultMaxAttempts = 5

// Deps aggregates the collaborators of the wallet engine.
type Deps struct {
	Store  ledger.Store
	Log    ledger.Log
	Roles  accounts.Directory
	Locker lock.Locker
	Outbox events.Queue
	Logger *slog.Logger

	// MaxAttempts bounds compare-and-swap retries on a version conflict.
	MaxAttempts int
	Backoff     lock.Backoff
}

// Engine credits and debits wallets. Each operation commits the balance change and its
// SUCCESS log entry together or not at all.
type Engine struct {
	store       ledger.Store
	log         ledger.Log
	roles       accounts.Directory
	locker      lock.Locker
	outbox      events.Queue
	logger      *slog.Logger
	maxAttempts int
	backoff     lock.Backoff
}

// NewEngine builds a wallet engine.
func NewEngine(d Deps) *Engine {
	if d.Locker == nil {
		d.Locker = lock.NewKeyed(0)
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = defaultMaxAttempts
	}
	if d.Backoff.Initial <= 0 {
		d.Backoff.Initial = 5 * time.Millisecond
	}
	if d.Backoff.Max <= 0 {
		d.Backoff.Max = 100 * time.Millisecond
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Engine{
		store:       d.Store,
		log:         d.Log,
		roles:       d.Roles,
		locker:      d.Locker,
		outbox:      d.Outbox,
		logger:      d.Logger,
		maxAttempts: d.MaxAttempts,
		backoff:     d.Backoff,
	}
}

type mutation struct {
	op        string
	accountID string
	amount    decimal.Decimal
	kind      ledger.Kind
	direction ledger.Direction
	reference string
}

func (m mutation) apply(balance decimal.Decimal) decimal.Decimal {
	if m.direction == ledger.DirectionDebit {
		return balance.Sub(m.amount)
	}
	return balance.Add(m.amount)
}

// Credit adds amount to the account's wallet, creating the wallet on first credit.
func (e *Engine) Credit(ctx context.Context, accountID string, amount decimal.Decimal, kind ledger.Kind, opts ...OpOption) (Result, error) {
	return e.run(ctx, newMutation("credit", accountID, amount, kind, ledger.DirectionCredit, opts))
}

// Debit removes amount from the account's wallet. It never produces a negative balance.
func (e *Engine) Debit(ctx context.Context, accountID string, amount decimal.Decimal, kind ledger.Kind, opts ...OpOption) (Result, error) {
	return e.run(ctx, newMutation("debit", accountID, amount, kind, ledger.DirectionDebit, opts))
}

// Transfer debits from and credits to. If the credit fails after the debit committed, the
// debit is reversed with a logged REVERSAL credit and the credit error is returned.
func (e *Engine) Transfer(ctx context.Context, from, to string, amount decimal.Decimal, kind ledger.Kind, opts ...OpOption) (TransferResult, error) {
	if from == to {
		return TransferResult{}, ErrSameAccount
	}
	cfg := opConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.reference == "" {
		cfg.reference = "transfer:" + uuid.NewString()
	}

	// Reject a destination that can never accept the credit before moving anything.
	if _, err := e.authorize(ctx, to, kind, ledger.DirectionCredit); err != nil {
		return TransferResult{}, err
	}

	debit, err := e.Debit(ctx, from, amount, kind, WithReference(cfg.reference))
	if err != nil {
		return TransferResult{}, err
	}

	credit, err := e.Credit(ctx, to, amount, kind, WithReference(cfg.reference))
	if err == nil {
		return TransferResult{
			Reference:   cfg.reference,
			From:        debit,
			To:          credit,
			CompletedAt: time.Now().UTC(),
		}, nil
	}
	if errors.Is(err, ErrOutcomeUnknown) {
		// The credit may have landed. A reversal could pay the amount twice.
		e.logger.Error("transfer credit outcome unknown, debit kept",
			slog.String("reference", cfg.reference),
			slog.String("from", from),
			slog.String("to", to),
			slog.Any("error", err),
		)
		return TransferResult{Reference: cfg.reference, From: debit}, fmt.Errorf("credit %s: %w", to, err)
	}

	e.logger.Warn("transfer credit failed, reversing debit",
		slog.String("reference", cfg.reference),
		slog.String("from", from),
		slog.String("to", to),
		slog.Any("error", err),
	)
	reversal, revErr := e.Credit(ctx, from, amount, ledger.KindReversal, WithReference(cfg.reference))
	if revErr != nil {
		metrics.Compensations.WithLabelValues("transfer", metrics.OutcomeFailure).Inc()
		e.logger.Error("transfer reversal failed, funds require reconciliation",
			slog.String("reference", cfg.reference),
			slog.String("from", from),
			slog.String("amount", amount.String()),
			slog.Any("error", revErr),
		)
		return TransferResult{Reference: cfg.reference, From: debit}, errors.Join(
			fmt.Errorf("credit %s: %w", to, err),
			fmt.Errorf("reverse debit of %s: %w", from, revErr),
		)
	}
	metrics.Compensations.WithLabelValues("transfer", metrics.OutcomeSuccess).Inc()
	return TransferResult{Reference: cfg.reference, From: debit, Reversal: &reversal}, fmt.Errorf("credit %s: %w", to, err)
}

// Balance returns the current wallet of the account.
func (e *Engine) Balance(ctx context.Context, accountID string) (ledger.Wallet, error) {
	w, err := e.store.GetWallet(ctx, accountID)
	if err != nil {
		return ledger.Wallet{}, classify("get wallet", err)
	}
	return w, nil
}

// History lists the account's entries newest first. An empty status filter means SUCCESS.
func (e *Engine) History(ctx context.Context, accountID string, f ledger.Filter) ([]ledger.Entry, error) {
	if f.Status == "" {
		f.Status = ledger.StatusSuccess
	}
	entries, err := e.log.ListByAccount(ctx, accountID, f)
	if err != nil {
		return nil, classify("list entries", err)
	}
	return entries, nil
}

func newMutation(op, accountID string, amount decimal.Decimal, kind ledger.Kind, dir ledger.Direction, opts []OpOption) mutation {
	cfg := opConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return mutation{
		op:        op,
		accountID: accountID,
		amount:    amount,
		kind:      kind,
		direction: dir,
		reference: cfg.reference,
	}
}

func (e *Engine) run(ctx context.Context, m mutation) (Result, error) {
	res, err := e.commit(ctx, m)
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailure
	}
	metrics.LedgerOperations.WithLabelValues(m.op, string(m.kind), outcome).Inc()
	if err != nil {
		return Result{}, err
	}
	e.emit(res)
	return res, nil
}

func (e *Engine) authorize(ctx context.Context, accountID string, kind ledger.Kind, dir ledger.Direction) (ledger.Role, error) {
	role, err := e.roles.Role(ctx, accountID)
	if err != nil {
		return "", classify("resolve role", err)
	}
	if !kind.Allows(dir, role) {
		return "", fmt.Errorf("%s %s on %s account %s: %w", kind, dir, role, accountID, ledger.ErrRoleMismatch)
	}
	return role, nil
}

func (e *Engine) commit(ctx context.Context, m mutation) (Result, error) {
	if !ledger.ValidAmount(m.amount) {
		return Result{}, fmt.Errorf("%s %s: %w", m.op, m.amount, ledger.ErrInvalidAmount)
	}
	role, err := e.authorize(ctx, m.accountID, m.kind, m.direction)
	if err != nil {
		return Result{}, err
	}

	unlock, err := e.acquire(ctx, "wallet:"+m.accountID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	current, err := e.load(ctx, m, role)
	if err != nil {
		return Result{}, err
	}

	pending, err := e.log.Append(ctx, ledger.Entry{
		AccountID: m.accountID,
		Amount:    m.amount,
		Direction: m.direction,
		Kind:      m.kind,
		Status:    ledger.StatusPending,
		Reference: m.reference,
	})
	if err != nil {
		return Result{}, classify("append entry", err)
	}

	saved, err := e.save(ctx, m, role, current)
	var uncertain *uncertainSave
	if errors.As(err, &uncertain) {
		saved, err = e.confirm(ctx, m, pending, uncertain)
	}
	if err != nil {
		if errors.Is(err, ErrOutcomeUnknown) {
			metrics.PendingEntries.Inc()
			e.logger.Error("wallet save outcome unknown, entry left pending",
				slog.String("account_id", m.accountID),
				slog.String("entry_id", pending.ID),
				slog.Any("error", err),
			)
			return Result{}, err
		}
		if _, settleErr := e.log.Settle(ctx, pending.ID, ledger.StatusFailed); settleErr != nil {
			e.logger.Warn("mark entry failed",
				slog.String("entry_id", pending.ID),
				slog.Any("error", settleErr),
			)
		}
		return Result{}, err
	}

	settled, err := e.log.Settle(ctx, pending.ID, ledger.StatusSuccess)
	if err != nil {
		// The balance is committed; the reconciler settles the entry from the balance.
		metrics.PendingEntries.Inc()
		e.logger.Error("settle entry failed after balance commit",
			slog.String("account_id", m.accountID),
			slog.String("entry_id", pending.ID),
			slog.Any("error", err),
		)
		settled = pending
	}

	return Result{Wallet: saved, Entry: settled}, nil
}

// load returns the wallet to mutate. A credit against a missing wallet starts from an
// unsaved zero-balance wallet; a debit against one fails with ErrNotFound.
func (e *Engine) load(ctx context.Context, m mutation, role ledger.Role) (ledger.Wallet, error) {
	w, err := e.store.GetWallet(ctx, m.accountID)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrNotFound) && m.direction == ledger.DirectionCredit:
		w = ledger.Wallet{AccountID: m.accountID, Role: role, Balance: decimal.Zero}
	default:
		return ledger.Wallet{}, classify("get wallet", err)
	}
	if m.direction == ledger.DirectionDebit && w.Balance.LessThan(m.amount) {
		return ledger.Wallet{}, fmt.Errorf("debit %s from %s (balance %s): %w", m.amount, m.accountID, w.Balance, ledger.ErrInsufficientFunds)
	}
	if m.direction == ledger.DirectionCredit && !m.apply(w.Balance).LessThan(ledger.MaxAmount) {
		return ledger.Wallet{}, fmt.Errorf("credit %s to %s (balance %s) exceeds %s: %w", m.amount, m.accountID, w.Balance, ledger.MaxAmount, ledger.ErrInvalidAmount)
	}
	return w, nil
}

func (e *Engine) save(ctx context.Context, m mutation, role ledger.Role, current ledger.Wallet) (ledger.Wallet, error) {
	delay := e.backoff.Initial
	for attempt := 1; ; attempt++ {
		next := current
		next.Role = role
		next.Balance = m.apply(current.Balance)

		saved, err := e.store.SaveWallet(ctx, next)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, ledger.ErrVersionConflict) {
			return ledger.Wallet{}, &uncertainSave{attempted: next, err: classify("save wallet", err)}
		}
		if attempt >= e.maxAttempts {
			return ledger.Wallet{}, fmt.Errorf("save wallet %s after %d attempts: %w: %w", m.accountID, attempt, ledger.ErrStorageUnavailable, err)
		}

		e.logger.Debug("wallet version conflict, retrying",
			slog.String("account_id", m.accountID),
			slog.Int("attempt", attempt),
		)
		select {
		case <-ctx.Done():
			return ledger.Wallet{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > e.backoff.Max {
			delay = e.backoff.Max
		}

		if current, err = e.load(ctx, m, role); err != nil {
			return ledger.Wallet{}, err
		}
	}
}

// uncertainSave is a SaveWallet failure other than a version conflict. The write may still
// have committed.
type uncertainSave struct {
	attempted ledger.Wallet
	err       error
}

func (u *uncertainSave) Error() string { return u.err.Error() }

func (u *uncertainSave) Unwrap() error { return u.err }

// confirm reads the wallet back under the account lock after an uncertain save. A version
// one past the attempted one with the attempted balance means the save committed; an
// unchanged version means it did not. Anything else is ErrOutcomeUnknown.
func (e *Engine) confirm(ctx context.Context, m mutation, pending ledger.Entry, u *uncertainSave) (ledger.Wallet, error) {
	stored, err := e.store.GetWallet(ctx, m.accountID)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrNotFound) && u.attempted.Version == 0:
		return ledger.Wallet{}, u.err
	default:
		return ledger.Wallet{}, fmt.Errorf("%w: entry %s: %w: %w", ErrOutcomeUnknown, pending.ID, u.err, err)
	}

	switch {
	case stored.Version == u.attempted.Version:
		return ledger.Wallet{}, u.err
	case stored.Version == u.attempted.Version+1 && stored.Balance.Equal(u.attempted.Balance):
		e.logger.Warn("wallet save reported failure after commit",
			slog.String("account_id", m.accountID),
			slog.String("entry_id", pending.ID),
			slog.Any("error", u.err),
		)
		return stored, nil
	default:
		return ledger.Wallet{}, fmt.Errorf("%w: entry %s: stored version %d balance %s: %w",
			ErrOutcomeUnknown, pending.ID, stored.Version, stored.Balance, u.err)
	}
}

func (e *Engine) acquire(ctx context.Context, key string) (func(), error) {
	start := time.Now()
	unlock, err := e.locker.Lock(ctx, key)
	metrics.LockWait.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("lock %s: %w: %w", key, ledger.ErrStorageUnavailable, err)
	}
	return unlock, nil
}

func (e *Engine) emit(res Result) {
	if e.outbox == nil {
		return
	}
	entry := res.Entry
	if entry.Direction == ledger.DirectionCredit {
		e.outbox.Publish(events.New(events.CreditSucceeded, entry))
	}
	if (entry.Kind == ledger.KindDeposit && res.Wallet.Role == ledger.RoleTasker) || entry.Kind == ledger.KindEscrowHold {
		e.outbox.Publish(events.New(events.FundingOccurred, entry))
	}
	e.outbox.Notify(notification.Message{AccountID: entry.AccountID, Entry: entry})
}

// classify passes domain errors through and marks everything else as a storage failure.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrRoleMismatch),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrStorageUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ledger.ErrStorageUnavailable, err)
	}
}
