// Package reconcile settles entries left PENDING by interrupted operations and audits that
// every wallet and escrow agrees with the transaction log.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hive-market/hive/internal/ledger"
	"github.com/hive-market/hive/internal/lock"
	"github.com/hive-market/hive/internal/metrics"
)

const defaultGrace = time.Minute

// Scope names what a discrepancy was found on.
type Scope string

const (
	ScopeWallet Scope = "wallet"
	ScopeEscrow Scope = "escrow"
)

// Discrepancy is a record whose stored amount disagrees with its settled log entries.
type Discrepancy struct {
	Scope    Scope
	Key      string
	Stored   decimal.Decimal
	Expected decimal.Decimal
}

// Report summarizes one reconciliation pass. Resolved and Failed hold entry IDs settled
// to SUCCESS and FAILED respectively.
type Report struct {
	Resolved      []string
	Failed        []string
	Discrepancies []Discrepancy
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Clean reports whether the pass found nothing to fix or flag.
func (r Report) Clean() bool {
	return len(r.Resolved) == 0 && len(r.Failed) == 0 && len(r.Discrepancies) == 0
}

// Deps aggregates reconciler collaborators. Locker must be the one the wallet and escrow
// engines use so audits never observe a half-applied operation.
type Deps struct {
	Store  ledger.Store
	Log    ledger.Log
	Locker lock.Locker
	Logger *slog.Logger
	// Grace is how old a PENDING entry must be before it is considered abandoned.
	Grace time.Duration
	Now   func() time.Time
}

// Reconciler repairs and audits the ledger.
type Reconciler struct {
	store  ledger.Store
	log    ledger.Log
	locker lock.Locker
	logger *slog.Logger
	grace  time.Duration
	now    func() time.Time
}

// New builds a reconciler.
func New(d Deps) *Reconciler {
	if d.Locker == nil {
		d.Locker = lock.NewKeyed(0)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Grace <= 0 {
		d.Grace = defaultGrace
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Reconciler{
		store:  d.Store,
		log:    d.Log,
		locker: d.Locker,
		logger: d.Logger,
		grace:  d.Grace,
		now:    d.Now,
	}
}

// Run performs one pass: settle abandoned PENDING entries, then audit every wallet and escrow.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	report := Report{StartedAt: r.now().UTC()}
	flagged := make(map[string]bool)

	if err := r.settlePending(ctx, &report, flagged); err != nil {
		return report, err
	}
	if err := r.auditWallets(ctx, &report, flagged); err != nil {
		return report, err
	}
	if err := r.auditEscrows(ctx, &report); err != nil {
		return report, err
	}

	report.FinishedAt = r.now().UTC()
	metrics.ReconcileFindings.WithLabelValues("resolved").Add(float64(len(report.Resolved)))
	metrics.ReconcileFindings.WithLabelValues("failed").Add(float64(len(report.Failed)))
	metrics.ReconcileFindings.WithLabelValues("discrepancy").Add(float64(len(report.Discrepancies)))
	return report, nil
}

// Start runs a pass every interval until ctx is cancelled. Pass errors are logged.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := r.Run(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("reconcile pass failed", slog.Any("error", err))
				continue
			}
			r.logReport(report)
		}
	}
}

func (r *Reconciler) logReport(report Report) {
	if report.Clean() {
		r.logger.Debug("reconcile pass clean")
		return
	}
	r.logger.Info("reconcile pass",
		slog.Int("resolved", len(report.Resolved)),
		slog.Int("failed", len(report.Failed)),
		slog.Int("discrepancies", len(report.Discrepancies)),
	)
	for _, d := range report.Discrepancies {
		r.logger.Error("ledger discrepancy",
			slog.String("scope", string(d.Scope)),
			slog.String("key", d.Key),
			slog.String("stored", d.Stored.String()),
			slog.String("expected", d.Expected.String()),
		)
	}
}

// settlePending resolves abandoned entries account by account. Under the account lock no
// operation is in flight, so every PENDING entry of that account is settled, not only the
// stale ones that selected it.
func (r *Reconciler) settlePending(ctx context.Context, report *Report, flagged map[string]bool) error {
	stale, err := r.log.ListPending(ctx, r.now().Add(-r.grace))
	if err != nil {
		return storageError("list pending entries", err)
	}

	seen := make(map[string]bool)
	var accountIDs []string
	for _, e := range stale {
		if !seen[e.AccountID] {
			seen[e.AccountID] = true
			accountIDs = append(accountIDs, e.AccountID)
		}
	}
	sort.Strings(accountIDs)

	for _, accountID := range accountIDs {
		err := r.withLock(ctx, "wallet:"+accountID, func() error {
			return r.settleAccount(ctx, accountID, report, flagged)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) settleAccount(ctx context.Context, accountID string, report *Report, flagged map[string]bool) error {
	balance, err := r.balance(ctx, accountID)
	if err != nil {
		return err
	}
	entries, err := r.log.ListByAccount(ctx, accountID, ledger.Filter{})
	if err != nil {
		return storageError("list entries", err)
	}

	settled := ledger.SumSettled(entries)
	var pending []ledger.Entry
	for _, e := range entries {
		if e.Status == ledger.StatusPending {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })

	for _, e := range pending {
		var status ledger.Status
		switch {
		case balance.Equal(settled.Add(e.Signed())):
			status = ledger.StatusSuccess
		case balance.Equal(settled):
			status = ledger.StatusFailed
		default:
			flagged[accountID] = true
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Scope:    ScopeWallet,
				Key:      accountID,
				Stored:   balance,
				Expected: settled,
			})
			return nil
		}

		if _, err := r.log.Settle(ctx, e.ID, status); err != nil {
			if errors.Is(err, ledger.ErrEntrySettled) {
				continue
			}
			return storageError("settle entry", err)
		}
		if status == ledger.StatusSuccess {
			settled = settled.Add(e.Signed())
			report.Resolved = append(report.Resolved, e.ID)
		} else {
			report.Failed = append(report.Failed, e.ID)
		}
		r.logger.Info("settled abandoned entry",
			slog.String("entry_id", e.ID),
			slog.String("account_id", accountID),
			slog.String("status", string(status)),
		)
	}
	return nil
}

func (r *Reconciler) auditWallets(ctx context.Context, report *Report, flagged map[string]bool) error {
	wallets, err := r.store.ListWallets(ctx)
	if err != nil {
		return storageError("list wallets", err)
	}
	for _, w := range wallets {
		if flagged[w.AccountID] {
			continue
		}
		accountID := w.AccountID
		err := r.withLock(ctx, "wallet:"+accountID, func() error {
			balance, err := r.balance(ctx, accountID)
			if err != nil {
				return err
			}
			entries, err := r.log.ListByAccount(ctx, accountID, ledger.Filter{Status: ledger.StatusSuccess})
			if err != nil {
				return storageError("list entries", err)
			}
			if expected := ledger.SumSettled(entries); !expected.Equal(balance) {
				report.Discrepancies = append(report.Discrepancies, Discrepancy{
					Scope:    ScopeWallet,
					Key:      accountID,
					Stored:   balance,
					Expected: expected,
				})
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// auditEscrows checks each escrow's held amount against the entries carrying its reference. Funds flowing out of participant wallets into the escrow are debits, so the
// expected held amount is the negated sum of the settled entries.
func (r *Reconciler) auditEscrows(ctx context.Context, report *Report) error {
	escrows, err := r.store.ListEscrowWallets(ctx)
	if err != nil {
		return storageError("list escrows", err)
	}
	for _, ew := range escrows {
		key := ew.TaskID
		err := r.withLock(ctx, "escrow:"+key, func() error {
			current, err := r.store.GetEscrowWallet(ctx, key)
			if err != nil {
				return storageError("get escrow", err)
			}
			entries, err := r.log.ListByReference(ctx, current.Reference())
			if err != nil {
				return storageError("list escrow entries", err)
			}
			if expected := ledger.SumSettled(entries).Neg(); !expected.Equal(current.Held) {
				report.Discrepancies = append(report.Discrepancies, Discrepancy{
					Scope:    ScopeEscrow,
					Key:      key,
					Stored:   current.Held,
					Expected: expected,
				})
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	w, err := r.store.GetWallet(ctx, accountID)
	switch {
	case err == nil:
		return w.Balance, nil
	case errors.Is(err, ledger.ErrNotFound):
		return decimal.Zero, nil
	default:
		return decimal.Zero, storageError("get wallet", err)
	}
}

func (r *Reconciler) withLock(ctx context.Context, key string, fn func() error) error {
	unlock, err := r.locker.Lock(ctx, key)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("lock %s: %w: %w", key, ledger.ErrStorageUnavailable, err)
	}
	defer unlock()
	return fn()
}

func storageError(op string, err error) error {
	if errors.Is(err, ledger.ErrStorageUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ledger.ErrStorageUnavailable, err)
}
