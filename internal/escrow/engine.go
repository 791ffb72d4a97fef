// Package escrow holds task funds between the tasker and the doer. Each task's escrow moves
// NONE → FUNDED → RELEASED or REFUNDED exactly once.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hive-market/hive/internal/ledger"
	"github.com/hive-market/hive/internal/lock"
	"github.com/hive-market/hive/internal/metrics"
	"github.com/hive-market/hive/internal/tasks"
	"github.com/hive-market/hive/internal/wallet"
)

// ErrNoDoer is returned when releasing an escrow whose task has no assigned doer.
var ErrNoDoer = errors.New("task has no doer")

// Wallets is the subset of the wallet engine the escrow engine moves funds through.
type Wallets interface {
	Credit(ctx context.Context, accountID string, amount decimal.Decimal, kind ledger.Kind, opts ...wallet.OpOption) (wallet.Result, error)
	Debit(ctx context.Context, accountID string, amount decimal.Decimal, kind ledger.Kind, opts ...wallet.OpOption) (wallet.Result, error)
}

// Deps aggregates escrow engine collaborators.
type Deps struct {
	Store   ledger.Store
	Wallets Wallets
	Tasks   tasks.Directory
	Locker  lock.Locker
	Logger  *slog.Logger
}

// Engine runs the escrow state machine.
type Engine struct {
	store   ledger.Store
	wallets Wallets
	tasks   tasks.Directory
	locker  lock.Locker
	logger  *slog.Logger
}

// NewEngine builds an escrow engine. Lock keys are prefixed with "escrow:" so the locker
// may be shared with the wallet engine.
func NewEngine(d Deps) *Engine {
	if d.Locker == nil {
		d.Locker = lock.NewKeyed(0)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Engine{
		store:   d.Store,
		wallets: d.Wallets,
		tasks:   d.Tasks,
		locker:  d.Locker,
		logger:  d.Logger,
	}
}

// Get returns the escrow wallet of a task. A task that was never funded reports state NONE.
func (e *Engine) Get(ctx context.Context, taskID string) (ledger.EscrowWallet, error) {
	task, err := e.tasks.Task(ctx, taskID)
	if err != nil {
		return ledger.EscrowWallet{}, fmt.Errorf("get task: %w", err)
	}
	return e.current(ctx, task)
}

// Fund moves amount from the tasker's wallet into the task's escrow.
func (e *Engine) Fund(ctx context.Context, taskID string, amount decimal.Decimal) (ledger.EscrowWallet, error) {
	var out ledger.EscrowWallet
	err := e.withTask(ctx, "fund", ledger.KindEscrowHold, taskID, func(task tasks.Task) error {
		current, err := e.current(ctx, task)
		if err != nil {
			return err
		}
		if current.State != ledger.EscrowNone {
			return fmt.Errorf("fund escrow %s in state %s: %w", current.TaskID, current.State, ledger.ErrInvalidEscrowState)
		}

		if _, err := e.wallets.Debit(ctx, task.TaskerID, amount, ledger.KindEscrowHold, wallet.WithReference(current.Reference())); err != nil {
			return fmt.Errorf("hold funds from %s: %w", task.TaskerID, err)
		}

		next := current
		next.Amount = amount
		next.Held = amount
		next.State = ledger.EscrowFunded
		saved, err := e.store.SaveEscrowWallet(ctx, next)
		if err != nil {
			saveErr := saveError(current.TaskID, err)
			return e.compensate("fund", current.TaskID, saveErr, func() error {
				_, err := e.wallets.Credit(ctx, task.TaskerID, amount, ledger.KindReversal, wallet.WithReference(current.Reference()))
				return err
			})
		}
		out = saved
		return nil
	})
	return out, err
}

// Release pays the held amount to the task's doer.
func (e *Engine) Release(ctx context.Context, taskID string) (ledger.EscrowWallet, error) {
	return e.resolve(ctx, "release", taskID, ledger.KindPayout, ledger.EscrowReleased, func(task tasks.Task) (string, error) {
		if task.DoerID == "" {
			return "", fmt.Errorf("release escrow for task %s: %w", task.ID, ErrNoDoer)
		}
		return task.DoerID, nil
	})
}

// Refund returns the held amount to the task's tasker.
func (e *Engine) Refund(ctx context.Context, taskID string) (ledger.EscrowWallet, error) {
	return e.resolve(ctx, "refund", taskID, ledger.KindRefund, ledger.EscrowRefunded, func(task tasks.Task) (string, error) {
		return task.TaskerID, nil
	})
}

func (e *Engine) resolve(ctx context.Context, op, taskID string, kind ledger.Kind, terminal ledger.EscrowState, recipient func(tasks.Task) (string, error)) (ledger.EscrowWallet, error) {
	var out ledger.EscrowWallet
	err := e.withTask(ctx, op, kind, taskID, func(task tasks.Task) error {
		current, err := e.current(ctx, task)
		if err != nil {
			return err
		}
		if current.State != ledger.EscrowFunded {
			return fmt.Errorf("%s escrow %s in state %s: %w", op, current.TaskID, current.State, ledger.ErrInvalidEscrowState)
		}
		to, err := recipient(task)
		if err != nil {
			return err
		}

		held := current.Held
		if _, err := e.wallets.Credit(ctx, to, held, kind, wallet.WithReference(current.Reference())); err != nil {
			return fmt.Errorf("%s %s to %s: %w", op, held, to, err)
		}

		next := current
		next.Held = decimal.Zero
		next.State = terminal
		if kind == ledger.KindPayout {
			next.DoerID = to
		}
		saved, err := e.store.SaveEscrowWallet(ctx, next)
		if err != nil {
			saveErr := saveError(current.TaskID, err)
			return e.compensate(op, current.TaskID, saveErr, func() error {
				_, err := e.wallets.Debit(ctx, to, held, ledger.KindReversal, wallet.WithReference(current.Reference()))
				return err
			})
		}
		out = saved
		return nil
	})
	return out, err
}

// withTask resolves the task and runs fn under the task's escrow lock.
func (e *Engine) withTask(ctx context.Context, op string, kind ledger.Kind, taskID string, fn func(tasks.Task) error) error {
	err := func() error {
		task, err := e.tasks.Task(ctx, taskID)
		if err != nil {
			return fmt.Errorf("get task: %w", err)
		}

		key := "escrow:" + task.ID
		start := time.Now()
		unlock, err := e.locker.Lock(ctx, key)
		metrics.LockWait.Observe(time.Since(start).Seconds())
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("lock %s: %w: %w", key, ledger.ErrStorageUnavailable, err)
		}
		defer unlock()

		return fn(task)
	}()

	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailure
	}
	metrics.LedgerOperations.WithLabelValues("escrow_"+op, string(kind), outcome).Inc()
	return err
}

// current loads the escrow record owned by task, synthesizing a NONE record when absent. A
// funded record keeps the reference it was funded under.
func (e *Engine) current(ctx context.Context, task tasks.Task) (ledger.EscrowWallet, error) {
	rec, err := e.store.GetEscrowWallet(ctx, task.ID)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, ledger.ErrNotFound):
		return ledger.EscrowWallet{
			TaskID:   task.ID,
			Ref:      task.EscrowKey(),
			TaskerID: task.TaskerID,
			DoerID:   task.DoerID,
			Amount:   decimal.Zero,
			Held:     decimal.Zero,
			State:    ledger.EscrowNone,
		}, nil
	default:
		return ledger.EscrowWallet{}, fmt.Errorf("get escrow %s: %w: %w", task.ID, ledger.ErrStorageUnavailable, err)
	}
}

// compensate reverses a wallet movement whose escrow record could not be saved and returns
// cause. If the reversal itself fails both errors are returned.
func (e *Engine) compensate(op, escrowKey string, cause error, reverse func() error) error {
	e.logger.Warn("escrow save failed, reversing wallet movement",
		slog.String("op", op),
		slog.String("escrow", escrowKey),
		slog.Any("error", cause),
	)
	if err := reverse(); err != nil {
		metrics.Compensations.WithLabelValues("escrow_"+op, metrics.OutcomeFailure).Inc()
		e.logger.Error("escrow reversal failed, funds require reconciliation",
			slog.String("op", op),
			slog.String("escrow", escrowKey),
			slog.Any("error", err),
		)
		return errors.Join(cause, fmt.Errorf("reverse %s for escrow %s: %w", op, escrowKey, err))
	}
	metrics.Compensations.WithLabelValues("escrow_"+op, metrics.OutcomeSuccess).Inc()
	return cause
}

// saveError maps a failed escrow save. A version conflict under the task lock means another
// writer resolved the escrow first.
func saveError(escrowKey string, err error) error {
	if errors.Is(err, ledger.ErrVersionConflict) {
		return fmt.Errorf("save escrow %s: %w: %w", escrowKey, ledger.ErrInvalidEscrowState, err)
	}
	if errors.Is(err, ledger.ErrStorageUnavailable) {
		return fmt.Errorf("save escrow %s: %w", escrowKey, err)
	}
	return fmt.Errorf("save escrow %s: %w: %w", escrowKey, ledger.ErrStorageUnavailable, err)
}
