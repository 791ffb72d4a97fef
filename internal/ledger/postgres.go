package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// PostgresStore persists wallet and escrow records in PostgreSQL using row versioning.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed ledger store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const walletColumns = `account_id, role, balance, version, created_at, updated_at`

// GetWallet fetches the wallet owned by accountID.
func (s *PostgresStore) GetWallet(ctx context.Context, accountID string) (Wallet, error) {
	row := s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE account_id = $1`, accountID)
	w, err := scanWallet(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, fmt.Errorf("wallet %s: %w", accountID, ErrNotFound)
		}
		return Wallet{}, fmt.Errorf("get wallet %s: %w", accountID, err)
	}
	return w, nil
}

// SaveWallet inserts a new wallet (Version 0) or updates an existing one whose stored
// version still equals w.Version.
func (s *PostgresStore) SaveWallet(ctx context.Context, w Wallet) (Wallet, error) {
	var row pgx.Row
	if w.Version == 0 {
		row = s.db.QueryRow(ctx, `INSERT INTO wallets (account_id, role, balance, version, created_at, updated_at)
        VALUES ($1, $2, $3, 1, now(), now())
        ON CONFLICT (account_id) DO NOTHING
        RETURNING `+walletColumns, w.AccountID, w.Role, w.Balance)
	} else {
		row = s.db.QueryRow(ctx, `UPDATE wallets SET balance = $2, role = $3, version = version + 1, updated_at = now()
        WHERE account_id = $1 AND version = $4
        RETURNING `+walletColumns, w.AccountID, w.Balance, w.Role, w.Version)
	}
	saved, err := scanWallet(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, fmt.Errorf("wallet %s: %w", w.AccountID, ErrVersionConflict)
		}
		return Wallet{}, fmt.Errorf("save wallet %s: %w", w.AccountID, err)
	}
	return saved, nil
}

// ListWallets returns every wallet ordered by account.
func (s *PostgresStore) ListWallets(ctx context.Context) ([]Wallet, error) {
	rows, err := s.db.Query(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	var out []Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

const escrowColumns = `task_id, escrow_ref, tasker_id, doer_id, amount, held, state, version, created_at, updated_at`

// GetEscrowWallet fetches the escrow record of taskID.
func (s *PostgresStore) GetEscrowWallet(ctx context.Context, taskID string) (EscrowWallet, error) {
	row := s.db.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrow_wallets WHERE task_id = $1`, taskID)
	e, err := scanEscrow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return EscrowWallet{}, fmt.Errorf("escrow %s: %w", taskID, ErrNotFound)
		}
		return EscrowWallet{}, fmt.Errorf("get escrow %s: %w", taskID, err)
	}
	return e, nil
}

// SaveEscrowWallet inserts or version-checked updates an escrow record. The reference is
// written once on insert; a reference already held by another task is a conflict.
func (s *PostgresStore) SaveEscrowWallet(ctx context.Context, e EscrowWallet) (EscrowWallet, error) {
	var row pgx.Row
	if e.Version == 0 {
		row = s.db.QueryRow(ctx, `INSERT INTO escrow_wallets (task_id, escrow_ref, tasker_id, doer_id, amount, held, state, version, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, 1, now(), now())
        ON CONFLICT (task_id) DO NOTHING
        RETURNING `+escrowColumns, e.TaskID, e.Reference(), e.TaskerID, e.DoerID, e.Amount, e.Held, e.State)
	} else {
		row = s.db.QueryRow(ctx, `UPDATE escrow_wallets SET doer_id = $2, held = $3, state = $4, version = version + 1, updated_at = now()
        WHERE task_id = $1 AND version = $5
        RETURNING `+escrowColumns, e.TaskID, e.DoerID, e.Held, e.State, e.Version)
	}
	saved, err := scanEscrow(row)
	if err != nil {
		var pgErr *pgconn.PgError
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return EscrowWallet{}, fmt.Errorf("escrow %s: %w", e.TaskID, ErrVersionConflict)
		case errors.As(err, &pgErr) && pgErr.Code == uniqueViolation:
			return EscrowWallet{}, fmt.Errorf("escrow %s: reference %s in use: %w", e.TaskID, e.Reference(), ErrVersionConflict)
		}
		return EscrowWallet{}, fmt.Errorf("save escrow %s: %w", e.TaskID, err)
	}
	return saved, nil
}

// ListEscrowWallets returns every escrow record ordered by task.
func (s *PostgresStore) ListEscrowWallets(ctx context.Context) ([]EscrowWallet, error) {
	rows, err := s.db.Query(ctx, `SELECT `+escrowColumns+` FROM escrow_wallets ORDER BY task_id`)
	if err != nil {
		return nil, fmt.Errorf("list escrows: %w", err)
	}
	defer rows.Close()

	var out []EscrowWallet
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escrow: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var w Wallet
	if err := row.Scan(&w.AccountID, &w.Role, &w.Balance, &w.Version, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return Wallet{}, err
	}
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, nil
}

func scanEscrow(row pgx.Row) (EscrowWallet, error) {
	var e EscrowWallet
	if err := row.Scan(&e.TaskID, &e.Ref, &e.TaskerID, &e.DoerID, &e.Amount, &e.Held, &e.State, &e.Version, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return EscrowWallet{}, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}
