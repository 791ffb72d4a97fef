// Package accounts resolves account identities to marketplace roles. The wallet engine
// trusts the role it is given and never re-validates the identity behind it.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hive-market/hive/internal/ledger"
)

// ErrAccountExists is returned when creating an account whose ID is taken.
var ErrAccountExists = errors.New("account already exists")

// Directory is the role provider consumed by the wallet engine.
type Directory interface {
	Role(ctx context.Context, accountID string) (ledger.Role, error)
}

// Repository persists accounts.
type Repository interface {
	Directory
	Create(ctx context.Context, account Account) error
	Get(ctx context.Context, id string) (Account, error)
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed account repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new account.
func (r *PostgresRepository) Create(ctx context.Context, account Account) error {
	if !account.Role.Valid() {
		return fmt.Errorf("account %s: unknown role %q", account.ID, account.Role)
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `INSERT INTO accounts (id, role, created_at) VALUES ($1, $2, $3)`,
		account.ID, account.Role, account.CreatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("account %s: %w", account.ID, ErrAccountExists)
	}
	return err
}

// Get fetches an account by identifier.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Account, error) {
	row := r.db.QueryRow(ctx, `SELECT id, role, created_at FROM accounts WHERE id = $1`, id)
	var a Account
	if err := row.Scan(&a.ID, &a.Role, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, fmt.Errorf("account %s: %w", id, ledger.ErrNotFound)
		}
		return Account{}, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

// Role returns the role stored for the account.
func (r *PostgresRepository) Role(ctx context.Context, accountID string) (ledger.Role, error) {
	a, err := r.Get(ctx, accountID)
	if err != nil {
		return "", err
	}
	return a.Role, nil
}
