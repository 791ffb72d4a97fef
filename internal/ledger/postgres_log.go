package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLog stores transaction log entries in the ledger_entries table. The table
// rejects updates other than PENDING settlement and all deletes (see migrations).
type PostgresLog struct {
	db   *pgxpool.Pool
	psql sq.StatementBuilderType
}

// NewPostgresLog constructs a Postgres-backed transaction log.
func NewPostgresLog(db *pgxpool.Pool) *PostgresLog {
	return &PostgresLog{
		db:   db,
		psql: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

var entryColumns = []string{"id", "seq", "account_id", "amount", "direction", "kind", "status", "reference", "created_at"}

// Append inserts e and returns it with its assigned sequence number.
func (l *PostgresLog) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	id, err := uuid.Parse(e.ID)
	if err != nil {
		return Entry{}, fmt.Errorf("entry id: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	query, args, err := l.psql.
		Insert("ledger_entries").
		Columns("id", "account_id", "amount", "direction", "kind", "status", "reference", "created_at").
		Values(id, e.AccountID, e.Amount, e.Direction, e.Kind, e.Status, e.Reference, e.CreatedAt.UTC()).
		Suffix("RETURNING seq").
		ToSql()
	if err != nil {
		return Entry{}, fmt.Errorf("build query: %w", err)
	}
	if err := l.db.QueryRow(ctx, query, args...).Scan(&e.Seq); err != nil {
		return Entry{}, fmt.Errorf("append entry: %w", err)
	}
	return e, nil
}

// Settle moves a PENDING entry to status.
func (l *PostgresLog) Settle(ctx context.Context, id string, status Status) (Entry, error) {
	if !validSettlement(status) {
		return Entry{}, fmt.Errorf("cannot settle entry to %s", status)
	}
	entryID, err := uuid.Parse(id)
	if err != nil {
		return Entry{}, fmt.Errorf("entry id: %w", err)
	}

	query, args, err := l.psql.
		Update("ledger_entries").
		Set("status", status).
		Where(sq.Eq{"id": entryID, "status": StatusPending}).
		Suffix("RETURNING " + strings.Join(entryColumns, ", ")).
		ToSql()
	if err != nil {
		return Entry{}, fmt.Errorf("build query: %w", err)
	}

	e, err := scanEntry(l.db.QueryRow(ctx, query, args...))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, fmt.Errorf("settle entry %s: %w", id, err)
	}

	existing, getErr := l.get(ctx, entryID)
	if getErr != nil {
		return Entry{}, getErr
	}
	return existing, fmt.Errorf("entry %s is %s: %w", id, existing.Status, ErrEntrySettled)
}

// ListByAccount returns entries for accountID, newest first.
func (l *PostgresLog) ListByAccount(ctx context.Context, accountID string, f Filter) ([]Entry, error) {
	builder := l.psql.
		Select(entryColumns...).
		From("ledger_entries").
		Where(sq.Eq{"account_id": accountID}).
		OrderBy("seq DESC")
	if f.Status != "" {
		builder = builder.Where(sq.Eq{"status": f.Status})
	}
	if f.Kind != "" {
		builder = builder.Where(sq.Eq{"kind": f.Kind})
	}
	if f.Limit > 0 {
		builder = builder.Limit(uint64(f.Limit))
	}
	return l.query(ctx, builder)
}

// ListByReference returns entries tagged with reference in insertion order.
func (l *PostgresLog) ListByReference(ctx context.Context, reference string) ([]Entry, error) {
	if reference == "" {
		return nil, nil
	}
	return l.query(ctx, l.psql.
		Select(entryColumns...).
		From("ledger_entries").
		Where(sq.Eq{"reference": reference}).
		OrderBy("seq ASC"))
}

// ListPending returns PENDING entries created at or before olderThan.
func (l *PostgresLog) ListPending(ctx context.Context, olderThan time.Time) ([]Entry, error) {
	return l.query(ctx, l.psql.
		Select(entryColumns...).
		From("ledger_entries").
		Where(sq.Eq{"status": StatusPending}).
		Where(sq.LtOrEq{"created_at": olderThan.UTC()}).
		OrderBy("seq ASC"))
}

func (l *PostgresLog) get(ctx context.Context, id uuid.UUID) (Entry, error) {
	query, args, err := l.psql.Select(entryColumns...).From("ledger_entries").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return Entry{}, fmt.Errorf("build query: %w", err)
	}
	e, err := scanEntry(l.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, fmt.Errorf("entry %s: %w", id, ErrNotFound)
		}
		return Entry{}, fmt.Errorf("get entry %s: %w", id, err)
	}
	return e, nil
}

func (l *PostgresLog) query(ctx context.Context, builder sq.SelectBuilder) ([]Entry, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e  Entry
		id uuid.UUID
	)
	if err := row.Scan(&id, &e.Seq, &e.AccountID, &e.Amount, &e.Direction, &e.Kind, &e.Status, &e.Reference, &e.CreatedAt); err != nil {
		return Entry{}, err
	}
	e.ID = id.String()
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}
