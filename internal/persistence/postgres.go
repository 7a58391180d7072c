package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"BskLedger/internal/ledger"
)

// PostgresStore implements ledger.Store on top of Postgres. Correctness
// of the write path lives here, not in application locks:
//
//   - the balance row is locked with SELECT ... FOR UPDATE
//   - the entry insert uses ON CONFLICT (idempotency_key) DO NOTHING
//   - a conflicting writer rolls back its balance update and reads the
//     winner's row instead
type PostgresStore struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewPostgresStore(db *sql.DB, log zerolog.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: log}
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// ApplyEntry performs the atomic debit-or-credit described on ledger.Store.
func (s *PostgresStore) ApplyEntry(ctx context.Context, e *ledger.Entry) (ledger.ApplyOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.ApplyOutcome{}, ledger.WrapStorage("begin tx", err)
	}
	defer tx.Rollback()

	// Ensure the balance row exists so FOR UPDATE has something to lock.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, asset, withdrawable, holding, updated_at)
		VALUES ($1, $2, 0, 0, NOW())
		ON CONFLICT (user_id, asset) DO NOTHING
	`, e.UserID, e.Asset); err != nil {
		return ledger.ApplyOutcome{}, ledger.WrapStorage("ensure balance row", err)
	}

	var withdrawable, holding decimal.Decimal
	if err := tx.QueryRowContext(ctx, `
		SELECT withdrawable, holding
		FROM balances
		WHERE user_id = $1 AND asset = $2
		FOR UPDATE
	`, e.UserID, e.Asset).Scan(&withdrawable, &holding); err != nil {
		return ledger.ApplyOutcome{}, ledger.WrapStorage("lock balance row", err)
	}

	before := withdrawable
	if e.Bucket == ledger.BucketHolding {
		before = holding
	}

	if e.Type == ledger.TxTypeDebit && before.LessThan(e.Amount) {
		return ledger.ApplyOutcome{}, &ledger.InsufficientBalanceError{
			Asset:     e.Asset,
			Bucket:    e.Bucket,
			Available: before.String(),
			Requested: e.Amount.String(),
		}
	}

	after := before.Add(e.Delta())
	e.BalanceBefore = before
	e.BalanceAfter = after

	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries
			(id, user_id, asset, tx_type, tx_subtype, bucket, amount,
			 idempotency_key, balance_before, balance_after, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, e.ID, e.UserID, e.Asset, string(e.Type), e.Subtype, string(e.Bucket),
		e.Amount, e.IdempotencyKey, e.BalanceBefore, e.BalanceAfter, e.Meta, e.CreatedAt)
	if err != nil {
		return ledger.ApplyOutcome{}, ledger.WrapStorage("insert entry", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return ledger.ApplyOutcome{}, ledger.WrapStorage("rows affected", err)
	}

	if inserted == 0 {
		// Another writer holds this idempotency key. Abandon our balance
		// update and surface the winner's entry.
		tx.Rollback()
		winner, err := s.FindEntryByKey(ctx, e.IdempotencyKey)
		if err != nil {
			return ledger.ApplyOutcome{}, ledger.WrapStorage("read winning entry", err)
		}
		return ledger.ApplyOutcome{Entry: winner, Replayed: true}, nil
	}

	var bucketCol string
	if e.Bucket == ledger.BucketHolding {
		bucketCol = "holding"
	} else {
		bucketCol = "withdrawable"
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE balances SET %s = $1, updated_at = NOW()
		WHERE user_id = $2 AND asset = $3
	`, bucketCol), after, e.UserID, e.Asset); err != nil {
		return ledger.ApplyOutcome{}, ledger.WrapStorage("update balance", err)
	}

	if err := tx.Commit(); err != nil {
		return ledger.ApplyOutcome{}, ledger.WrapStorage("commit", err)
	}
	return ledger.ApplyOutcome{Entry: e, Replayed: false}, nil
}

const entryColumns = `
	id, user_id, asset, tx_type, tx_subtype, bucket, amount,
	idempotency_key, balance_before, balance_after, meta, created_at`

func (s *PostgresStore) FindEntryByKey(ctx context.Context, key string) (*ledger.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries WHERE idempotency_key = $1
	`, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, ledger.WrapStorage("find entry by key", err)
	}
	return e, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID uuid.UUID, asset string) (*ledger.Balance, error) {
	b := &ledger.Balance{UserID: userID, Asset: asset}
	err := s.db.QueryRowContext(ctx, `
		SELECT withdrawable, holding, updated_at
		FROM balances WHERE user_id = $1 AND asset = $2
	`, userID, asset).Scan(&b.Withdrawable, &b.Holding, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		b.Withdrawable = decimal.Zero
		b.Holding = decimal.Zero
		return b, nil
	}
	if err != nil {
		return nil, ledger.WrapStorage("get balance", err)
	}
	return b, nil
}

func (s *PostgresStore) ListEntries(ctx context.Context, f ledger.EntryFilter) ([]*ledger.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE 1=1`
	args := []interface{}{}
	i := 1

	if f.UserID != uuid.Nil {
		query += fmt.Sprintf(" AND user_id = $%d", i)
		args = append(args, f.UserID)
		i++
	}
	if f.Asset != "" {
		query += fmt.Sprintf(" AND asset = $%d", i)
		args = append(args, f.Asset)
		i++
	}
	if f.Subtype != "" {
		query += fmt.Sprintf(" AND tx_subtype = $%d", i)
		args = append(args, f.Subtype)
		i++
	}
	query += " ORDER BY created_at DESC, id DESC"
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d", i)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ledger.WrapStorage("list entries", err)
	}
	defer rows.Close()

	var entries []*ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, ledger.WrapStorage("scan entry", err)
		}
		entries = append(entries, e)
	}
	return entries, ledger.WrapStorage("list entries", rows.Err())
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*ledger.Entry, error) {
	var e ledger.Entry
	var txType, bucket string
	if err := row.Scan(
		&e.ID, &e.UserID, &e.Asset, &txType, &e.Subtype, &bucket, &e.Amount,
		&e.IdempotencyKey, &e.BalanceBefore, &e.BalanceAfter, &e.Meta, &e.CreatedAt,
	); err != nil {
		return nil, err
	}
	e.Type = ledger.TxType(txType)
	e.Bucket = ledger.Bucket(bucket)
	return &e, nil
}
