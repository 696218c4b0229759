package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxprep/voxprep/pkg/core"
)

// PostgresStore is the production Store, backed by pgx. Every InTx closure
// runs in a single database transaction, and the status guard on
// ResolveTransaction is a conditional UPDATE so check and set are one
// statement.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return core.NewInternalError("begin ledger transaction", err)
	}
	defer pgtx.Rollback(ctx)

	if err := fn(&pgLedgerTx{tx: pgtx}); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return core.NewInternalError("commit ledger transaction", err)
	}
	return nil
}

func (s *PostgresStore) Account(ctx context.Context, userID string) (*Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT user_id, balance, lifetime_used, updated_at FROM token_accounts WHERE user_id = $1`, userID))
}

func (s *PostgresStore) Transaction(ctx context.Context, id string) (*Transaction, error) {
	return scanTransaction(s.pool.QueryRow(ctx, selectTransaction+` WHERE id = $1`, id))
}

func (s *PostgresStore) Transactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	q := selectTransaction + ` WHERE user_id = $1 ORDER BY created_at ASC`
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, core.NewInternalError("list transactions", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewInternalError("list transactions", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const selectTransaction = `SELECT id, user_id, amount, balance_before, balance_after,
	COALESCE(session_id, ''), COALESCE(payment_ref, ''), status, description, created_at, resolved_at
	FROM token_transactions`

type pgLedgerTx struct {
	tx pgx.Tx
}

func (t *pgLedgerTx) AccountForUpdate(ctx context.Context, userID string) (*Account, error) {
	return scanAccount(t.tx.QueryRow(ctx,
		`SELECT user_id, balance, lifetime_used, updated_at FROM token_accounts WHERE user_id = $1 FOR UPDATE`, userID))
}

func (t *pgLedgerTx) UpsertAccount(ctx context.Context, acct *Account) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO token_accounts (user_id, balance, lifetime_used, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE SET balance = $2, lifetime_used = $3, updated_at = $4`,
		acct.UserID, acct.Balance, acct.LifetimeUsed, acct.UpdatedAt)
	if err != nil {
		return core.NewInternalError("upsert account", err)
	}
	return nil
}

func (t *pgLedgerTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO token_transactions
		 (id, user_id, amount, balance_before, balance_after, session_id, payment_ref, status, description, created_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10, $11)`,
		txn.ID, txn.UserID, txn.Amount, txn.BalanceBefore, txn.BalanceAfter,
		txn.SessionID, txn.PaymentRef, string(txn.Status), txn.Description, txn.CreatedAt, txn.ResolvedAt)
	if err != nil {
		return core.NewInternalError("insert transaction", err)
	}
	return nil
}

func (t *pgLedgerTx) TransactionForUpdate(ctx context.Context, id string) (*Transaction, error) {
	return scanTransaction(t.tx.QueryRow(ctx, selectTransaction+` WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgLedgerTx) ResolveTransaction(ctx context.Context, id string, from, to Status) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE token_transactions SET status = $1, resolved_at = now() WHERE id = $2 AND status = $3`,
		string(to), id, string(from))
	if err != nil {
		return core.NewInternalError("resolve transaction", err)
	}
	if tag.RowsAffected() == 0 {
		return core.NewInvalidStateError("transaction status changed concurrently")
	}
	return nil
}

func (t *pgLedgerTx) SessionLock(ctx context.Context, sessionID string) (*Transaction, error) {
	txn, err := scanTransaction(t.tx.QueryRow(ctx,
		selectTransaction+` WHERE session_id = $1 AND amount < 0 LIMIT 1`, sessionID))
	if err != nil {
		if core.IsType(err, core.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return txn, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var acct Account
	err := row.Scan(&acct.UserID, &acct.Balance, &acct.LifetimeUsed, &acct.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.NewNotFoundError("account not found")
		}
		return nil, core.NewInternalError("scan account", err)
	}
	return &acct, nil
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var txn Transaction
	var status string
	err := row.Scan(&txn.ID, &txn.UserID, &txn.Amount, &txn.BalanceBefore, &txn.BalanceAfter,
		&txn.SessionID, &txn.PaymentRef, &status, &txn.Description, &txn.CreatedAt, &txn.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.NewNotFoundError("transaction not found")
		}
		return nil, core.NewInternalError("scan transaction", err)
	}
	txn.Status = Status(status)
	return &txn, nil
}
