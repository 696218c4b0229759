// Package ledger implements the prepaid token ledger: an append-only
// transaction log plus a mutable per-user balance, with atomic lock,
// deduct, release, and credit operations.
//
// Tokens are locked pessimistically when a session is created, so a user
// cannot start more sessions than they can afford and funds stay reserved
// even if a provider stalls mid-session. Deduction and release are mutually
// exclusive terminal transitions on the same transaction row, which makes
// exactly-once billing verifiable by replaying the log (see Verify).
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voxprep/voxprep/pkg/core"
)

// Ledger executes token operations against a Store.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// Options configures a Ledger.
type Options struct {
	Logger *slog.Logger
	Now    func() time.Time
}

// New creates a Ledger over the given store.
func New(store Store, opts Options) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ledger{store: store, logger: opts.Logger, now: opts.Now}, nil
}

// CheckBalance reports whether the account can cover amount. Read-only.
func (l *Ledger) CheckBalance(ctx context.Context, userID string, amount int64) (bool, error) {
	acct, err := l.store.Account(ctx, userID)
	if err != nil {
		if core.IsType(err, core.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return acct.Balance >= amount, nil
}

// Account returns the account row, or a not_found error.
func (l *Ledger) Account(ctx context.Context, userID string) (*Account, error) {
	return l.store.Account(ctx, userID)
}

// Transactions lists the user's transactions oldest first. limit <= 0 means
// no limit.
func (l *Ledger) Transactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	return l.store.Transactions(ctx, userID, limit)
}

// Balance returns the current balance, treating a missing account as zero.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	acct, err := l.store.Account(ctx, userID)
	if err != nil {
		if core.IsType(err, core.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return acct.Balance, nil
}

// LockTokens reserves amount tokens against the user's balance for the given
// session: the balance is decremented and a transaction with status locked is
// inserted, both in one atomic step. It fails with insufficient_funds if the
// balance cannot cover the amount, without creating any state.
//
// The call is idempotent per session: if a lock already references the
// session the existing transaction is returned unchanged.
func (l *Ledger) LockTokens(ctx context.Context, userID string, amount int64, sessionID string) (*Transaction, error) {
	if amount <= 0 {
		return nil, core.NewInvalidRequestErrorWithParam("lock amount must be positive", "amount")
	}
	if sessionID == "" {
		return nil, core.NewInvalidRequestErrorWithParam("session id is required", "session_id")
	}

	var out *Transaction
	err := l.store.InTx(ctx, func(tx Tx) error {
		existing, err := tx.SessionLock(ctx, sessionID)
		if err != nil {
			return err
		}
		if existing != nil {
			out = existing
			return nil
		}

		acct, err := tx.AccountForUpdate(ctx, userID)
		if err != nil {
			if core.IsType(err, core.ErrNotFound) {
				return core.NewInsufficientFundsError(amount, 0)
			}
			return err
		}
		if acct.Balance < amount {
			return core.NewInsufficientFundsError(amount, acct.Balance)
		}

		before := acct.Balance
		acct.Balance -= amount
		acct.UpdatedAt = l.now()
		if err := tx.UpsertAccount(ctx, acct); err != nil {
			return err
		}

		txn := &Transaction{
			ID:            uuid.NewString(),
			UserID:        userID,
			Amount:        -amount,
			BalanceBefore: before,
			BalanceAfter:  acct.Balance,
			SessionID:     sessionID,
			Status:        StatusLocked,
			Description:   fmt.Sprintf("lock %d tokens for practice session", amount),
			CreatedAt:     l.now(),
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		out = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("tokens locked", "user_id", userID, "session_id", sessionID, "amount", amount, "transaction_id", out.ID)
	return out, nil
}

// DeductTokens finalizes a locked transaction as spent. The balance was
// already decremented at lock time, so only the status flips to completed and
// the account's lifetime usage grows by the locked amount. Requires status
// locked; anything else is invalid_state.
func (l *Ledger) DeductTokens(ctx context.Context, transactionID string) error {
	err := l.store.InTx(ctx, func(tx Tx) error {
		txn, err := tx.TransactionForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		if txn.Status != StatusLocked {
			return core.NewInvalidStateError(fmt.Sprintf("cannot deduct transaction in status %q", txn.Status))
		}
		if err := tx.ResolveTransaction(ctx, transactionID, StatusLocked, StatusCompleted); err != nil {
			return err
		}

		acct, err := tx.AccountForUpdate(ctx, txn.UserID)
		if err != nil {
			return err
		}
		acct.LifetimeUsed += txn.LockedAmount()
		acct.UpdatedAt = l.now()
		return tx.UpsertAccount(ctx, acct)
	})
	if err != nil {
		return err
	}
	l.logger.Info("tokens deducted", "transaction_id", transactionID)
	return nil
}

// ReleaseTokens refunds a locked transaction: the locked amount is returned
// to the balance and the status flips to refunded. Requires status locked;
// anything else is invalid_state.
func (l *Ledger) ReleaseTokens(ctx context.Context, transactionID string) error {
	err := l.store.InTx(ctx, func(tx Tx) error {
		txn, err := tx.TransactionForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		if txn.Status != StatusLocked {
			return core.NewInvalidStateError(fmt.Sprintf("cannot release transaction in status %q", txn.Status))
		}
		if err := tx.ResolveTransaction(ctx, transactionID, StatusLocked, StatusRefunded); err != nil {
			return err
		}

		acct, err := tx.AccountForUpdate(ctx, txn.UserID)
		if err != nil {
			return err
		}
		acct.Balance += txn.LockedAmount()
		acct.UpdatedAt = l.now()
		return tx.UpsertAccount(ctx, acct)
	})
	if err != nil {
		return err
	}
	l.logger.Info("tokens released", "transaction_id", transactionID)
	return nil
}

// AddTokens credits the balance directly (purchase, signup bonus,
// subscription allowance) and appends a completed transaction. The account
// is created on first credit.
func (l *Ledger) AddTokens(ctx context.Context, userID string, amount int64, source Source, paymentRef string) (*Transaction, error) {
	if amount <= 0 {
		return nil, core.NewInvalidRequestErrorWithParam("credit amount must be positive", "amount")
	}

	var out *Transaction
	err := l.store.InTx(ctx, func(tx Tx) error {
		acct, err := tx.AccountForUpdate(ctx, userID)
		if err != nil {
			if !core.IsType(err, core.ErrNotFound) {
				return err
			}
			acct = &Account{UserID: userID}
		}

		before := acct.Balance
		acct.Balance += amount
		acct.UpdatedAt = l.now()
		if err := tx.UpsertAccount(ctx, acct); err != nil {
			return err
		}

		now := l.now()
		txn := &Transaction{
			ID:            uuid.NewString(),
			UserID:        userID,
			Amount:        amount,
			BalanceBefore: before,
			BalanceAfter:  acct.Balance,
			PaymentRef:    paymentRef,
			Status:        StatusCompleted,
			Description:   fmt.Sprintf("credit %d tokens (%s)", amount, source),
			CreatedAt:     now,
			ResolvedAt:    &now,
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		out = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("tokens credited", "user_id", userID, "amount", amount, "source", string(source))
	return out, nil
}

// Verify replays the transaction log for the account and reports whether the
// stored balance matches. A refunded lock contributes nothing; a locked or
// completed transaction contributes its signed amount.
func (l *Ledger) Verify(ctx context.Context, userID string) (bool, error) {
	acct, err := l.store.Account(ctx, userID)
	if err != nil {
		return false, err
	}
	txns, err := l.store.Transactions(ctx, userID, 0)
	if err != nil {
		return false, err
	}
	var replayed int64
	for _, txn := range txns {
		if txn.Status == StatusRefunded {
			continue
		}
		replayed += txn.Amount
	}
	return replayed == acct.Balance, nil
}
