package ledger

import "context"

// Store is the persistence boundary for accounts and transactions. Every
// mutating ledger operation runs inside InTx; the driver guarantees the
// closure observes and mutates a consistent snapshot (database transaction
// for postgres, a single writer lock for the in-memory driver).
type Store interface {
	// InTx runs fn atomically. If fn returns an error nothing it did is
	// retained.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Account returns the account, or a not_found error.
	Account(ctx context.Context, userID string) (*Account, error)

	// Transaction returns one transaction by id, or a not_found error.
	Transaction(ctx context.Context, id string) (*Transaction, error)

	// Transactions lists a user's transactions oldest first.
	Transactions(ctx context.Context, userID string, limit int) ([]*Transaction, error)

	// Close releases driver resources.
	Close() error
}

// Tx is the mutating view inside a store transaction. Reads acquire the row
// for update so balance-before stays true until commit.
type Tx interface {
	// AccountForUpdate locks and returns the account, or a not_found error.
	AccountForUpdate(ctx context.Context, userID string) (*Account, error)

	// UpsertAccount writes the account row, creating it if absent.
	UpsertAccount(ctx context.Context, acct *Account) error

	// InsertTransaction appends one transaction.
	InsertTransaction(ctx context.Context, txn *Transaction) error

	// TransactionForUpdate locks and returns the transaction, or a
	// not_found error.
	TransactionForUpdate(ctx context.Context, id string) (*Transaction, error)

	// ResolveTransaction flips status from -> to on the row. It reports an
	// invalid_state error if the current status is not from; the guard and
	// the write are a single check-and-set.
	ResolveTransaction(ctx context.Context, id string, from, to Status) error

	// SessionLock returns the existing lock transaction referencing the
	// session, or nil if none exists.
	SessionLock(ctx context.Context, sessionID string) (*Transaction, error)
}
