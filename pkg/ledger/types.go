package ledger

import "time"

// Status is the lifecycle of a transaction. A lock resolves exactly once to
// completed or refunded; both are terminal.
type Status string

const (
	StatusLocked    Status = "locked"
	StatusCompleted Status = "completed"
	StatusRefunded  Status = "refunded"
)

// Source is the business reason for a direct credit.
type Source string

const (
	SourcePurchase     Source = "purchase"
	SourceSignupBonus  Source = "signup_bonus"
	SourceSubscription Source = "subscription"
)

// Account is a user's prepaid token balance. The balance only moves through
// ledger operations.
type Account struct {
	UserID       string    `json:"user_id"`
	Balance      int64     `json:"balance"`
	LifetimeUsed int64     `json:"lifetime_used"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Transaction is one row of the append-only log. Immutable after insert
// except for the single Status transition locked->completed or
// locked->refunded.
//
// Amount is signed: negative for locks (funds reserved), positive for
// credits. BalanceBefore + Amount == BalanceAfter at creation time.
type Transaction struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Amount        int64      `json:"amount"`
	BalanceBefore int64      `json:"balance_before"`
	BalanceAfter  int64      `json:"balance_after"`
	SessionID     string     `json:"session_id,omitempty"`
	PaymentRef    string     `json:"payment_ref,omitempty"`
	Status        Status     `json:"status"`
	Description   string     `json:"description"`
	CreatedAt     time.Time  `json:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

// Locked reports whether the transaction still holds funds.
func (t *Transaction) Locked() bool {
	return t != nil && t.Status == StatusLocked
}

// LockedAmount returns the magnitude of funds a lock reserved.
func (t *Transaction) LockedAmount() int64 {
	if t == nil || t.Amount >= 0 {
		return 0
	}
	return -t.Amount
}
