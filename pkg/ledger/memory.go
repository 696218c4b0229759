package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/voxprep/voxprep/pkg/core"
)

// MemoryStore is an in-memory Store for tests and local development. A
// single mutex serializes transactions; fn operates on staged copies that
// are committed only when it returns nil.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
	txns     map[string]*Transaction
	order    []string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		txns:     make(map[string]*Transaction),
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stage := &memTx{
		store:    s,
		accounts: make(map[string]*Account),
		txns:     make(map[string]*Transaction),
	}
	if err := fn(stage); err != nil {
		return err
	}
	stage.commit()
	return nil
}

func (s *MemoryStore) Account(ctx context.Context, userID string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return nil, core.NewNotFoundError("account not found")
	}
	cp := *acct
	return &cp, nil
}

func (s *MemoryStore) Transaction(ctx context.Context, id string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.txns[id]
	if !ok {
		return nil, core.NewNotFoundError("transaction not found")
	}
	cp := *txn
	return &cp, nil
}

func (s *MemoryStore) Transactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Transaction, 0, 8)
	for _, id := range s.order {
		txn := s.txns[id]
		if txn.UserID != userID {
			continue
		}
		cp := *txn
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// memTx stages writes under the store mutex.
type memTx struct {
	store    *MemoryStore
	accounts map[string]*Account
	txns     map[string]*Transaction
	inserted []string
}

func (t *memTx) commit() {
	for id, acct := range t.accounts {
		cp := *acct
		t.store.accounts[id] = &cp
	}
	for id, txn := range t.txns {
		cp := *txn
		t.store.txns[id] = &cp
	}
	t.store.order = append(t.store.order, t.inserted...)
}

func (t *memTx) AccountForUpdate(ctx context.Context, userID string) (*Account, error) {
	if acct, ok := t.accounts[userID]; ok {
		return acct, nil
	}
	acct, ok := t.store.accounts[userID]
	if !ok {
		return nil, core.NewNotFoundError("account not found")
	}
	cp := *acct
	t.accounts[userID] = &cp
	return &cp, nil
}

func (t *memTx) UpsertAccount(ctx context.Context, acct *Account) error {
	cp := *acct
	t.accounts[acct.UserID] = &cp
	return nil
}

func (t *memTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	cp := *txn
	t.txns[txn.ID] = &cp
	t.inserted = append(t.inserted, txn.ID)
	return nil
}

func (t *memTx) TransactionForUpdate(ctx context.Context, id string) (*Transaction, error) {
	if txn, ok := t.txns[id]; ok {
		return txn, nil
	}
	txn, ok := t.store.txns[id]
	if !ok {
		return nil, core.NewNotFoundError("transaction not found")
	}
	cp := *txn
	t.txns[id] = &cp
	return &cp, nil
}

func (t *memTx) ResolveTransaction(ctx context.Context, id string, from, to Status) error {
	txn, err := t.TransactionForUpdate(ctx, id)
	if err != nil {
		return err
	}
	if txn.Status != from {
		return core.NewInvalidStateError("transaction status changed concurrently")
	}
	txn.Status = to
	now := time.Now()
	txn.ResolvedAt = &now
	t.txns[id] = txn
	return nil
}

func (t *memTx) SessionLock(ctx context.Context, sessionID string) (*Transaction, error) {
	check := func(txn *Transaction) *Transaction {
		if txn.SessionID == sessionID && txn.Amount < 0 {
			cp := *txn
			return &cp
		}
		return nil
	}
	for _, txn := range t.txns {
		if hit := check(txn); hit != nil {
			return hit, nil
		}
	}
	for _, txn := range t.store.txns {
		if _, staged := t.txns[txn.ID]; staged {
			continue
		}
		if hit := check(txn); hit != nil {
			return hit, nil
		}
	}
	return nil, nil
}
