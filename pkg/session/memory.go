package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/voxprep/voxprep/pkg/core"
)

// MemoryStore keeps sessions in process memory. Documents are stored as
// deep copies so callers cannot mutate shared state around the optimistic
// locking protocol.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (s *MemoryStore) Create(ctx context.Context, doc *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[doc.ID]; exists {
		return fmt.Errorf("session %q already exists", doc.ID)
	}
	doc.Version = 1
	cp, err := deepCopy(doc)
	if err != nil {
		return err
	}
	s.sessions[doc.ID] = cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.sessions[id]
	if !ok {
		return nil, core.NewNotFoundError("session not found")
	}
	return deepCopy(doc)
}

func (s *MemoryStore) Update(ctx context.Context, doc *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[doc.ID]
	if !ok {
		return core.NewNotFoundError("session not found")
	}
	if stored.Version != doc.Version {
		return ErrVersionConflict
	}
	doc.Version++
	cp, err := deepCopy(doc)
	if err != nil {
		doc.Version--
		return err
	}
	s.sessions[doc.ID] = cp
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func deepCopy(doc *Session) (*Session, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("copy session: %w", err)
	}
	var cp Session
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("copy session: %w", err)
	}
	return &cp, nil
}
