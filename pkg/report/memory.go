package report

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/voxprep/voxprep/pkg/core"
)

// MemoryStore keeps reports in process memory. Returned documents are deep
// copies so callers cannot mutate stored state.
type MemoryStore struct {
	mu        sync.RWMutex
	reports   map[string]*Report
	bySession map[string]string
	byToken   map[string]string
}

// NewMemoryStore creates an empty in-memory report store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reports:   make(map[string]*Report),
		bySession: make(map[string]string),
		byToken:   make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, r *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.bySession[r.SessionID]; exists {
		return core.NewInvalidStateError(fmt.Sprintf("session %s already has a report", r.SessionID))
	}
	cp, err := copyReport(r)
	if err != nil {
		return err
	}
	s.reports[r.ID] = cp
	s.bySession[r.SessionID] = r.ID
	if r.ShareToken != "" {
		s.byToken[r.ShareToken] = r.ID
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, core.NewNotFoundError("report not found")
	}
	return copyReport(r)
}

func (s *MemoryStore) GetBySession(ctx context.Context, sessionID string) (*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySession[sessionID]
	if !ok {
		return nil, core.NewNotFoundError("report not found")
	}
	return copyReport(s.reports[id])
}

func (s *MemoryStore) GetByShareToken(ctx context.Context, token string) (*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byToken[token]
	if !ok {
		return nil, core.NewNotFoundError("report not found")
	}
	r := s.reports[id]
	if !r.Public {
		return nil, core.NewNotFoundError("report not found")
	}
	return copyReport(r)
}

func (s *MemoryStore) UpdateSharing(ctx context.Context, id, shareToken string, public bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return core.NewNotFoundError("report not found")
	}
	if r.ShareToken != "" {
		delete(s.byToken, r.ShareToken)
	}
	r.ShareToken = shareToken
	r.Public = public
	if shareToken != "" {
		s.byToken[shareToken] = id
	}
	return nil
}

func (s *MemoryStore) Close() {}

func copyReport(r *Report) (*Report, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("copy report: %w", err)
	}
	var cp Report
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("copy report: %w", err)
	}
	return &cp, nil
}
