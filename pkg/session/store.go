package session

import (
	"context"
	"errors"
)

// ErrVersionConflict is returned by Update when the stored version no longer
// matches the one the caller read.
var ErrVersionConflict = errors.New("session version conflict")

// Store defines persistence for session documents.
type Store interface {
	// Create persists a new session with Version set to 1. It is an error
	// if the id already exists.
	Create(ctx context.Context, s *Session) error

	// Get retrieves a session by id, or a not_found error.
	Get(ctx context.Context, id string) (*Session, error)

	// Update persists the session with optimistic locking: the stored
	// version must equal s.Version, and the write increments it. Returns
	// ErrVersionConflict on a lost race so the caller can re-read and
	// retry.
	Update(ctx context.Context, s *Session) error

	// Delete removes a session by id.
	Delete(ctx context.Context, id string) error

	// Close releases driver resources.
	Close() error
}
