package report

import "context"

// Store persists reports. One report per session; Create on a session that
// already has a report returns an invalid-state error.
type Store interface {
	Create(ctx context.Context, r *Report) error
	Get(ctx context.Context, id string) (*Report, error)
	GetBySession(ctx context.Context, sessionID string) (*Report, error)
	GetByShareToken(ctx context.Context, token string) (*Report, error)
	UpdateSharing(ctx context.Context, id, shareToken string, public bool) error
	Close()
}
