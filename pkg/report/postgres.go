package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxprep/voxprep/pkg/core"
)

// PostgresStore persists reports as rows with scalar identity columns and a
// JSONB body for the evaluation payload. The unique index on session_id
// enforces one report per session.
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

type reportDoc struct {
	SkillScores []SkillScore `json:"skill_scores"`
	Strengths   []string     `json:"strengths"`
	Weaknesses  []string     `json:"weaknesses"`
	Patterns    []string     `json:"patterns"`
	Actions     []string     `json:"actions"`
	Rewrites    []Rewrite    `json:"rewrites"`
}

const selectReport = `SELECT id, session_id, user_id, overall_score, fallback, doc, transcript, share_token, public, created_at FROM reports`

func (s *PostgresStore) Create(ctx context.Context, r *Report) error {
	body, err := json.Marshal(reportDoc{
		SkillScores: r.SkillScores,
		Strengths:   r.Strengths,
		Weaknesses:  r.Weaknesses,
		Patterns:    r.Patterns,
		Actions:     r.Actions,
		Rewrites:    r.Rewrites,
	})
	if err != nil {
		return core.NewInternalError("encode report", err)
	}
	transcript, err := json.Marshal(r.Transcript)
	if err != nil {
		return core.NewInternalError("encode transcript", err)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO reports
		 (id, session_id, user_id, overall_score, fallback, doc, transcript, share_token, public, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)
		 ON CONFLICT (session_id) DO NOTHING`,
		r.ID, r.SessionID, r.UserID, r.OverallScore, r.Fallback, body, transcript,
		r.ShareToken, r.Public, r.CreatedAt)
	if err != nil {
		return core.NewInternalError("insert report", err)
	}
	if tag.RowsAffected() == 0 {
		return core.NewInvalidStateError(fmt.Sprintf("session %s already has a report", r.SessionID))
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Report, error) {
	return s.scanOne(s.pool.QueryRow(ctx, selectReport+` WHERE id = $1`, id))
}

func (s *PostgresStore) GetBySession(ctx context.Context, sessionID string) (*Report, error) {
	return s.scanOne(s.pool.QueryRow(ctx, selectReport+` WHERE session_id = $1`, sessionID))
}

func (s *PostgresStore) GetByShareToken(ctx context.Context, token string) (*Report, error) {
	return s.scanOne(s.pool.QueryRow(ctx, selectReport+` WHERE share_token = $1 AND public`, token))
}

func (s *PostgresStore) UpdateSharing(ctx context.Context, id, shareToken string, public bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET share_token = NULLIF($1, ''), public = $2 WHERE id = $3`,
		shareToken, public, id)
	if err != nil {
		return core.NewInternalError("update report sharing", err)
	}
	if tag.RowsAffected() == 0 {
		return core.NewNotFoundError("report not found")
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) scanOne(row pgx.Row) (*Report, error) {
	var (
		r          Report
		body       []byte
		transcript []byte
		shareToken *string
	)
	err := row.Scan(&r.ID, &r.SessionID, &r.UserID, &r.OverallScore, &r.Fallback,
		&body, &transcript, &shareToken, &r.Public, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.NewNotFoundError("report not found")
		}
		return nil, core.NewInternalError("scan report", err)
	}
	var inner reportDoc
	if err := json.Unmarshal(body, &inner); err != nil {
		return nil, core.NewInternalError("decode report", err)
	}
	if len(transcript) > 0 {
		if err := json.Unmarshal(transcript, &r.Transcript); err != nil {
			return nil, core.NewInternalError("decode transcript", err)
		}
	}
	r.SkillScores = inner.SkillScores
	r.Strengths = inner.Strengths
	r.Weaknesses = inner.Weaknesses
	r.Patterns = inner.Patterns
	r.Actions = inner.Actions
	r.Rewrites = inner.Rewrites
	if shareToken != nil {
		r.ShareToken = *shareToken
	}
	return &r, nil
}
