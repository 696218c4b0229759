package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxprep/voxprep/pkg/core"
)

// PostgresStore persists sessions as rows with scalar lifecycle columns and
// JSONB documents for the evaluation state, transcript, and history. The
// version column carries the optimistic lock.
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

type sessionDoc struct {
	Scenario   Scenario          `json:"scenario"`
	SkillFocus []Skill           `json:"skill_focus"`
	Eval       EvalState         `json:"eval"`
	Transcript []TranscriptEntry `json:"transcript"`
	History    []Turn            `json:"history"`
}

func (s *PostgresStore) Create(ctx context.Context, doc *Session) error {
	doc.Version = 1
	body, err := json.Marshal(sessionDoc{
		Scenario:   doc.Scenario,
		SkillFocus: doc.SkillFocus,
		Eval:       doc.Eval,
		Transcript: doc.Transcript,
		History:    doc.History,
	})
	if err != nil {
		return core.NewInternalError("encode session", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions
		 (id, user_id, mode, difficulty, target_duration_ms, lock_transaction_id,
		  tokens_locked, tokens_used, status, doc, created_at, started_at, ended_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		doc.ID, doc.UserID, string(doc.Mode), string(doc.Difficulty),
		doc.TargetDuration.Milliseconds(), doc.LockTransactionID,
		doc.TokensLocked, doc.TokensUsed, string(doc.Status), body,
		doc.CreatedAt, doc.StartedAt, doc.EndedAt, doc.Version)
	if err != nil {
		return core.NewInternalError("insert session", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, mode, difficulty, target_duration_ms, lock_transaction_id,
		        tokens_locked, tokens_used, status, doc, created_at, started_at, ended_at, version
		 FROM sessions WHERE id = $1`, id)

	var (
		doc        Session
		mode       string
		difficulty string
		status     string
		durationMS int64
		body       []byte
	)
	err := row.Scan(&doc.ID, &doc.UserID, &mode, &difficulty, &durationMS,
		&doc.LockTransactionID, &doc.TokensLocked, &doc.TokensUsed, &status,
		&body, &doc.CreatedAt, &doc.StartedAt, &doc.EndedAt, &doc.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.NewNotFoundError("session not found")
		}
		return nil, core.NewInternalError("scan session", err)
	}

	var inner sessionDoc
	if err := json.Unmarshal(body, &inner); err != nil {
		return nil, core.NewInternalError("decode session", err)
	}
	doc.Mode = Mode(mode)
	doc.Difficulty = Difficulty(difficulty)
	doc.Status = Status(status)
	doc.TargetDuration = time.Duration(durationMS) * time.Millisecond
	doc.Scenario = inner.Scenario
	doc.SkillFocus = inner.SkillFocus
	doc.Eval = inner.Eval
	doc.Transcript = inner.Transcript
	doc.History = inner.History
	return &doc, nil
}

func (s *PostgresStore) Update(ctx context.Context, doc *Session) error {
	body, err := json.Marshal(sessionDoc{
		Scenario:   doc.Scenario,
		SkillFocus: doc.SkillFocus,
		Eval:       doc.Eval,
		Transcript: doc.Transcript,
		History:    doc.History,
	})
	if err != nil {
		return core.NewInternalError("encode session", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET
		   tokens_used = $1, status = $2, doc = $3, started_at = $4, ended_at = $5, version = version + 1
		 WHERE id = $6 AND version = $7`,
		doc.TokensUsed, string(doc.Status), body, doc.StartedAt, doc.EndedAt,
		doc.ID, doc.Version)
	if err != nil {
		return core.NewInternalError("update session", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a lost race from a missing row.
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, doc.ID).Scan(&exists); err != nil {
			return core.NewInternalError("check session", err)
		}
		if !exists {
			return core.NewNotFoundError("session not found")
		}
		return ErrVersionConflict
	}
	doc.Version++
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return core.NewInternalError("delete session", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
