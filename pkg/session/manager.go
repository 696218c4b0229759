// Package session holds the practice-session aggregate and its state
// machine. Every lifecycle transition is a guarded, optimistically locked
// update to the session document; token movements go through the ledger and
// are tied to the session by its lock transaction.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voxprep/voxprep/pkg/core"
	"github.com/voxprep/voxprep/pkg/ledger"
)

// mutateRetries bounds the optimistic-lock retry loop in Mutate.
const mutateRetries = 5

// Manager drives session lifecycle transitions.
type Manager struct {
	store  Store
	ledger *ledger.Ledger
	logger *slog.Logger
	now    func() time.Time
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Logger *slog.Logger
	Now    func() time.Time
}

// NewManager creates a Manager over the given store and ledger.
func NewManager(store Store, lg *ledger.Ledger, opts ManagerOptions) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if lg == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{store: store, ledger: lg, logger: opts.Logger, now: opts.Now}, nil
}

// CreateParams describes a new practice session.
type CreateParams struct {
	UserID         string
	Mode           Mode
	Scenario       Scenario
	Difficulty     Difficulty
	TargetDuration time.Duration
	SkillFocus     []Skill
	QuestionCount  int
	TokenCost      int64
}

func (p CreateParams) validate() error {
	if p.UserID == "" {
		return core.NewInvalidRequestErrorWithParam("user id is required", "user_id")
	}
	switch p.Mode {
	case ModeInterview, ModeDrill, ModePresentation:
	default:
		return core.NewInvalidRequestErrorWithParam("unsupported mode", "mode")
	}
	switch p.Difficulty {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
	default:
		return core.NewInvalidRequestErrorWithParam("unsupported difficulty", "difficulty")
	}
	if len(p.SkillFocus) == 0 {
		return core.NewInvalidRequestErrorWithParam("at least one skill is required", "skill_focus")
	}
	for _, skill := range p.SkillFocus {
		if !ValidSkill(skill) {
			return core.NewInvalidRequestErrorWithParam(fmt.Sprintf("unknown skill %q", skill), "skill_focus")
		}
	}
	if p.TokenCost <= 0 {
		return core.NewInvalidRequestErrorWithParam("token cost must be positive", "token_cost")
	}
	return nil
}

// Create builds a session in initialized status together with its token
// lock. The lock is taken first; if persisting the session then fails the
// lock is released, so neither survives alone. An insufficient balance
// surfaces before any session record exists.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*Session, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	id := "sess_" + uuid.NewString()
	lockTxn, err := m.ledger.LockTokens(ctx, p.UserID, p.TokenCost, id)
	if err != nil {
		return nil, err
	}

	questionCount := p.QuestionCount
	if questionCount <= 0 {
		questionCount = 5
	}

	doc := &Session{
		ID:             id,
		UserID:         p.UserID,
		Mode:           p.Mode,
		Scenario:       p.Scenario,
		Difficulty:     p.Difficulty,
		TargetDuration: p.TargetDuration,
		SkillFocus:     append([]Skill(nil), p.SkillFocus...),
		Eval: EvalState{
			Stage:           StageInitialized,
			QuestionCount:   questionCount,
			DifficultyCurve: p.Difficulty.StartingCurve(),
			Weaknesses:      make(map[Skill]int),
		},
		LockTransactionID: lockTxn.ID,
		TokensLocked:      p.TokenCost,
		Status:            StatusInitialized,
		CreatedAt:         m.now(),
	}
	if err := m.store.Create(ctx, doc); err != nil {
		if relErr := m.ledger.ReleaseTokens(ctx, lockTxn.ID); relErr != nil {
			m.logger.Error("failed to release lock after create failure",
				"session_id", id, "transaction_id", lockTxn.ID, "error", relErr)
		}
		return nil, err
	}
	m.logger.Info("session created", "session_id", id, "user_id", p.UserID, "mode", string(p.Mode), "tokens_locked", p.TokenCost)
	return doc, nil
}

// Get returns the session after verifying ownership.
func (m *Manager) Get(ctx context.Context, sessionID, userID string) (*Session, error) {
	doc, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if doc.UserID != userID {
		return nil, core.NewUnauthorizedError("session belongs to another user")
	}
	return doc, nil
}

// Join transitions initialized/paused -> active for the owning user. The
// returned firstJoin flag is true when the session left initialized, which
// is the caller's cue to generate the opening prompt before any audio
// streaming begins.
func (m *Manager) Join(ctx context.Context, sessionID, userID string) (doc *Session, firstJoin bool, err error) {
	err = m.Mutate(ctx, sessionID, func(s *Session) error {
		if s.UserID != userID {
			return core.NewUnauthorizedError("session belongs to another user")
		}
		switch s.Status {
		case StatusInitialized:
			firstJoin = true
			now := m.now()
			s.StartedAt = &now
			s.Eval.Stage = StageOpening
		case StatusPaused:
			firstJoin = false
		default:
			return core.NewInvalidStateError(fmt.Sprintf("cannot join session in status %q", s.Status))
		}
		s.Status = StatusActive
		doc = s
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	m.logger.Info("session joined", "session_id", sessionID, "first_join", firstJoin)
	return doc, firstJoin, nil
}

// Pause transitions active -> paused. reason is logged only; pausing never
// touches the token lock, so a disconnected user can always resume.
func (m *Manager) Pause(ctx context.Context, sessionID, userID, reason string) error {
	err := m.Mutate(ctx, sessionID, func(s *Session) error {
		if s.UserID != userID {
			return core.NewUnauthorizedError("session belongs to another user")
		}
		if s.Status != StatusActive {
			return core.NewInvalidStateError(fmt.Sprintf("cannot pause session in status %q", s.Status))
		}
		s.Status = StatusPaused
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("session paused", "session_id", sessionID, "reason", reason)
	return nil
}

// Resume transitions paused -> active with no other side effects.
func (m *Manager) Resume(ctx context.Context, sessionID, userID string) error {
	err := m.Mutate(ctx, sessionID, func(s *Session) error {
		if s.UserID != userID {
			return core.NewUnauthorizedError("session belongs to another user")
		}
		if s.Status != StatusPaused {
			return core.NewInvalidStateError(fmt.Sprintf("cannot resume session in status %q", s.Status))
		}
		s.Status = StatusActive
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("session resumed", "session_id", sessionID)
	return nil
}

// Complete transitions active/paused -> completed: the end timestamp is
// recorded, tokens-used is set to tokens-locked, and the lock transaction is
// deducted. Re-ending a completed session is rejected. A ledger failure
// after the status flip is fatal to the caller; billing is never silently
// patched over.
func (m *Manager) Complete(ctx context.Context, sessionID, userID string) (*Session, error) {
	var doc *Session
	err := m.Mutate(ctx, sessionID, func(s *Session) error {
		if s.UserID != userID {
			return core.NewUnauthorizedError("session belongs to another user")
		}
		if s.Status != StatusActive && s.Status != StatusPaused {
			return core.NewInvalidStateError(fmt.Sprintf("cannot complete session in status %q", s.Status))
		}
		now := m.now()
		s.EndedAt = &now
		if s.StartedAt == nil {
			s.StartedAt = &now
		}
		s.Status = StatusCompleted
		s.TokensUsed = s.TokensLocked
		doc = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.ledger.DeductTokens(ctx, doc.LockTransactionID); err != nil {
		return nil, err
	}
	m.logger.Info("session completed", "session_id", sessionID, "tokens_used", doc.TokensUsed, "duration", doc.ActualDuration())
	return doc, nil
}

// Abandon transitions active/paused -> abandoned and refunds the lock.
// Abandoning a completed session is rejected.
func (m *Manager) Abandon(ctx context.Context, sessionID, userID string) (*Session, error) {
	return m.terminate(ctx, sessionID, userID, StatusAbandoned)
}

// Fail transitions active/paused -> failed and refunds the lock. Used when
// a fatal internal fault ends the session; the user is not billed.
func (m *Manager) Fail(ctx context.Context, sessionID, userID string) (*Session, error) {
	return m.terminate(ctx, sessionID, userID, StatusFailed)
}

func (m *Manager) terminate(ctx context.Context, sessionID, userID string, terminal Status) (*Session, error) {
	var doc *Session
	err := m.Mutate(ctx, sessionID, func(s *Session) error {
		if s.UserID != userID {
			return core.NewUnauthorizedError("session belongs to another user")
		}
		if s.Status != StatusActive && s.Status != StatusPaused {
			return core.NewInvalidStateError(fmt.Sprintf("cannot end session in status %q", s.Status))
		}
		now := m.now()
		s.EndedAt = &now
		s.Status = terminal
		doc = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.ledger.ReleaseTokens(ctx, doc.LockTransactionID); err != nil {
		return nil, err
	}
	m.logger.Info("session ended without billing", "session_id", sessionID, "status", string(terminal))
	return doc, nil
}

// Mutate runs fn against the latest session document and writes it back
// with optimistic locking, retrying on a lost race. All decision-loop state
// mutations funnel through here so transcript, history, and counters commit
// as one step.
func (m *Manager) Mutate(ctx context.Context, sessionID string, fn func(s *Session) error) error {
	for attempt := 0; attempt < mutateRetries; attempt++ {
		doc, err := m.store.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		err = m.store.Update(ctx, doc)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
	}
	return core.NewInternalError("session update kept conflicting", ErrVersionConflict)
}
