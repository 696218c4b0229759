package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voxprep/voxprep/pkg/core"
	"github.com/voxprep/voxprep/pkg/decision"
	"github.com/voxprep/voxprep/pkg/session"
)

const neutralScore = 50

// Generator synthesizes the final report for a completed session. Report
// generation and billing finalization are independent failure domains: the
// generator never touches the ledger, and a provider outage still yields a
// persisted (neutral) report.
type Generator struct {
	provider decision.Provider
	store    Store
	logger   *slog.Logger
	now      func() time.Time
}

// GeneratorOptions configures a Generator.
type GeneratorOptions struct {
	Logger *slog.Logger
	Now    func() time.Time
}

// NewGenerator creates a Generator.
func NewGenerator(provider decision.Provider, store Store, opts GeneratorOptions) (*Generator, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Generator{provider: provider, store: store, logger: opts.Logger, now: opts.Now}, nil
}

// Generate builds and persists the report for a completed session. Exactly
// one report exists per session: a second call returns the already-stored
// report. Provider failure falls back to a neutral default-score report.
func (g *Generator) Generate(ctx context.Context, s *session.Session) (*Report, error) {
	if s.Status != session.StatusCompleted {
		return nil, core.NewInvalidStateError(fmt.Sprintf("cannot generate report for %s session", s.Status))
	}
	if existing, err := g.store.GetBySession(ctx, s.ID); err == nil {
		return existing, nil
	}

	r := g.evaluate(ctx, s)
	r.ID = "rep_" + uuid.NewString()
	r.SessionID = s.ID
	r.UserID = s.UserID
	r.Transcript = s.Transcript
	r.CreatedAt = g.now()

	if err := g.store.Create(ctx, r); err != nil {
		// Lost a race with a concurrent closeout; the stored report wins.
		if core.IsType(err, core.ErrInvalidState) {
			return g.store.GetBySession(ctx, s.ID)
		}
		return nil, err
	}
	return r, nil
}

// Get returns a report by id, enforcing ownership.
func (g *Generator) Get(ctx context.Context, reportID, userID string) (*Report, error) {
	r, err := g.store.Get(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if r.UserID != userID {
		return nil, core.NewUnauthorizedError("report belongs to another user")
	}
	return r, nil
}

// GetBySession returns the session's report, enforcing ownership.
func (g *Generator) GetBySession(ctx context.Context, sessionID, userID string) (*Report, error) {
	r, err := g.store.GetBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if r.UserID != userID {
		return nil, core.NewUnauthorizedError("report belongs to another user")
	}
	return r, nil
}

// GetShared returns a publicly shared report by its opaque token.
func (g *Generator) GetShared(ctx context.Context, token string) (*Report, error) {
	return g.store.GetByShareToken(ctx, token)
}

// Share makes a report publicly readable under a fresh opaque token and
// returns the token.
func (g *Generator) Share(ctx context.Context, reportID, userID string) (string, error) {
	r, err := g.Get(ctx, reportID, userID)
	if err != nil {
		return "", err
	}
	token := uuid.NewString()
	if err := g.store.UpdateSharing(ctx, r.ID, token, true); err != nil {
		return "", err
	}
	return token, nil
}

// Unshare revokes public access to a report.
func (g *Generator) Unshare(ctx context.Context, reportID, userID string) error {
	r, err := g.Get(ctx, reportID, userID)
	if err != nil {
		return err
	}
	return g.store.UpdateSharing(ctx, r.ID, "", false)
}

// wireReport is the JSON shape the provider is asked to return.
type wireReport struct {
	OverallScore int `json:"overall_score"`
	SkillScores  []struct {
		Skill    string `json:"skill"`
		Score    int    `json:"score"`
		Feedback string `json:"feedback"`
	} `json:"skill_scores"`
	Strengths  []string `json:"strengths"`
	Weaknesses []string `json:"weaknesses"`
	Patterns   []string `json:"patterns"`
	Actions    []string `json:"actions"`
	Rewrites   []struct {
		Original  string `json:"original"`
		Improved  string `json:"improved"`
		Rationale string `json:"rationale"`
	} `json:"rewrites"`
}

func (g *Generator) evaluate(ctx context.Context, s *session.Session) *Report {
	reply, err := g.provider.Complete(ctx, decision.Prompt{System: reportSystemPrompt(s)})
	if err != nil {
		g.logger.Warn("report generation failed, writing neutral fallback", "session_id", s.ID, "error", err)
		return neutralReport(s)
	}
	r, ok := parseReport(reply, s)
	if !ok {
		g.logger.Warn("report reply was not parseable, writing neutral fallback", "session_id", s.ID)
	}
	return r
}

func parseReport(raw string, s *session.Session) (*Report, bool) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var wire wireReport
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return neutralReport(s), false
	}

	r := &Report{
		OverallScore: clampScore(wire.OverallScore),
		Strengths:    wire.Strengths,
		Weaknesses:   wire.Weaknesses,
		Patterns:     wire.Patterns,
		Actions:      wire.Actions,
	}
	for _, ss := range wire.SkillScores {
		skill := session.Skill(strings.ToLower(strings.TrimSpace(ss.Skill)))
		if !session.ValidSkill(skill) {
			continue
		}
		r.SkillScores = append(r.SkillScores, SkillScore{
			Skill:    skill,
			Score:    clampScore(ss.Score),
			Feedback: strings.TrimSpace(ss.Feedback),
		})
	}
	for _, rw := range wire.Rewrites {
		if strings.TrimSpace(rw.Original) == "" || strings.TrimSpace(rw.Improved) == "" {
			continue
		}
		r.Rewrites = append(r.Rewrites, Rewrite(rw))
	}
	if len(r.SkillScores) == 0 {
		return neutralReport(s), false
	}
	return r, true
}

// neutralReport is the fallback written when the provider is unavailable:
// middle-of-scale scores for the session's focus skills and no qualitative
// claims the model never made.
func neutralReport(s *session.Session) *Report {
	r := &Report{
		OverallScore: neutralScore,
		Fallback:     true,
		Actions:      []string{"Review your transcript and retry this scenario."},
	}
	for _, skill := range s.SkillFocus {
		r.SkillScores = append(r.SkillScores, SkillScore{
			Skill:    skill,
			Score:    neutralScore,
			Feedback: "Automatic evaluation was unavailable for this session.",
		})
	}
	return r
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
