// Package report produces the post-session evaluation. A report is written
// exactly once per completed session and is read-only afterwards except for
// its sharing fields.
package report

import (
	"time"

	"github.com/voxprep/voxprep/pkg/session"
)

// SkillScore is the per-skill breakdown inside a report.
type SkillScore struct {
	Skill    session.Skill `json:"skill"`
	Score    int           `json:"score"` // 0..100
	Feedback string        `json:"feedback"`
}

// Rewrite is a before/after example showing how an answer could improve.
type Rewrite struct {
	Original  string `json:"original"`
	Improved  string `json:"improved"`
	Rationale string `json:"rationale"`
}

// Report is the final evaluation of one completed session.
type Report struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`

	OverallScore int          `json:"overall_score"` // 0..100
	SkillScores  []SkillScore `json:"skill_scores"`
	Strengths    []string     `json:"strengths"`
	Weaknesses   []string     `json:"weaknesses"`
	Patterns     []string     `json:"patterns"`
	Actions      []string     `json:"actions"`
	Rewrites     []Rewrite    `json:"rewrites"`

	// Fallback marks a report written with neutral default scores because
	// the AI provider was unavailable at closeout.
	Fallback bool `json:"fallback"`

	Transcript []session.TranscriptEntry `json:"transcript"`

	ShareToken string    `json:"share_token,omitempty"`
	Public     bool      `json:"public"`
	CreatedAt  time.Time `json:"created_at"`
}
