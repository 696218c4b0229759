package session

import (
	"time"
)

// Mode selects the kind of practice run.
type Mode string

const (
	ModeInterview    Mode = "interview"
	ModeDrill        Mode = "drill"
	ModePresentation Mode = "presentation"
)

// Difficulty is the user-facing difficulty setting. It seeds the difficulty
// curve; the curve itself moves per decision.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// StartingCurve maps the configured difficulty to the initial curve value.
func (d Difficulty) StartingCurve() float64 {
	switch d {
	case DifficultyEasy:
		return 2
	case DifficultyHard:
		return 8
	default:
		return 5
	}
}

// Status is the session lifecycle state. completed, abandoned, and failed
// are terminal; a session never re-enters initialized.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusActive      Status = "active"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusAbandoned   Status = "abandoned"
	StatusFailed      Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAbandoned, StatusFailed:
		return true
	default:
		return false
	}
}

// Stage is the internal evaluation stage within an active session.
type Stage string

const (
	StageInitialized Stage = "initialized"
	StageOpening     Stage = "opening"
	StageMain        Stage = "main"
	StageClosing     Stage = "closing"
)

// Skill is one evaluable dimension of the user's performance.
type Skill string

const (
	SkillClarity               Skill = "clarity"
	SkillStructure             Skill = "structure"
	SkillConfidence            Skill = "confidence"
	SkillDepth                 Skill = "depth"
	SkillCrossQuestionHandling Skill = "cross_question_handling"
	SkillLogicalConsistency    Skill = "logical_consistency"
)

// Skills is the full fixed vocabulary.
var Skills = []Skill{
	SkillClarity,
	SkillStructure,
	SkillConfidence,
	SkillDepth,
	SkillCrossQuestionHandling,
	SkillLogicalConsistency,
}

// ValidSkill reports whether s is in the fixed vocabulary.
func ValidSkill(s Skill) bool {
	for _, known := range Skills {
		if s == known {
			return true
		}
	}
	return false
}

// Speaker tags transcript entries.
type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerAI   Speaker = "ai"
)

// Scenario describes the situation being practiced.
type Scenario struct {
	Role    string `json:"role"`
	Company string `json:"company,omitempty"`
	Context string `json:"context,omitempty"`
}

// TranscriptEntry is one ordered, append-only line of the session
// transcript.
type TranscriptEntry struct {
	Speaker         Speaker   `json:"speaker"`
	Text            string    `json:"text"`
	Timestamp       time.Time `json:"timestamp"`
	WasInterruption bool      `json:"was_interruption,omitempty"`
	ActionType      string    `json:"action_type,omitempty"`
}

// Turn is one entry of the bounded conversation window sent to the AI
// decision provider.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// EvalState is the mutable evaluation state the decision loop accumulates.
type EvalState struct {
	Stage           Stage         `json:"stage"`
	QuestionIndex   int           `json:"question_index"`
	QuestionCount   int           `json:"question_count"`
	DifficultyCurve float64       `json:"difficulty_curve"`
	Weaknesses      map[Skill]int `json:"weaknesses"`
	Interruptions   int           `json:"interruptions"`
	Probes          int           `json:"probes"`
}

// Session is the aggregate root of one practice run. It exclusively owns
// its transcript and conversation history; nothing else mutates them.
type Session struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	Mode           Mode          `json:"mode"`
	Scenario       Scenario      `json:"scenario"`
	Difficulty     Difficulty    `json:"difficulty"`
	TargetDuration time.Duration `json:"target_duration"`
	SkillFocus     []Skill       `json:"skill_focus"`

	Eval       EvalState         `json:"eval"`
	Transcript []TranscriptEntry `json:"transcript"`
	History    []Turn            `json:"history"`

	LockTransactionID string `json:"lock_transaction_id"`
	TokensLocked      int64  `json:"tokens_locked"`
	TokensUsed        int64  `json:"tokens_used"`

	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// Version increases monotonically on every store update; drivers use
	// it for optimistic locking.
	Version int64 `json:"version"`
}

// ActualDuration is derived from the started/ended timestamps.
func (s *Session) ActualDuration() time.Duration {
	if s.StartedAt == nil || s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(*s.StartedAt)
}

// AppendTranscript appends one transcript entry.
func (s *Session) AppendTranscript(e TranscriptEntry) {
	s.Transcript = append(s.Transcript, e)
}

// AppendHistory appends one conversation turn.
func (s *Session) AppendHistory(role, content string, at time.Time) {
	s.History = append(s.History, Turn{Role: role, Content: content, Timestamp: at})
}

// LastTurns returns up to n most recent conversation turns, oldest first.
func (s *Session) LastTurns(n int) []Turn {
	if n <= 0 || len(s.History) == 0 {
		return nil
	}
	start := len(s.History) - n
	if start < 0 {
		start = 0
	}
	out := make([]Turn, len(s.History)-start)
	copy(out, s.History[start:])
	return out
}
