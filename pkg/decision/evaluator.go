package decision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/voxprep/voxprep/pkg/session"
)

const (
	// defaultMinFragmentRunes filters out noise: fragments shorter than
	// this are never sent to the provider.
	defaultMinFragmentRunes = 20

	// historyWindow bounds the backward-looking context sent with each
	// evaluation.
	historyWindow = 3
)

// Evaluator drives the per-utterance decision cycle and applies its results
// to the session document.
type Evaluator struct {
	provider Provider
	manager  *session.Manager
	logger   *slog.Logger
	now      func() time.Time
	minRunes int
}

// EvaluatorOptions configures an Evaluator.
type EvaluatorOptions struct {
	Logger           *slog.Logger
	Now              func() time.Time
	MinFragmentRunes int
}

// NewEvaluator creates an Evaluator. The provider is the AI decision
// boundary; the manager serializes all session mutations.
func NewEvaluator(provider Provider, manager *session.Manager, opts EvaluatorOptions) (*Evaluator, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if manager == nil {
		return nil, fmt.Errorf("manager is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MinFragmentRunes <= 0 {
		opts.MinFragmentRunes = defaultMinFragmentRunes
	}
	return &Evaluator{
		provider: provider,
		manager:  manager,
		logger:   opts.Logger,
		now:      opts.Now,
		minRunes: opts.MinFragmentRunes,
	}, nil
}

// ShouldEvaluate reports whether a final fragment is worth a provider call.
func (e *Evaluator) ShouldEvaluate(fragment string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(fragment)) >= e.minRunes
}

// GenerateOpeningQuestion asks the provider for the session's opening
// prompt. Provider failure falls back to a fixed neutral question; joining
// never fails on the provider's account.
func (e *Evaluator) GenerateOpeningQuestion(ctx context.Context, s *session.Session) string {
	text, err := e.provider.Complete(ctx, Prompt{System: openingSystemPrompt(s)})
	if err != nil {
		e.logger.Warn("opening question generation failed, using fallback", "session_id", s.ID, "error", err)
		return FallbackOpeningQuestion
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return FallbackOpeningQuestion
	}
	return text
}

// Evaluate builds the evaluation prompt from the session's scenario, skill
// focus, difficulty curve, stage, and the last few conversation turns plus
// the new fragment, then parses the provider's structured reply. On any
// provider or parse failure it returns the fail-safe decision; errors never
// propagate out of the evaluation step.
func (e *Evaluator) Evaluate(ctx context.Context, s *session.Session, fragment string) Decision {
	messages := s.LastTurns(historyWindow)
	messages = append(messages, session.Turn{Role: "user", Content: fragment, Timestamp: e.now()})

	reply, err := e.provider.Complete(ctx, Prompt{
		System:   evaluationSystemPrompt(s),
		Messages: messages,
	})
	if err != nil {
		e.logger.Warn("evaluation call failed, continuing to listen", "session_id", s.ID, "error", err)
		return FailSafe()
	}

	d, ok := ParseDecision(reply)
	if !ok {
		e.logger.Warn("evaluation reply was not parseable, continuing to listen", "session_id", s.ID)
	}
	return d
}

// Outcome is the session snapshot after a decision was applied.
type Outcome struct {
	Session       *session.Session
	StageAdvanced bool
}

// RecordOpening appends the opening question to transcript and history and
// moves the stage from opening to main, in one atomic update.
func (e *Evaluator) RecordOpening(ctx context.Context, sessionID, text string) error {
	return e.manager.Mutate(ctx, sessionID, func(s *session.Session) error {
		now := e.now()
		s.AppendTranscript(session.TranscriptEntry{
			Speaker:    session.SpeakerAI,
			Text:       text,
			Timestamp:  now,
			ActionType: "opening",
		})
		s.AppendHistory("assistant", text, now)
		if s.Eval.Stage == session.StageOpening {
			s.Eval.Stage = session.StageMain
		}
		return nil
	})
}

// Apply commits one decision cycle to the session document as a single
// serialized step: the user's final fragment, the decision's counters and
// difficulty adjustment, and (for speaking actions) the AI's reply all land
// in one optimistic update. Broadcast and speech synthesis happen outside,
// after this returns.
func (e *Evaluator) Apply(ctx context.Context, sessionID, fragment string, d Decision) (*Outcome, error) {
	out := &Outcome{}
	err := e.manager.Mutate(ctx, sessionID, func(s *session.Session) error {
		now := e.now()
		s.AppendTranscript(session.TranscriptEntry{
			Speaker:   session.SpeakerUser,
			Text:      fragment,
			Timestamp: now,
		})
		s.AppendHistory("user", fragment, now)

		if d.WeaknessDetected != "" {
			if s.Eval.Weaknesses == nil {
				s.Eval.Weaknesses = make(map[session.Skill]int)
			}
			s.Eval.Weaknesses[d.WeaknessDetected]++
		}
		s.Eval.DifficultyCurve = clampCurve(s.Eval.DifficultyCurve + float64(d.DifficultyAdjustment))

		switch d.Action {
		case ActionInterrupt:
			s.Eval.Interruptions++
		case ActionProbeDeeper:
			s.Eval.Probes++
		case ActionMoveForward:
			s.Eval.QuestionIndex++
			if s.Eval.Stage == session.StageMain && s.Eval.QuestionIndex >= s.Eval.QuestionCount {
				s.Eval.Stage = session.StageClosing
				out.StageAdvanced = true
			}
		}

		if d.Action.Speaks() && d.Response != "" {
			s.AppendTranscript(session.TranscriptEntry{
				Speaker:         session.SpeakerAI,
				Text:            d.Response,
				Timestamp:       now,
				WasInterruption: d.Action == ActionInterrupt,
				ActionType:      d.Action.String(),
			})
			s.AppendHistory("assistant", d.Response, now)
		}

		out.Session = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func clampCurve(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}
