package decision

import (
	"fmt"
	"strings"

	"github.com/voxprep/voxprep/pkg/session"
)

// FallbackOpeningQuestion is spoken when the provider cannot produce an
// opening prompt. Joining a session must not fail because a provider is
// down.
const FallbackOpeningQuestion = "Let's get started. Tell me a bit about yourself and what you'd like to focus on today."

func openingSystemPrompt(s *session.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are running a %s practice session as the counterpart (interviewer, coach, or audience).\n", s.Mode)
	fmt.Fprintf(&b, "Scenario role: %s.\n", s.Scenario.Role)
	if s.Scenario.Company != "" {
		fmt.Fprintf(&b, "Company: %s.\n", s.Scenario.Company)
	}
	if s.Scenario.Context != "" {
		fmt.Fprintf(&b, "Context: %s.\n", s.Scenario.Context)
	}
	fmt.Fprintf(&b, "Difficulty: %s (curve %.1f of 10).\n", s.Difficulty, s.Eval.DifficultyCurve)
	b.WriteString("Produce a single natural opening question to start the session. Speak directly to the candidate. Plain text only, no markdown.")
	return b.String()
}

func evaluationSystemPrompt(s *session.Session) string {
	skills := make([]string, len(s.SkillFocus))
	for i, skill := range s.SkillFocus {
		skills[i] = string(skill)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are evaluating a live %s practice answer in real time.\n", s.Mode)
	fmt.Fprintf(&b, "Scenario role: %s.", s.Scenario.Role)
	if s.Scenario.Company != "" {
		fmt.Fprintf(&b, " Company: %s.", s.Scenario.Company)
	}
	if s.Scenario.Context != "" {
		fmt.Fprintf(&b, " Context: %s.", s.Scenario.Context)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Skills under evaluation: %s.\n", strings.Join(skills, ", "))
	fmt.Fprintf(&b, "Current stage: %s. Question %d of %d. Difficulty curve: %.1f of 10.\n",
		s.Eval.Stage, s.Eval.QuestionIndex+1, s.Eval.QuestionCount, s.Eval.DifficultyCurve)
	b.WriteString(`The answer may still be in progress. Decide what to do right now and reply with ONLY a JSON object:
{
  "action": "CONTINUE_LISTENING" | "INTERRUPT" | "PROBE_DEEPER" | "CHANGE_DIRECTION" | "MOVE_FORWARD",
  "response": "what to say out loud (empty for CONTINUE_LISTENING)",
  "reason": "one short sentence",
  "weakness_detected": "` + strings.Join(skillVocabulary(), `" | "`) + `" | "none",
  "difficulty_adjustment": -1 | 0 | 1
}
Prefer CONTINUE_LISTENING unless intervening clearly helps the practice.`)
	return b.String()
}

func skillVocabulary() []string {
	out := make([]string, len(session.Skills))
	for i, s := range session.Skills {
		out[i] = string(s)
	}
	return out
}
