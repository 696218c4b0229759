package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/voxprep/voxprep/pkg/session"
)

func reportSystemPrompt(s *session.Session) string {
	skills := make([]string, len(s.SkillFocus))
	for i, skill := range s.SkillFocus {
		skills[i] = string(skill)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are writing the final evaluation of a %s practice session.\n", s.Mode)
	fmt.Fprintf(&b, "Scenario role: %s.", s.Scenario.Role)
	if s.Scenario.Company != "" {
		fmt.Fprintf(&b, " Company: %s.", s.Scenario.Company)
	}
	if s.Scenario.Context != "" {
		fmt.Fprintf(&b, " Context: %s.", s.Scenario.Context)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Skills under evaluation: %s.\n", strings.Join(skills, ", "))
	fmt.Fprintf(&b, "Difficulty: %s. Interruptions: %d. Probes: %d. Session length: %s.\n",
		s.Difficulty, s.Eval.Interruptions, s.Eval.Probes, s.ActualDuration().Round(time.Second))
	b.WriteString("Full transcript in order:\n")
	for _, entry := range s.Transcript {
		fmt.Fprintf(&b, "[%s] %s\n", entry.Speaker, entry.Text)
	}
	b.WriteString(`Reply with ONLY a JSON object:
{
  "overall_score": 0-100,
  "skill_scores": [{"skill": "...", "score": 0-100, "feedback": "..."}],
  "strengths": ["..."],
  "weaknesses": ["..."],
  "patterns": ["recurring behaviors you noticed"],
  "actions": ["prioritized improvement actions"],
  "rewrites": [{"original": "what they said", "improved": "a stronger version", "rationale": "..."}]
}
Score every skill under evaluation. Be specific and quote the transcript where useful.`)
	return b.String()
}
