// Package decision turns final transcription fragments into session-state
// mutations and spoken responses. The AI decision provider is treated as
// unreliable: every call is wrapped with a fail-safe fallback so a provider
// outage degrades the experience instead of corrupting session state.
package decision

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/voxprep/voxprep/pkg/session"
)

// Prompt is one request to the AI generation provider.
type Prompt struct {
	System   string
	Messages []session.Turn
}

// Provider is the AI decision/generation boundary: single request/response
// calls returning free text. Structured decisions are requested as JSON in
// the prompt and parsed (strictly, with coercion) on this side so provider
// adapters stay thin.
type Provider interface {
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

// Decision is the provider's structured verdict on the user's latest
// utterance.
type Decision struct {
	Action               Action
	Response             string
	Reason               string
	WeaknessDetected     session.Skill // empty when none
	DifficultyAdjustment int           // -1, 0, or +1
}

// FailSafe is the decision applied when the provider errors, times out, or
// returns something unparseable: keep listening, say nothing, change
// nothing.
func FailSafe() Decision {
	return Decision{Action: ActionContinueListening}
}

// wireDecision is the JSON shape the provider is asked to return.
type wireDecision struct {
	Action               string `json:"action"`
	Response             string `json:"response"`
	Reason               string `json:"reason"`
	WeaknessDetected     string `json:"weakness_detected"`
	DifficultyAdjustment int    `json:"difficulty_adjustment"`
}

// ParseDecision decodes the provider's reply into a Decision, coercing every
// out-of-vocabulary field to its safe value. It never fails: a reply that
// is not JSON at all yields the fail-safe decision and ok=false.
func ParseDecision(raw string) (Decision, bool) {
	raw = strings.TrimSpace(raw)
	// Models habitually fence their JSON.
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var wire wireDecision
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return FailSafe(), false
	}

	action, recognized := ParseAction(strings.ToUpper(strings.TrimSpace(wire.Action)))
	d := Decision{
		Action:   action,
		Response: strings.TrimSpace(wire.Response),
		Reason:   strings.TrimSpace(wire.Reason),
	}
	if !recognized {
		// Coerced action must not speak a response meant for another
		// action.
		d.Response = ""
	}
	if d.Action == ActionContinueListening {
		d.Response = ""
	}

	weakness := session.Skill(strings.ToLower(strings.TrimSpace(wire.WeaknessDetected)))
	if weakness != "" && weakness != "none" && session.ValidSkill(weakness) {
		d.WeaknessDetected = weakness
	}

	switch {
	case wire.DifficultyAdjustment > 0:
		d.DifficultyAdjustment = 1
	case wire.DifficultyAdjustment < 0:
		d.DifficultyAdjustment = -1
	}
	return d, true
}
