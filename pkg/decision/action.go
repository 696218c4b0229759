package decision

// Action is the closed set of directives the AI decision provider can issue
// for an in-progress response. Anything outside the set coerces to
// ActionContinueListening, the fail-safe no-op.
type Action int

const (
	ActionContinueListening Action = iota
	ActionInterrupt
	ActionProbeDeeper
	ActionChangeDirection
	ActionMoveForward
)

var actionNames = map[Action]string{
	ActionContinueListening: "continue_listening",
	ActionInterrupt:         "interrupt",
	ActionProbeDeeper:       "probe_deeper",
	ActionChangeDirection:   "change_direction",
	ActionMoveForward:       "move_forward",
}

var actionsByWire = map[string]Action{
	"CONTINUE_LISTENING": ActionContinueListening,
	"INTERRUPT":          ActionInterrupt,
	"PROBE_DEEPER":       ActionProbeDeeper,
	"CHANGE_DIRECTION":   ActionChangeDirection,
	"MOVE_FORWARD":       ActionMoveForward,
}

// String returns the snake_case name used in transcripts and events.
func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return actionNames[ActionContinueListening]
}

// Speaks reports whether the action carries a spoken response.
func (a Action) Speaks() bool {
	return a != ActionContinueListening
}

// ParseAction maps a provider reply string onto the closed set. The second
// return value is false when the input was not recognized and the fail-safe
// default was substituted.
func ParseAction(raw string) (Action, bool) {
	if a, ok := actionsByWire[raw]; ok {
		return a, true
	}
	return ActionContinueListening, false
}
