package orchestrator

import "fmt"

// Phase is the position of a turn in the iteration cycle
type Phase int

const (
	PhaseUserInput Phase = iota
	PhaseAssistant
	PhaseToolExecution
	PhaseResponse
)

func (p Phase) String() string {
	switch p {
	case PhaseUserInput:
		return "user_input"
	case PhaseAssistant:
		return "assistant"
	case PhaseToolExecution:
		return "tool_execution"
	case PhaseResponse:
		return "response"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

var transitions = map[Phase][]Phase{
	PhaseUserInput:     {PhaseAssistant},
	PhaseAssistant:     {PhaseToolExecution, PhaseResponse},
	PhaseToolExecution: {PhaseResponse},
	PhaseResponse:      {PhaseAssistant},
}

// InvalidTransitionError reports a phase change the state machine does not allow
type InvalidTransitionError struct {
	From Phase
	To   Phase
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid phase transition from %s to %s", e.From, e.To)
}

// State is the per-turn iteration state. It is created fresh for every turn.
type State struct {
	Phase              Phase
	Iteration          int
	UnproductiveStreak int
	EmptyStreak        int
	ForcedReflections  int
}

// NewState returns a state in the user input phase
func NewState() *State {
	return &State{Phase: PhaseUserInput}
}

// CanTransition reports whether the state may move to phase to
func (s *State) CanTransition(to Phase) bool {
	for _, allowed := range transitions[s.Phase] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves the state to phase to
func (s *State) Transition(to Phase) error {
	if !s.CanTransition(to) {
		return &InvalidTransitionError{From: s.Phase, To: to}
	}
	s.Phase = to
	return nil
}

// Fields flattens the state for structured logging
func (s *State) Fields() map[string]interface{} {
	return map[string]interface{}{
		"phase":               s.Phase.String(),
		"iteration":           s.Iteration,
		"unproductive_streak": s.UnproductiveStreak,
		"empty_streak":        s.EmptyStreak,
		"forced_reflections":  s.ForcedReflections,
	}
}
