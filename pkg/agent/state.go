package agent

import "fmt"

// State is the reasoning loop state for one user turn.
//
// The loop alternates between AwaitingModel and ExecutingTool until it
// reaches a terminal state: Done (final answer produced) or AwaitingUser
// (clarifying question outstanding).
type State string

const (
	StateAwaitingModel State = "AWAITING_MODEL"
	StateExecutingTool State = "EXECUTING_TOOL"
	StateDone          State = "DONE"
	StateAwaitingUser  State = "AWAITING_USER"
)

// Terminal reports whether the loop stops in this state.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAwaitingUser
}

// StepLimitError means the loop hit its step bound before the model
// produced a final answer. The turn still completes with a degraded answer;
// this error is surfaced for logging and metrics.
type StepLimitError struct {
	Steps int
}

func (e *StepLimitError) Error() string {
	return fmt.Sprintf("reasoning loop exceeded %d steps without a final answer", e.Steps)
}
