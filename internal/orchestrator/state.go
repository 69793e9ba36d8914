package orchestrator

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition indicates a state change the loop never makes.
var ErrIllegalTransition = errors.New("illegal state transition")

// State is a step of a run. Terminal states double as the run's outcome.
type State int

const (
	Started State = iota + 1
	CodeGenerating
	AwaitingCI
	Reviewing
	ChangesRequested
	Approved
	CIFailed
	CITimeout
	IterationLimitReached
	CodeGenerationFailed
	ReviewFailure
)

var stateNames = map[State]string{
	Started:               "started",
	CodeGenerating:        "code_generating",
	AwaitingCI:            "awaiting_ci",
	Reviewing:             "reviewing",
	ChangesRequested:      "changes_requested",
	Approved:              "approved",
	CIFailed:              "ci_failed",
	CITimeout:             "ci_timeout",
	IterationLimitReached: "iteration_limit_reached",
	CodeGenerationFailed:  "code_generation_failed",
	ReviewFailure:         "review_failure",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Terminal reports whether no further iteration follows s.
func (s State) Terminal() bool {
	switch s {
	case Approved, CIFailed, CITimeout, IterationLimitReached, CodeGenerationFailed, ReviewFailure:
		return true
	}
	return false
}

// transitions lists every legal successor. Reviewing goes straight to
// Reviewing from CodeGenerating when CI is disabled.
var transitions = map[State][]State{
	Started:          {CodeGenerating},
	CodeGenerating:   {AwaitingCI, Reviewing, CodeGenerationFailed},
	AwaitingCI:       {Reviewing, CIFailed, CITimeout},
	Reviewing:        {Approved, ChangesRequested, ReviewFailure},
	ChangesRequested: {CodeGenerating, IterationLimitReached},
}

// CanTransition reports whether from may be followed by to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
