// Package turn drives one voice interaction: listen, transcribe, think,
// speak, and back to idle.
package turn

import "fmt"

// State is the orchestrator's turn state.
type State int

const (
	Idle State = iota
	Listening
	Transcribing
	Thinking
	Speaking
	Error
)

var stateNames = [...]string{
	Idle:         "idle",
	Listening:    "listening",
	Transcribing: "transcribing",
	Thinking:     "thinking",
	Speaking:     "speaking",
	Error:        "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown turn state %q", b)
}

// Active reports whether a turn is in progress.
func (s State) Active() bool {
	return s != Idle && s != Error
}
