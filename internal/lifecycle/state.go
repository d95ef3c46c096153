package lifecycle

import "fmt"

// State is a plugin lifecycle stage.
type State string

const (
	StateDiscovered  State = "discovered"
	StateInitialized State = "initialized"
	StateStarted     State = "started"
	StateRunning     State = "running"
	StateDisabled    State = "disabled"
	StateFailed      State = "failed"
	StateStopped     State = "stopped"
	StateUnloaded    State = "unloaded"
)

// transitions lists the legal moves out of each state. Re-entry into
// initialized from disabled, failed or stopped is how restarts and operator
// enables run; nothing reaches started without passing initialized.
var transitions = map[State][]State{
	StateDiscovered:  {StateInitialized, StateFailed, StateStopped},
	StateInitialized: {StateStarted, StateFailed, StateStopped},
	StateStarted:     {StateRunning, StateFailed, StateStopped},
	StateRunning:     {StateDisabled, StateFailed, StateStopped},
	StateDisabled:    {StateInitialized, StateStopped},
	StateFailed:      {StateInitialized, StateDisabled, StateStopped},
	StateStopped:     {StateInitialized, StateUnloaded},
	StateUnloaded:    nil,
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(plugin string, from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("plugin %q: %s -> %s: %w", plugin, from, to, ErrInvalidTransition)
	}
	return nil
}
