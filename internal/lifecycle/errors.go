package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned for a move the state machine forbids.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	// ErrUnknownPlugin is returned for names the manager has no record of.
	ErrUnknownPlugin = errors.New("unknown plugin")
	// ErrManuallyDisabled is returned when automatic restart targets a plugin
	// an operator disabled.
	ErrManuallyDisabled = errors.New("plugin manually disabled")
	// ErrDependencyNotRunning is returned when a required dependency is not
	// running yet.
	ErrDependencyNotRunning = errors.New("required dependency not running")
	// ErrHookPanic wraps a panic raised by a lifecycle hook.
	ErrHookPanic = errors.New("hook panicked")
)

// InitializationError reports a failed initialize or start hook, or a
// failure to install the plugin's handlers.
type InitializationError struct {
	Plugin string
	Phase  string
	Err    error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("plugin %q: %s: %v", e.Plugin, e.Phase, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }
