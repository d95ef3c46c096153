package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrHandlerTimeout marks an invocation that exceeded its timeout.
	ErrHandlerTimeout = errors.New("handler timed out")
	// ErrHandlerPanic marks an invocation that panicked.
	ErrHandlerPanic = errors.New("handler panicked")
)

// HandlerError wraps a failed handler invocation.
type HandlerError struct {
	Plugin  string
	Handler string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s/%s: %v", e.Plugin, e.Handler, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
