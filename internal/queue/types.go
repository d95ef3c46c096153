package queue

import "errors"

var (
	// ErrFull is returned by Submit when the buffer has no room.
	ErrFull = errors.New("inbound queue full")
	// ErrClosed is returned by Submit after Close, and by Next once the
	// queue is closed and drained.
	ErrClosed = errors.New("inbound queue closed")
)

// Stats is a snapshot of queue counters.
type Stats struct {
	Received uint64 `json:"received"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
