package scheduler

import "time"

//go:generate mockgen -destination=mocks/mock_timeouts.go -package=mocks github.com/mattjoyce/meshgate/internal/scheduler Timeouts

// Timeouts supplies the execution bound for a plugin's task runs.
type Timeouts interface {
	Timeout(plugin string) time.Duration
}

// Publisher receives scheduler events.
type Publisher interface {
	Publish(eventType string, data any)
}
