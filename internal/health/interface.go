package health

import (
	"context"
	"time"

	"github.com/mattjoyce/meshgate/internal/lifecycle"
)

//go:generate mockgen -destination=mocks/mock_plugins.go -package=mocks github.com/mattjoyce/meshgate/internal/health Plugins

// Plugins is the slice of lifecycle.Manager the health package drives.
type Plugins interface {
	Running() []string
	Probe(ctx context.Context, name string, threshold int) (lifecycle.ProbeResult, error)
	Restart(ctx context.Context, name string) error
	SetNextRestart(name string, at time.Time)
}

// Publisher receives health events.
type Publisher interface {
	Publish(eventType string, data any)
}

var _ Plugins = (*lifecycle.Manager)(nil)
