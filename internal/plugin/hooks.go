package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/meshgate/internal/ratelimit"
	"github.com/mattjoyce/meshgate/internal/registry"
)

// ErrPermissionDenied is returned by Host operations the plugin did not
// declare in its descriptor.
var ErrPermissionDenied = errors.New("permission denied")

// Plugin is the lifecycle hook contract every plugin implements. A nil error
// is success; a non-nil error (or a panic) is failure.
type Plugin interface {
	// Initialize is called once per load with the plugin's Host. Handlers and
	// tasks registered here become active when the plugin reaches Running.
	Initialize(ctx context.Context, host Host) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Cleanup(ctx context.Context) error
	Health(ctx context.Context) error
}

// Task is a scheduled unit of plugin work.
type Task func(ctx context.Context) error

// StateStore is a plugin's persistent key/value state.
type StateStore interface {
	Get(ctx context.Context) (map[string]any, error)
	Merge(ctx context.Context, updates map[string]any) error
	Replace(ctx context.Context, state map[string]any) error
}

// Host is the gateway surface handed to a plugin. Every operation is checked
// against the plugin's descriptor.
type Host interface {
	Name() string
	Descriptor() *Descriptor
	Logger() *slog.Logger
	Config() map[string]any

	RegisterCommand(name string, priority int, policy ratelimit.Policy, h registry.Handler) error
	RegisterKeyword(keyword string, priority int, policy ratelimit.Policy, h registry.Handler) error
	RegisterWildcard(pattern string, priority int, policy ratelimit.Policy, h registry.Handler) error

	Schedule(name string, every, jitter time.Duration, task Task) error

	Send(ctx context.Context, to string, channel int, text string) error
	Broadcast(ctx context.Context, channel int, text string) error
	// Call runs fn as an outbound call charged to the plugin's token bucket.
	Call(ctx context.Context, fn func(ctx context.Context) error) error

	State() (StateStore, error)
}

// Factory builds a builtin plugin instance for a descriptor.
type Factory func(d *Descriptor) (Plugin, error)

// Catalog maps builtin plugin names to factories.
type Catalog map[string]Factory

// Instantiate creates the plugin instance for d.
func (c Catalog) Instantiate(d *Descriptor) (Plugin, error) {
	switch d.Kind {
	case KindBuiltin:
		f, ok := c[d.Name]
		if !ok {
			return nil, fmt.Errorf("no builtin plugin named %q", d.Name)
		}
		return f(d)
	case KindExec:
		return NewExec(d), nil
	default:
		return nil, fmt.Errorf("unknown plugin kind %q", d.Kind)
	}
}

// Denied builds a permission error for op.
func Denied(plugin, op, detail string) error {
	return fmt.Errorf("plugin %q: %s %s: %w", plugin, op, detail, ErrPermissionDenied)
}

// Base is an embeddable no-op implementation of the hook contract.
type Base struct{}

func (Base) Initialize(context.Context, Host) error { return nil }
func (Base) Start(context.Context) error            { return nil }
func (Base) Stop(context.Context) error             { return nil }
func (Base) Cleanup(context.Context) error          { return nil }
func (Base) Health(context.Context) error           { return nil }
