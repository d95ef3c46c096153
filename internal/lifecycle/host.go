package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/meshgate/internal/log"
	"github.com/mattjoyce/meshgate/internal/mesh"
	"github.com/mattjoyce/meshgate/internal/plugin"
	"github.com/mattjoyce/meshgate/internal/ratelimit"
	"github.com/mattjoyce/meshgate/internal/registry"
	"github.com/mattjoyce/meshgate/internal/scheduler"
)

var errRegistrationClosed = errors.New("handlers may only be registered during initialize and start")

// host is the plugin.Host handed to one plugin instance for one load. Each
// capability is checked against the descriptor.
type host struct {
	m      *Manager
	desc   *plugin.Descriptor
	logger *slog.Logger
	config map[string]any

	mu     sync.Mutex
	staged []registry.Registration
	sealed bool
}

var _ plugin.Host = (*host)(nil)

func newHost(m *Manager, d *plugin.Descriptor, config map[string]any) *host {
	if config == nil {
		config = map[string]any{}
	}
	return &host{m: m, desc: d, logger: log.WithPlugin(d.Name), config: config}
}

func (h *host) Name() string                   { return h.desc.Name }
func (h *host) Descriptor() *plugin.Descriptor { return h.desc }
func (h *host) Logger() *slog.Logger           { return h.logger }
func (h *host) Config() map[string]any         { return h.config }

func (h *host) RegisterCommand(name string, priority int, policy ratelimit.Policy, fn registry.Handler) error {
	spec, ok := h.desc.Capabilities.Commands.Find(name)
	if !ok {
		return plugin.Denied(h.desc.Name, "register command", name)
	}
	return h.stage(registry.KindCommand, spec.Name, name, priority, policy, fn)
}

func (h *host) RegisterKeyword(keyword string, priority int, policy ratelimit.Policy, fn registry.Handler) error {
	spec, ok := h.desc.Capabilities.Keywords.Find(keyword)
	if !ok || spec.Wildcard {
		return plugin.Denied(h.desc.Name, "register keyword", keyword)
	}
	return h.stage(registry.KindKeyword, spec.Name, keyword, priority, policy, fn)
}

func (h *host) RegisterWildcard(pattern string, priority int, policy ratelimit.Policy, fn registry.Handler) error {
	spec, ok := h.desc.Capabilities.Keywords.Find(pattern)
	if !ok || !spec.Wildcard {
		return plugin.Denied(h.desc.Name, "register wildcard", pattern)
	}
	return h.stage(registry.KindWildcard, spec.Name, pattern, priority, policy, fn)
}

func (h *host) stage(kind registry.Kind, name, pattern string, priority int, policy ratelimit.Policy, fn registry.Handler) error {
	if fn == nil {
		return fmt.Errorf("%s %q: nil handler: %w", kind, pattern, registry.ErrInvalidRegistration)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sealed {
		return errRegistrationClosed
	}
	h.staged = append(h.staged, registry.Registration{
		Name:     name,
		Kind:     kind,
		Pattern:  pattern,
		Priority: priority,
		Policy:   policy,
		Handler:  fn,
	})
	return nil
}

// seal closes registration and returns what was staged.
func (h *host) seal() []registry.Registration {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sealed = true
	return h.staged
}

func (h *host) Schedule(name string, every, jitter time.Duration, task plugin.Task) error {
	if !h.desc.DeclaresTask(name) {
		return plugin.Denied(h.desc.Name, "schedule task", name)
	}
	return h.m.sched.Add(h.desc.Name, name, every, jitter, scheduler.Task(task))
}

func (h *host) Send(ctx context.Context, to string, channel int, text string) error {
	if to == "" || to == mesh.BroadcastActor {
		return h.Broadcast(ctx, channel, text)
	}
	if !h.desc.HasPermission(plugin.PermSend) {
		return plugin.Denied(h.desc.Name, "send", "to "+to)
	}
	return h.deliver(ctx, mesh.Response{Plugin: h.desc.Name, To: to, Channel: channel, Text: text})
}

func (h *host) Broadcast(ctx context.Context, channel int, text string) error {
	if !h.desc.HasPermission(plugin.PermBroadcast) {
		return plugin.Denied(h.desc.Name, "broadcast", fmt.Sprintf("on channel %d", channel))
	}
	return h.deliver(ctx, mesh.Response{Plugin: h.desc.Name, To: mesh.BroadcastActor, Channel: channel, Text: text})
}

// deliver charges airtime against the plugin's call budget.
func (h *host) deliver(ctx context.Context, resp mesh.Response) error {
	if h.m.sender == nil {
		return errors.New("no transport configured")
	}
	if err := h.m.gov.AllowCall(h.desc.Name); err != nil {
		return err
	}
	return h.m.sender.Send(ctx, resp)
}

func (h *host) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !h.desc.HasPermission(plugin.PermOutbound) {
		return plugin.Denied(h.desc.Name, "outbound call", "")
	}
	if err := h.m.gov.AllowCall(h.desc.Name); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, h.m.gov.Timeout(h.desc.Name))
	defer cancel()
	return fn(cctx)
}

func (h *host) State() (plugin.StateStore, error) {
	if !h.desc.HasPermission(plugin.PermStorage) {
		return nil, plugin.Denied(h.desc.Name, "state", "")
	}
	if h.m.store == nil {
		return nil, errors.New("state storage not configured")
	}
	return h.m.store.For(h.desc.Name), nil
}
