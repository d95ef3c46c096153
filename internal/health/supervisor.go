package health

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mattjoyce/meshgate/internal/lifecycle"
	"github.com/mattjoyce/meshgate/internal/log"
)

// Backoff returns min(base * 2^attempt, max).
func Backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

// backoff is one arena slot.
type backoff struct {
	attempt    int
	nextFireAt time.Time
	timer      clockwork.Timer
}

// Pending describes one arena slot.
type Pending struct {
	Plugin     string    `json:"plugin"`
	Attempt    int       `json:"attempt"`
	NextFireAt time.Time `json:"next_fire_at,omitzero"`
	Armed      bool      `json:"armed"`
}

// Supervisor schedules restarts. It implements lifecycle.Observer.
type Supervisor struct {
	plugins Plugins
	cfg     Config
	clock   clockwork.Clock
	events  Publisher
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	arena  map[string]*backoff
	closed bool
}

var _ lifecycle.Observer = (*Supervisor)(nil)

// NewSupervisor returns a Supervisor. events may be nil.
func NewSupervisor(plugins Plugins, cfg Config, events Publisher, clock clockwork.Clock) *Supervisor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		plugins: plugins,
		cfg:     cfg.withDefaults(),
		clock:   clock,
		events:  events,
		logger:  log.WithComponent("supervisor"),
		ctx:     ctx,
		cancel:  cancel,
		arena:   make(map[string]*backoff),
	}
}

// PluginFailed arms a restart for name. A plugin with a restart already
// armed keeps it.
func (s *Supervisor) PluginFailed(name string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	b, ok := s.arena[name]
	if !ok {
		b = &backoff{}
		s.arena[name] = b
	}
	if b.timer != nil {
		s.mu.Unlock()
		return
	}
	delay := Backoff(s.cfg.BaseDelay, s.cfg.MaxDelay, b.attempt)
	attempt := b.attempt
	b.attempt++
	b.nextFireAt = s.clock.Now().Add(delay)
	at := b.nextFireAt
	b.timer = s.clock.AfterFunc(delay, func() { s.fire(name, b) })
	s.mu.Unlock()

	s.plugins.SetNextRestart(name, at)
	s.logger.Info("restart scheduled", "plugin", name, "attempt", attempt, "delay", delay)
	s.publish("health.restart_scheduled", map[string]any{
		"plugin": name, "attempt": attempt, "delay_ms": delay.Milliseconds(), "at": at,
	})
}

// PluginReleased cancels any armed restart and forgets the attempt count.
// Cancelling with nothing armed is a no-op.
func (s *Supervisor) PluginReleased(name string) {
	if s.drop(name) {
		s.plugins.SetNextRestart(name, time.Time{})
	}
}

// Reset clears the attempt counter after a healthy probe.
func (s *Supervisor) Reset(name string) {
	s.drop(name)
}

func (s *Supervisor) drop(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.arena[name]
	if !ok {
		return false
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	delete(s.arena, name)
	return true
}

func (s *Supervisor) fire(name string, b *backoff) {
	s.mu.Lock()
	if s.closed || s.arena[name] != b || b.timer == nil {
		s.mu.Unlock()
		return
	}
	b.timer = nil
	b.nextFireAt = time.Time{}
	s.mu.Unlock()

	err := s.plugins.Restart(s.ctx, name)
	if err == nil {
		s.logger.Info("plugin restarted", "plugin", name)
		s.publish("health.restarted", map[string]any{"plugin": name})
		return
	}
	if errors.Is(err, lifecycle.ErrManuallyDisabled) ||
		errors.Is(err, lifecycle.ErrInvalidTransition) ||
		errors.Is(err, lifecycle.ErrUnknownPlugin) {
		s.logger.Info("restart abandoned", "plugin", name, "error", err)
		s.drop(name)
		return
	}
	// The manager reports the failure through PluginFailed, which arms the
	// next attempt.
	s.logger.Warn("restart failed", "plugin", name, "error", err)
}

// Pending returns the arena sorted by plugin name.
func (s *Supervisor) Pending() []Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Pending, 0, len(s.arena))
	for name, b := range s.arena {
		out = append(out, Pending{Plugin: name, Attempt: b.attempt, NextFireAt: b.nextFireAt, Armed: b.timer != nil})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Plugin < out[j].Plugin })
	return out
}

// Close disarms every restart and cancels restarts in progress.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	for _, b := range s.arena {
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *Supervisor) publish(eventType string, data any) {
	if s.events != nil {
		s.events.Publish(eventType, data)
	}
}
