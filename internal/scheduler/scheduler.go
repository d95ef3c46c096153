// Package scheduler runs plugin-declared periodic tasks. Tasks are staged
// while a plugin initializes, run only while it is active, and are cancelled
// as a group when it leaves Running.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mattjoyce/meshgate/internal/log"
)

// ErrTaskPanic wraps a panic raised by a task.
var ErrTaskPanic = errors.New("task panicked")

const defaultTimeout = 10 * time.Second

// Task is one unit of scheduled work.
type Task func(ctx context.Context) error

// Info describes one scheduled task.
type Info struct {
	Plugin    string    `json:"plugin"`
	Name      string    `json:"name"`
	Every     string    `json:"every"`
	Active    bool      `json:"active"`
	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
	LastRunAt time.Time `json:"last_run_at,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	NextRunAt time.Time `json:"next_run_at,omitzero"`
}

type entry struct {
	plugin string
	name   string
	every  time.Duration
	jitter time.Duration
	task   Task

	// guarded by Scheduler.mu
	runs      int64
	failures  int64
	lastRunAt time.Time
	lastError string
	nextRunAt time.Time
}

type group struct {
	entries []*entry
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	clock    clockwork.Clock
	timeouts Timeouts
	events   Publisher
	logger   *slog.Logger

	mu     sync.Mutex
	groups map[string]*group
	closed bool
}

// New returns an idle Scheduler. events may be nil.
func New(timeouts Timeouts, events Publisher, clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		clock:    clock,
		timeouts: timeouts,
		events:   events,
		logger:   log.WithComponent("scheduler"),
		groups:   make(map[string]*group),
	}
}

// Add stages a task for plugin. Staged tasks do not run until Activate.
func (s *Scheduler) Add(plugin, name string, every, jitter time.Duration, task Task) error {
	if every <= 0 {
		return fmt.Errorf("task %s/%s: interval must be positive", plugin, name)
	}
	if jitter < 0 {
		return fmt.Errorf("task %s/%s: jitter must not be negative", plugin, name)
	}
	if task == nil {
		return fmt.Errorf("task %s/%s: nil task", plugin, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groupLocked(plugin)
	if g.cancel != nil {
		return fmt.Errorf("task %s/%s: plugin tasks already active", plugin, name)
	}
	for _, e := range g.entries {
		if e.name == name {
			return fmt.Errorf("task %s/%s: already scheduled", plugin, name)
		}
	}
	g.entries = append(g.entries, &entry{plugin: plugin, name: name, every: every, jitter: jitter, task: task})
	return nil
}

// Activate starts every staged task of plugin. Activating an already active
// plugin is a no-op.
func (s *Scheduler) Activate(plugin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	g, ok := s.groups[plugin]
	if !ok || g.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	for _, e := range g.entries {
		g.wg.Add(1)
		go s.loop(ctx, g, e)
	}
	if len(g.entries) > 0 {
		s.logger.Info("tasks activated", "plugin", plugin, "count", len(g.entries))
	}
}

// CancelPlugin cancels and forgets every task of plugin, staged or active.
// In-flight runs see their context cancelled. Cancelling a plugin with no
// tasks is a no-op.
func (s *Scheduler) CancelPlugin(plugin string) {
	s.mu.Lock()
	g, ok := s.groups[plugin]
	delete(s.groups, plugin)
	s.mu.Unlock()
	if !ok {
		return
	}
	if g.cancel != nil {
		g.cancel()
		g.wg.Wait()
		s.logger.Info("tasks cancelled", "plugin", plugin, "count", len(g.entries))
	}
}

// Close cancels every plugin's tasks. The scheduler accepts no further
// activations afterwards.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	s.mu.Unlock()
	for _, name := range names {
		s.CancelPlugin(name)
	}
}

// List returns all known tasks sorted by plugin then name.
func (s *Scheduler) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Info
	for _, g := range s.groups {
		for _, e := range g.entries {
			out = append(out, Info{
				Plugin:    e.plugin,
				Name:      e.name,
				Every:     e.every.String(),
				Active:    g.cancel != nil,
				Runs:      e.runs,
				Failures:  e.failures,
				LastRunAt: e.lastRunAt,
				LastError: e.lastError,
				NextRunAt: e.nextRunAt,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Plugin != out[j].Plugin {
			return out[i].Plugin < out[j].Plugin
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *Scheduler) groupLocked(plugin string) *group {
	g, ok := s.groups[plugin]
	if !ok {
		g = &group{}
		s.groups[plugin] = g
	}
	return g
}

func (s *Scheduler) loop(ctx context.Context, g *group, e *entry) {
	defer g.wg.Done()
	for {
		wait := jittered(e.every, e.jitter)
		s.mu.Lock()
		e.nextRunAt = s.clock.Now().Add(wait)
		s.mu.Unlock()

		timer := s.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
		s.run(ctx, e)
	}
}

func (s *Scheduler) run(ctx context.Context, e *entry) {
	timeout := s.timeouts.Timeout(e.plugin)
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := s.clock.Now()
	done := make(chan error, 1)
	go func() { done <- runTask(runCtx, e.task) }()
	var err error
	select {
	case err = <-done:
	case <-runCtx.Done():
		// A task that ignores its context is abandoned, not waited on.
		err = fmt.Errorf("task exceeded %s: %w", timeout, runCtx.Err())
	}

	s.mu.Lock()
	e.runs++
	e.lastRunAt = started
	e.lastError = ""
	if err != nil {
		e.failures++
		e.lastError = err.Error()
	}
	s.mu.Unlock()

	data := map[string]any{"plugin": e.plugin, "task": e.name, "duration_ms": s.clock.Since(started).Milliseconds()}
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled by CancelPlugin; not a task failure worth shouting about.
			s.logger.Debug("task cancelled", "plugin", e.plugin, "task", e.name)
			return
		}
		data["error"] = err.Error()
		s.logger.Warn("task failed", "plugin", e.plugin, "task", e.name, "error", err)
		s.publish("scheduler.task_failed", data)
		return
	}
	s.logger.Debug("task completed", "plugin", e.plugin, "task", e.name)
	s.publish("scheduler.task_completed", data)
}

func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
		}
	}()
	return task(ctx)
}

func (s *Scheduler) publish(eventType string, data map[string]any) {
	if s.events != nil {
		s.events.Publish(eventType, data)
	}
}

// jittered returns base plus a uniform random delay in [0, jitter).
func jittered(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int64N(int64(jitter)))
}
