package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"

	"github.com/mattjoyce/meshgate/internal/governor"
	"github.com/mattjoyce/meshgate/internal/log"
	"github.com/mattjoyce/meshgate/internal/mesh"
	"github.com/mattjoyce/meshgate/internal/plugin"
	"github.com/mattjoyce/meshgate/internal/registry"
	"github.com/mattjoyce/meshgate/internal/scheduler"
	"github.com/mattjoyce/meshgate/internal/state"
)

const (
	DefaultHookTimeout  = 30 * time.Second
	DefaultDrainTimeout = 10 * time.Second
)

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(eventType string, data any)
}

// Observer is told when a plugin needs, or no longer needs, automatic
// restart. Calls are made without any manager lock held.
type Observer interface {
	// PluginFailed: the plugin entered disabled or failed without operator
	// involvement.
	PluginFailed(name string)
	// PluginReleased: an operator took over (disable, stop, unload).
	PluginReleased(name string)
}

// PluginSettings is operator configuration for one plugin.
type PluginSettings struct {
	Disabled bool
	Config   map[string]any
	Quota    governor.Quota
}

// Config tunes the manager.
type Config struct {
	HookTimeout  time.Duration
	DrainTimeout time.Duration
	// Roots are the plugin roots, used to reload a descriptor by path.
	Roots    []string
	Settings map[string]PluginSettings
}

// Deps are the collaborators the manager drives.
type Deps struct {
	Registry  *registry.Registry
	Governor  *governor.Governor
	Scheduler *scheduler.Scheduler
	// State is optional; without it the storage permission yields an error
	// and manual disables are not persisted.
	State   *state.Store
	Catalog plugin.Catalog
	Sender  mesh.Sender
	Events  Publisher
	Clock   clockwork.Clock
}

type record struct {
	mu sync.Mutex

	desc    *plugin.Descriptor
	inst    plugin.Plugin
	host    *host
	state   State
	running atomic.Bool
	// hooksLive is set once initialize has been attempted and cleared by
	// cleanup; stop/cleanup hooks only run while it is set.
	hooksLive bool
	gen       uint64

	failures      int
	nextRestartAt time.Time
	restarts      int

	manual         bool
	manualReason   string
	configDisabled bool
	loadErr        error
	lastErr        string
	since          time.Time
}

// Manager owns the plugin table.
type Manager struct {
	reg     *registry.Registry
	gov     *governor.Governor
	sched   *scheduler.Scheduler
	store   *state.Store
	catalog plugin.Catalog
	sender  mesh.Sender
	events  Publisher
	clock   clockwork.Clock
	cfg     Config
	logger  *slog.Logger

	// mu guards records and order. Lock order: record.mu before mu.
	mu      sync.RWMutex
	records map[string]*record
	order   []string

	observer atomic.Pointer[Observer]
}

// New builds a Manager with an empty plugin table.
func New(deps Deps, cfg Config) *Manager {
	if cfg.HookTimeout <= 0 {
		cfg.HookTimeout = DefaultHookTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &Manager{
		reg:     deps.Registry,
		gov:     deps.Governor,
		sched:   deps.Scheduler,
		store:   deps.State,
		catalog: deps.Catalog,
		sender:  deps.Sender,
		events:  deps.Events,
		clock:   deps.Clock,
		cfg:     cfg,
		logger:  log.WithComponent("lifecycle"),
		records: make(map[string]*record),
	}
}

// SetObserver installs the restart supervisor.
func (m *Manager) SetObserver(o Observer) {
	m.observer.Store(&o)
}

// Load records every descriptor as discovered, reports dependency errors
// once, and brings every eligible plugin up in dependency order.
func (m *Manager) Load(ctx context.Context, descs []*plugin.Descriptor) error {
	res := plugin.Resolve(descs)
	for _, cyc := range res.Cycles {
		m.logger.Error("dependency cycle, plugins will not load", "plugins", cyc.Cycle, "error", cyc)
		m.publish("lifecycle.dependency_error", map[string]any{"plugins": cyc.Cycle, "error": cyc.Error()})
	}

	manual := map[string]string{}
	if m.store != nil {
		var err error
		if manual, err = m.store.ManualDisables(ctx); err != nil {
			return fmt.Errorf("load manual disables: %w", err)
		}
	}

	m.mu.Lock()
	for _, d := range descs {
		if _, dup := m.records[d.Name]; dup {
			m.logger.Warn("duplicate plugin ignored", "plugin", d.Name, "manifest", d.ManifestPath)
			continue
		}
		rec := m.newRecord(d)
		if reason, ok := manual[d.Name]; ok {
			rec.manual, rec.manualReason = true, reason
		}
		if derr, ok := res.Errors[d.Name]; ok {
			rec.loadErr = derr
			rec.lastErr = derr.Error()
			if len(derr.Cycle) == 0 {
				m.logger.Error("plugin will not load", "plugin", d.Name, "error", derr)
				m.publish("lifecycle.dependency_error", map[string]any{"plugins": []string{d.Name}, "error": derr.Error()})
			}
		}
		m.records[d.Name] = rec
	}
	m.order = append(m.order, lo.Filter(res.Order, func(n string, _ int) bool { return !slices.Contains(m.order, n) })...)
	m.mu.Unlock()

	m.StartAll(ctx)
	return nil
}

func (m *Manager) newRecord(d *plugin.Descriptor) *record {
	rec := &record{
		desc:           d,
		state:          StateDiscovered,
		since:          m.clock.Now(),
		configDisabled: m.cfg.Settings[d.Name].Disabled,
	}
	inst, err := m.catalog.Instantiate(d)
	if err != nil {
		rec.loadErr = err
		rec.lastErr = err.Error()
		m.logger.Error("plugin will not load", "plugin", d.Name, "error", err)
	}
	rec.inst = inst
	return rec
}

// StartAll brings up every eligible discovered plugin in dependency order.
// Failures are logged and handed to the observer; they never stop the walk.
func (m *Manager) StartAll(ctx context.Context) {
	for _, name := range m.orderSnapshot() {
		rec, ok := m.lookup(name)
		if !ok {
			continue
		}
		rec.mu.Lock()
		eligible := rec.eligibleLocked() && rec.state == StateDiscovered
		rec.mu.Unlock()
		if !eligible {
			continue
		}
		if err := m.bringUp(ctx, rec); err != nil && !errors.Is(err, ErrDependencyNotRunning) {
			m.logger.Error("plugin failed to start", "plugin", name, "error", err)
		}
	}
}

func (r *record) eligibleLocked() bool {
	return r.loadErr == nil && !r.manual && !r.configDisabled
}

// bringUp drives rec from its current state to running.
func (m *Manager) bringUp(ctx context.Context, rec *record) error {
	rec.mu.Lock()
	name := rec.desc.Name
	err := m.bringUpLocked(ctx, rec)
	after := rec.state
	rec.mu.Unlock()

	if err == nil {
		m.startWaiting(ctx, name)
		return nil
	}
	if errors.Is(err, ErrDependencyNotRunning) {
		m.logger.Info("plugin waiting for dependencies", "plugin", name, "error", err)
	}
	if after == StateFailed || after == StateDisabled {
		m.notifyFailed(name)
	}
	return err
}

func (m *Manager) bringUpLocked(ctx context.Context, rec *record) error {
	name := rec.desc.Name
	if missing := m.unmetDependencies(rec.desc); len(missing) > 0 {
		rec.lastErr = "waiting for " + strings.Join(missing, ", ")
		return fmt.Errorf("plugin %q: %s: %w", name, strings.Join(missing, ", "), ErrDependencyNotRunning)
	}
	if err := m.transitionLocked(rec, StateInitialized, ""); err != nil {
		return err
	}

	rec.gen++
	rec.hooksLive = true
	settings := m.cfg.Settings[name]
	m.gov.SetQuota(name, settings.Quota.Merge(rec.desc.Quota))
	if m.store != nil {
		// Persisted state counts against the ceiling, also after an unload.
		size, err := m.store.Size(ctx, name)
		if err != nil {
			return m.failLocked(rec, "measure state", err)
		}
		m.gov.SetStorageUsage(name, size)
	}
	h := newHost(m, rec.desc, settings.Config)
	rec.host = h

	// Tasks staged by a previous failed attempt are dropped first.
	m.sched.CancelPlugin(name)
	if err := m.callHook(ctx, name, "initialize", func(ctx context.Context) error {
		return rec.inst.Initialize(ctx, h)
	}); err != nil {
		return m.failLocked(rec, "initialize", err)
	}

	if err := m.transitionLocked(rec, StateStarted, ""); err != nil {
		return err
	}
	if err := m.callHook(ctx, name, "start", rec.inst.Start); err != nil {
		return m.failLocked(rec, "start", err)
	}

	if err := m.reg.AddPlugin(name, h.seal()); err != nil {
		return m.failLocked(rec, "register handlers", err)
	}
	m.sched.Activate(name)
	rec.lastErr = ""
	return m.transitionLocked(rec, StateRunning, "")
}

// unmetDependencies lists required dependencies that are not running.
func (m *Manager) unmetDependencies(d *plugin.Descriptor) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Filter(d.RequiredDependencies(), func(dep string, _ int) bool {
		r, ok := m.records[dep]
		return !ok || !r.running.Load()
	})
}

// startWaiting brings up discovered dependents of name that were held back.
func (m *Manager) startWaiting(ctx context.Context, name string) {
	for _, other := range m.orderSnapshot() {
		rec, ok := m.lookup(other)
		if !ok {
			continue
		}
		rec.mu.Lock()
		waiting := rec.state == StateDiscovered && rec.eligibleLocked() &&
			slices.Contains(rec.desc.RequiredDependencies(), name)
		rec.mu.Unlock()
		if waiting {
			_ = m.bringUp(ctx, rec)
		}
	}
}

func (m *Manager) failLocked(rec *record, phase string, err error) error {
	name := rec.desc.Name
	m.sched.CancelPlugin(name)
	if m.reg.Has(name) {
		_ = m.reg.RemovePlugin(name)
	}
	ierr := &InitializationError{Plugin: name, Phase: phase, Err: err}
	rec.lastErr = ierr.Error()
	if terr := m.transitionLocked(rec, StateFailed, ierr.Error()); terr != nil {
		return errors.Join(ierr, terr)
	}
	return ierr
}

func (m *Manager) transitionLocked(rec *record, to State, reason string) error {
	from := rec.state
	if err := checkTransition(rec.desc.Name, from, to); err != nil {
		return err
	}
	rec.state = to
	rec.since = m.clock.Now()
	rec.running.Store(to == StateRunning)

	attrs := []any{"plugin", rec.desc.Name, "from", from, "to", to}
	if reason != "" {
		attrs = append(attrs, "reason", reason)
	}
	m.logger.Info("plugin transition", attrs...)
	m.publish("lifecycle.transition", map[string]any{
		"plugin": rec.desc.Name, "from": from, "to": to, "reason": reason,
	})
	return nil
}

// takeDownLocked removes rec's handlers and tasks and moves it to disabled.
func (m *Manager) takeDownLocked(rec *record, reason string) (drain func(context.Context) error) {
	name := rec.desc.Name
	drain = m.reg.RemovePlugin(name)
	m.sched.CancelPlugin(name)
	_ = m.transitionLocked(rec, StateDisabled, reason)
	return drain
}

// Disable is the operator action. The plugin is excluded from automatic
// restart until Enable.
func (m *Manager) Disable(ctx context.Context, name, reason string) error {
	rec, ok := m.lookup(name)
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrUnknownPlugin)
	}
	if reason == "" {
		reason = "disabled by operator"
	}

	rec.mu.Lock()
	rec.manual, rec.manualReason = true, reason
	rec.nextRestartAt = time.Time{}
	switch rec.state {
	case StateRunning:
		m.takeDownLocked(rec, reason)
	case StateFailed:
		_ = m.transitionLocked(rec, StateDisabled, reason)
	}
	rec.mu.Unlock()

	m.notifyReleased(name)
	return m.persistManual(ctx, name, true, reason)
}

// Enable clears a manual or config disable and brings the plugin up.
func (m *Manager) Enable(ctx context.Context, name string) error {
	rec, ok := m.lookup(name)
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrUnknownPlugin)
	}

	rec.mu.Lock()
	rec.manual, rec.manualReason = false, ""
	rec.configDisabled = false
	loadErr := rec.loadErr
	st := rec.state
	rec.mu.Unlock()

	if err := m.persistManual(ctx, name, false, ""); err != nil {
		return err
	}
	if loadErr != nil {
		return loadErr
	}
	switch st {
	case StateRunning:
		return nil
	case StateDiscovered, StateDisabled, StateFailed, StateStopped:
		return m.bringUp(ctx, rec)
	default:
		return fmt.Errorf("plugin %q is %s: %w", name, st, ErrInvalidTransition)
	}
}

// Restart re-enters initialize/start for a plugin the supervisor is
// retrying. Operator-disabled and stopped plugins are refused.
func (m *Manager) Restart(ctx context.Context, name string) error {
	rec, ok := m.lookup(name)
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrUnknownPlugin)
	}
	rec.mu.Lock()
	switch {
	case rec.manual:
		rec.mu.Unlock()
		return fmt.Errorf("%q: %w", name, ErrManuallyDisabled)
	case rec.state != StateDisabled && rec.state != StateFailed:
		st := rec.state
		rec.mu.Unlock()
		return fmt.Errorf("plugin %q is %s, not restartable: %w", name, st, ErrInvalidTransition)
	}
	rec.restarts++
	rec.nextRestartAt = time.Time{}
	rec.mu.Unlock()

	m.logger.Info("restarting plugin", "plugin", name)
	return m.bringUp(ctx, rec)
}

// Stop drives the plugin to stopped: handlers removed, tasks cancelled, stop
// hook called. Stopping a stopped plugin is a no-op.
func (m *Manager) Stop(ctx context.Context, name string) error {
	rec, ok := m.lookup(name)
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrUnknownPlugin)
	}
	rec.mu.Lock()
	m.stopLocked(ctx, rec)
	rec.mu.Unlock()
	m.notifyReleased(name)
	return nil
}

func (m *Manager) stopLocked(ctx context.Context, rec *record) {
	if rec.state == StateStopped || rec.state == StateUnloaded {
		return
	}
	name := rec.desc.Name
	_ = m.reg.RemovePlugin(name)
	m.sched.CancelPlugin(name)
	if rec.hooksLive {
		if err := m.callHook(ctx, name, "stop", rec.inst.Stop); err != nil {
			m.logger.Warn("stop hook failed", "plugin", name, "error", err)
		}
	}
	rec.nextRestartAt = time.Time{}
	_ = m.transitionLocked(rec, StateStopped, "")
}

// Unload stops the plugin if needed, runs its cleanup hook and removes it
// from the plugin table.
func (m *Manager) Unload(ctx context.Context, name string) error {
	rec, ok := m.lookup(name)
	if !ok {
		return nil
	}
	rec.mu.Lock()
	m.unloadLocked(ctx, rec)
	rec.mu.Unlock()

	m.mu.Lock()
	if m.records[name] == rec {
		delete(m.records, name)
	}
	m.mu.Unlock()
	m.notifyReleased(name)
	return nil
}

func (m *Manager) unloadLocked(ctx context.Context, rec *record) {
	if rec.state == StateUnloaded {
		return
	}
	m.stopLocked(ctx, rec)
	name := rec.desc.Name
	if rec.hooksLive {
		if err := m.callHook(ctx, name, "cleanup", rec.inst.Cleanup); err != nil {
			m.logger.Warn("cleanup hook failed", "plugin", name, "error", err)
		}
		rec.hooksLive = false
	}
	m.gov.Forget(name)
	_ = m.transitionLocked(rec, StateUnloaded, "")
}

// Reload replaces the plugin named by d with a fresh instance. In-flight
// dispatches against the old handler set are given DrainTimeout to finish
// before the old instance is stopped.
func (m *Manager) Reload(ctx context.Context, d *plugin.Descriptor) error {
	name := d.Name
	manual, manualReason := false, ""
	if old, ok := m.lookup(name); ok {
		old.mu.Lock()
		if old.state == StateRunning && old.desc.Checksum != "" && old.desc.Checksum == d.Checksum {
			old.mu.Unlock()
			m.logger.Debug("descriptor unchanged, reload skipped", "plugin", name)
			return nil
		}
		manual, manualReason = old.manual, old.manualReason
		if old.state == StateRunning {
			drain := m.reg.RemovePlugin(name)
			dctx, cancel := context.WithTimeout(ctx, m.cfg.DrainTimeout)
			if err := drain(dctx); err != nil {
				m.logger.Warn("reload drain incomplete", "plugin", name, "error", err)
			}
			cancel()
		}
		m.unloadLocked(ctx, old)
		old.mu.Unlock()
		m.notifyReleased(name)
	}

	others := lo.FilterMap(m.allRecords(), func(r *record, _ int) (*plugin.Descriptor, bool) {
		return r.desc, r.desc.Name != name
	})
	res := plugin.Resolve(append(others, d))

	rec := m.newRecord(d)
	rec.manual, rec.manualReason = manual, manualReason
	if derr, ok := res.Errors[name]; ok && rec.loadErr == nil {
		rec.loadErr = derr
		rec.lastErr = derr.Error()
		m.logger.Error("reloaded plugin will not load", "plugin", name, "error", derr)
	}

	m.mu.Lock()
	m.records[name] = rec
	if !slices.Contains(m.order, name) {
		m.order = append(m.order, name)
	}
	m.mu.Unlock()
	m.publish("lifecycle.reloaded", map[string]any{"plugin": name, "version": d.Version})

	rec.mu.Lock()
	eligible := rec.eligibleLocked()
	loadErr := rec.loadErr
	rec.mu.Unlock()
	if loadErr != nil {
		return loadErr
	}
	if !eligible {
		return nil
	}
	return m.bringUp(ctx, rec)
}

// ReloadPath re-reads the descriptor at manifestPath and reloads it.
func (m *Manager) ReloadPath(ctx context.Context, manifestPath string) error {
	d, err := plugin.LoadDescriptor(manifestPath, m.cfg.Roots)
	if err != nil {
		return err
	}
	return m.Reload(ctx, d)
}

// ReloadByName reloads a plugin from its recorded manifest.
func (m *Manager) ReloadByName(ctx context.Context, name string) error {
	rec, ok := m.lookup(name)
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrUnknownPlugin)
	}
	rec.mu.Lock()
	d := rec.desc
	rec.mu.Unlock()
	if d.ManifestPath == "" {
		// Builtins without a manifest reload from the same descriptor.
		cp := *d
		cp.Checksum = ""
		return m.Reload(ctx, &cp)
	}
	return m.ReloadPath(ctx, d.ManifestPath)
}

// Shutdown stops and unloads every plugin, dependents first.
func (m *Manager) Shutdown(ctx context.Context) {
	names := m.orderSnapshot()
	m.mu.RLock()
	for name := range m.records {
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()
	slices.Reverse(names)
	for _, name := range names {
		_ = m.Unload(ctx, name)
	}
}

func (m *Manager) persistManual(ctx context.Context, name string, disabled bool, reason string) error {
	if m.store == nil {
		return nil
	}
	return m.store.SetManualDisable(ctx, name, disabled, reason)
}

// callHook runs fn bounded by HookTimeout, converting panics to errors. A
// hook that ignores its context is abandoned when the timeout passes.
func (m *Manager) callHook(ctx context.Context, name, hook string, fn func(context.Context) error) error {
	hctx, cancel := context.WithTimeout(ctx, m.cfg.HookTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%s: %w: %v", hook, ErrHookPanic, r)
			}
		}()
		done <- fn(hctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			m.logger.Debug("hook failed", "plugin", name, "hook", hook, "error", err)
		}
		return err
	case <-hctx.Done():
		return fmt.Errorf("%s hook: %w", hook, hctx.Err())
	}
}

func (m *Manager) lookup(name string) (*record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[name]
	return rec, ok
}

func (m *Manager) orderSnapshot() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order)
}

func (m *Manager) allRecords() []*record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Values(m.records)
}

func (m *Manager) notifyFailed(name string) {
	if o := m.observer.Load(); o != nil {
		(*o).PluginFailed(name)
	}
}

func (m *Manager) notifyReleased(name string) {
	if o := m.observer.Load(); o != nil {
		(*o).PluginReleased(name)
	}
}

func (m *Manager) publish(eventType string, data any) {
	if m.events != nil {
		m.events.Publish(eventType, data)
	}
}
