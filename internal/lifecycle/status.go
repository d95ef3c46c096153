package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mattjoyce/meshgate/internal/governor"
	"github.com/mattjoyce/meshgate/internal/plugin"
)

// Status is the outward view of one plugin record.
type Status struct {
	Name                string              `json:"name"`
	Version             string              `json:"version"`
	Kind                plugin.Kind         `json:"kind"`
	State               State               `json:"state"`
	Since               time.Time           `json:"since"`
	Dependencies        []plugin.Dependency `json:"dependencies,omitempty"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	NextRestartAt       time.Time           `json:"next_restart_at,omitzero"`
	Restarts            int                 `json:"restarts"`
	ManualDisabled      bool                `json:"manual_disabled"`
	DisabledReason      string              `json:"disabled_reason,omitempty"`
	ConfigDisabled      bool                `json:"config_disabled,omitempty"`
	LoadError           string              `json:"load_error,omitempty"`
	LastError           string              `json:"last_error,omitempty"`
	Usage               governor.Usage      `json:"usage"`
}

// ProbeResult is the outcome of one health probe.
type ProbeResult struct {
	// Skipped is set when the plugin was not running, or changed while the
	// probe was in flight.
	Skipped  bool
	Healthy  bool
	Failures int
	// Disabled is set when this probe reached the failure threshold.
	Disabled bool
	Err      error
}

// Probe calls the plugin's health hook and records the outcome under the
// record lock. At threshold consecutive failures (threshold > 0) the plugin
// is disabled and its handlers removed in the same critical section.
func (m *Manager) Probe(ctx context.Context, name string, threshold int) (ProbeResult, error) {
	rec, ok := m.lookup(name)
	if !ok {
		return ProbeResult{}, fmt.Errorf("%q: %w", name, ErrUnknownPlugin)
	}

	rec.mu.Lock()
	if rec.state != StateRunning {
		rec.mu.Unlock()
		return ProbeResult{Skipped: true}, nil
	}
	inst, gen := rec.inst, rec.gen
	rec.mu.Unlock()

	err := m.callHook(ctx, name, "health", inst.Health)

	rec.mu.Lock()
	if rec.state != StateRunning || rec.gen != gen {
		rec.mu.Unlock()
		return ProbeResult{Skipped: true}, nil
	}
	res := ProbeResult{Err: err}
	if err == nil {
		rec.failures = 0
		res.Healthy = true
	} else {
		rec.failures++
		rec.lastErr = err.Error()
		if threshold > 0 && rec.failures >= threshold {
			m.takeDownLocked(rec, fmt.Sprintf("%d consecutive health check failures", rec.failures))
			res.Disabled = true
		}
	}
	res.Failures = rec.failures
	rec.mu.Unlock()

	if res.Disabled {
		m.notifyFailed(name)
	}
	return res, nil
}

// SetNextRestart records when the supervisor will next retry the plugin.
// A zero time clears it.
func (m *Manager) SetNextRestart(name string, at time.Time) {
	rec, ok := m.lookup(name)
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.nextRestartAt = at
	rec.mu.Unlock()
}

// IsRunning reports whether name is in the running state. It never blocks
// on a hook in progress.
func (m *Manager) IsRunning(name string) bool {
	rec, ok := m.lookup(name)
	return ok && rec.running.Load()
}

// Running returns the running plugins in dependency order.
func (m *Manager) Running() []string {
	var out []string
	for _, name := range m.orderSnapshot() {
		if m.IsRunning(name) {
			out = append(out, name)
		}
	}
	return out
}

// Status returns the view of one plugin.
func (m *Manager) Status(name string) (Status, error) {
	rec, ok := m.lookup(name)
	if !ok {
		return Status{}, fmt.Errorf("%q: %w", name, ErrUnknownPlugin)
	}
	return m.statusOf(rec), nil
}

// List returns every plugin's status sorted by name.
func (m *Manager) List() []Status {
	recs := m.allRecords()
	out := make([]Status, 0, len(recs))
	for _, rec := range recs {
		out = append(out, m.statusOf(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Descriptor returns the descriptor the plugin was loaded from.
func (m *Manager) Descriptor(name string) (*plugin.Descriptor, bool) {
	rec, ok := m.lookup(name)
	if !ok {
		return nil, false
	}
	return rec.desc, true
}

func (m *Manager) statusOf(rec *record) Status {
	rec.mu.Lock()
	st := Status{
		Name:                rec.desc.Name,
		Version:             rec.desc.Version,
		Kind:                rec.desc.Kind,
		State:               rec.state,
		Since:               rec.since,
		Dependencies:        rec.desc.Dependencies,
		ConsecutiveFailures: rec.failures,
		NextRestartAt:       rec.nextRestartAt,
		Restarts:            rec.restarts,
		ManualDisabled:      rec.manual,
		DisabledReason:      rec.manualReason,
		ConfigDisabled:      rec.configDisabled,
		LastError:           rec.lastErr,
	}
	if rec.loadErr != nil {
		st.LoadError = rec.loadErr.Error()
	}
	rec.mu.Unlock()
	st.Usage = m.gov.Usage(st.Name)
	return st
}
