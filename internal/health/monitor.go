package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/meshgate/internal/log"
)

// ProbeStatus is the last observation for one plugin.
type ProbeStatus struct {
	Plugin              string    `json:"plugin"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastProbeAt         time.Time `json:"last_probe_at"`
	LastError           string    `json:"last_error,omitempty"`
}

// Monitor probes every running plugin once per interval.
type Monitor struct {
	plugins Plugins
	sup     *Supervisor
	cfg     Config
	clock   clockwork.Clock
	events  Publisher
	logger  *slog.Logger

	mu     sync.Mutex
	last   map[string]ProbeStatus
	sweeps int64
}

// NewMonitor returns a Monitor. sup may be nil when restarts are handled
// elsewhere.
func NewMonitor(plugins Plugins, sup *Supervisor, cfg Config, events Publisher, clock clockwork.Clock) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Monitor{
		plugins: plugins,
		sup:     sup,
		cfg:     cfg.withDefaults(),
		clock:   clock,
		events:  events,
		logger:  log.WithComponent("health"),
		last:    make(map[string]ProbeStatus),
	}
}

// Run sweeps on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("health monitor started", "interval", m.cfg.Interval, "threshold", m.cfg.FailureThreshold)
	ticker := m.clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return nil
		case <-ticker.Chan():
			m.Sweep(ctx)
		}
	}
}

// Sweep probes every running plugin, at most MaxParallel at a time, and
// returns when all probes have finished.
func (m *Monitor) Sweep(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(m.cfg.MaxParallel)
	for _, name := range m.plugins.Running() {
		g.Go(func() error {
			m.probe(ctx, name)
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	m.sweeps++
	m.mu.Unlock()
}

func (m *Monitor) probe(ctx context.Context, name string) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	res, err := m.plugins.Probe(pctx, name, m.cfg.FailureThreshold)
	if err != nil {
		m.logger.Warn("probe not run", "plugin", name, "error", err)
		return
	}
	if res.Skipped {
		return
	}

	st := ProbeStatus{
		Plugin:              name,
		Healthy:             res.Healthy,
		ConsecutiveFailures: res.Failures,
		LastProbeAt:         m.clock.Now(),
	}
	if res.Err != nil {
		st.LastError = res.Err.Error()
	}
	m.mu.Lock()
	m.last[name] = st
	m.mu.Unlock()

	switch {
	case res.Healthy:
		if m.sup != nil {
			m.sup.Reset(name)
		}
	case res.Disabled:
		m.logger.Error("plugin disabled after failed health checks", "plugin", name, "failures", res.Failures, "error", res.Err)
		m.publish("health.disabled", st)
	default:
		m.logger.Warn("health check failed", "plugin", name, "failures", res.Failures, "threshold", m.cfg.FailureThreshold, "error", res.Err)
	}
	m.publish("health.probe", st)
}

// Snapshot returns the last observation per plugin.
func (m *Monitor) Snapshot() map[string]ProbeStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ProbeStatus, len(m.last))
	for k, v := range m.last {
		out[k] = v
	}
	return out
}

// Sweeps counts completed sweeps.
func (m *Monitor) Sweeps() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweeps
}

func (m *Monitor) publish(eventType string, data any) {
	if m.events != nil {
		m.events.Publish(eventType, data)
	}
}
