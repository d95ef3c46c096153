// Package governor enforces per-plugin resource quotas: an outbound call
// token bucket, a storage ceiling, and the timeout applied to handler and
// scheduled-task execution.
package governor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

var (
	// ErrCallBudgetExceeded is returned when a plugin's outbound call bucket is empty.
	// Callers should treat it as retryable.
	ErrCallBudgetExceeded = errors.New("outbound call budget exceeded")
	// ErrStorageExceeded is returned when a write would push usage past the ceiling.
	ErrStorageExceeded = errors.New("storage quota exceeded")
)

// BudgetError carries the plugin and the earliest time a retry could succeed.
type BudgetError struct {
	Plugin     string
	RetryAfter time.Duration
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("plugin %q: %v (retry after %s)", e.Plugin, ErrCallBudgetExceeded, e.RetryAfter)
}

func (e *BudgetError) Is(target error) bool { return target == ErrCallBudgetExceeded }

// IsRetryable reports whether err is a transient quota rejection.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCallBudgetExceeded)
}

// Quota is the set of limits applied to one plugin. Zero fields in an
// override fall back to the governor defaults.
type Quota struct {
	CallRate     float64       `yaml:"call_rate" json:"call_rate" validate:"gte=0"`
	CallBurst    int           `yaml:"call_burst" json:"call_burst" validate:"gte=0"`
	StorageBytes int64         `yaml:"storage_bytes" json:"storage_bytes" validate:"gte=0"`
	TaskTimeout  time.Duration `yaml:"task_timeout" json:"task_timeout" validate:"gte=0"`
}

// Merge returns q with zero fields taken from base.
func (q Quota) Merge(base Quota) Quota {
	if q.CallRate == 0 {
		q.CallRate = base.CallRate
	}
	if q.CallBurst == 0 {
		q.CallBurst = base.CallBurst
	}
	if q.StorageBytes == 0 {
		q.StorageBytes = base.StorageBytes
	}
	if q.TaskTimeout == 0 {
		q.TaskTimeout = base.TaskTimeout
	}
	return q
}

// DefaultQuota is used when no configuration is supplied.
func DefaultQuota() Quota {
	return Quota{
		CallRate:     1,
		CallBurst:    5,
		StorageBytes: 1 << 20,
		TaskTimeout:  10 * time.Second,
	}
}

// Usage is a snapshot of one plugin's consumption.
type Usage struct {
	Calls         uint64 `json:"calls"`
	CallsRejected uint64 `json:"calls_rejected"`
	StorageBytes  int64  `json:"storage_bytes"`
	StorageLimit  int64  `json:"storage_limit"`
	TaskTimeoutMS int64  `json:"task_timeout_ms"`
}

type account struct {
	quota    Quota
	limiter  *rate.Limiter
	calls    uint64
	rejected uint64
	storage  int64
}

// Governor tracks quotas for every known plugin.
type Governor struct {
	mu       sync.Mutex
	defaults Quota
	accounts map[string]*account
	clock    clockwork.Clock
}

// New creates a Governor with the given defaults. A nil clock uses the real clock.
func New(defaults Quota, clock clockwork.Clock) *Governor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Governor{
		defaults: defaults.Merge(DefaultQuota()),
		accounts: make(map[string]*account),
		clock:    clock,
	}
}

func newLimiter(q Quota) *rate.Limiter {
	burst := q.CallBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(q.CallRate), burst)
}

func (g *Governor) accountLocked(plugin string) *account {
	a, ok := g.accounts[plugin]
	if !ok {
		a = &account{quota: g.defaults, limiter: newLimiter(g.defaults)}
		g.accounts[plugin] = a
	}
	return a
}

// SetQuota applies overrides for plugin. Storage usage is preserved.
func (g *Governor) SetQuota(plugin string, override Quota) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a := g.accountLocked(plugin)
	a.quota = override.Merge(g.defaults)
	a.limiter = newLimiter(a.quota)
}

// Quota returns the effective quota for plugin.
func (g *Governor) Quota(plugin string) Quota {
	g.mu.Lock()
	defer g.mu.Unlock()
	if a, ok := g.accounts[plugin]; ok {
		return a.quota
	}
	return g.defaults
}

// AllowCall takes one token from plugin's outbound bucket. On an empty
// bucket it returns a *BudgetError matching ErrCallBudgetExceeded.
func (g *Governor) AllowCall(plugin string) error {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	a := g.accountLocked(plugin)
	if a.limiter.AllowN(now, 1) {
		a.calls++
		return nil
	}
	a.rejected++

	var wait time.Duration
	if r := a.limiter.ReserveN(now, 1); r.OK() {
		wait = r.DelayFrom(now)
		r.CancelAt(now)
	}
	return &BudgetError{Plugin: plugin, RetryAfter: wait}
}

// ReserveStorage adjusts plugin's storage usage by delta bytes. A positive
// delta that would exceed the ceiling is rejected and usage is unchanged.
// Negative deltas always succeed; usage never drops below zero.
func (g *Governor) ReserveStorage(plugin string, delta int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	a := g.accountLocked(plugin)
	next := a.storage + delta
	if delta > 0 && a.quota.StorageBytes > 0 && next > a.quota.StorageBytes {
		return fmt.Errorf("plugin %q: %w (%d + %d > %d)", plugin, ErrStorageExceeded, a.storage, delta, a.quota.StorageBytes)
	}
	if next < 0 {
		next = 0
	}
	a.storage = next
	return nil
}

// SetStorageUsage records an absolute usage, e.g. measured at startup.
func (g *Governor) SetStorageUsage(plugin string, bytes int64) {
	if bytes < 0 {
		bytes = 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.accountLocked(plugin).storage = bytes
}

// Timeout returns the execution bound for plugin's handlers and tasks.
func (g *Governor) Timeout(plugin string) time.Duration {
	return g.Quota(plugin).TaskTimeout
}

// Usage returns a snapshot for plugin.
func (g *Governor) Usage(plugin string) Usage {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.accounts[plugin]
	if !ok {
		return Usage{StorageLimit: g.defaults.StorageBytes, TaskTimeoutMS: g.defaults.TaskTimeout.Milliseconds()}
	}
	return Usage{
		Calls:         a.calls,
		CallsRejected: a.rejected,
		StorageBytes:  a.storage,
		StorageLimit:  a.quota.StorageBytes,
		TaskTimeoutMS: a.quota.TaskTimeout.Milliseconds(),
	}
}

// Forget drops all accounting for plugin.
func (g *Governor) Forget(plugin string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.accounts, plugin)
}
