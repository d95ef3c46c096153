// Package ratelimit tracks per-(actor, rule) cooldowns and rolling hourly
// fire counts for dispatch and auto-response rules.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Window is the span over which MaxPerHour is counted.
const Window = time.Hour

var (
	// ErrRateLimited is the parent of every rejection from the tracker.
	ErrRateLimited = errors.New("rate limited")
	ErrCooldown    = fmt.Errorf("%w: cooldown active", ErrRateLimited)
	ErrHourlyLimit = fmt.Errorf("%w: hourly limit reached", ErrRateLimited)
	// ErrInFlight rejects a second fire while one under a cooldown is open.
	ErrInFlight    = fmt.Errorf("%w: fire already in progress", ErrRateLimited)
)

// Policy is the throttling policy attached to a rule.
type Policy struct {
	Cooldown   time.Duration `yaml:"cooldown" json:"cooldown"`
	MaxPerHour int           `yaml:"max_per_hour" json:"max_per_hour"`
	// Exempt lifts the hourly ceiling. Cooldown still applies.
	Exempt bool `yaml:"exempt,omitempty" json:"exempt,omitempty"`
}

// Key identifies one (actor, rule) pair.
type Key struct {
	Actor string
	Rule  string
}

// State is a read-only view of one entry.
type State struct {
	LastFiredAt time.Time `json:"last_fired_at"`
	HourCount   int       `json:"rolling_hour_count"`
}

type entry struct {
	last     time.Time
	fires    []time.Time
	cooldown time.Duration
	// pending counts open reservations.
	pending int
}

// pruneLocked drops fires at or beyond the window edge.
func (e *entry) pruneLocked(now time.Time) {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(e.fires) && !e.fires[i].After(cutoff) {
		i++
	}
	if i > 0 {
		e.fires = append(e.fires[:0], e.fires[i:]...)
	}
}

func (e *entry) release() {
	if e.pending > 0 {
		e.pending--
	}
}

// Tracker holds RateLimitState entries, created lazily on first use.
type Tracker struct {
	mu      sync.Mutex
	entries map[Key]*entry
	clock   clockwork.Clock
}

// New creates a Tracker. A nil clock uses the real clock.
func New(clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		entries: make(map[Key]*entry),
		clock:   clock,
	}
}

// Check reports whether a fire for key would be allowed now, without reserving it.
func (t *Tracker) Check(key Key, p Policy) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return nil
	}
	return t.checkLocked(e, p, t.clock.Now())
}

func (t *Tracker) checkLocked(e *entry, p Policy, now time.Time) error {
	if p.Cooldown > 0 && e.pending > 0 {
		return ErrInFlight
	}
	if p.Cooldown > 0 && !e.last.IsZero() && now.Sub(e.last) < p.Cooldown {
		return ErrCooldown
	}
	if p.MaxPerHour > 0 && !p.Exempt {
		e.pruneLocked(now)
		if len(e.fires)+e.pending >= p.MaxPerHour {
			return ErrHourlyLimit
		}
	}
	return nil
}

// Reserve claims a fire slot for key. The caller must Commit on a successful
// fire or Cancel otherwise. Open reservations count toward MaxPerHour, and
// under a cooldown a second reservation is rejected with ErrInFlight.
func (t *Tracker) Reserve(key Key, p Policy) (*Reservation, error) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		e = &entry{}
		t.entries[key] = e
	}
	if err := t.checkLocked(e, p, now); err != nil {
		return nil, err
	}
	e.pending++
	return &Reservation{t: t, key: key, at: now, policy: p}, nil
}

// State returns the current view of key at the tracker's now.
func (t *Tracker) State(key Key) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return State{}
	}
	e.pruneLocked(t.clock.Now())
	return State{LastFiredAt: e.last, HourCount: len(e.fires)}
}

// Len returns the number of tracked entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Prune removes entries whose window and cooldown have both expired.
// Returns the number of entries removed.
func (t *Tracker) Prune() int {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for k, e := range t.entries {
		if e.pending > 0 {
			continue
		}
		e.pruneLocked(now)
		if len(e.fires) > 0 {
			continue
		}
		if !e.last.IsZero() && now.Sub(e.last) < e.cooldown {
			continue
		}
		delete(t.entries, k)
		removed++
	}
	return removed
}

func (t *Tracker) commit(r *Reservation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[r.key]
	if !ok {
		e = &entry{}
		t.entries[r.key] = e
	}
	e.release()
	e.last = r.at
	e.cooldown = r.policy.Cooldown
	e.fires = append(e.fires, r.at)
}

func (t *Tracker) cancel(r *Reservation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[r.key]
	if !ok {
		return
	}
	e.release()
	if e.pending == 0 && e.last.IsZero() && len(e.fires) == 0 {
		delete(t.entries, r.key)
	}
}

// Reservation is an open fire slot. Commit and Cancel are idempotent and
// mutually exclusive: the first call wins.
type Reservation struct {
	t      *Tracker
	key    Key
	at     time.Time
	policy Policy
	once   sync.Once
}

// Commit records the fire at the reservation time.
func (r *Reservation) Commit() {
	r.once.Do(func() { r.t.commit(r) })
}

// Cancel releases the slot without recording a fire.
func (r *Reservation) Cancel() {
	r.once.Do(func() { r.t.cancel(r) })
}
