package dispatch

import "sync/atomic"

type counters struct {
	messages    atomic.Uint64
	fired       atomic.Uint64
	failed      atomic.Uint64
	timedOut    atomic.Uint64
	rateLimited atomic.Uint64
	skipped     atomic.Uint64
	discarded   atomic.Uint64
	responses   atomic.Uint64
}

// Stats is the aggregate counter snapshot exposed on the metrics surface.
type Stats struct {
	Messages    uint64 `json:"messages"`
	Fired       uint64 `json:"fired"`
	Failed      uint64 `json:"failed"`
	TimedOut    uint64 `json:"timed_out"`
	RateLimited uint64 `json:"rate_limited"`
	Skipped     uint64 `json:"skipped"`
	Discarded   uint64 `json:"discarded"`
	Responses   uint64 `json:"responses"`
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Messages:    e.stats.messages.Load(),
		Fired:       e.stats.fired.Load(),
		Failed:      e.stats.failed.Load(),
		TimedOut:    e.stats.timedOut.Load(),
		RateLimited: e.stats.rateLimited.Load(),
		Skipped:     e.stats.skipped.Load(),
		Discarded:   e.stats.discarded.Load(),
		Responses:   e.stats.responses.Load(),
	}
}
