// Package health probes running plugins on an interval and retries
// disabled or failed ones with capped exponential backoff.
//
// The Monitor only observes; disabling at the failure threshold happens
// inside lifecycle.Manager.Probe so the count and the transition share one
// lock. The Supervisor owns the backoff arena and is the only writer of it.
package health
