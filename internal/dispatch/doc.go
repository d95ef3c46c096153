// Package dispatch matches inbound mesh messages against the handler registry
// and invokes the eligible handlers.
//
// Matching runs in two passes:
//   - Command pass: the first token of the message (after the optional
//     command prefix) is looked up as a command name. Candidates are tried in
//     priority order and the first one that fires successfully wins.
//   - Match pass: keyword and wildcard handlers run in priority order. Every
//     eligible handler fires until one returns Stop.
//
// A candidate is skipped when its plugin is not Running, when its
// (actor, rule) pair is in cooldown or at its hourly ceiling, or when the
// registry no longer holds the plugin's handler set.
//
// Handler invocation:
//   - Bounded by the plugin's task timeout from the resource governor
//   - Errors, timeouts and panics are logged and the response omitted
//   - Responses from a plugin that left Running during the call are discarded
//   - The rate tracker records the fire before the response is returned
//
// Handlers of one message run in sequence so priority order and Stop hold.
// Separate messages dispatch concurrently, bounded by MaxConcurrent.
package dispatch
