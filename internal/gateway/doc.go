// Package gateway composes the meshgate runtime: transports feed a bounded
// inbound queue, workers run each message through auto-response and dispatch,
// and responses leave through the active transport. Plugin lifecycle, health
// supervision, scheduled tasks, persisted state and the operator surfaces
// (API, webhook ingest) are built here from one config.Config and share a
// single clock and event hub. Nothing in the tree holds package-level state;
// tests build as many gateways as they like.
package gateway
