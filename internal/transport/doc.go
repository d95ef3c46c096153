// Package transport holds the link-layer adapters that satisfy mesh.Transport.
//
// WebSocket dials a mesh bridge and exchanges JSON frames (see protocol.Frame):
// "rx" frames become inbound messages, responses leave as "tx" frames and the
// bridge confirms them with "ack" or reports "error". The connection is
// re-dialled with exponential backoff until the context ends.
//
// Log is the fallback when no bridge is configured: it never receives and
// writes outbound responses to the logger, which keeps webhook-only
// deployments usable.
package transport
