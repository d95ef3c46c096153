// Package mesh defines the data exchanged between the radio transport and the
// gateway core: inbound messages, the per-handler dispatch context, outbound
// replies, and the narrow transport contract the core consumes.
//
// Messages are immutable once ingested. A Message is consumed once by the
// dispatch path; handlers receive a Context that references it.
package mesh
