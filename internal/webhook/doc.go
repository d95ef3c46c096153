// Package webhook accepts mesh messages over signed HTTP POSTs and feeds them
// into the gateway's inbound queue, alongside the websocket bridge.
//
// Every endpoint requires an HMAC-SHA256 signature of the raw body, keyed with
// the endpoint's secret and carried in its signature header, either as plain
// hex or as "sha256=<hex>". Comparison is constant-time and failures always
// answer a bare 403.
//
// # Configuration
//
//	webhook:
//	  listen: "127.0.0.1:8081"
//	  endpoints:
//	    - path: /ingest/relay
//	      secret: ${RELAY_WEBHOOK_SECRET}
//	      signature_header: X-Meshgate-Signature
//	      max_body_size: 64KB
//	      channel: 0
//
// # Payload
//
//	{"actor_id": "!a1b2c3d4", "content": "ping", "channel": 0, "is_direct": false}
//
// channel falls back to the endpoint's channel when absent; timestamp (RFC 3339)
// defaults to the receive time.
//
// # Responses
//
// - 202 Accepted: message queued, body carries message_id
// - 400 Bad Request: payload is not a message
// - 403 Forbidden: invalid or missing signature (no details)
// - 413 Payload Too Large: body exceeds max_body_size
// - 503 Service Unavailable: inbound queue is full
package webhook
