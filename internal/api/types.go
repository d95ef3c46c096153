package api

import (
	"github.com/mattjoyce/meshgate/internal/autoresponse"
	"github.com/mattjoyce/meshgate/internal/dispatch"
	"github.com/mattjoyce/meshgate/internal/governor"
	"github.com/mattjoyce/meshgate/internal/health"
	"github.com/mattjoyce/meshgate/internal/lifecycle"
	"github.com/mattjoyce/meshgate/internal/registry"
	"github.com/mattjoyce/meshgate/internal/scheduler"
	"github.com/mattjoyce/meshgate/internal/transport"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	// Status is "ok" when every plugin expected to run is running, else
	// "degraded".
	Status        string         `json:"status"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Plugins       int            `json:"plugins"`
	States        map[string]int `json:"states"`
}

// PluginListResponse is returned by GET /plugins.
type PluginListResponse struct {
	Plugins []lifecycle.Status `json:"plugins"`
}

// HandlerListResponse is returned by GET /handlers.
type HandlerListResponse struct {
	Handlers []registry.Info `json:"handlers"`
}

// ActionRequest is the optional body of POST /plugins/{name}/disable.
type ActionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ActionResponse reports the plugin's status after an operator action.
type ActionResponse struct {
	Action string           `json:"action"`
	Plugin lifecycle.Status `json:"plugin"`
	Error  string           `json:"error,omitempty"`
}

// GatewayStats counts traffic through the gateway's inbound queue and
// outbound transport.
type GatewayStats struct {
	Received      uint64 `json:"received"`
	Dropped       uint64 `json:"dropped"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Sent          uint64 `json:"sent"`
	SendFailures  uint64 `json:"send_failures"`
}

// EventStats describes the event hub.
type EventStats struct {
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"subscribers"`
}

// Metrics is returned by GET /metrics.
type Metrics struct {
	UptimeSeconds    int64                          `json:"uptime_seconds"`
	Gateway          GatewayStats                   `json:"gateway"`
	Dispatch         dispatch.Stats                 `json:"dispatch"`
	AutoResponse     autoresponse.Stats             `json:"autoresponse"`
	RateLimitEntries int                            `json:"ratelimit_entries"`
	Usage            map[string]governor.Usage      `json:"usage"`
	Probes           map[string]health.ProbeStatus  `json:"probes"`
	Restarts         []health.Pending               `json:"restarts"`
	Tasks            []scheduler.Info               `json:"tasks"`
	Events           EventStats                     `json:"events"`
	Transport        *transport.Stats               `json:"transport,omitempty"`
}
