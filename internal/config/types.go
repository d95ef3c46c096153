package config

import (
	"time"

	"github.com/mattjoyce/meshgate/internal/autoresponse"
	"github.com/mattjoyce/meshgate/internal/governor"
	"github.com/mattjoyce/meshgate/internal/health"
)

// Config is the complete meshgate configuration.
type Config struct {
	Include      []string              `yaml:"include,omitempty"`
	Service      ServiceConfig         `yaml:"service"`
	State        StateConfig           `yaml:"state"`
	PluginRoots  []string              `yaml:"plugin_roots" validate:"required,min=1,dive,required"`
	Dispatch     DispatchConfig        `yaml:"dispatch"`
	Lifecycle    LifecycleConfig       `yaml:"lifecycle"`
	Health       health.Config         `yaml:"health"`
	Governor     governor.Quota        `yaml:"governor"`
	AutoResponse autoresponse.Config   `yaml:"autoresponse"`
	Transport    TransportConfig       `yaml:"transport"`
	Webhook      *WebhookConfig        `yaml:"webhook,omitempty"`
	API          APIConfig             `yaml:"api"`
	Plugins      map[string]PluginConf `yaml:"plugins" validate:"dive"`

	// ConfigDir is the directory holding the root file.
	ConfigDir string `yaml:"-"`
	// SourceFiles lists every file that contributed, root first.
	SourceFiles []string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name" validate:"required"`
	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=json text"`
	LockPath  string `yaml:"lock_path"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// DispatchConfig tunes inbound message handling.
type DispatchConfig struct {
	CommandPrefix         string        `yaml:"command_prefix" validate:"max=4"`
	MaxConcurrent         int           `yaml:"max_concurrent" validate:"gte=1"`
	HandlerTimeout        time.Duration `yaml:"handler_timeout" validate:"gt=0"`
	CommandStopsWildcards bool          `yaml:"command_stops_wildcards"`
	// InboundBuffer is the capacity of the gateway's inbound queue.
	InboundBuffer int `yaml:"inbound_buffer" validate:"gte=1"`
	// Workers drain the inbound queue.
	Workers int `yaml:"workers" validate:"gte=1"`
}

// LifecycleConfig tunes plugin hook execution.
type LifecycleConfig struct {
	HookTimeout  time.Duration `yaml:"hook_timeout" validate:"gt=0"`
	DrainTimeout time.Duration `yaml:"drain_timeout" validate:"gt=0"`
	// WatchDebounce delays a reload after a descriptor change. Zero disables
	// the descriptor watcher.
	WatchDebounce time.Duration `yaml:"watch_debounce" validate:"gte=0"`
}

// TransportConfig selects the mesh link.
type TransportConfig struct {
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// WebSocketConfig configures the mesh bridge client.
type WebSocketConfig struct {
	Enabled      bool          `yaml:"enabled"`
	URL          string        `yaml:"url" validate:"required_if=Enabled true"`
	Token        string        `yaml:"token,omitempty"`
	ReconnectMin time.Duration `yaml:"reconnect_min" validate:"gte=0"`
	ReconnectMax time.Duration `yaml:"reconnect_max" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`
	PingInterval time.Duration `yaml:"ping_interval" validate:"gte=0"`
}

// WebhookConfig defines the signed HTTP ingest listener.
type WebhookConfig struct {
	Listen    string            `yaml:"listen" validate:"required"`
	Endpoints []WebhookEndpoint `yaml:"endpoints" validate:"dive"`
}

// WebhookEndpoint defines a single ingest endpoint.
type WebhookEndpoint struct {
	Path            string `yaml:"path" validate:"required,startswith=/"`
	Secret          string `yaml:"secret" validate:"required"`
	SignatureHeader string `yaml:"signature_header"`
	// MaxBodySize accepts plain bytes or a KB/MB/GB suffix.
	MaxBodySize string `yaml:"max_body_size,omitempty"`
	// Channel is used when the payload does not name one.
	Channel int `yaml:"channel"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen" validate:"required_if=Enabled true"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with every scope.
	APIKey string     `yaml:"api_key,omitempty"`
	Tokens []APIToken `yaml:"tokens,omitempty" validate:"dive"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token" validate:"required"`
	Scopes []string `yaml:"scopes" validate:"required,min=1"`
}

// PluginConf is operator configuration for one plugin.
type PluginConf struct {
	// Enabled defaults to true when absent.
	Enabled *bool          `yaml:"enabled,omitempty"`
	Config  map[string]any `yaml:"config,omitempty"`
	Quota   governor.Quota `yaml:"quota,omitempty"`
}

// IsEnabled reports whether the plugin should start at load.
func (p PluginConf) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Defaults returns a Config with every tunable set.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "meshgate",
			LogLevel:  "info",
			LogFormat: "json",
			LockPath:  "./data/meshgate.lock",
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		PluginRoots: []string{"./plugins"},
		Dispatch: DispatchConfig{
			MaxConcurrent:  16,
			HandlerTimeout: 10 * time.Second,
			InboundBuffer:  256,
			Workers:        4,
		},
		Lifecycle: LifecycleConfig{
			HookTimeout:   30 * time.Second,
			DrainTimeout:  10 * time.Second,
			WatchDebounce: 500 * time.Millisecond,
		},
		Health:       health.Defaults(),
		Governor:     governor.DefaultQuota(),
		AutoResponse: autoresponse.Defaults(),
		Transport: TransportConfig{
			WebSocket: WebSocketConfig{
				ReconnectMin: time.Second,
				ReconnectMax: time.Minute,
				WriteTimeout: 10 * time.Second,
				PingInterval: 30 * time.Second,
			},
		},
		API: APIConfig{
			Listen: "127.0.0.1:8080",
		},
		Plugins: make(map[string]PluginConf),
	}
}
