package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/meshgate/internal/api"
	"github.com/mattjoyce/meshgate/internal/auth"
	"github.com/mattjoyce/meshgate/internal/autoresponse"
	"github.com/mattjoyce/meshgate/internal/builtin"
	"github.com/mattjoyce/meshgate/internal/config"
	"github.com/mattjoyce/meshgate/internal/dispatch"
	"github.com/mattjoyce/meshgate/internal/events"
	"github.com/mattjoyce/meshgate/internal/governor"
	"github.com/mattjoyce/meshgate/internal/health"
	"github.com/mattjoyce/meshgate/internal/lifecycle"
	"github.com/mattjoyce/meshgate/internal/log"
	"github.com/mattjoyce/meshgate/internal/mesh"
	"github.com/mattjoyce/meshgate/internal/plugin"
	"github.com/mattjoyce/meshgate/internal/queue"
	"github.com/mattjoyce/meshgate/internal/ratelimit"
	"github.com/mattjoyce/meshgate/internal/registry"
	"github.com/mattjoyce/meshgate/internal/scheduler"
	"github.com/mattjoyce/meshgate/internal/state"
	"github.com/mattjoyce/meshgate/internal/storage"
	"github.com/mattjoyce/meshgate/internal/transport"
	"github.com/mattjoyce/meshgate/internal/webhook"
)

const (
	eventHubCapacity = 512
	pruneInterval    = time.Minute
)

// Option customises New.
type Option func(*options)

type options struct {
	clock     clockwork.Clock
	transport mesh.Transport
	catalog   plugin.Catalog
}

// WithClock replaces the real clock.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithTransport replaces the configured transport.
func WithTransport(t mesh.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithCatalog adds builtin factories, overriding same-named ones.
func WithCatalog(c plugin.Catalog) Option {
	return func(o *options) { o.catalog = c }
}

// Gateway owns every runtime component.
type Gateway struct {
	cfg     *config.Config
	clock   clockwork.Clock
	logger  *slog.Logger
	started time.Time

	db         *sql.DB
	hub        *events.Hub
	inbound    *queue.Queue
	registry   *registry.Registry
	tracker    *ratelimit.Tracker
	governor   *governor.Governor
	scheduler  *scheduler.Scheduler
	store      *state.Store
	manager    *lifecycle.Manager
	supervisor *health.Supervisor
	monitor    *health.Monitor
	dispatcher *dispatch.Engine
	auto       *autoresponse.Engine
	transport  mesh.Transport

	apiServer     *api.Server
	webhookServer *webhook.Server

	descriptors []*plugin.Descriptor
	roots       []string

	sent         atomic.Uint64
	sendFailures atomic.Uint64
}

var (
	_ mesh.Sender       = (*Gateway)(nil)
	_ webhook.Sink      = (*Gateway)(nil)
	_ api.MetricsSource = (*Gateway)(nil)
)

// New builds a gateway from cfg. Plugins are discovered but not started
// until Run. Close releases the database if Run is never called.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Gateway, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}

	g := &Gateway{
		cfg:     cfg,
		clock:   o.clock,
		logger:  log.WithComponent("gateway"),
		started: o.clock.Now(),
	}

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	g.db = db

	g.hub = events.NewHub(eventHubCapacity, g.clock)
	g.inbound = queue.New(cfg.Dispatch.InboundBuffer)
	g.registry = registry.New()
	g.tracker = ratelimit.New(g.clock)
	g.governor = governor.New(cfg.Governor, g.clock)
	g.scheduler = scheduler.New(g.governor, g.hub, g.clock)
	g.store = state.NewStore(db, g.governor, g.clock)

	if o.transport != nil {
		g.transport = o.transport
	} else {
		g.transport = newTransport(cfg.Transport, g.clock)
	}

	catalog := builtin.Catalog(builtin.Options{
		Handlers: g.registry.List,
		Started:  g.started,
		Clock:    g.clock,
	})
	for name, f := range o.catalog {
		catalog[name] = f
	}

	g.manager = lifecycle.New(lifecycle.Deps{
		Registry:  g.registry,
		Governor:  g.governor,
		Scheduler: g.scheduler,
		State:     g.store,
		Catalog:   catalog,
		Sender:    g,
		Events:    g.hub,
		Clock:     g.clock,
	}, lifecycle.Config{
		HookTimeout:  cfg.Lifecycle.HookTimeout,
		DrainTimeout: cfg.Lifecycle.DrainTimeout,
		Roots:        cfg.PluginRoots,
		Settings:     pluginSettings(cfg.Plugins),
	})

	g.supervisor = health.NewSupervisor(g.manager, cfg.Health, g.hub, g.clock)
	g.manager.SetObserver(g.supervisor)
	g.monitor = health.NewMonitor(g.manager, g.supervisor, cfg.Health, g.hub, g.clock)

	g.dispatcher = dispatch.New(g.registry, g.tracker, g.manager, g.governor, g.hub, dispatch.Config{
		CommandPrefix:         cfg.Dispatch.CommandPrefix,
		MaxConcurrent:         cfg.Dispatch.MaxConcurrent,
		HandlerTimeout:        cfg.Dispatch.HandlerTimeout,
		CommandStopsWildcards: cfg.Dispatch.CommandStopsWildcards,
	})

	g.auto, err = autoresponse.New(cfg.AutoResponse, g.tracker, g, g.hub, g.clock)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("autoresponse: %w", err)
	}

	if cfg.API.Enabled {
		g.apiServer = api.New(apiConfig(cfg.API), api.Deps{
			Plugins:  g.manager,
			Handlers: g.registry,
			Metrics:  g,
			Events:   g.hub,
		}, log.WithComponent("api"))
	}

	if cfg.Webhook != nil && len(cfg.Webhook.Endpoints) > 0 {
		wc, err := webhook.FromGlobalConfig(cfg.Webhook)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure webhooks: %w", err)
		}
		g.webhookServer = webhook.New(wc, g, log.WithComponent("webhook"))
	}

	g.roots = existingRoots(cfg.PluginRoots, g.logger)
	g.descriptors = builtin.Merge(g.discover())
	return g, nil
}

func newTransport(tc config.TransportConfig, clock clockwork.Clock) mesh.Transport {
	ws := tc.WebSocket
	if !ws.Enabled {
		return transport.NewLog(log.WithComponent("transport"))
	}
	return transport.NewWebSocket(transport.Config{
		URL:          ws.URL,
		Token:        ws.Token,
		ReconnectMin: ws.ReconnectMin,
		ReconnectMax: ws.ReconnectMax,
		WriteTimeout: ws.WriteTimeout,
		PingInterval: ws.PingInterval,
	}, log.WithComponent("transport"), clock)
}

func apiConfig(ac config.APIConfig) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(ac.Auth.Tokens))
	for _, t := range ac.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return api.Config{
		Listen: ac.Listen,
		APIKey: ac.Auth.APIKey,
		Tokens: tokens,
	}
}

func pluginSettings(in map[string]config.PluginConf) map[string]lifecycle.PluginSettings {
	out := make(map[string]lifecycle.PluginSettings, len(in))
	for name, pc := range in {
		out[name] = lifecycle.PluginSettings{
			Disabled: !pc.IsEnabled(),
			Config:   pc.Config,
			Quota:    pc.Quota,
		}
	}
	return out
}

// existingRoots drops plugin roots that are missing so a gateway can run on
// builtins alone.
func existingRoots(roots []string, logger *slog.Logger) []string {
	var out []string
	for _, r := range roots {
		info, err := os.Stat(r)
		if err != nil || !info.IsDir() {
			logger.Warn("plugin root unavailable, skipping", "root", r)
			continue
		}
		out = append(out, r)
	}
	return out
}

func (g *Gateway) discover() []*plugin.Descriptor {
	if len(g.roots) == 0 {
		return nil
	}
	index, err := plugin.DiscoverMany(g.roots, func(level, msg string, args ...any) {
		switch level {
		case "debug":
			g.logger.Debug(msg, args...)
		case "info":
			g.logger.Info(msg, args...)
		case "warn":
			g.logger.Warn(msg, args...)
		case "error":
			g.logger.Error(msg, args...)
		}
	})
	if err != nil {
		g.logger.Error("plugin discovery failed", "roots", g.roots, "error", err)
		return nil
	}
	descs := index.All()
	g.logger.Info("plugin discovery complete", "count", len(descs), "failed", len(index.Failed))
	return descs
}

// Descriptors returns the descriptors Run will load.
func (g *Gateway) Descriptors() []*plugin.Descriptor {
	return g.descriptors
}

// Manager exposes the plugin lifecycle manager.
func (g *Gateway) Manager() *lifecycle.Manager { return g.manager }

// Events exposes the event hub.
func (g *Gateway) Events() *events.Hub { return g.hub }

// Run loads plugins, starts every component and blocks until ctx is
// cancelled or a component fails. Plugins are shut down before it returns.
func (g *Gateway) Run(ctx context.Context) error {
	defer g.close()

	if err := g.seedStorageUsage(ctx); err != nil {
		return err
	}
	if err := g.manager.Load(ctx, g.descriptors); err != nil {
		return fmt.Errorf("load plugins: %w", err)
	}
	g.logger.Info("plugins loaded", "count", len(g.descriptors), "running", len(g.manager.Running()))

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		err := g.transport.Run(gctx, g.ingest)
		if err != nil && gctx.Err() == nil {
			return fmt.Errorf("transport %s: %w", g.transport.Name(), err)
		}
		return nil
	})

	workers := max(g.cfg.Dispatch.Workers, 1)
	for i := 0; i < workers; i++ {
		grp.Go(func() error { return g.work(gctx) })
	}

	grp.Go(func() error {
		if err := g.monitor.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("health monitor: %w", err)
		}
		return nil
	})

	grp.Go(func() error {
		g.prune(gctx)
		return nil
	})

	if g.cfg.Lifecycle.WatchDebounce > 0 && len(g.roots) > 0 {
		w, err := plugin.NewWatcher(g.roots, g.cfg.Lifecycle.WatchDebounce)
		if err != nil {
			g.logger.Warn("plugin watcher unavailable, hot reload disabled", "error", err)
		} else {
			grp.Go(func() error {
				if err := w.Run(gctx, func(path string) { g.reloadManifest(gctx, path) }); err != nil {
					g.logger.Warn("plugin watcher stopped, hot reload disabled", "error", err)
				}
				return nil
			})
		}
	}

	if g.apiServer != nil {
		grp.Go(func() error {
			if err := g.apiServer.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		g.logger.Info("API server enabled", "listen", g.cfg.API.Listen)
	}

	if g.webhookServer != nil {
		grp.Go(func() error {
			if err := g.webhookServer.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("webhook: %w", err)
			}
			return nil
		})
		g.logger.Info("webhook server enabled", "listen", g.cfg.Webhook.Listen, "endpoints", len(g.cfg.Webhook.Endpoints))
	}

	g.hub.Publish("gateway.started", map[string]any{"transport": g.transport.Name()})
	g.logger.Info("gateway running", "transport", g.transport.Name(), "workers", workers)

	err := grp.Wait()
	g.shutdown()
	return err
}

// seedStorageUsage charges persisted state to each plugin's storage ceiling.
func (g *Gateway) seedStorageUsage(ctx context.Context) error {
	sizes, err := g.store.Sizes(ctx)
	if err != nil {
		return fmt.Errorf("read state sizes: %w", err)
	}
	for name, size := range sizes {
		g.governor.SetStorageUsage(name, size)
	}
	return nil
}

func (g *Gateway) reloadManifest(ctx context.Context, path string) {
	go func() {
		if err := g.manager.ReloadPath(ctx, path); err != nil {
			g.logger.Warn("hot reload failed", "manifest", path, "error", err)
			return
		}
		g.logger.Info("plugin reloaded from manifest change", "manifest", path)
	}()
}

func (g *Gateway) prune(ctx context.Context) {
	ticker := g.clock.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := g.tracker.Prune(); n > 0 {
				g.logger.Debug("rate-limit entries pruned", "count", n)
			}
		}
	}
}

// shutdown drains plugins once every goroutine has stopped.
func (g *Gateway) shutdown() {
	g.inbound.Close()
	g.supervisor.Close()

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Lifecycle.DrainTimeout+g.cfg.Lifecycle.HookTimeout)
	defer cancel()
	g.manager.Shutdown(ctx)
	g.scheduler.Close()
	g.auto.Close()
	g.hub.Publish("gateway.stopped", nil)
	g.logger.Info("gateway stopped")
}

func (g *Gateway) close() {
	if g.db != nil {
		_ = g.db.Close()
		g.db = nil
	}
}

// Close releases resources of a gateway that was never run.
func (g *Gateway) Close() error {
	g.close()
	return nil
}

// Submit queues an inbound message. It implements webhook.Sink.
func (g *Gateway) Submit(msg mesh.Message) error {
	if err := g.inbound.Submit(msg); err != nil {
		g.hub.Publish("message.dropped", map[string]any{"message_id": msg.ID, "actor_id": msg.ActorID, "reason": err.Error()})
		return err
	}
	return nil
}

func (g *Gateway) ingest(msg mesh.Message) {
	if err := g.Submit(msg); err != nil {
		log.WithActor(msg.ActorID).Warn("inbound message dropped", "message_id", msg.ID, "error", err)
	}
}

func (g *Gateway) work(ctx context.Context) error {
	for {
		msg, err := g.inbound.Next(ctx)
		if err != nil {
			return nil
		}
		g.Process(ctx, msg)
	}
}

// Process runs msg through auto-response and dispatch and sends every
// response. It returns the responses in send order.
func (g *Gateway) Process(ctx context.Context, msg mesh.Message) []mesh.Response {
	out := g.auto.Evaluate(ctx, msg)
	out = append(out, g.dispatcher.Dispatch(ctx, msg)...)
	for _, resp := range out {
		if err := g.Send(ctx, resp); err != nil {
			log.WithActor(msg.ActorID).Warn("response not delivered",
				"message_id", msg.ID,
				"plugin", resp.Plugin,
				"handler", resp.Handler,
				"error", err,
			)
		}
	}
	return out
}

// Send delivers resp through the active transport. Plugins and escalation
// notices reach the mesh through here.
func (g *Gateway) Send(ctx context.Context, resp mesh.Response) error {
	if err := g.transport.Send(ctx, resp); err != nil {
		g.sendFailures.Add(1)
		return err
	}
	g.sent.Add(1)
	return nil
}

// Metrics implements api.MetricsSource.
func (g *Gateway) Metrics() api.Metrics {
	qs := g.inbound.Stats()
	m := api.Metrics{
		Gateway: api.GatewayStats{
			Received:      qs.Received,
			Dropped:       qs.Dropped,
			QueueDepth:    qs.Depth,
			QueueCapacity: qs.Capacity,
			Sent:          g.sent.Load(),
			SendFailures:  g.sendFailures.Load(),
		},
		Dispatch:         g.dispatcher.Stats(),
		AutoResponse:     g.auto.Stats(),
		RateLimitEntries: g.tracker.Len(),
		Usage:            make(map[string]governor.Usage),
		Probes:           g.monitor.Snapshot(),
		Restarts:         g.supervisor.Pending(),
		Tasks:            g.scheduler.List(),
		Events: api.EventStats{
			Dropped:     g.hub.Dropped(),
			Subscribers: g.hub.Subscribers(),
		},
	}
	if ws, ok := g.transport.(*transport.WebSocket); ok {
		st := ws.Stats()
		m.Transport = &st
	}
	for _, st := range g.manager.List() {
		m.Usage[st.Name] = g.governor.Usage(st.Name)
	}
	return m
}
