package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattjoyce/meshgate/internal/log"
	"github.com/mattjoyce/meshgate/internal/mesh"
	"github.com/mattjoyce/meshgate/internal/ratelimit"
	"github.com/mattjoyce/meshgate/internal/registry"
)

const defaultHandlerTimeout = 10 * time.Second

// Liveness reports whether a plugin is in the Running state.
type Liveness interface {
	IsRunning(plugin string) bool
}

// Timeouts supplies per-plugin invocation bounds.
type Timeouts interface {
	Timeout(plugin string) time.Duration
}

// Publisher receives dispatch events.
type Publisher interface {
	Publish(eventType string, data any)
}

// Config controls matching and invocation.
type Config struct {
	// CommandPrefix, when set, must precede a command name ("!ping").
	CommandPrefix string
	// MaxConcurrent bounds handler invocations across all messages.
	MaxConcurrent int
	// HandlerTimeout applies when the governor reports no timeout.
	HandlerTimeout time.Duration
	// CommandStopsWildcards skips the match pass once a command fired.
	CommandStopsWildcards bool
}

// Engine is the dispatch engine. Dispatch is safe for concurrent use.
type Engine struct {
	registry *registry.Registry
	tracker  *ratelimit.Tracker
	live     Liveness
	timeouts Timeouts
	events   Publisher
	cfg      Config
	sem      chan struct{}
	logger   *slog.Logger
	stats    counters
}

// New creates an Engine. timeouts and events may be nil.
func New(reg *registry.Registry, tracker *ratelimit.Tracker, live Liveness, timeouts Timeouts, events Publisher, cfg Config) *Engine {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaultHandlerTimeout
	}
	return &Engine{
		registry: reg,
		tracker:  tracker,
		live:     live,
		timeouts: timeouts,
		events:   events,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		logger:   log.WithComponent("dispatch"),
	}
}

// ParseCommand splits content into a command name and its arguments. ok is
// false when content has no command token or lacks the configured prefix.
func (e *Engine) ParseCommand(content string) (name string, args []string, ok bool) {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return "", nil, false
	}
	head := fields[0]
	if p := e.cfg.CommandPrefix; p != "" {
		if !strings.HasPrefix(head, p) {
			return "", nil, false
		}
		head = strings.TrimPrefix(head, p)
	}
	if head == "" {
		return "", nil, false
	}
	return strings.ToLower(head), fields[1:], true
}

// Dispatch runs both matching passes for msg and returns the responses in
// invocation order.
func (e *Engine) Dispatch(ctx context.Context, msg mesh.Message) []mesh.Response {
	e.stats.messages.Add(1)
	hc := mesh.ContextFor(&msg)
	msgLogger := log.WithActor(msg.ActorID).With("message_id", msg.ID, "channel", msg.Channel)

	var responses []mesh.Response
	stop := false

	if name, args, ok := e.ParseCommand(msg.Content); ok {
		for _, reg := range e.registry.Commands(name) {
			out, fired := e.invoke(ctx, msgLogger, reg, args, hc)
			if !fired {
				continue
			}
			if out.text != "" {
				responses = append(responses, mesh.ReplyTo(&msg, reg.Plugin, reg.Name, out.text))
			}
			stop = out.stop || e.cfg.CommandStopsWildcards
			break
		}
	}

	if !stop {
		args := strings.Fields(msg.Content)
		for _, reg := range e.registry.Matchers(msg.Normalized()) {
			if ctx.Err() != nil {
				break
			}
			out, fired := e.invoke(ctx, msgLogger, reg, args, hc)
			if !fired {
				continue
			}
			if out.text != "" {
				responses = append(responses, mesh.ReplyTo(&msg, reg.Plugin, reg.Name, out.text))
			}
			if out.stop {
				break
			}
		}
	}

	e.stats.responses.Add(uint64(len(responses)))
	return responses
}

type outcome struct {
	text string
	stop bool
}

// invoke runs one candidate. fired is true when the handler returned
// without error and its fire was recorded.
func (e *Engine) invoke(ctx context.Context, logger *slog.Logger, reg *registry.Registration, args []string, hc mesh.Context) (outcome, bool) {
	if !e.live.IsRunning(reg.Plugin) {
		e.stats.skipped.Add(1)
		return outcome{}, false
	}
	done, ok := e.registry.Begin(reg.Plugin)
	if !ok {
		e.stats.skipped.Add(1)
		return outcome{}, false
	}

	reservation, err := e.tracker.Reserve(ratelimit.Key{Actor: hc.ActorID, Rule: reg.RuleKey()}, reg.Policy)
	if err != nil {
		done()
		e.stats.rateLimited.Add(1)
		logger.Debug("handler rate limited", "plugin", reg.Plugin, "handler", reg.Name, "reason", err.Error())
		return outcome{}, false
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		reservation.Cancel()
		done()
		return outcome{}, false
	}

	res, err := e.call(ctx, reg, args, hc, func() {
		<-e.sem
		done()
	})
	if err != nil {
		reservation.Cancel()
		herr := &HandlerError{Plugin: reg.Plugin, Handler: reg.Name, Err: err}
		if errors.Is(err, ErrHandlerTimeout) {
			e.stats.timedOut.Add(1)
		} else {
			e.stats.failed.Add(1)
		}
		logger.Warn("handler failed", "plugin", reg.Plugin, "handler", reg.Name, "error", herr)
		e.publish("dispatch.failed", reg, hc, herr.Error())
		return outcome{}, false
	}

	reservation.Commit()
	e.stats.fired.Add(1)

	if !e.live.IsRunning(reg.Plugin) {
		e.stats.discarded.Add(1)
		logger.Info("response discarded, plugin left running state", "plugin", reg.Plugin, "handler", reg.Name)
		return outcome{stop: res.Stop}, true
	}

	logger.Debug("handler fired", "plugin", reg.Plugin, "handler", reg.Name, "kind", reg.Kind)
	e.publish("dispatch.fired", reg, hc, "")
	return outcome{text: res.Text, stop: res.Stop}, true
}

// call runs the handler in its own goroutine so a hung handler cannot hold
// up dispatch past its timeout. release runs when the handler returns.
func (e *Engine) call(ctx context.Context, reg *registry.Registration, args []string, hc mesh.Context, release func()) (registry.Result, error) {
	timeout := e.cfg.HandlerTimeout
	if e.timeouts != nil {
		if t := e.timeouts.Timeout(reg.Plugin); t > 0 {
			timeout = t
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)

	type result struct {
		res registry.Result
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer release()
		defer cancel()
		var r result
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.err = fmt.Errorf("%w: %v", ErrHandlerPanic, p)
				}
			}()
			r.res, r.err = reg.Handler(callCtx, args, hc)
		}()
		ch <- r
	}()

	select {
	case r := <-ch:
		return r.res, r.err
	case <-callCtx.Done():
		// The handler may have finished at the same instant.
		select {
		case r := <-ch:
			return r.res, r.err
		default:
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return registry.Result{}, fmt.Errorf("%w after %s", ErrHandlerTimeout, timeout)
		}
		return registry.Result{}, callCtx.Err()
	}
}

func (e *Engine) publish(eventType string, reg *registry.Registration, hc mesh.Context, errText string) {
	if e.events == nil {
		return
	}
	payload := map[string]any{
		"plugin":  reg.Plugin,
		"handler": reg.Name,
		"kind":    reg.Kind,
		"actor":   hc.ActorID,
		"channel": hc.Channel,
	}
	if errText != "" {
		payload["error"] = errText
	}
	e.events.Publish(eventType, payload)
}
