// Package autoresponse evaluates keyword-triggered automatic replies, the
// once-per-window greeting for newly seen actors, and the timed escalation
// raised by emergency keywords.
package autoresponse

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"

	"github.com/mattjoyce/meshgate/internal/log"
	"github.com/mattjoyce/meshgate/internal/mesh"
	"github.com/mattjoyce/meshgate/internal/ratelimit"
	"github.com/mattjoyce/meshgate/internal/registry"
)

// Source is the plugin name used on responses and rate-limit keys.
const Source = "autoresponse"

// Publisher receives escalation events.
type Publisher interface {
	Publish(eventType string, data any)
}

type compiledRule struct {
	Rule
	index *registry.KeywordIndex
}

type stats struct {
	replies      atomic.Uint64
	greetings    atomic.Uint64
	armed        atomic.Uint64
	acknowledged atomic.Uint64
	fired        atomic.Uint64
}

// Stats is a counter snapshot.
type Stats struct {
	Replies      uint64 `json:"replies"`
	Greetings    uint64 `json:"greetings"`
	Armed        uint64 `json:"escalations_armed"`
	Acknowledged uint64 `json:"escalations_acknowledged"`
	Fired        uint64 `json:"escalations_fired"`
	Pending      int    `json:"escalations_pending"`
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg      Config
	rules    []compiledRule
	triggers *registry.KeywordIndex
	acks     *registry.KeywordIndex
	greetMu  sync.Mutex
	greeted  *lru.Cache[string, time.Time]
	tracker  *ratelimit.Tracker
	sender   mesh.Sender
	events   Publisher
	clock    clockwork.Clock
	logger   *slog.Logger
	esc      *escalations
	stats    stats
}

// New builds an Engine. sender delivers escalation notices; events may be nil.
func New(cfg Config, tracker *ratelimit.Tracker, sender mesh.Sender, events Publisher, clock clockwork.Clock) (*Engine, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	def := Defaults()
	if cfg.Greeting.Window <= 0 {
		cfg.Greeting.Window = def.Greeting.Window
	}
	if cfg.Greeting.MaxActors <= 0 {
		cfg.Greeting.MaxActors = def.Greeting.MaxActors
	}
	if cfg.Escalation.Delay <= 0 {
		cfg.Escalation.Delay = def.Escalation.Delay
	}
	if cfg.Escalation.Notice == "" {
		cfg.Escalation.Notice = def.Escalation.Notice
	}

	e := &Engine{
		cfg:     cfg,
		tracker: tracker,
		sender:  sender,
		events:  events,
		clock:   clock,
		logger:  log.WithComponent("autoresponse"),
		esc:     newEscalations(),
	}

	for _, r := range cfg.Rules {
		idx, err := registry.NewKeywordIndex(r.Keywords)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		if r.Emergency {
			r.Policy.Exempt = true
		}
		e.rules = append(e.rules, compiledRule{Rule: r, index: idx})
	}

	var err error
	if e.triggers, err = registry.NewKeywordIndex(cfg.Escalation.Triggers); err != nil {
		return nil, fmt.Errorf("escalation triggers: %w", err)
	}
	if e.acks, err = registry.NewKeywordIndex(cfg.Escalation.AckKeywords); err != nil {
		return nil, fmt.Errorf("escalation acks: %w", err)
	}
	if e.greeted, err = lru.New[string, time.Time](cfg.Greeting.MaxActors); err != nil {
		return nil, fmt.Errorf("greeting cache: %w", err)
	}
	return e, nil
}

// Evaluate runs acknowledgment, escalation, rule and greeting handling for
// msg and returns the immediate responses.
func (e *Engine) Evaluate(ctx context.Context, msg mesh.Message) []mesh.Response {
	normalized := msg.Normalized()
	logger := log.WithActor(msg.ActorID)
	var out []mesh.Response

	if acks := e.acks.Find(normalized); len(acks) > 0 {
		subject := msg.ActorID
		if fields := strings.Fields(normalized); len(fields) > 1 && lo.Contains(acks, fields[0]) {
			subject = fields[1]
		}
		e.Acknowledge(subject)
	}

	if triggers := e.triggers.Find(normalized); len(triggers) > 0 {
		keyword := triggers[0]
		channel := e.escalationChannel(msg.Channel)
		if e.Arm(msg.ActorID, keyword, channel) && e.cfg.Escalation.Alert != "" {
			out = append(out, mesh.Response{
				Plugin:  Source,
				Handler: "escalation",
				Text:    e.render(e.cfg.Escalation.Alert, msg.ActorID, keyword),
				To:      mesh.BroadcastActor,
				Channel: channel,
			})
		}
	}

	for _, r := range e.rules {
		if ctx.Err() != nil {
			break
		}
		if r.DirectOnly && !msg.IsDirect {
			continue
		}
		hits := r.index.Find(normalized)
		if len(hits) == 0 {
			continue
		}
		key := ratelimit.Key{Actor: msg.ActorID, Rule: Source + ":" + r.Name}
		res, err := e.tracker.Reserve(key, r.Policy)
		if err != nil {
			logger.Debug("auto-response rate limited", "rule", r.Name, "reason", err.Error())
			continue
		}
		res.Commit()
		e.stats.replies.Add(1)

		resp := mesh.ReplyTo(&msg, Source, r.Name, e.render(r.Reply, msg.ActorID, hits[0]))
		if r.Emergency {
			resp.To = mesh.BroadcastActor
		}
		out = append(out, resp)
	}

	if g, ok := e.greet(msg); ok {
		out = append(out, g)
	}
	return out
}

// escalationChannel is the configured escalation channel, or the
// triggering message's channel when none is set.
func (e *Engine) escalationChannel(msgChannel int) int {
	if e.cfg.Escalation.Channel != nil {
		return *e.cfg.Escalation.Channel
	}
	return msgChannel
}

// greet answers the first message from an actor in each greeting window.
// Only the MaxActors most recently greeted actors are remembered; an
// evicted actor is greeted again.
func (e *Engine) greet(msg mesh.Message) (mesh.Response, bool) {
	if !e.cfg.Greeting.Enabled || e.cfg.Greeting.Text == "" {
		return mesh.Response{}, false
	}
	now := e.clock.Now()
	actor := strings.ToLower(msg.ActorID)

	e.greetMu.Lock()
	if last, ok := e.greeted.Peek(actor); ok && now.Sub(last) < e.cfg.Greeting.Window {
		e.greetMu.Unlock()
		return mesh.Response{}, false
	}
	e.greeted.Add(actor, now)
	e.greetMu.Unlock()
	e.stats.greetings.Add(1)

	resp := mesh.ReplyTo(&msg, Source, "greeting", e.render(e.cfg.Greeting.Text, msg.ActorID, ""))
	resp.To = msg.ActorID
	return resp, true
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	e.esc.mu.Lock()
	pending := len(e.esc.timers)
	e.esc.mu.Unlock()
	return Stats{
		Replies:      e.stats.replies.Load(),
		Greetings:    e.stats.greetings.Load(),
		Armed:        e.stats.armed.Load(),
		Acknowledged: e.stats.acknowledged.Load(),
		Fired:        e.stats.fired.Load(),
		Pending:      pending,
	}
}

func (e *Engine) render(tmpl, subject, keyword string) string {
	return strings.NewReplacer(
		"{actor}", subject,
		"{subject}", subject,
		"{keyword}", keyword,
	).Replace(tmpl)
}

func (e *Engine) publish(eventType string, data any) {
	if e.events != nil {
		e.events.Publish(eventType, data)
	}
}
