package autoresponse

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mattjoyce/meshgate/internal/mesh"
)

const escalationSendTimeout = 10 * time.Second

// TimerInfo is the read-only view of an armed escalation.
type TimerInfo struct {
	ID      string    `json:"id"`
	Subject string    `json:"subject"`
	Keyword string    `json:"keyword"`
	FireAt  time.Time `json:"fire_at"`
}

type escalationTimer struct {
	TimerInfo
	channel int
	timer   clockwork.Timer
}

// escalations holds at most one armed timer per subject.
type escalations struct {
	mu     sync.Mutex
	timers map[string]*escalationTimer
	closed bool
}

func newEscalations() *escalations {
	return &escalations{timers: make(map[string]*escalationTimer)}
}

// Arm starts an escalation timer for subject. It returns false when a timer
// for subject is already armed or the engine is closed.
func (e *Engine) Arm(subject, keyword string, channel int) bool {
	subject = strings.ToLower(subject)
	now := e.clock.Now()

	e.esc.mu.Lock()
	defer e.esc.mu.Unlock()
	if e.esc.closed {
		return false
	}
	if _, armed := e.esc.timers[subject]; armed {
		return false
	}
	et := &escalationTimer{
		TimerInfo: TimerInfo{
			ID:      uuid.NewString(),
			Subject: subject,
			Keyword: keyword,
			FireAt:  now.Add(e.cfg.Escalation.Delay),
		},
		channel: channel,
	}
	et.timer = e.clock.AfterFunc(e.cfg.Escalation.Delay, func() { e.fire(et) })
	e.esc.timers[subject] = et

	e.stats.armed.Add(1)
	e.logger.Info("escalation armed", "subject", subject, "keyword", keyword, "fire_at", et.FireAt)
	e.publish("escalation.armed", et.TimerInfo)
	return true
}

// Acknowledge cancels the armed timer for subject. It returns false when no
// timer was armed, including when it already fired.
func (e *Engine) Acknowledge(subject string) bool {
	subject = strings.ToLower(subject)

	e.esc.mu.Lock()
	et, ok := e.esc.timers[subject]
	if ok {
		delete(e.esc.timers, subject)
		et.timer.Stop()
	}
	e.esc.mu.Unlock()

	if !ok {
		return false
	}
	e.stats.acknowledged.Add(1)
	e.logger.Info("escalation acknowledged", "subject", subject)
	e.publish("escalation.acknowledged", et.TimerInfo)
	return true
}

// Pending returns the armed timers ordered by fire time.
func (e *Engine) Pending() []TimerInfo {
	e.esc.mu.Lock()
	defer e.esc.mu.Unlock()
	out := make([]TimerInfo, 0, len(e.esc.timers))
	for _, et := range e.esc.timers {
		out = append(out, et.TimerInfo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out
}

// fire emits the escalation notice once. A timer that was acknowledged or
// replaced in the meantime does nothing.
func (e *Engine) fire(et *escalationTimer) {
	e.esc.mu.Lock()
	current, ok := e.esc.timers[et.Subject]
	if !ok || current != et {
		e.esc.mu.Unlock()
		return
	}
	delete(e.esc.timers, et.Subject)
	e.esc.mu.Unlock()

	e.stats.fired.Add(1)
	text := e.render(e.cfg.Escalation.Notice, et.Subject, et.Keyword)
	e.logger.Warn("escalation fired", "subject", et.Subject, "keyword", et.Keyword)
	e.publish("escalation.fired", et.TimerInfo)

	if e.sender == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), escalationSendTimeout)
	defer cancel()
	resp := mesh.Response{
		Plugin:  Source,
		Handler: "escalation",
		Text:    text,
		To:      mesh.BroadcastActor,
		Channel: et.channel,
	}
	if err := e.sender.Send(ctx, resp); err != nil {
		e.logger.Error("escalation broadcast failed", "subject", et.Subject, "error", err)
	}
}

// Close cancels every armed timer. Further Arm calls are refused.
func (e *Engine) Close() {
	e.esc.mu.Lock()
	defer e.esc.mu.Unlock()
	e.esc.closed = true
	for subject, et := range e.esc.timers {
		et.timer.Stop()
		delete(e.esc.timers, subject)
	}
}
