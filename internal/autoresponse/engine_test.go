package autoresponse

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/meshgate/internal/log"
	"github.com/mattjoyce/meshgate/internal/mesh"
	"github.com/mattjoyce/meshgate/internal/ratelimit"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type captureSender struct {
	mu   sync.Mutex
	sent []mesh.Response
}

func (c *captureSender) Send(_ context.Context, r mesh.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, r)
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *captureSender) last() mesh.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[len(c.sent)-1]
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *clockwork.FakeClock, *captureSender) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	sender := &captureSender{}
	e, err := New(cfg, ratelimit.New(clock), sender, nil, clock)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, clock, sender
}

func escalationConfig() Config {
	cfg := Defaults()
	cfg.Escalation.Delay = 300 * time.Second
	return cfg
}

func msg(actor, content string) mesh.Message {
	return mesh.NewMessage(actor, content, 2, false, time.Time{})
}

func TestEscalationAcknowledgedBeforeFire(t *testing.T) {
	e, clock, sender := newTestEngine(t, escalationConfig())
	ctx := context.Background()

	out := e.Evaluate(ctx, msg("X", "SOS fell off trail"))
	require.Len(t, out, 1)
	assert.True(t, out[0].IsBroadcast())
	assert.Contains(t, out[0].Text, "sos from X")
	require.Len(t, e.Pending(), 1)

	clock.Advance(120 * time.Second)
	e.Evaluate(ctx, msg("Y", "ack x"))
	assert.Empty(t, e.Pending())

	clock.Advance(300 * time.Second)
	assert.Never(t, func() bool { return sender.count() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, uint64(0), e.Stats().Fired)
	assert.Equal(t, uint64(1), e.Stats().Acknowledged)
}

func TestEscalationFiresExactlyOnce(t *testing.T) {
	e, clock, sender := newTestEngine(t, escalationConfig())

	e.Evaluate(context.Background(), msg("X", "mayday"))
	// A second trigger while armed does not re-arm.
	clock.Advance(100 * time.Second)
	e.Evaluate(context.Background(), msg("X", "mayday again"))
	assert.Equal(t, uint64(1), e.Stats().Armed)

	clock.Advance(199 * time.Second)
	assert.Never(t, func() bool { return sender.count() > 0 }, 30*time.Millisecond, 5*time.Millisecond)

	clock.Advance(time.Second)
	assert.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)
	got := sender.last()
	assert.Equal(t, mesh.BroadcastActor, got.To)
	assert.Equal(t, 2, got.Channel)
	assert.Contains(t, got.Text, "mayday from x")

	clock.Advance(time.Hour)
	assert.Never(t, func() bool { return sender.count() > 1 }, 30*time.Millisecond, 5*time.Millisecond)

	// Cancelling a fired timer is a no-op.
	assert.False(t, e.Acknowledge("x"))
	assert.Empty(t, e.Pending())
}

func TestSelfAcknowledge(t *testing.T) {
	e, _, _ := newTestEngine(t, escalationConfig())
	assert.True(t, e.Arm("X", "sos", 0))
	e.Evaluate(context.Background(), msg("X", "I'm safe now"))
	assert.Empty(t, e.Pending())
}

func TestEscalationIgnoresRateLimits(t *testing.T) {
	cfg := escalationConfig()
	cfg.Rules = []Rule{{Name: "sos-reply", Keywords: []string{"sos"}, Reply: "help is coming",
		Policy: ratelimit.Policy{Cooldown: time.Hour}, Emergency: true}}
	e, clock, sender := newTestEngine(t, cfg)
	ctx := context.Background()

	first := e.Evaluate(ctx, msg("X", "sos"))
	assert.Len(t, first, 2)

	e.Acknowledge("x")
	clock.Advance(time.Minute)

	// The rule is in cooldown but the escalation still arms and fires.
	second := e.Evaluate(ctx, msg("X", "sos"))
	require.Len(t, second, 1)
	assert.Equal(t, "escalation", second[0].Handler)

	clock.Advance(300 * time.Second)
	assert.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEmergencyRuleExemptFromHourlyCeiling(t *testing.T) {
	cfg := Config{Rules: []Rule{
		{Name: "sos", Keywords: []string{"sos"}, Reply: "copy", Policy: ratelimit.Policy{MaxPerHour: 1}, Emergency: true},
		{Name: "wx", Keywords: []string{"weather"}, Reply: "see wx", Policy: ratelimit.Policy{MaxPerHour: 1}},
	}}
	e, _, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		out := e.Evaluate(ctx, msg("X", "sos weather"))
		if i == 0 {
			assert.Len(t, out, 2)
		} else {
			require.Len(t, out, 1)
			assert.Equal(t, "sos", out[0].Handler)
			assert.True(t, out[0].IsBroadcast())
		}
	}
}

func TestRuleDirectOnly(t *testing.T) {
	cfg := Config{Rules: []Rule{{Name: "hi", Keywords: []string{"hello"}, Reply: "hi {actor}", DirectOnly: true}}}
	e, _, _ := newTestEngine(t, cfg)

	assert.Empty(t, e.Evaluate(context.Background(), msg("X", "hello")))

	direct := mesh.NewMessage("X", "hello", 0, true, time.Time{})
	out := e.Evaluate(context.Background(), direct)
	require.Len(t, out, 1)
	assert.Equal(t, "hi X", out[0].Text)
	assert.Equal(t, "X", out[0].To)
}

func TestGreetingOncePerWindow(t *testing.T) {
	cfg := Config{Greeting: GreetingConfig{Enabled: true, Text: "welcome {actor}", Window: time.Hour, MaxActors: 8}}
	e, clock, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	out := e.Evaluate(ctx, msg("X", "anyone around"))
	require.Len(t, out, 1)
	assert.Equal(t, "welcome X", out[0].Text)
	assert.Equal(t, "X", out[0].To)

	for i := 0; i < 10; i++ {
		clock.Advance(time.Minute)
		assert.Empty(t, e.Evaluate(ctx, msg("X", "still here")))
	}
	assert.Len(t, e.Evaluate(ctx, msg("Y", "new")), 1)

	clock.Advance(time.Hour)
	assert.Len(t, e.Evaluate(ctx, msg("X", "back")), 1)
	assert.Equal(t, uint64(3), e.Stats().Greetings)
}

func TestGreetingForgetsLeastRecentActor(t *testing.T) {
	cfg := Config{Greeting: GreetingConfig{Enabled: true, Text: "welcome {actor}", Window: time.Hour, MaxActors: 2}}
	e, _, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	for _, actor := range []string{"A", "B", "C"} {
		require.Len(t, e.Evaluate(ctx, msg(actor, "hello")), 1)
	}
	// C pushed A out; B and C are still remembered.
	assert.Empty(t, e.Evaluate(ctx, msg("C", "hello")))
	assert.Len(t, e.Evaluate(ctx, msg("A", "hello")), 1)
	assert.Equal(t, uint64(4), e.Stats().Greetings)
}

func TestGreetingConcurrentFirstMessages(t *testing.T) {
	cfg := Config{Greeting: GreetingConfig{Enabled: true, Text: "welcome {actor}", Window: time.Hour, MaxActors: 8}}
	e, _, _ := newTestEngine(t, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Evaluate(context.Background(), msg("X", "hi all"))
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(1), e.Stats().Greetings)
}

func TestEscalationConfiguredChannel(t *testing.T) {
	cfg := escalationConfig()
	emergency := 7
	cfg.Escalation.Channel = &emergency
	e, clock, sender := newTestEngine(t, cfg)

	out := e.Evaluate(context.Background(), msg("X", "sos"))
	require.Len(t, out, 1)
	assert.Equal(t, 7, out[0].Channel)

	clock.Advance(300 * time.Second)
	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 7, sender.last().Channel)
}

func TestCloseCancelsTimers(t *testing.T) {
	e, clock, sender := newTestEngine(t, escalationConfig())
	require.True(t, e.Arm("a", "sos", 0))
	e.Close()
	assert.False(t, e.Arm("b", "sos", 0))

	clock.Advance(time.Hour)
	assert.Never(t, func() bool { return sender.count() > 0 }, 30*time.Millisecond, 5*time.Millisecond)
}
