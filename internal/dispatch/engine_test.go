package dispatch

import (
	"context"
	"errors"
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
	"github.com/mattjoyce/meshgate/internal/registry"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

type liveSet struct {
	mu      sync.Mutex
	running map[string]bool
}

func newLiveSet(names ...string) *liveSet {
	l := &liveSet{running: make(map[string]bool)}
	for _, n := range names {
		l.running[n] = true
	}
	return l
}

func (l *liveSet) IsRunning(p string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running[p]
}

func (l *liveSet) set(p string, v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running[p] = v
}

type fixedTimeout time.Duration

func (f fixedTimeout) Timeout(string) time.Duration { return time.Duration(f) }

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) handler(tag, reply string, stop bool) registry.Handler {
	return func(_ context.Context, _ []string, _ mesh.Context) (registry.Result, error) {
		r.mu.Lock()
		r.calls = append(r.calls, tag)
		r.mu.Unlock()
		return registry.Result{Text: reply, Stop: stop}, nil
	}
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fixture struct {
	reg     *registry.Registry
	tracker *ratelimit.Tracker
	clock   *clockwork.FakeClock
	live    *liveSet
	engine  *Engine
}

func newFixture(t *testing.T, cfg Config, plugins ...string) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	f := &fixture{
		reg:     registry.New(),
		tracker: ratelimit.New(clock),
		clock:   clock,
		live:    newLiveSet(plugins...),
	}
	f.engine = New(f.reg, f.tracker, f.live, fixedTimeout(200*time.Millisecond), nil, cfg)
	return f
}

func texts(rs []mesh.Response) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Text
	}
	return out
}

func msg(actor, content string) mesh.Message {
	return mesh.NewMessage(actor, content, 0, false, time.Time{})
}

func TestCommandThenWildcardBothFire(t *testing.T) {
	f := newFixture(t, Config{}, "a", "b")
	rec := &recorder{}
	require.NoError(t, f.reg.AddPlugin("a", []registry.Registration{
		{Kind: registry.KindCommand, Pattern: "ping", Priority: 10, Handler: rec.handler("a", "pong from A", false)},
	}))
	require.NoError(t, f.reg.AddPlugin("b", []registry.Registration{
		{Kind: registry.KindKeyword, Pattern: "ping", Priority: 50, Handler: rec.handler("b", "heard ping", false)},
	}))

	got := f.engine.Dispatch(context.Background(), msg("X", "ping"))
	assert.Equal(t, []string{"pong from A", "heard ping"}, texts(got))
	assert.Equal(t, "a", got[0].Plugin)
	assert.True(t, got[0].IsBroadcast())

	stats := f.engine.Stats()
	assert.Equal(t, uint64(2), stats.Fired)
	assert.Equal(t, uint64(2), stats.Responses)
}

func TestCommandStopsWildcardsPolicy(t *testing.T) {
	f := newFixture(t, Config{CommandStopsWildcards: true}, "a", "b")
	rec := &recorder{}
	require.NoError(t, f.reg.AddPlugin("a", []registry.Registration{
		{Kind: registry.KindCommand, Pattern: "ping", Priority: 10, Handler: rec.handler("a", "pong", false)},
	}))
	require.NoError(t, f.reg.AddPlugin("b", []registry.Registration{
		{Kind: registry.KindWildcard, Pattern: "*", Priority: 50, Handler: rec.handler("b", "any", false)},
	}))

	assert.Equal(t, []string{"pong"}, texts(f.engine.Dispatch(context.Background(), msg("X", "ping"))))
	assert.Equal(t, []string{"any"}, texts(f.engine.Dispatch(context.Background(), msg("X", "hello"))))
}

func TestExactlyOneCommandHandlerFires(t *testing.T) {
	f := newFixture(t, Config{}, "a", "b", "c")
	rec := &recorder{}
	failing := func(context.Context, []string, mesh.Context) (registry.Result, error) {
		rec.mu.Lock()
		rec.calls = append(rec.calls, "a")
		rec.mu.Unlock()
		return registry.Result{}, errors.New("boom")
	}
	require.NoError(t, f.reg.AddPlugin("a", []registry.Registration{{Kind: registry.KindCommand, Pattern: "wx", Priority: 1, Handler: failing}}))
	require.NoError(t, f.reg.AddPlugin("b", []registry.Registration{{Kind: registry.KindCommand, Pattern: "wx", Priority: 2, Handler: rec.handler("b", "sunny", false)}}))
	require.NoError(t, f.reg.AddPlugin("c", []registry.Registration{{Kind: registry.KindCommand, Pattern: "wx", Priority: 3, Handler: rec.handler("c", "rain", false)}}))

	got := f.engine.Dispatch(context.Background(), msg("X", "WX today"))
	assert.Equal(t, []string{"sunny"}, texts(got))
	assert.Equal(t, []string{"a", "b"}, rec.list())
	assert.Equal(t, uint64(1), f.engine.Stats().Failed)
}

func TestMatchPassPriorityOrderAndStop(t *testing.T) {
	f := newFixture(t, Config{}, "p")
	rec := &recorder{}
	require.NoError(t, f.reg.AddPlugin("p", []registry.Registration{
		{Kind: registry.KindWildcard, Name: "late", Pattern: "*", Priority: 90, Handler: rec.handler("late", "late", false)},
		{Kind: registry.KindKeyword, Name: "first", Pattern: "storm", Priority: 10, Handler: rec.handler("first", "1", false)},
		{Kind: registry.KindKeyword, Name: "second", Pattern: "storm", Priority: 20, Handler: rec.handler("second", "2", true)},
	}))

	got := f.engine.Dispatch(context.Background(), msg("X", "storm warning"))
	assert.Equal(t, []string{"1", "2"}, texts(got))
	assert.Equal(t, []string{"first", "second"}, rec.list())
}

func TestSkipsPluginsNotRunning(t *testing.T) {
	f := newFixture(t, Config{}, "a")
	rec := &recorder{}
	require.NoError(t, f.reg.AddPlugin("a", []registry.Registration{{Kind: registry.KindCommand, Pattern: "ping", Handler: rec.handler("a", "pong", false)}}))
	f.live.set("a", false)

	assert.Empty(t, f.engine.Dispatch(context.Background(), msg("X", "ping")))
	assert.Empty(t, rec.list())
	assert.Equal(t, uint64(1), f.engine.Stats().Skipped)
}

func TestCooldownSkipsOnlyThatRule(t *testing.T) {
	f := newFixture(t, Config{}, "p")
	rec := &recorder{}
	require.NoError(t, f.reg.AddPlugin("p", []registry.Registration{
		{Kind: registry.KindKeyword, Name: "slow", Pattern: "hi", Priority: 1,
			Policy: ratelimit.Policy{Cooldown: 30 * time.Second}, Handler: rec.handler("slow", "slow", false)},
		{Kind: registry.KindKeyword, Name: "fast", Pattern: "hi", Priority: 2, Handler: rec.handler("fast", "fast", false)},
	}))

	ctx := context.Background()
	assert.Equal(t, []string{"slow", "fast"}, texts(f.engine.Dispatch(ctx, msg("X", "hi"))))

	f.clock.Advance(10 * time.Second)
	assert.Equal(t, []string{"fast"}, texts(f.engine.Dispatch(ctx, msg("X", "hi"))))
	// Other actors are unaffected.
	assert.Equal(t, []string{"slow", "fast"}, texts(f.engine.Dispatch(ctx, msg("Y", "hi"))))

	f.clock.Advance(21 * time.Second)
	assert.Equal(t, []string{"slow", "fast"}, texts(f.engine.Dispatch(ctx, msg("X", "hi"))))
	assert.Equal(t, uint64(1), f.engine.Stats().RateLimited)
}

func TestFailedFireDoesNotStartCooldown(t *testing.T) {
	f := newFixture(t, Config{}, "p")
	calls := 0
	require.NoError(t, f.reg.AddPlugin("p", []registry.Registration{{
		Kind: registry.KindCommand, Pattern: "x", Policy: ratelimit.Policy{Cooldown: time.Minute},
		Handler: func(context.Context, []string, mesh.Context) (registry.Result, error) {
			calls++
			if calls == 1 {
				return registry.Result{}, errors.New("transient")
			}
			return registry.Result{Text: "ok"}, nil
		},
	}}))

	assert.Empty(t, f.engine.Dispatch(context.Background(), msg("X", "x")))
	assert.Equal(t, []string{"ok"}, texts(f.engine.Dispatch(context.Background(), msg("X", "x"))))
}

func TestTimeoutAndPanicDoNotAbortDispatch(t *testing.T) {
	f := newFixture(t, Config{}, "hang", "panic", "ok")
	release := make(chan struct{})
	defer close(release)

	require.NoError(t, f.reg.AddPlugin("hang", []registry.Registration{{
		Kind: registry.KindWildcard, Pattern: "*", Priority: 1,
		Handler: func(context.Context, []string, mesh.Context) (registry.Result, error) {
			<-release
			return registry.Result{Text: "too late"}, nil
		},
	}}))
	require.NoError(t, f.reg.AddPlugin("panic", []registry.Registration{{
		Kind: registry.KindWildcard, Pattern: "*", Priority: 2,
		Handler: func(context.Context, []string, mesh.Context) (registry.Result, error) {
			panic("bad plugin")
		},
	}}))
	require.NoError(t, f.reg.AddPlugin("ok", []registry.Registration{{
		Kind: registry.KindWildcard, Pattern: "*", Priority: 3,
		Handler: func(context.Context, []string, mesh.Context) (registry.Result, error) {
			return registry.Result{Text: "fine"}, nil
		},
	}}))

	got := f.engine.Dispatch(context.Background(), msg("X", "anything"))
	assert.Equal(t, []string{"fine"}, texts(got))

	stats := f.engine.Stats()
	assert.Equal(t, uint64(1), stats.TimedOut)
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Fired)
}

func TestResponseDiscardedWhenPluginStopsMidCall(t *testing.T) {
	f := newFixture(t, Config{}, "p")
	require.NoError(t, f.reg.AddPlugin("p", []registry.Registration{{
		Kind: registry.KindCommand, Pattern: "x",
		Handler: func(context.Context, []string, mesh.Context) (registry.Result, error) {
			f.live.set("p", false)
			return registry.Result{Text: "stale"}, nil
		},
	}}))

	assert.Empty(t, f.engine.Dispatch(context.Background(), msg("X", "x")))
	assert.Equal(t, uint64(1), f.engine.Stats().Discarded)
}

func TestHandlerReceivesArgsAndContext(t *testing.T) {
	f := newFixture(t, Config{CommandPrefix: "!"}, "p")
	var gotArgs []string
	var gotCtx mesh.Context
	require.NoError(t, f.reg.AddPlugin("p", []registry.Registration{{
		Kind: registry.KindCommand, Pattern: "wx",
		Handler: func(_ context.Context, args []string, hc mesh.Context) (registry.Result, error) {
			gotArgs, gotCtx = args, hc
			return registry.Result{Text: "ok"}, nil
		},
	}}))

	assert.Empty(t, f.engine.Dispatch(context.Background(), msg("X", "wx Sydney")))

	m := mesh.NewMessage("X", "!WX Sydney now", 3, true, time.Time{})
	got := f.engine.Dispatch(context.Background(), m)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"Sydney", "now"}, gotArgs)
	assert.Equal(t, "X", gotCtx.ActorID)
	assert.Equal(t, 3, gotCtx.Channel)
	assert.True(t, gotCtx.IsDirect)
	assert.Equal(t, m.ID, gotCtx.Message.ID)
	assert.Equal(t, "X", got[0].To)
}

func TestParseCommand(t *testing.T) {
	e := &Engine{cfg: Config{}}
	name, args, ok := e.ParseCommand("  Ping  a b ")
	assert.True(t, ok)
	assert.Equal(t, "ping", name)
	assert.Equal(t, []string{"a", "b"}, args)

	_, _, ok = e.ParseCommand("   ")
	assert.False(t, ok)

	e.cfg.CommandPrefix = "!"
	_, _, ok = e.ParseCommand("!")
	assert.False(t, ok)
	_, _, ok = e.ParseCommand("ping")
	assert.False(t, ok)
}

func TestConcurrentDispatchRespectsHourlyCeiling(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 4}, "p")
	require.NoError(t, f.reg.AddPlugin("p", []registry.Registration{{
		Kind: registry.KindCommand, Pattern: "x", Policy: ratelimit.Policy{MaxPerHour: 3},
		Handler: func(context.Context, []string, mesh.Context) (registry.Result, error) {
			return registry.Result{Text: "ok"}, nil
		},
	}}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := len(f.engine.Dispatch(context.Background(), msg("X", "x")))
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, total)
}

func TestHourlyOnlyRuleAnswersOverlappingMessages(t *testing.T) {
	f := newFixture(t, Config{}, "weather")
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	require.NoError(t, f.reg.AddPlugin("weather", []registry.Registration{{
		Kind: registry.KindCommand, Pattern: "wx", Policy: ratelimit.Policy{MaxPerHour: 100},
		Handler: func(ctx context.Context, _ []string, _ mesh.Context) (registry.Result, error) {
			entered <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
				return registry.Result{}, ctx.Err()
			}
			return registry.Result{Text: "sunny"}, nil
		},
	}}))

	ctx := context.Background()
	results := make(chan []string, 2)
	go func() { results <- texts(f.engine.Dispatch(ctx, msg("X", "wx"))) }()
	<-entered
	go func() { results <- texts(f.engine.Dispatch(ctx, msg("X", "wx"))) }()
	select {
	case <-entered:
	case got := <-results:
		t.Fatalf("second message skipped while the first was in flight: %v", got)
	case <-time.After(150 * time.Millisecond):
		t.Fatal("second handler never started")
	}
	close(release)

	assert.Equal(t, []string{"sunny"}, <-results)
	assert.Equal(t, []string{"sunny"}, <-results)
	assert.Zero(t, f.engine.Stats().RateLimited)
	assert.Equal(t, 2, f.tracker.State(ratelimit.Key{Actor: "X", Rule: "weather:wx"}).HourCount)
}
