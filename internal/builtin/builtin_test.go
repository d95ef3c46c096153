package builtin

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/meshgate/internal/log"
	"github.com/mattjoyce/meshgate/internal/mesh"
	"github.com/mattjoyce/meshgate/internal/plugin"
	"github.com/mattjoyce/meshgate/internal/ratelimit"
	"github.com/mattjoyce/meshgate/internal/registry"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

// fakeHost records command registrations.
type fakeHost struct {
	desc     *plugin.Descriptor
	config   map[string]any
	commands map[string]registry.Handler
	policies map[string]ratelimit.Policy
}

var _ plugin.Host = (*fakeHost)(nil)

func newFakeHost(d *plugin.Descriptor) *fakeHost {
	return &fakeHost{
		desc:     d,
		config:   map[string]any{},
		commands: map[string]registry.Handler{},
		policies: map[string]ratelimit.Policy{},
	}
}

func (h *fakeHost) Name() string                   { return h.desc.Name }
func (h *fakeHost) Descriptor() *plugin.Descriptor { return h.desc }
func (h *fakeHost) Logger() *slog.Logger           { return log.Get() }
func (h *fakeHost) Config() map[string]any         { return h.config }

func (h *fakeHost) RegisterCommand(name string, _ int, policy ratelimit.Policy, fn registry.Handler) error {
	if !h.desc.DeclaresCommand(name) {
		return plugin.Denied(h.desc.Name, "register command", name)
	}
	h.commands[name] = fn
	h.policies[name] = policy
	return nil
}

func (h *fakeHost) RegisterKeyword(string, int, ratelimit.Policy, registry.Handler) error {
	return plugin.ErrPermissionDenied
}

func (h *fakeHost) RegisterWildcard(string, int, ratelimit.Policy, registry.Handler) error {
	return plugin.ErrPermissionDenied
}

func (h *fakeHost) Schedule(string, time.Duration, time.Duration, plugin.Task) error {
	return plugin.ErrPermissionDenied
}

func (h *fakeHost) Send(context.Context, string, int, string) error { return nil }
func (h *fakeHost) Broadcast(context.Context, int, string) error    { return nil }

func (h *fakeHost) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (h *fakeHost) State() (plugin.StateStore, error) { return nil, plugin.ErrPermissionDenied }

func call(t *testing.T, h registry.Handler, args ...string) string {
	t.Helper()
	res, err := h(context.Background(), args, mesh.Context{ActorID: "!a"})
	require.NoError(t, err)
	return res.Text
}

func TestCatalogInstantiatesBuiltins(t *testing.T) {
	cat := Catalog(Options{})
	for _, d := range Descriptors() {
		p, err := cat.Instantiate(d)
		require.NoError(t, err, d.Name)
		assert.NotNil(t, p)
	}

	_, err := cat.Instantiate(&plugin.Descriptor{Name: "nope", Kind: plugin.KindBuiltin})
	assert.Error(t, err)
}

func TestMergePrefersDiscovered(t *testing.T) {
	custom := &plugin.Descriptor{Name: PingName, Version: "2.0.0", Kind: plugin.KindBuiltin}
	out := Merge([]*plugin.Descriptor{custom})
	require.Len(t, out, 2)
	assert.Same(t, custom, out[0])
	assert.Equal(t, SysinfoName, out[1].Name)
}

func TestPingCommands(t *testing.T) {
	handlers := func() []registry.Info {
		return []registry.Info{
			{Plugin: "ping", Kind: registry.KindCommand, Pattern: "ping"},
			{Plugin: "wx", Kind: registry.KindCommand, Pattern: "wx"},
			{Plugin: "wx2", Kind: registry.KindCommand, Pattern: "wx"},
			{Plugin: "alerts", Kind: registry.KindKeyword, Pattern: "fire"},
		}
	}
	p := newPing(handlers)
	host := newFakeHost(pingDescriptor())
	require.NoError(t, p.Initialize(context.Background(), host))

	require.Len(t, host.commands, 3)
	assert.Equal(t, 5*time.Second, host.policies["ping"].Cooldown)

	assert.Equal(t, "pong", call(t, host.commands["ping"]))
	assert.Equal(t, "pong hello there", call(t, host.commands["ping"], "hello", "there"))
	assert.Equal(t, "commands: ping wx", call(t, host.commands["help"]))
	assert.Equal(t, "commands: ping wx", call(t, host.commands["cmd"]))
}

func TestPingReplyFromConfig(t *testing.T) {
	p := newPing(nil)
	host := newFakeHost(pingDescriptor())
	host.config["reply"] = "ack"
	require.NoError(t, p.Initialize(context.Background(), host))
	assert.Equal(t, "ack", call(t, host.commands["ping"]))
}

func TestPingSkipsUndeclaredCommands(t *testing.T) {
	d := pingDescriptor()
	d.Capabilities.Commands = plugin.HandlerSpecs{{Name: "ping"}}
	host := newFakeHost(d)
	require.NoError(t, newPing(nil).Initialize(context.Background(), host))
	assert.Len(t, host.commands, 1)
	assert.Contains(t, host.commands, "ping")
}

func TestHelpText(t *testing.T) {
	assert.Equal(t, "no commands available", helpText(nil))

	var infos []registry.Info
	for i := 0; i < 100; i++ {
		infos = append(infos, registry.Info{Kind: registry.KindCommand, Pattern: "command" + string(rune('a'+i%26)) + string(rune('a'+i/26))})
	}
	text := helpText(infos)
	assert.LessOrEqual(t, len(text), maxHelpLen+len(" ..."))
	assert.Contains(t, text, " ...")
}

func TestSysinfo(t *testing.T) {
	clock := clockwork.NewFakeClock()
	started := clock.Now()
	s := newSysinfo(started, clock)

	assert.Error(t, s.Health(context.Background()))

	host := newFakeHost(sysinfoDescriptor())
	require.NoError(t, s.Initialize(context.Background(), host))
	require.NoError(t, s.Health(context.Background()))
	assert.Equal(t, 20, host.policies["sysinfo"].MaxPerHour)

	clock.Advance(90 * time.Minute)
	snap, err := s.read()
	require.NoError(t, err)
	assert.Greater(t, snap.RSS, uint64(0))
	assert.Equal(t, 90*time.Minute, snap.Uptime)

	text := call(t, host.commands["sysinfo"])
	assert.Contains(t, text, "rss=")
	assert.Contains(t, text, "up=1h30m0s")
}

func TestSnapshotString(t *testing.T) {
	s := Snapshot{RSS: 3 << 20, CPUPercent: 1.25, Uptime: 61*time.Second + 500*time.Millisecond}
	assert.Equal(t, "rss=3.0MB cpu=1.2% up=1m1s", s.String())
}
