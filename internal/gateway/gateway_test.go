package gateway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/meshgate/internal/builtin"
	"github.com/mattjoyce/meshgate/internal/config"
	"github.com/mattjoyce/meshgate/internal/lifecycle"
	"github.com/mattjoyce/meshgate/internal/log"
	"github.com/mattjoyce/meshgate/internal/mesh"
	"github.com/mattjoyce/meshgate/internal/queue"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

// fakeTransport hands the ingest callback to the test and records sends.
type fakeTransport struct {
	mu     sync.Mutex
	ingest func(mesh.Message)
	sent   []mesh.Response
	fail   bool
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Run(ctx context.Context, ingest func(mesh.Message)) error {
	f.mu.Lock()
	f.ingest = ingest
	f.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (f *fakeTransport) Send(_ context.Context, resp mesh.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("link down")
	}
	f.sent = append(f.sent, resp)
	return nil
}

func (f *fakeTransport) deliver(msg mesh.Message) bool {
	f.mu.Lock()
	ingest := f.ingest
	f.mu.Unlock()
	if ingest == nil {
		return false
	}
	ingest(msg)
	return true
}

func (f *fakeTransport) responses() []mesh.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mesh.Response(nil), f.sent...)
}

func (f *fakeTransport) find(text string) (mesh.Response, bool) {
	for _, r := range f.responses() {
		if r.Text == text {
			return r, true
		}
	}
	return mesh.Response{}, false
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.State.Path = filepath.Join(dir, "state.db")
	cfg.PluginRoots = []string{filepath.Join(dir, "plugins")}
	cfg.Lifecycle.WatchDebounce = 0
	return cfg
}

func startGateway(t *testing.T, cfg *config.Config, ft *fakeTransport) *Gateway {
	t.Helper()
	g, err := New(context.Background(), cfg, WithTransport(ft))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("gateway did not stop")
		}
	})

	require.Eventually(t, func() bool {
		return g.Manager().IsRunning(builtin.PingName) && g.Manager().IsRunning(builtin.SysinfoName)
	}, 5*time.Second, 10*time.Millisecond)
	return g
}

func TestGatewayLoadsBuiltinsWithoutPluginRoots(t *testing.T) {
	g, err := New(context.Background(), testConfig(t), WithTransport(&fakeTransport{}))
	require.NoError(t, err)
	defer g.Close()

	names := make([]string, 0)
	for _, d := range g.Descriptors() {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{builtin.PingName, builtin.SysinfoName}, names)
}

func TestGatewayAnswersPing(t *testing.T) {
	ft := &fakeTransport{}
	startGateway(t, testConfig(t), ft)

	require.Eventually(t, func() bool {
		return ft.deliver(mesh.NewMessage("!a1b2", "PING", 0, true, time.Time{}))
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := ft.find("pong")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	resp, _ := ft.find("pong")
	assert.Equal(t, "!a1b2", resp.To)
	assert.Equal(t, builtin.PingName, resp.Plugin)
}

func TestGatewayHelpListsCommands(t *testing.T) {
	ft := &fakeTransport{}
	g := startGateway(t, testConfig(t), ft)

	out := g.Process(context.Background(), mesh.NewMessage("!a", "help", 0, true, time.Time{}))
	require.Len(t, out, 1)
	assert.Equal(t, "commands: cmd help ping sysinfo", out[0].Text)
	assert.Len(t, ft.responses(), 1)
}

func TestGatewayEscalationAlertIsBroadcast(t *testing.T) {
	ft := &fakeTransport{}
	g := startGateway(t, testConfig(t), ft)

	out := g.Process(context.Background(), mesh.NewMessage("!c3d4", "sos need help", 2, false, time.Time{}))
	require.NotEmpty(t, out)
	assert.Equal(t, mesh.BroadcastActor, out[0].To)
	assert.Equal(t, 2, out[0].Channel)
	assert.Contains(t, out[0].Text, "ALERT: sos from !c3d4")

	assert.Equal(t, 1, g.Metrics().AutoResponse.Pending)
}

func TestGatewayCountsSendFailures(t *testing.T) {
	ft := &fakeTransport{}
	g := startGateway(t, testConfig(t), ft)

	ft.mu.Lock()
	ft.fail = true
	ft.mu.Unlock()

	g.Process(context.Background(), mesh.NewMessage("!a", "ping", 0, true, time.Time{}))
	m := g.Metrics()
	assert.Equal(t, uint64(1), m.Gateway.SendFailures)
	assert.Equal(t, uint64(0), m.Gateway.Sent)
}

func TestGatewaySubmitShedsWhenFull(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dispatch.InboundBuffer = 1
	g, err := New(context.Background(), cfg, WithTransport(&fakeTransport{}))
	require.NoError(t, err)
	defer g.Close()

	require.NoError(t, g.Submit(mesh.NewMessage("!a", "one", 0, false, time.Time{})))
	assert.ErrorIs(t, g.Submit(mesh.NewMessage("!a", "two", 0, false, time.Time{})), queue.ErrFull)

	m := g.Metrics()
	assert.Equal(t, uint64(1), m.Gateway.Received)
	assert.Equal(t, uint64(1), m.Gateway.Dropped)
	assert.Equal(t, 1, m.Gateway.QueueCapacity)
}

func TestGatewayConfigDisabledPlugin(t *testing.T) {
	cfg := testConfig(t)
	off := false
	cfg.Plugins[builtin.SysinfoName] = config.PluginConf{Enabled: &off}

	ft := &fakeTransport{}
	g, err := New(context.Background(), cfg, WithTransport(ft))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool { return g.Manager().IsRunning(builtin.PingName) }, 5*time.Second, 10*time.Millisecond)
	st, err := g.Manager().Status(builtin.SysinfoName)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateDiscovered, st.State)
	assert.True(t, st.ConfigDisabled)

	out := g.Process(context.Background(), mesh.NewMessage("!a", "sysinfo", 0, true, time.Time{}))
	assert.Empty(t, out)
}

func TestGatewayShutdownUnloadsPlugins(t *testing.T) {
	g, err := New(context.Background(), testConfig(t), WithTransport(&fakeTransport{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	require.Eventually(t, func() bool { return g.Manager().IsRunning(builtin.PingName) }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Empty(t, g.Manager().List())
	assert.ErrorIs(t, g.Submit(mesh.NewMessage("!a", "late", 0, false, time.Time{})), queue.ErrClosed)
}
