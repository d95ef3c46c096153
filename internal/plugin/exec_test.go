package plugin

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/meshgate/internal/log"
	"github.com/mattjoyce/meshgate/internal/mesh"
	"github.com/mattjoyce/meshgate/internal/ratelimit"
	"github.com/mattjoyce/meshgate/internal/registry"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type memState struct {
	mu   sync.Mutex
	data map[string]any
}

func (s *memState) Get(context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]any{}
	for k, v := range s.data {
		out[k] = v
	}
	return out, nil
}

func (s *memState) Merge(_ context.Context, u map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range u {
		s.data[k] = v
	}
	return nil
}

func (s *memState) Replace(_ context.Context, st map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = st
	return nil
}

type fakeHost struct {
	desc      *Descriptor
	mu        sync.Mutex
	handlers  map[string]registry.Handler
	kinds     map[string]registry.Kind
	tasks     map[string]Task
	sent      []string
	broadcast []string
	state     *memState
}

func newFakeHost(d *Descriptor) *fakeHost {
	return &fakeHost{
		desc:     d,
		handlers: map[string]registry.Handler{},
		kinds:    map[string]registry.Kind{},
		tasks:    map[string]Task{},
		state:    &memState{data: map[string]any{}},
	}
}

func (h *fakeHost) Name() string               { return h.desc.Name }
func (h *fakeHost) Descriptor() *Descriptor    { return h.desc }
func (h *fakeHost) Logger() *slog.Logger       { return log.WithPlugin(h.desc.Name) }
func (h *fakeHost) Config() map[string]any     { return map[string]any{"units": "metric"} }
func (h *fakeHost) State() (StateStore, error) { return h.state, nil }

func (h *fakeHost) register(kind registry.Kind, name string, hd registry.Handler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[name] = hd
	h.kinds[name] = kind
	return nil
}

func (h *fakeHost) RegisterCommand(n string, _ int, _ ratelimit.Policy, hd registry.Handler) error {
	return h.register(registry.KindCommand, n, hd)
}

func (h *fakeHost) RegisterKeyword(n string, _ int, _ ratelimit.Policy, hd registry.Handler) error {
	return h.register(registry.KindKeyword, n, hd)
}

func (h *fakeHost) RegisterWildcard(n string, _ int, _ ratelimit.Policy, hd registry.Handler) error {
	return h.register(registry.KindWildcard, n, hd)
}

func (h *fakeHost) Schedule(name string, _, _ time.Duration, task Task) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tasks[name] = task
	return nil
}

func (h *fakeHost) Send(_ context.Context, to string, _ int, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, to+":"+text)
	return nil
}

func (h *fakeHost) Broadcast(_ context.Context, _ int, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcast = append(h.broadcast, text)
	return nil
}

func (h *fakeHost) Call(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) }

const echoScript = `#!/bin/sh
req=$(cat)
case "$req" in
  *'"op":"handle"'*'"handler":"wx"'*)
    echo '{"status":"ok","text":"sunny","stop":true,"state_updates":{"last":"wx"},"sends":[{"to":"!peer","channel":0,"text":"fyi"},{"channel":0,"text":"all"}],"logs":[{"level":"info","message":"handled"}]}' ;;
  *'"op":"handle"'*)
    echo '{"status":"ok","text":"heard"}' ;;
  *'"op":"task"'*)
    echo '{"status":"ok","state_updates":{"ticks":1}}' ;;
  *'"op":"health"'*)
    echo '{"status":"error","error":"upstream down"}' ;;
  *)
    echo '{"status":"ok"}' ;;
esac
`

func setupExec(t *testing.T, script string) (*Exec, *fakeHost) {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "weather")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte(script), 0755))
	manifest := `name: weather
version: 1.0.0
kind: exec
entrypoint: run.sh
capabilities:
  commands: [wx]
  keywords:
    - storm
    - name: chatter
      pattern: "*rain*"
      wildcard: true
  tasks:
    - name: refresh
      every: 10m
permissions: [send, broadcast, storage]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFilename), []byte(manifest), 0644))
	d, err := LoadDescriptor(filepath.Join(dir, ManifestFilename), []string{root})
	require.NoError(t, err)

	e := NewExec(d)
	host := newFakeHost(d)
	return e, host
}

func TestExecInitializeRegistersDeclaredCapabilities(t *testing.T) {
	e, host := setupExec(t, echoScript)
	ctx := context.Background()

	require.NoError(t, e.Initialize(ctx, host))
	assert.Equal(t, registry.KindCommand, host.kinds["wx"])
	assert.Equal(t, registry.KindKeyword, host.kinds["storm"])
	assert.Equal(t, registry.KindWildcard, host.kinds["*rain*"])
	assert.Contains(t, host.tasks, "refresh")

	assert.NoError(t, e.Start(ctx))
	assert.NoError(t, e.Stop(ctx))
	assert.NoError(t, e.Cleanup(ctx))
}

func TestExecHandlerRoundTrip(t *testing.T) {
	e, host := setupExec(t, echoScript)
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx, host))

	m := mesh.NewMessage("!abcd", "wx sydney", 0, true, time.Time{})
	res, err := host.handlers["wx"](ctx, []string{"sydney"}, mesh.ContextFor(&m))
	require.NoError(t, err)
	assert.Equal(t, "sunny", res.Text)
	assert.True(t, res.Stop)

	st, _ := host.state.Get(ctx)
	assert.Equal(t, "wx", st["last"])
	assert.Equal(t, []string{"!peer:fyi"}, host.sent)
	assert.Equal(t, []string{"all"}, host.broadcast)

	res, err = host.handlers["storm"](ctx, nil, mesh.ContextFor(&m))
	require.NoError(t, err)
	assert.Equal(t, "heard", res.Text)

	require.NoError(t, host.tasks["refresh"](ctx))
	st, _ = host.state.Get(ctx)
	assert.EqualValues(t, 1, st["ticks"])
}

func TestExecHealthErrorSurfaces(t *testing.T) {
	e, host := setupExec(t, echoScript)
	require.NoError(t, e.Initialize(context.Background(), host))
	assert.EqualError(t, e.Health(context.Background()), "upstream down")
}

func TestExecTimeoutTerminatesProcess(t *testing.T) {
	script := "#!/bin/sh\ncase \"$(cat)\" in *'\"op\":\"health\"'*) exec sleep 10 ;; *) echo '{\"status\":\"ok\"}' ;; esac\n"
	e, host := setupExec(t, script)
	require.NoError(t, e.Initialize(context.Background(), host))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := e.Health(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecBadOutputIsProtocolError(t *testing.T) {
	e, host := setupExec(t, "#!/bin/sh\ncat >/dev/null\necho not-json\n")
	err := e.Initialize(context.Background(), host)
	assert.ErrorContains(t, err, "decode response")
}

func TestExecRequiresInitialize(t *testing.T) {
	e, _ := setupExec(t, echoScript)
	assert.Error(t, e.Health(context.Background()))
}
