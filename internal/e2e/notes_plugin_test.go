package e2e

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/meshgate/internal/config"
	"github.com/mattjoyce/meshgate/internal/gateway"
	"github.com/mattjoyce/meshgate/internal/lifecycle"
	"github.com/mattjoyce/meshgate/internal/log"
	"github.com/mattjoyce/meshgate/internal/mesh"
	"github.com/mattjoyce/meshgate/internal/plugin"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

// recorder is a transport that only records what the gateway sends.
type recorder struct {
	mu   sync.Mutex
	sent []mesh.Response
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Run(ctx context.Context, _ func(mesh.Message)) error {
	<-ctx.Done()
	return nil
}

func (r *recorder) Send(_ context.Context, resp mesh.Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, resp)
	return nil
}

func repoRoot(t *testing.T) string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// internal/e2e -> internal -> repo root
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}

// buildNotesPlugin compiles plugins/notes into a fresh plugin root.
func buildNotesPlugin(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("builds the notes plugin")
	}
	goBin, err := exec.LookPath("go")
	if err != nil {
		t.Skip("go toolchain not on PATH")
	}

	src := filepath.Join(repoRoot(t), "plugins", "notes")
	root := filepath.Join(t.TempDir(), "plugins")
	dir := filepath.Join(root, "notes")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	manifest, err := os.ReadFile(filepath.Join(src, plugin.ManifestFilename))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFilename), manifest, 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	cmd := exec.CommandContext(ctx, goBin, "build", "-o", filepath.Join(dir, "notes"), "./plugins/notes")
	cmd.Dir = repoRoot(t)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "go build: %s", out)
	return root
}

func notesConfig(t *testing.T, pluginRoot, stateDir string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.State.Path = filepath.Join(stateDir, "state.db")
	cfg.PluginRoots = []string{pluginRoot}
	cfg.Lifecycle.WatchDebounce = 0
	cfg.Plugins["notes"] = config.PluginConf{Config: map[string]any{"max_notes": 5}}
	return cfg
}

// run starts a gateway and returns a stop func that waits for shutdown.
func run(t *testing.T, cfg *config.Config) (*gateway.Gateway, func()) {
	t.Helper()
	g, err := gateway.New(context.Background(), cfg, gateway.WithTransport(&recorder{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(10 * time.Second):
				t.Error("gateway did not stop")
			}
		})
	}
	t.Cleanup(stop)

	require.Eventually(t, func() bool {
		return g.Manager().IsRunning("notes")
	}, 10*time.Second, 20*time.Millisecond)
	return g, stop
}

func texts(out []mesh.Response) []string {
	s := make([]string, len(out))
	for i, r := range out {
		s[i] = r.Text
	}
	return s
}

func TestNotesPluginThroughGateway(t *testing.T) {
	cfg := notesConfig(t, buildNotesPlugin(t), t.TempDir())
	g, _ := run(t, cfg)
	ctx := context.Background()

	out := g.Process(ctx, mesh.NewMessage("!a1b2", "note check the antenna", 0, true, time.Time{}))
	require.Equal(t, []string{"noted #1"}, texts(out))
	assert.Equal(t, "notes", out[0].Plugin)
	assert.Equal(t, "!a1b2", out[0].To)

	out = g.Process(ctx, mesh.NewMessage("!a1b2", "notes", 0, true, time.Time{}))
	assert.Equal(t, []string{"1) check the antenna"}, texts(out))

	out = g.Process(ctx, mesh.NewMessage("!c3d4", "notes", 0, true, time.Time{}))
	assert.Equal(t, []string{"no notes"}, texts(out))

	st, err := g.Manager().Status("notes")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateRunning, st.State)
	assert.Equal(t, plugin.KindExec, st.Kind)
}

func TestNotesSurviveRestart(t *testing.T) {
	pluginRoot := buildNotesPlugin(t)
	stateDir := t.TempDir()
	ctx := context.Background()

	g, stop := run(t, notesConfig(t, pluginRoot, stateDir))
	out := g.Process(ctx, mesh.NewMessage("!a1b2", "note bring spare battery", 0, true, time.Time{}))
	require.Equal(t, []string{"noted #1"}, texts(out))
	stop()

	g, _ = run(t, notesConfig(t, pluginRoot, stateDir))
	out = g.Process(ctx, mesh.NewMessage("!a1b2", "notes", 0, true, time.Time{}))
	assert.Equal(t, []string{"1) bring spare battery"}, texts(out))
}
