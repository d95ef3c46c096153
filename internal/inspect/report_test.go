package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mattjoyce/meshgate/internal/state"
	"github.com/mattjoyce/meshgate/internal/storage"
)

func openStore(t *testing.T) (*sql.DB, *state.Store) {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return db, state.NewStore(db, nil, clock)
}

func TestBuildReportRendersStateAndDisable(t *testing.T) {
	t.Parallel()
	db, st := openStore(t)
	ctx := context.Background()

	if err := st.Merge(ctx, "notes", map[string]any{"count": 3, "last": "hi"}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if err := st.SetManualDisable(ctx, "notes", true, "noisy"); err != nil {
		t.Fatalf("SetManualDisable: %v", err)
	}

	out, err := BuildReport(ctx, db, "notes", 100)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	for _, want := range []string{
		"Plugin      : notes",
		"Storage     : 23 / 100 bytes (23.0%)",
		"Updated     : 2026-03-01T12:00:00Z",
		"Disabled    : yes (noisy)",
		"Keys        : 2",
		"[count] 1 bytes",
		`[last] 4 bytes`,
		`    "hi"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
}

func TestBuildJSONReport(t *testing.T) {
	t.Parallel()
	db, st := openStore(t)
	ctx := context.Background()

	if err := st.Merge(ctx, "wx", map[string]any{"station": "KSEA"}); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	out, err := BuildJSONReport(ctx, db, "wx", 0)
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}
	var report Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.ManualDisabled || len(report.Keys) != 1 || report.Keys[0].Name != "station" {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.StateBytes != int64(len(`{"station":"KSEA"}`)) {
		t.Fatalf("state bytes = %d", report.StateBytes)
	}
}

func TestReportControlOnly(t *testing.T) {
	t.Parallel()
	db, st := openStore(t)
	ctx := context.Background()

	if err := st.SetManualDisable(ctx, "quiet", true, ""); err != nil {
		t.Fatalf("SetManualDisable: %v", err)
	}
	out, err := BuildReport(ctx, db, "quiet", 0)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	if !strings.Contains(out, "Disabled    : yes (no reason)") || !strings.Contains(out, "Updated     : <never>") {
		t.Fatalf("unexpected report:\n%s", out)
	}
}

func TestReportUnknownPlugin(t *testing.T) {
	t.Parallel()
	db, _ := openStore(t)

	_, err := BuildReport(context.Background(), db, "absent", 0)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := BuildReport(context.Background(), db, " ", 0); err == nil {
		t.Fatal("expected error for empty name")
	}
}
