// Package inspect reports what the gateway has persisted for a plugin,
// reading the state database directly so it works while the gateway is down.
package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Report is the structured JSON representation of a plugin's persisted state.
type Report struct {
	Plugin         string `json:"plugin"`
	StateBytes     int64  `json:"state_bytes"`
	StorageLimit   int64  `json:"storage_limit,omitempty"`
	UpdatedAt      string `json:"updated_at,omitempty"`
	Keys           []Key  `json:"keys"`
	ManualDisabled bool   `json:"manual_disabled"`
	DisabledReason string `json:"disabled_reason,omitempty"`
	ControlUpdated string `json:"control_updated_at,omitempty"`
}

// Key is one top-level state entry.
type Key struct {
	Name  string          `json:"name"`
	Bytes int             `json:"bytes"`
	Value json.RawMessage `json:"value"`
}

// ErrNotFound is returned when the database holds nothing for a plugin.
var ErrNotFound = errors.New("no persisted record")

// BuildReport renders a terminal-friendly report for plugin. limit is the
// plugin's storage ceiling, zero when unknown.
func BuildReport(ctx context.Context, db *sql.DB, plugin string, limit int64) (string, error) {
	report, err := gatherReportData(ctx, db, plugin, limit)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Plugin State Report\n")
	fmt.Fprintf(&out, "Plugin      : %s\n", report.Plugin)
	if report.StorageLimit > 0 {
		pct := float64(report.StateBytes) * 100 / float64(report.StorageLimit)
		fmt.Fprintf(&out, "Storage     : %d / %d bytes (%.1f%%)\n", report.StateBytes, report.StorageLimit, pct)
	} else {
		fmt.Fprintf(&out, "Storage     : %d bytes\n", report.StateBytes)
	}
	fmt.Fprintf(&out, "Updated     : %s\n", renderUnset(report.UpdatedAt, "<never>"))
	if report.ManualDisabled {
		fmt.Fprintf(&out, "Disabled    : yes (%s) since %s\n", renderUnset(report.DisabledReason, "no reason"), report.ControlUpdated)
	} else {
		fmt.Fprintf(&out, "Disabled    : no\n")
	}
	fmt.Fprintf(&out, "Keys        : %d\n", len(report.Keys))

	for _, k := range report.Keys {
		fmt.Fprintf(&out, "\n[%s] %d bytes\n", k.Name, k.Bytes)
		for _, line := range strings.Split(strings.TrimSpace(prettyJSON(k.Value)), "\n") {
			fmt.Fprintf(&out, "    %s\n", line)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable report.
func BuildJSONReport(ctx context.Context, db *sql.DB, plugin string, limit int64) (string, error) {
	report, err := gatherReportData(ctx, db, plugin, limit)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, db *sql.DB, plugin string, limit int64) (*Report, error) {
	if strings.TrimSpace(plugin) == "" {
		return nil, fmt.Errorf("plugin name is required")
	}

	report := &Report{Plugin: plugin, StorageLimit: limit, Keys: make([]Key, 0)}

	stateFound, err := lookupState(ctx, db, report)
	if err != nil {
		return nil, err
	}
	controlFound, err := lookupControl(ctx, db, report)
	if err != nil {
		return nil, err
	}
	if !stateFound && !controlFound {
		return nil, fmt.Errorf("plugin %q: %w", plugin, ErrNotFound)
	}
	return report, nil
}

func lookupState(ctx context.Context, db *sql.DB, report *Report) (bool, error) {
	var raw string
	var updated sql.NullString
	row := db.QueryRowContext(ctx, `
SELECT state, size_bytes, updated_at
FROM plugin_state
WHERE plugin_name = ?;
`, report.Plugin)
	if err := row.Scan(&raw, &report.StateBytes, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query state for %q: %w", report.Plugin, err)
	}
	report.UpdatedAt = updated.String

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return false, fmt.Errorf("decode state for %q: %w", report.Plugin, err)
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		report.Keys = append(report.Keys, Key{Name: name, Bytes: len(fields[name]), Value: fields[name]})
	}
	return true, nil
}

func lookupControl(ctx context.Context, db *sql.DB, report *Report) (bool, error) {
	var disabled int
	var reason sql.NullString
	row := db.QueryRowContext(ctx, `
SELECT manual_disabled, reason, updated_at
FROM plugin_control
WHERE plugin_name = ?;
`, report.Plugin)
	if err := row.Scan(&disabled, &reason, &report.ControlUpdated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query control for %q: %w", report.Plugin, err)
	}
	report.ManualDisabled = disabled == 1
	report.DisabledReason = reason.String
	return true, nil
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(data)
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
