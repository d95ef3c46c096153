package state

import (
	"context"
	"fmt"
	"time"
)

// ManualDisables returns the plugins an operator disabled, with the reason
// recorded at the time.
func (s *Store) ManualDisables(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT plugin_name, COALESCE(reason, '') FROM plugin_control WHERE manual_disabled = 1;")
	if err != nil {
		return nil, fmt.Errorf("list manual disables: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, reason string
		if err := rows.Scan(&name, &reason); err != nil {
			return nil, fmt.Errorf("scan manual disable: %w", err)
		}
		out[name] = reason
	}
	return out, rows.Err()
}

// SetManualDisable records (or clears) an operator disable so it survives a
// gateway restart.
func (s *Store) SetManualDisable(ctx context.Context, plugin string, disabled bool, reason string) error {
	flag := 0
	if disabled {
		flag = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO plugin_control(plugin_name, manual_disabled, reason, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(plugin_name) DO UPDATE SET
  manual_disabled = excluded.manual_disabled,
  reason = excluded.reason,
  updated_at = excluded.updated_at;
`, plugin, flag, reason, s.clock.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record manual disable for %q: %w", plugin, err)
	}
	return nil
}
