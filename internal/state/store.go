// Package state persists per-plugin key/value state in SQLite and charges its
// size against the plugin's storage ceiling.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/jonboulle/clockwork"
)

// Accountant is charged for every change in a plugin's stored size.
type Accountant interface {
	ReserveStorage(plugin string, delta int64) error
}

// Store is safe for concurrent use.
type Store struct {
	db    *sql.DB
	quota Accountant
	clock clockwork.Clock
}

// NewStore returns a Store. quota may be nil to disable accounting.
func NewStore(db *sql.DB, quota Accountant, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{db: db, quota: quota, clock: clock}
}

// Get returns plugin's state, or an empty map when none is stored.
func (s *Store) Get(ctx context.Context, plugin string) (map[string]any, error) {
	if plugin == "" {
		return nil, fmt.Errorf("plugin name is empty")
	}
	raw, _, err := s.read(ctx, s.db, plugin)
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

// Merge replaces the top-level keys present in updates. A nil value deletes
// the key.
func (s *Store) Merge(ctx context.Context, plugin string, updates map[string]any) error {
	return s.write(ctx, plugin, func(cur map[string]any) map[string]any {
		for k, v := range updates {
			if v == nil {
				delete(cur, k)
				continue
			}
			cur[k] = v
		}
		return cur
	})
}

// Replace overwrites plugin's whole state.
func (s *Store) Replace(ctx context.Context, plugin string, next map[string]any) error {
	return s.write(ctx, plugin, func(map[string]any) map[string]any {
		return maps.Clone(next)
	})
}

// Delete removes plugin's state and refunds its storage.
func (s *Store) Delete(ctx context.Context, plugin string) error {
	_, size, err := s.read(ctx, s.db, plugin)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM plugin_state WHERE plugin_name = ?;", plugin); err != nil {
		return fmt.Errorf("delete plugin state: %w", err)
	}
	s.charge(plugin, -size)
	return nil
}

// Size returns the stored byte size of plugin's state, 0 when none is stored.
func (s *Store) Size(ctx context.Context, plugin string) (int64, error) {
	_, size, err := s.read(ctx, s.db, plugin)
	return size, err
}

// Sizes returns the stored byte size of every plugin with state, for seeding
// the storage accountant at startup.
func (s *Store) Sizes(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT plugin_name, size_bytes FROM plugin_state;")
	if err != nil {
		return nil, fmt.Errorf("list plugin state sizes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var size int64
		if err := rows.Scan(&name, &size); err != nil {
			return nil, fmt.Errorf("scan plugin state size: %w", err)
		}
		out[name] = size
	}
	return out, rows.Err()
}

// For returns a view of the store bound to one plugin.
func (s *Store) For(plugin string) *Scoped {
	return &Scoped{store: s, plugin: plugin}
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) read(ctx context.Context, q querier, plugin string) ([]byte, int64, error) {
	var raw string
	var size int64
	err := q.QueryRowContext(ctx, "SELECT state, size_bytes FROM plugin_state WHERE plugin_name = ?;", plugin).Scan(&raw, &size)
	if errors.Is(err, sql.ErrNoRows) {
		return []byte("{}"), 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read plugin state: %w", err)
	}
	return []byte(raw), size, nil
}

func (s *Store) write(ctx context.Context, plugin string, mutate func(map[string]any) map[string]any) error {
	if plugin == "" {
		return fmt.Errorf("plugin name is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	curRaw, curSize, err := s.read(ctx, tx, plugin)
	if err != nil {
		return err
	}
	cur, err := decode(curRaw)
	if err != nil {
		return fmt.Errorf("decode stored state for %q: %w", plugin, err)
	}
	next := mutate(cur)
	if next == nil {
		next = map[string]any{}
	}
	encoded, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode plugin state: %w", err)
	}

	delta := int64(len(encoded)) - curSize
	// Growth is charged before the write so a rejected write leaves nothing
	// behind; shrinkage is refunded only once the write is durable.
	if delta > 0 && s.quota != nil {
		if err := s.quota.ReserveStorage(plugin, delta); err != nil {
			return err
		}
	}
	committed := false
	defer func() {
		if !committed && delta > 0 {
			s.charge(plugin, -delta)
		}
	}()

	_, err = tx.ExecContext(ctx, `
INSERT INTO plugin_state(plugin_name, state, size_bytes, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(plugin_name) DO UPDATE SET
  state = excluded.state,
  size_bytes = excluded.size_bytes,
  updated_at = excluded.updated_at;
`, plugin, string(encoded), len(encoded), s.clock.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert plugin state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit plugin state: %w", err)
	}
	committed = true
	if delta < 0 {
		s.charge(plugin, delta)
	}
	return nil
}

func (s *Store) charge(plugin string, delta int64) {
	if s.quota != nil && delta < 0 {
		_ = s.quota.ReserveStorage(plugin, delta)
	}
}

func decode(raw []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Scoped is one plugin's state. It satisfies plugin.StateStore.
type Scoped struct {
	store  *Store
	plugin string
}

func (s *Scoped) Get(ctx context.Context) (map[string]any, error) {
	return s.store.Get(ctx, s.plugin)
}

func (s *Scoped) Merge(ctx context.Context, updates map[string]any) error {
	return s.store.Merge(ctx, s.plugin, updates)
}

func (s *Scoped) Replace(ctx context.Context, next map[string]any) error {
	return s.store.Replace(ctx, s.plugin, next)
}
