package plugin

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePlugin(t *testing.T, root, dir, manifest string, withEntrypoint bool) string {
	t.Helper()
	pluginDir := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(pluginDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, ManifestFilename), []byte(manifest), 0644))
	if withEntrypoint {
		require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "run.sh"), []byte("#!/bin/sh\necho '{\"status\":\"ok\"}'\n"), 0755))
	}
	return pluginDir
}

const weatherManifest = `name: weather
version: 1.2.0
kind: exec
entrypoint: run.sh
dependencies:
  - storage
  - name: geo
    optional: true
capabilities:
  commands:
    - wx
    - name: forecast
      priority: 5
      cooldown: 30s
      max_per_hour: 10
  keywords:
    - pattern: storm
      emergency: true
    - name: chatter
      pattern: "*weather*"
      wildcard: true
      priority: 90
  tasks:
    - name: refresh
      every: 15m
      jitter: 30s
permissions: [send, storage]
quota:
  call_rate: 2
  task_timeout: 5s
`

func TestDiscoverMany(t *testing.T) {
	tests := []struct {
		name      string
		setupFn   func(t *testing.T) []string
		wantCount int
		wantFail  int
		wantErr   bool
		checkFn   func(t *testing.T, idx *Index)
	}{
		{
			name: "exec descriptor parsed",
			setupFn: func(t *testing.T) []string {
				dir := t.TempDir()
				writePlugin(t, dir, "weather", weatherManifest, true)
				return []string{dir}
			},
			wantCount: 1,
			checkFn: func(t *testing.T, idx *Index) {
				d, ok := idx.Get("weather")
				require.True(t, ok)
				assert.Equal(t, KindExec, d.Kind)
				assert.Equal(t, supportedProtocol, d.Protocol)
				assert.True(t, filepath.IsAbs(d.Entrypoint))
				assert.Len(t, d.Checksum, 64)
				assert.Equal(t, []string{"storage"}, d.RequiredDependencies())
				assert.True(t, d.Dependencies[1].Optional)

				fc, ok := d.Capabilities.Commands.Find("forecast")
				require.True(t, ok)
				assert.Equal(t, 30*time.Second, fc.Policy().Cooldown)
				assert.Equal(t, 10, fc.Policy().MaxPerHour)

				storm, ok := d.Capabilities.Keywords.Find("storm")
				require.True(t, ok)
				assert.True(t, storm.Policy().Exempt)
				assert.True(t, d.DeclaresKeyword("*weather*"))
				assert.True(t, d.DeclaresCommand("WX"))
				assert.True(t, d.DeclaresTask("refresh"))
				assert.False(t, d.DeclaresTask("other"))

				assert.True(t, d.HasPermission(PermStorage))
				assert.False(t, d.HasPermission(PermBroadcast))
				assert.Equal(t, 2.0, d.Quota.CallRate)
				assert.Equal(t, 5*time.Second, d.Quota.TaskTimeout)
			},
		},
		{
			name: "builtin needs no entrypoint",
			setupFn: func(t *testing.T) []string {
				dir := t.TempDir()
				writePlugin(t, dir, "ping", "name: ping\nversion: 1.0.0\nkind: builtin\ncapabilities:\n  commands: [ping]\n", false)
				return []string{dir}
			},
			wantCount: 1,
		},
		{
			name: "invalid manifests are recorded, not fatal",
			setupFn: func(t *testing.T) []string {
				dir := t.TempDir()
				writePlugin(t, dir, "noexec", "name: noexec\nversion: 1.0.0\nkind: exec\n", false)
				writePlugin(t, dir, "badname", "name: Bad Name\nversion: 1.0.0\nkind: builtin\n", false)
				writePlugin(t, dir, "badperm", "name: badperm\nversion: 1.0.0\nkind: builtin\npermissions: [root]\n", false)
				writePlugin(t, dir, "self", "name: self\nversion: 1.0.0\nkind: builtin\ndependencies: [self]\n", false)
				writePlugin(t, dir, "badtask", "name: badtask\nversion: 1.0.0\nkind: builtin\ncapabilities:\n  tasks:\n    - name: t\n      every: soon\n", false)
				writePlugin(t, dir, "dupe", "name: dupe\nversion: 1.0.0\nkind: builtin\ncapabilities:\n  commands: [x]\n  keywords: [x]\n", false)
				writePlugin(t, dir, "badyaml", "name: [\n", false)
				writePlugin(t, dir, "ok", "name: ok\nversion: 1.0.0\nkind: builtin\n", false)
				return []string{dir}
			},
			wantCount: 1,
			wantFail:  7,
		},
		{
			name: "duplicate names keep first root",
			setupFn: func(t *testing.T) []string {
				a, b := t.TempDir(), t.TempDir()
				writePlugin(t, a, "ping", "name: ping\nversion: 1.0.0\nkind: builtin\n", false)
				writePlugin(t, b, "ping", "name: ping\nversion: 2.0.0\nkind: builtin\n", false)
				return []string{a, b}
			},
			wantCount: 1,
			checkFn: func(t *testing.T, idx *Index) {
				d, _ := idx.Get("ping")
				assert.Equal(t, "1.0.0", d.Version)
			},
		},
		{
			name: "missing root is an error",
			setupFn: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "nope")}
			},
			wantErr: true,
		},
		{
			name:    "no roots is an error",
			setupFn: func(t *testing.T) []string { return nil },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, err := DiscoverMany(tt.setupFn(t), nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, idx.All(), tt.wantCount)
			assert.Len(t, idx.Failed, tt.wantFail)
			if tt.checkFn != nil {
				tt.checkFn(t, idx)
			}
		})
	}
}

func TestTrustRejectsNonExecutableEntrypoint(t *testing.T) {
	dir := t.TempDir()
	pluginDir := writePlugin(t, dir, "weather", weatherManifest, true)
	require.NoError(t, os.Chmod(filepath.Join(pluginDir, "run.sh"), 0644))

	_, err := LoadDescriptor(filepath.Join(pluginDir, ManifestFilename), []string{dir})
	assert.ErrorContains(t, err, "not executable")
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "5m", want: 5 * time.Minute},
		{in: "hourly", want: time.Hour},
		{in: "daily", want: 24 * time.Hour},
		{in: "weekly", want: 7 * 24 * time.Hour},
		{in: "0s", wantErr: true},
		{in: "-1m", wantErr: true},
		{in: "often", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseInterval(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
