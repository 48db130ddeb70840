package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/store-access/internal/model"
)

func TestLoadConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  node_id: access-1\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Access.CacheTarget)
	assert.Equal(t, 300, cfg.Access.CacheCeiling)
	require.NotNil(t, cfg.Access.RowLocking)
	assert.True(t, *cfg.Access.RowLocking)
	assert.Equal(t, 20*time.Second, cfg.Access.DeadlockTimeout)
	assert.Equal(t, "/var/lib/pairdb/backup", cfg.Storage.BackupDir)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)

	props := cfg.Properties()
	assert.Equal(t, "true", props[model.PropertyRowLocking])
	assert.Equal(t, "60", props[model.PropertyLockWaitTimeout])
	assert.Equal(t, "en", props["territory"])
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  node_id: access-2
access:
  row_locking: false
  deadlock_timeout: 5s
properties:
  derby.storage.rowLocking: "true"
  derby.app.mode: fast
security:
  authorization_enabled: true
  allowed_operations: [checkpoint, backup]
  admin_principals: [dba]
`))
	require.NoError(t, err)
	assert.False(t, *cfg.Access.RowLocking)

	props := cfg.Properties()
	assert.Equal(t, "true", props[model.PropertyRowLocking])
	assert.Equal(t, "5", props[model.PropertyDeadlockTimeout])
	assert.Equal(t, "fast", props["derby.app.mode"])

	assert.Equal(t, map[string]string{"derby.storage.rowLocking": "true", "derby.app.mode": "fast"}, cfg.ExtraProperties)

	auth := cfg.AuthorizerConfig()
	assert.True(t, auth.Enabled)
	assert.Equal(t, []string{"dba"}, auth.AdminPrincipals)
}

func TestSubSecondTimeoutsRoundUp(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  node_id: access-3
access:
  deadlock_timeout: 500ms
  lock_wait_timeout: 1500ms
`))
	require.NoError(t, err)

	props := cfg.Properties()
	assert.Equal(t, "1", props[model.PropertyDeadlockTimeout])
	assert.Equal(t, "2", props[model.PropertyLockWaitTimeout])
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "missing node id", yaml: "access:\n  cache_target: 10\n"},
		{name: "ceiling below target", yaml: "server:\n  node_id: n\naccess:\n  cache_target: 50\n  cache_ceiling: 10\n"},
		{name: "negative lock wait", yaml: "server:\n  node_id: n\naccess:\n  lock_wait_timeout: -1s\n"},
		{name: "disk usage out of range", yaml: "server:\n  node_id: n\nstorage:\n  max_disk_usage: 1.5\n"},
		{name: "unknown operation", yaml: "server:\n  node_id: n\nsecurity:\n  allowed_operations: [drop_database]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}
