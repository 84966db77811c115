package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"entitytx/pkg/cache"
	dberror "entitytx/pkg/error"
	"entitytx/pkg/logging"
	"entitytx/pkg/primitives"
	"entitytx/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
store:
  engine: sqlite
  path: /tmp/entitytx.db
locks:
  timeout: 500ms
  detect_deadlocks: true
cache:
  kinds: [CD, Customer]
  policy: invalidate
  capacity: 64
  ttl: 1m
ownership:
  - owner: Customer
    owned: Address
    attribute: address
logging:
  level: debug
  format: json
`

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, EngineMemory, cfg.Store.Engine)
	assert.Equal(t, DefaultLockTimeout, cfg.LockTimeout())
	assert.False(t, cfg.Locks.DetectDeadlocks)
	assert.Equal(t, "refresh", cfg.Cache.Policy)
	assert.Equal(t, DefaultCacheCapacity, cfg.Cache.Capacity)
	assert.Equal(t, logging.LevelWarn, cfg.LoggerConfig().Level)
	require.NoError(t, cfg.Validate())
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, EngineSQLite, cfg.Store.Engine)
	assert.Equal(t, "/tmp/entitytx.db", cfg.Store.Path)
	assert.Equal(t, 500*time.Millisecond, cfg.LockTimeout())
	assert.True(t, cfg.Locks.DetectDeadlocks)

	opts := cfg.CacheOptions()
	assert.Equal(t, []primitives.EntityKind{"CD", "Customer"}, opts.Kinds)
	assert.Equal(t, cache.PolicyInvalidate, opts.Policy)
	assert.Equal(t, 64, opts.Capacity)
	assert.Equal(t, time.Minute, opts.TTL)

	rules, err := cfg.Rules()
	require.NoError(t, err)
	assert.Equal(t, []store.Rule{{Owner: "Customer", Owned: "Address", Attribute: "address"}}, rules.All())

	lc := cfg.LoggerConfig()
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.Equal(t, "json", lc.Format)
}

func TestParse_ZeroTimeoutMeansNoWait(t *testing.T) {
	cfg, err := Parse([]byte("locks:\n  timeout: 0s\n"))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.LockTimeout())
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"engine", "store:\n  engine: postgres\n"},
		{"policy", "cache:\n  policy: write-behind\n"},
		{"ttl", "cache:\n  ttl: -1s\n"},
		{"duration", "locks:\n  timeout: soon\n"},
		{"level", "logging:\n  level: loud\n"},
		{"format", "logging:\n  format: xml\n"},
		{"ownership", "ownership:\n  - owner: Customer\n    owned: Address\n"},
		{"syntax", "store: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, errors.Is(err, dberror.ErrConfig), "got %v", err)
		})
	}
}

func TestSaveAndLoadFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "entitytx.yaml")

	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Save(path))

	loaded, gotPath, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, path, gotPath)
	assert.Equal(t, cfg, loaded)
}

func TestLoadFromPath_Missing(t *testing.T) {
	_, _, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, dberror.ErrConfig))
}

func TestFindConfigPath(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("HOME", dir)
	t.Setenv(EnvConfigPath, "")

	assert.Empty(t, FindConfigPath())

	cfg, path, err := Load()
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, DefaultConfig(), cfg)

	home := filepath.Join(dir, ".config", ConfigDirName, "config.yaml")
	require.NoError(t, EnsureConfigDir(home))
	require.NoError(t, os.WriteFile(home, []byte("store:\n  engine: memory\n"), 0o600))
	assert.Equal(t, home, FindConfigPath())

	local := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(local, []byte("{}"), 0o600))
	got := FindConfigPath()
	assert.Equal(t, ConfigFileName, filepath.Base(got))

	explicit := filepath.Join(dir, "explicit.yaml")
	require.NoError(t, os.WriteFile(explicit, []byte("{}"), 0o600))
	t.Setenv(EnvConfigPath, explicit)
	assert.Equal(t, explicit, FindConfigPath())
}
