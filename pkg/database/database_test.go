package database

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	return cfg
}

func TestConfig_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.MaxConnections)
	assert.Equal(t, time.Hour, cfg.ConnMaxLifetime)
	assert.Equal(t, 5*time.Second, cfg.RetryDelay)
	assert.Contains(t, cfg.DSN(), "_busy_timeout=5000")
	assert.Contains(t, cfg.DSN(), "_journal_mode=WAL")
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty path", func(c *Config) { c.DatabasePath = "" }},
		{"zero connections", func(c *Config) { c.MaxConnections = 0 }},
		{"zero lifetime", func(c *Config) { c.ConnMaxLifetime = 0 }},
		{"zero idle time", func(c *Config) { c.ConnMaxIdleTime = 0 }},
		{"negative retry delay", func(c *Config) { c.RetryDelay = -time.Second }},
		{"zero write timeout", func(c *Config) { c.WriteTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestOpen_AppliesOptimizations(t *testing.T) {
	db, err := Open(tempConfig(t))
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestMigrationManager_ApplyEmbedded(t *testing.T) {
	db, err := Open(tempConfig(t))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	m := NewMigrationManager(db)
	migrations, err := m.LoadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	assert.Equal(t, "001", migrations[0].Version)
	assert.Equal(t, "initial_schema", migrations[0].Description)

	applied, err := m.ApplyMigrations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"001"}, applied)
	require.NoError(t, m.ValidateSchema())

	// FUNCTIONAL VALIDATION TEST: re-running is a no-op
	applied, err = m.ApplyMigrations(ctx)
	require.NoError(t, err)
	assert.Empty(t, applied)

	versions, err := m.AppliedVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"001"}, versions)
}

func TestMigrationManager_OrderAndFailure(t *testing.T) {
	db, err := Open(tempConfig(t))
	require.NoError(t, err)
	defer db.Close()

	files := fstest.MapFS{
		"002_second.sql": {Data: []byte("CREATE TABLE b (id TEXT);")},
		"001_first.sql":  {Data: []byte("CREATE TABLE a (id TEXT);")},
		"003_broken.sql": {Data: []byte("CREATE TABLE oops (")},
		"README.md":      {Data: []byte("not a migration")},
	}
	m := NewMigrationManagerFS(db, files)

	applied, err := m.ApplyMigrations(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"001", "002"}, applied)

	versions, err := m.AppliedVersions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"001", "002"}, versions)
}
