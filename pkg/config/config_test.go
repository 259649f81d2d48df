package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingDefaultFile(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s3meta.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
address: ":9000"
credentials:
  - accessKey: AK
    secretKey: SK
    id: alice
metastore:
  backend: sqlite
  path: /tmp/meta.sqlite
blob:
  backend: memory
gc:
  enabled: true
  interval: 1m
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Address)
	// Unset keys keep their defaults.
	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Equal(t, "24h", cfg.GC.OlderThan)
	assert.Equal(t, "sqlite", cfg.Metastore.Backend)
	require.Len(t, cfg.Credentials, 1)
	assert.Equal(t, "alice", cfg.Credentials[0].ID)

	d, err := cfg.GC.Durations()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d.Interval)
	assert.Equal(t, 24*time.Hour, d.OlderThan)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("address: [unterminated"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("S3META_ADDR", ":7000")
	t.Setenv("S3META_METASTORE_BACKEND", "memory")
	t.Setenv("S3META_GC_ENABLED", "yes")
	t.Setenv("S3META_LIMIT_MIN_PART_SIZE", "1024")
	t.Setenv("S3META_CREDENTIALS", "AK1:SK1:alice:Alice A,broken,AK2:SK2:bob")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Address)
	assert.Equal(t, "memory", cfg.Metastore.Backend)
	assert.True(t, cfg.GC.Enabled)
	assert.Equal(t, int64(1024), cfg.Limits.MinPartSize)
	assert.Equal(t, []Credential{
		{AccessKey: "AK1", SecretKey: "SK1", ID: "alice", DisplayName: "Alice A"},
		{AccessKey: "AK2", SecretKey: "SK2", ID: "bob"},
	}, cfg.Credentials)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"unknown metastore", func(c *Config) { c.Metastore.Backend = "etcd" }},
		{"bolt without path", func(c *Config) { c.Metastore.Path = "" }},
		{"mongo without url", func(c *Config) { c.Metastore.Backend = "mongo" }},
		{"unknown blob backend", func(c *Config) { c.Blob.Backend = "tape" }},
		{"s3 without bucket", func(c *Config) { c.Blob.Backend = "s3" }},
		{"incomplete credential", func(c *Config) { c.Credentials = []Credential{{AccessKey: "AK"}} }},
		{"no owner", func(c *Config) { c.DefaultOwner.ID = "" }},
		{"bad gc interval", func(c *Config) { c.GC.Enabled = true; c.GC.Interval = "soon" }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
