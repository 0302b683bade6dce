package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	cfg.Path = "/tmp/x"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 6, cfg.Workers)
	assert.Equal(t, ByteSize(64*datasize.KB), cfg.PageSize)
	assert.Equal(t, CompressionNone, cfg.Compression)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing path", func(c *Config) { c.Path = "" }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"node smaller than page", func(c *Config) { c.NodeSize = c.PageSize / 2 }},
		{"unknown compression", func(c *Config) { c.Compression = "brotli" }},
		{"non power of two align", func(c *Config) { c.DirectIOAlign = 1000 }},
		{"zero rotate watermark", func(c *Config) { c.RotateWM = 0 }},
		{"threshold over 100", func(c *Config) { c.GCThreshold = 150 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Path = "/tmp/x"
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadYAML(t *testing.T) {
	raw := `
path: /var/lib/sophia
workers: 3
page_size: 16KB
node_size: 4MB
cache: 64MB
compression: zstd
sync_on_write: true
expire_period: 12h
rotate_wm: 100
`
	path := filepath.Join(t.TempDir(), "sophia.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/sophia", cfg.Path)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, ByteSize(16*datasize.KB), cfg.PageSize)
	assert.Equal(t, ByteSize(4*datasize.MB), cfg.NodeSize)
	assert.Equal(t, CompressionZstd, cfg.Compression)
	assert.True(t, cfg.SyncOnWrite)
	assert.Equal(t, Duration(12*time.Hour), cfg.ExpirePeriod)
	assert.Equal(t, 100, cfg.RotateWM)

	// Unset keys keep their defaults.
	assert.True(t, cfg.SyncOnRotate)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sophia.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: -1\npath: /x\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
