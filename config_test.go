package colstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "colstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
storage:
  sync: bytes
  sync_bytes: 65536
  wal_path: /tmp/colstore-journal.wal
  cache_pages: 128
  max_pages: 1000
  compression: false
columns:
  chunk_max: 4096
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "bytes", cfg.Storage.Sync)
	assert.Equal(t, 65536, cfg.Storage.SyncBytes)
	assert.Equal(t, "/tmp/colstore-journal.wal", cfg.Storage.WALPath)
	assert.Equal(t, uint32(128), cfg.Storage.CachePages)
	assert.Equal(t, uint64(1000), cfg.Storage.MaxPages)
	assert.False(t, cfg.Storage.Compression)
	assert.Equal(t, 4096, cfg.Columns.ChunkMax)

	opts, err := cfg.Options()
	require.NoError(t, err)

	applied := defaultTableOptions()
	for _, opt := range opts {
		opt(&applied)
	}
	assert.Equal(t, SyncBytes, applied.syncMode)
	assert.Equal(t, 65536, applied.syncBytes)
	assert.Equal(t, uint32(128), applied.cachePages)
	assert.Equal(t, uint64(1000), applied.maxPages)
	assert.Equal(t, "/tmp/colstore-journal.wal", applied.walPath)
	assert.Equal(t, 4096, applied.attrChunkMax)
	_, isNoop := applied.codec.(noCompression)
	assert.True(t, isNoop)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(writeConfig(t, "storage: {}\n"))
	require.NoError(t, err)
	assert.Equal(t, "every", cfg.Storage.Sync)
	assert.Equal(t, 1024*1024, cfg.Storage.SyncBytes)
	assert.Equal(t, uint32(4096), cfg.Storage.CachePages)
	assert.True(t, cfg.Storage.Compression)
	assert.Equal(t, pageCapacity/4, cfg.Columns.ChunkMax)

	opts, err := cfg.Options()
	require.NoError(t, err)
	assert.NotEmpty(t, opts)
}

func TestConfigRejectsUnknownSyncMode(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(writeConfig(t, "storage:\n  sync: maybe\n"))
	require.NoError(t, err)
	_, err = cfg.Options()
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
