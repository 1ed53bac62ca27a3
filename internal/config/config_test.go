package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sfu.ini")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 0, cfg.MaxRoomSize)
	assert.Equal(t, 0, cfg.EventLoopThreads)
	assert.Equal(t, BlockStoreMemory, cfg.BlockStore)
	assert.Equal(t, "200-M", cfg.SignallingRatePerSession)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFull(t *testing.T) {
	path := writeConfig(t, `
max_room_size = 12
event_loop_threads = 4
block_store = file
block_store_path = /var/lib/sfu/blocks.json
signalling_rate_per_session = 50-S
trace_sample_ratio = 0.5
log_level = debug
development = true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.MaxRoomSize)
	assert.Equal(t, 4, cfg.EventLoopThreads)
	assert.Equal(t, BlockStoreFile, cfg.BlockStore)
	assert.Equal(t, "/var/lib/sfu/blocks.json", cfg.BlockStorePath)
	assert.Equal(t, "50-S", cfg.SignallingRatePerSession)
	assert.Equal(t, 0.5, cfg.TraceSampleRatio)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Development)
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "max_room_size = 3\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxRoomSize)
	assert.Equal(t, BlockStoreMemory, cfg.BlockStore)
	assert.Equal(t, "200-M", cfg.SignallingRatePerSession)
}

func TestLoadUnknownKeysIgnored(t *testing.T) {
	path := writeConfig(t, "max_room_size = 3\nnot_a_real_key = whatever\n")
	_, err := Load(path)
	assert.NoError(t, err)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name     string
		contents string
	}{
		{"negative room size", "max_room_size = -1\n"},
		{"non-numeric room size", "max_room_size = lots\n"},
		{"bad block store", "block_store = carrier-pigeon\n"},
		{"ratio above one", "trace_sample_ratio = 1.5\n"},
		{"negative threads", "event_loop_threads = -2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.contents))
			assert.Error(t, err)
		})
	}
}

func TestLoadRedisDefaultsAddr(t *testing.T) {
	path := writeConfig(t, "block_store = redis\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BlockStoreRedis, cfg.BlockStore)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.ini"))
	assert.Error(t, err)
}
