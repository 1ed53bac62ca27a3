// Package config loads the routing core's INI configuration file and
// validates the options the host plugin contract recognizes.
package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// BlockStoreKind selects where the optional persistent block list is
// written.
type BlockStoreKind string

const (
	BlockStoreMemory BlockStoreKind = "memory"
	BlockStoreFile   BlockStoreKind = "file"
	BlockStoreRedis  BlockStoreKind = "redis"
)

// Config holds the validated contents of the INI configuration file.
type Config struct {
	// MaxRoomSize rejects Joins that would exceed this count. Zero
	// means unlimited.
	MaxRoomSize int
	// EventLoopThreads is advisory; the host decides how many worker
	// threads to actually run.
	EventLoopThreads int

	BlockStore     BlockStoreKind
	BlockStorePath string
	RedisAddr      string

	SignallingRatePerSession string
	TraceSampleRatio         float64
	LogLevel                 string
	Development              bool
}

// Default returns a Config populated with the documented defaults.
func Default() Config {
	return Config{
		MaxRoomSize:              0,
		EventLoopThreads:         0,
		BlockStore:               BlockStoreMemory,
		BlockStorePath:           "blocks.json",
		SignallingRatePerSession: "200-M",
		TraceSampleRatio:         0.01,
		LogLevel:                 "info",
	}
}

// Load reads and validates an INI file at path. Unknown keys are
// logged and ignored rather than treated as fatal -- deployments'
// config files drift more than their binaries do.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := ini.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("config: load %s: %w", path, err)
	}

	sec := f.Section("")

	known := map[string]bool{
		"max_room_size": true, "event_loop_threads": true, "block_store": true,
		"block_store_path": true, "redis_addr": true, "signalling_rate_per_session": true,
		"trace_sample_ratio": true, "log_level": true, "development": true,
	}
	for _, k := range sec.Keys() {
		if !known[k.Name()] {
			slog.Warn("config: ignoring unknown key", "key", k.Name())
		}
	}

	if k, err := sec.GetKey("max_room_size"); err == nil {
		n, convErr := strconv.Atoi(k.String())
		if convErr != nil || n < 0 {
			return cfg, fmt.Errorf("config: max_room_size must be a non-negative integer (got %q)", k.String())
		}
		cfg.MaxRoomSize = n
	}

	if k, err := sec.GetKey("event_loop_threads"); err == nil {
		n, convErr := strconv.Atoi(k.String())
		if convErr != nil || n < 0 {
			return cfg, fmt.Errorf("config: event_loop_threads must be a non-negative integer (got %q)", k.String())
		}
		cfg.EventLoopThreads = n
	}

	if k, err := sec.GetKey("block_store"); err == nil {
		switch v := BlockStoreKind(strings.ToLower(k.String())); v {
		case BlockStoreMemory, BlockStoreFile, BlockStoreRedis:
			cfg.BlockStore = v
		default:
			return cfg, fmt.Errorf("config: block_store must be one of memory|file|redis (got %q)", k.String())
		}
	}
	if k, err := sec.GetKey("block_store_path"); err == nil {
		cfg.BlockStorePath = k.String()
	}
	if k, err := sec.GetKey("redis_addr"); err == nil {
		cfg.RedisAddr = k.String()
	}
	if cfg.BlockStore == BlockStoreRedis && cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
		slog.Warn("config: block_store=redis but redis_addr unset, using default", "addr", cfg.RedisAddr)
	}

	if k, err := sec.GetKey("signalling_rate_per_session"); err == nil {
		cfg.SignallingRatePerSession = k.String()
	}

	if k, err := sec.GetKey("trace_sample_ratio"); err == nil {
		ratio, convErr := strconv.ParseFloat(k.String(), 64)
		if convErr != nil || ratio < 0 || ratio > 1 {
			return cfg, fmt.Errorf("config: trace_sample_ratio must be between 0 and 1 (got %q)", k.String())
		}
		cfg.TraceSampleRatio = ratio
	}

	if k, err := sec.GetKey("log_level"); err == nil {
		cfg.LogLevel = k.String()
	}
	if k, err := sec.GetKey("development"); err == nil {
		cfg.Development = k.MustBool(false)
	}

	logValidated(cfg)
	return cfg, nil
}

func logValidated(cfg Config) {
	slog.Info("config validated",
		"max_room_size", cfg.MaxRoomSize,
		"event_loop_threads", cfg.EventLoopThreads,
		"block_store", cfg.BlockStore,
		"redis_addr", redactHost(cfg.RedisAddr),
		"log_level", cfg.LogLevel,
		"trace_sample_ratio", cfg.TraceSampleRatio,
	)
}

func redactHost(addr string) string {
	if addr == "" {
		return ""
	}
	parts := strings.SplitN(addr, ":", 2)
	if len(parts) != 2 {
		return "***"
	}
	return "***:" + parts[1]
}
