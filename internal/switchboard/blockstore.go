package switchboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/sfuforge/routingcore/internal/ids"
	"github.com/sfuforge/routingcore/internal/metrics"
)

// BlockStore persists the block set across process restarts -- the
// one piece of state that survives one. Load is called once at
// startup to seed the in-memory block set; Save is called after every
// mutation.
type BlockStore interface {
	Load(ctx context.Context) (map[ids.UserID][]ids.UserID, error)
	Save(ctx context.Context, blocks map[ids.UserID][]ids.UserID) error
}

// NoopBlockStore discards everything -- the default when no
// persistence is configured.
type NoopBlockStore struct{}

func (NoopBlockStore) Load(context.Context) (map[ids.UserID][]ids.UserID, error) { return nil, nil }
func (NoopBlockStore) Save(context.Context, map[ids.UserID][]ids.UserID) error   { return nil }

// FileBlockStore writes the block set atomically to a single file via
// a temp-file-then-rename, so a crash mid-write never leaves a
// truncated file behind.
type FileBlockStore struct {
	Path string
}

func (f FileBlockStore) Load(ctx context.Context) (map[ids.UserID][]ids.UserID, error) {
	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blockstore: read %s: %w", f.Path, err)
	}
	var out map[ids.UserID][]ids.UserID
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("blockstore: decode %s: %w", f.Path, err)
	}
	return out, nil
}

func (f FileBlockStore) Save(ctx context.Context, blocks map[ids.UserID][]ids.UserID) error {
	data, err := json.Marshal(blocks)
	if err != nil {
		return fmt.Errorf("blockstore: encode: %w", err)
	}
	dir := filepath.Dir(f.Path)
	tmp, err := os.CreateTemp(dir, ".blocks-*.tmp")
	if err != nil {
		return fmt.Errorf("blockstore: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("blockstore: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("blockstore: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("blockstore: rename into place: %w", err)
	}
	return nil
}

// RedisBlockStore persists the block set as a single JSON blob under
// one Redis key. Every call goes through a circuit breaker so a
// flapping Redis degrades block persistence instead of signalling
// latency.
type RedisBlockStore struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
	key    string
}

// NewRedisBlockStore dials addr and verifies connectivity with an
// immediate ping, so a misconfigured address fails at startup rather
// than on the first block.
func NewRedisBlockStore(addr string) (*RedisBlockStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("blockstore: connect to redis at %s: %w", addr, err)
	}

	st := gobreaker.Settings{
		Name:        "redis-blockstore",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis-blockstore").Set(v)
		},
	}

	return &RedisBlockStore{client: rdb, cb: gobreaker.NewCircuitBreaker(st), key: "sfu:blocks"}, nil
}

func (r *RedisBlockStore) Load(ctx context.Context) (map[ids.UserID][]ids.UserID, error) {
	timer := prometheus.NewTimer(metrics.RedisOperationDuration.WithLabelValues("load"))
	res, err := r.cb.Execute(func() (any, error) {
		return r.client.Get(ctx, r.key).Result()
	})
	timer.ObserveDuration()
	if err == redis.Nil {
		return nil, nil
	}
	if err == gobreaker.ErrOpenState {
		metrics.RedisOperationsTotal.WithLabelValues("load", "circuit-open").Inc()
		slog.Warn("blockstore: redis circuit open, starting with empty block set")
		return nil, nil
	}
	if err != nil {
		metrics.RedisOperationsTotal.WithLabelValues("load", "error").Inc()
		return nil, fmt.Errorf("blockstore: redis get: %w", err)
	}
	metrics.RedisOperationsTotal.WithLabelValues("load", "ok").Inc()

	var out map[ids.UserID][]ids.UserID
	if err := json.Unmarshal([]byte(res.(string)), &out); err != nil {
		return nil, fmt.Errorf("blockstore: decode redis value: %w", err)
	}
	return out, nil
}

func (r *RedisBlockStore) Save(ctx context.Context, blocks map[ids.UserID][]ids.UserID) error {
	data, err := json.Marshal(blocks)
	if err != nil {
		return fmt.Errorf("blockstore: encode: %w", err)
	}
	timer := prometheus.NewTimer(metrics.RedisOperationDuration.WithLabelValues("save"))
	_, err = r.cb.Execute(func() (any, error) {
		return nil, r.client.Set(ctx, r.key, data, 0).Err()
	})
	timer.ObserveDuration()
	if err == gobreaker.ErrOpenState {
		metrics.RedisOperationsTotal.WithLabelValues("save", "circuit-open").Inc()
		slog.Warn("blockstore: redis circuit open, dropping save")
		return nil
	}
	if err != nil {
		metrics.RedisOperationsTotal.WithLabelValues("save", "error").Inc()
		return fmt.Errorf("blockstore: redis set: %w", err)
	}
	metrics.RedisOperationsTotal.WithLabelValues("save", "ok").Inc()
	return nil
}
