package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/contentpilot/strategy-backend/internal/logger"
)

// SnapshotCache mirrors per-job poll snapshots so frequent pollers do not hit
// the database on every request. The database row stays the source of truth;
// a missing or stale cache entry is never an error.
type SnapshotCache interface {
	Put(ctx context.Context, jobID string, snapshot any) error
	Get(ctx context.Context, jobID string, out any) (bool, error)
	Delete(ctx context.Context, jobID string) error
	Close() error
}

type snapshotCache struct {
	log    *logger.Logger
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
}

func NewSnapshotCache(log *logger.Logger) (SnapshotCache, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	prefix := strings.TrimSpace(os.Getenv("REDIS_SNAPSHOT_PREFIX"))
	if prefix == "" {
		prefix = "genjob"
	}

	ttl := 30 * time.Minute
	if v := strings.TrimSpace(os.Getenv("REDIS_SNAPSHOT_TTL_SECONDS")); v != "" {
		var secs int
		if _, err := fmt.Sscanf(v, "%d", &secs); err == nil && secs > 0 {
			ttl = time.Duration(secs) * time.Second
		}
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &snapshotCache{
		log:    log.With("service", "RedisSnapshotCache"),
		rdb:    rdb,
		prefix: prefix,
		ttl:    ttl,
	}, nil
}

func (c *snapshotCache) key(jobID string) string {
	return c.prefix + ":snapshot:" + jobID
}

func (c *snapshotCache) Put(ctx context.Context, jobID string, snapshot any) error {
	if c == nil || c.rdb == nil {
		return fmt.Errorf("snapshot cache not initialized")
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.key(jobID), raw, c.ttl).Err()
}

func (c *snapshotCache) Get(ctx context.Context, jobID string, out any) (bool, error) {
	if c == nil || c.rdb == nil {
		return false, fmt.Errorf("snapshot cache not initialized")
	}
	raw, err := c.rdb.Get(ctx, c.key(jobID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		// Treat a corrupt entry as a miss; the db read will repopulate it.
		c.log.Warn("Dropping corrupt snapshot cache entry", "job_id", jobID, "error", err)
		_ = c.rdb.Del(ctx, c.key(jobID)).Err()
		return false, nil
	}
	return true, nil
}

func (c *snapshotCache) Delete(ctx context.Context, jobID string) error {
	if c == nil || c.rdb == nil {
		return fmt.Errorf("snapshot cache not initialized")
	}
	return c.rdb.Del(ctx, c.key(jobID)).Err()
}

func (c *snapshotCache) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
