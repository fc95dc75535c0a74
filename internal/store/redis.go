package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"k8s-bluegreen/internal/gate"
	"k8s-bluegreen/internal/pipeline"
)

// Key layout shared with the original demo backend: the status API
// reads the same counters it wrote.
const (
	keyTotalViews   = "total_views"
	keyBackendViews = "backend_views:" // + hostname
	keyRunStatus    = "bluegreen:run:" // + run id
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	logrus.Info("redis connected")
	return &RedisStore{client: rdb}, nil
}

// SetRunStatus publishes the current pipeline stage so dashboards can
// follow a run without tailing CI logs.
func (r *RedisStore) SetRunStatus(ctx context.Context, runID, status string, ttl time.Duration) error {
	return r.client.Set(ctx, keyRunStatus+runID, status, ttl).Err()
}

func (r *RedisStore) RunStatus(ctx context.Context, runID string) (string, error) {
	return r.client.Get(ctx, keyRunStatus+runID).Result()
}

// RunStatusRecorder publishes pipeline progress into the run status
// key, so dashboards see stage changes while the run is still going.
type RunStatusRecorder struct {
	Store *RedisStore
	TTL   time.Duration
}

func (r RunStatusRecorder) RecordStage(ctx context.Context, runID, stage string) error {
	return r.Store.SetRunStatus(ctx, runID, stage, r.TTL)
}

func (r RunStatusRecorder) RecordDecision(ctx context.Context, runID string, d gate.Decision) error {
	return r.Store.SetRunStatus(ctx, runID, "decision:"+string(d.Outcome), r.TTL)
}

func (r RunStatusRecorder) RecordResult(ctx context.Context, res pipeline.Result) error {
	return r.Store.SetRunStatus(ctx, res.RunID, "outcome:"+string(res.Outcome), r.TTL)
}

// IncrViews bumps the global and per-host page view counters.
func (r *RedisStore) IncrViews(ctx context.Context, hostname string) error {
	if err := r.client.Incr(ctx, keyTotalViews).Err(); err != nil {
		return err
	}
	return r.client.Incr(ctx, keyBackendViews+hostname).Err()
}

// Views returns the total view count and the per-host breakdown.
func (r *RedisStore) Views(ctx context.Context) (int64, map[string]int64, error) {
	totalStr, err := r.client.Get(ctx, keyTotalViews).Result()
	if err == redis.Nil {
		totalStr = "0"
	} else if err != nil {
		return 0, nil, err
	}
	total, _ := strconv.ParseInt(totalStr, 10, 64)

	perHost := make(map[string]int64)
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, keyBackendViews+"*", 50).Result()
		if err != nil {
			return total, perHost, err
		}
		for _, key := range keys {
			val, err := r.client.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			n, _ := strconv.ParseInt(val, 10, 64)
			perHost[strings.TrimPrefix(key, keyBackendViews)] = n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return total, perHost, nil
}

// ServerInfo reports redis server version and uptime for the info
// endpoint.
func (r *RedisStore) ServerInfo(ctx context.Context) (version string, uptimeDays int64) {
	info, err := r.client.Info(ctx, "server").Result()
	if err != nil {
		return "unknown", 0
	}
	for _, line := range strings.Split(info, "\r\n") {
		if v, ok := strings.CutPrefix(line, "redis_version:"); ok {
			version = v
		}
		if v, ok := strings.CutPrefix(line, "uptime_in_days:"); ok {
			uptimeDays, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	if version == "" {
		version = "unknown"
	}
	return version, uptimeDays
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
