package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for lease coordination and job wake-up.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// renewScript extends a lease only while the caller still owns it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes a lease only while the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireLease atomically installs a lease unless a live one exists.
func (c *Client) AcquireLease(
	ctx context.Context,
	key, workerID string,
	ttl time.Duration,
) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, workerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// RenewLease extends a lease held by workerID. Returns false when the
// lease expired or was taken by another worker in the meantime.
func (c *Client) RenewLease(
	ctx context.Context,
	key, workerID string,
	ttl time.Duration,
) (bool, error) {
	res, err := renewScript.Run(ctx, c.rdb, []string{key}, workerID, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("renew script failed: %w", err)
	}
	return res == 1, nil
}

// ReleaseLease removes a lease held by workerID. Releasing a lease that
// already expired or changed hands is not an error.
func (c *Client) ReleaseLease(ctx context.Context, key, workerID string) (bool, error) {
	res, err := releaseScript.Run(ctx, c.rdb, []string{key}, workerID).Int64()
	if err != nil {
		return false, fmt.Errorf("release script failed: %w", err)
	}
	return res == 1, nil
}

const jobQueueKey = "batch_jobs"

// PushJob appends a submitted job id to the wake-up queue. The queue is
// advisory: durable job state lives in the job store, so a lost entry
// degrades to the executor's periodic pending scan.
func (c *Client) PushJob(ctx context.Context, jobID int64) error {
	if err := c.rdb.RPush(ctx, jobQueueKey, strconv.FormatInt(jobID, 10)).Err(); err != nil {
		return fmt.Errorf("rpush failed: %w", err)
	}
	return nil
}

// PopJob blocks up to timeout for a submitted job id. Returns found=false
// on timeout.
func (c *Client) PopJob(ctx context.Context, timeout time.Duration) (int64, bool, error) {
	res, err := c.rdb.BRPop(ctx, timeout, jobQueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("brpop failed: %w", err)
	}
	// BRPOP returns [key, value].
	id, err := strconv.ParseInt(res[1], 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid job id %q: %w", res[1], err)
	}
	return id, true, nil
}
