// Package leasing arbitrates which worker owns a given job at any instant.
//
// A lease is a time-bounded, renewable grant installed with an atomic
// conditional write (SET NX with expiry in Redis). Claiming is never
// read-then-write: the store decides the winner. A worker that stops
// renewing loses the lease on expiry, and any other worker may reclaim
// the job and resume from the persisted cursor.
package leasing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/txfees/internal/core/domain"
	"github.com/vietddude/txfees/internal/metrics"
)

// LeaseStore supplies the atomic lease primitives. The Redis client
// satisfies this; tests use an in-memory store with a fake clock.
type LeaseStore interface {
	AcquireLease(ctx context.Context, key, workerID string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, key, workerID string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, workerID string) (bool, error)
}

// Config holds lease timing parameters.
type Config struct {
	TTL           time.Duration `yaml:"ttl"`
	RenewInterval time.Duration `yaml:"renew_interval"`
}

// DefaultConfig returns lease timings with renewals at a third of the TTL,
// so two renew failures still leave slack before expiry.
func DefaultConfig() Config {
	return Config{
		TTL:           30 * time.Second,
		RenewInterval: 10 * time.Second,
	}
}

// Coordinator grants and maintains job leases for one worker identity.
type Coordinator struct {
	store    LeaseStore
	cfg      Config
	workerID string
}

// NewCoordinator creates a coordinator with a fresh worker identity.
func NewCoordinator(store LeaseStore, cfg Config) *Coordinator {
	if cfg.TTL == 0 {
		cfg = DefaultConfig()
	}
	return &Coordinator{
		store:    store,
		cfg:      cfg,
		workerID: uuid.NewString(),
	}
}

// WorkerID returns this coordinator's worker identity.
func (c *Coordinator) WorkerID() string {
	return c.workerID
}

func jobLeaseKey(jobID int64) string {
	return fmt.Sprintf("lease:job:%d", jobID)
}

// TrackerLeaseKey is the singleton guard key for the realtime tracker.
// A second tracker instance against the same pool fails to acquire it
// and refuses to run.
func TrackerLeaseKey(poolAddress string) string {
	return fmt.Sprintf("lease:tracker:%s", poolAddress)
}

// TryClaim attempts to take the lease for a job. Returns ErrConflict when
// another worker holds a live lease; that is expected contention, not a
// failure.
func (c *Coordinator) TryClaim(ctx context.Context, jobID int64) error {
	granted, err := c.store.AcquireLease(ctx, jobLeaseKey(jobID), c.workerID, c.cfg.TTL)
	if err != nil {
		metrics.LeaseOperations.WithLabelValues("claim", "error").Inc()
		return fmt.Errorf("%w: lease acquire: %v", domain.ErrTransient, err)
	}
	if !granted {
		metrics.LeaseOperations.WithLabelValues("claim", "denied").Inc()
		return fmt.Errorf("%w: job %d is leased to another worker", domain.ErrConflict, jobID)
	}
	metrics.LeaseOperations.WithLabelValues("claim", "granted").Inc()
	return nil
}

// Renew extends the lease for a job this worker holds. A false return
// means the lease was lost: the caller must stop processing immediately.
func (c *Coordinator) Renew(ctx context.Context, jobID int64) (bool, error) {
	ok, err := c.store.RenewLease(ctx, jobLeaseKey(jobID), c.workerID, c.cfg.TTL)
	if err != nil {
		metrics.LeaseOperations.WithLabelValues("renew", "error").Inc()
		return false, fmt.Errorf("%w: lease renew: %v", domain.ErrTransient, err)
	}
	if ok {
		metrics.LeaseOperations.WithLabelValues("renew", "ok").Inc()
	} else {
		metrics.LeaseOperations.WithLabelValues("renew", "lost").Inc()
	}
	return ok, nil
}

// Release gives up the lease for a job. Releasing an already-expired
// lease is a no-op.
func (c *Coordinator) Release(ctx context.Context, jobID int64) {
	_, err := c.store.ReleaseLease(ctx, jobLeaseKey(jobID), c.workerID)
	if err != nil {
		metrics.LeaseOperations.WithLabelValues("release", "error").Inc()
		return
	}
	metrics.LeaseOperations.WithLabelValues("release", "ok").Inc()
}

// KeepAlive renews the lease on RenewInterval until ctx is done or the
// lease is lost. It reports loss on the returned channel and exits.
func (c *Coordinator) KeepAlive(ctx context.Context, jobID int64) <-chan struct{} {
	lost := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.cfg.RenewInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := c.Renew(ctx, jobID)
				if err != nil {
					// Transient store error: keep trying, the lease
					// may still be live.
					continue
				}
				if !ok {
					close(lost)
					return
				}
			}
		}
	}()
	return lost
}

// ClaimSingleton acquires a non-job lease key (the realtime tracker
// guard) and returns a renew function plus a release function.
func (c *Coordinator) ClaimSingleton(
	ctx context.Context,
	key string,
) (renew func(context.Context) (bool, error), release func(context.Context), err error) {
	granted, err := c.store.AcquireLease(ctx, key, c.workerID, c.cfg.TTL)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: singleton acquire: %v", domain.ErrTransient, err)
	}
	if !granted {
		return nil, nil, fmt.Errorf("%w: %s already held", domain.ErrConflict, key)
	}

	renew = func(ctx context.Context) (bool, error) {
		return c.store.RenewLease(ctx, key, c.workerID, c.cfg.TTL)
	}
	release = func(ctx context.Context) {
		_, _ = c.store.ReleaseLease(ctx, key, c.workerID)
	}
	return renew, release, nil
}
