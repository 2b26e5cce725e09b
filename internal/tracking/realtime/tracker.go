// Package realtime follows the chain head and prices pool activity as
// blocks arrive. Exactly one tracker instance runs per pool, enforced
// by a singleton lease.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	logger "log/slog"

	"github.com/vietddude/txfees/internal/core/clock"
	"github.com/vietddude/txfees/internal/core/domain"
	"github.com/vietddude/txfees/internal/infra/chain"
	"github.com/vietddude/txfees/internal/leasing"
	"github.com/vietddude/txfees/internal/metrics"
	"github.com/vietddude/txfees/internal/tracking"
)

// Config holds tracker timing parameters.
type Config struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	RenewInterval  time.Duration `yaml:"renew_interval"`
}

// DefaultConfig returns conservative reconnect timings.
func DefaultConfig() Config {
	return Config{
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     60 * time.Second,
		RenewInterval:  10 * time.Second,
	}
}

// reconnectState is the backoff ledger. Failures raise the attempt
// count and push the next-eligible instant out; a successful
// subscription resets it. Kept as explicit state so tests can drive it
// with a fake clock.
type reconnectState struct {
	attempts     int
	nextEligible time.Time
}

func (s *reconnectState) failure(now time.Time, initial, max time.Duration) {
	delay := initial << s.attempts
	if delay > max || delay <= 0 {
		delay = max
	}
	s.attempts++
	s.nextEligible = now.Add(delay)
}

func (s *reconnectState) reset() {
	s.attempts = 0
	s.nextEligible = time.Time{}
}

// Tracker streams new heads and processes them in strictly increasing
// order, backfilling any numbering gap before touching the newer head.
type Tracker struct {
	chain       chain.Client
	processor   *tracking.Processor
	coordinator *leasing.Coordinator
	clk         clock.Clock
	cfg         Config
	pool        string
	log         *logger.Logger

	reconnect     reconnectState
	lastProcessed uint64
	started       bool
}

func NewTracker(
	chainClient chain.Client,
	processor *tracking.Processor,
	coordinator *leasing.Coordinator,
	clk clock.Clock,
	cfg Config,
	pool string,
) *Tracker {
	if cfg.InitialBackoff == 0 {
		cfg = DefaultConfig()
	}
	return &Tracker{
		chain:       chainClient,
		processor:   processor,
		coordinator: coordinator,
		clk:         clk,
		cfg:         cfg,
		pool:        pool,
		log:         logger.Default(),
	}
}

// Run acquires the singleton lease and streams until ctx is cancelled
// or the lease is lost. A second instance against the same pool gets
// ErrConflict and must not stream.
func (t *Tracker) Run(ctx context.Context) error {
	renew, release, err := t.coordinator.ClaimSingleton(ctx, leasing.TrackerLeaseKey(t.pool))
	if err != nil {
		return fmt.Errorf("tracker singleton guard: %w", err)
	}
	defer release(context.WithoutCancel(ctx))

	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	lost := t.keepLeaseAlive(renewCtx, renew)

	for {
		if err := t.waitUntilEligible(ctx, lost); err != nil {
			return err
		}

		stream, err := t.chain.SubscribeNewHeads(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.reconnect.failure(t.clk.Now(), t.cfg.InitialBackoff, t.cfg.MaxBackoff)
			metrics.TrackerReconnects.Inc()
			t.log.Warn("head subscription failed",
				"error", err,
				"attempt", t.reconnect.attempts,
				"next_eligible", t.reconnect.nextEligible)
			continue
		}
		t.reconnect.reset()
		t.log.Info("streaming new heads", "pool", t.pool)

		err = t.stream(ctx, stream, lost)
		stream.Close()
		if err != nil {
			return err
		}

		// Stream ended: back to Disconnected.
		t.reconnect.failure(t.clk.Now(), t.cfg.InitialBackoff, t.cfg.MaxBackoff)
		metrics.TrackerReconnects.Inc()
		t.log.Warn("head stream ended", "error", stream.Err())
	}
}

func (t *Tracker) keepLeaseAlive(ctx context.Context, renew func(context.Context) (bool, error)) <-chan struct{} {
	lost := make(chan struct{})
	go func() {
		ticker := time.NewTicker(t.cfg.RenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := renew(ctx)
				if err != nil {
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

func (t *Tracker) waitUntilEligible(ctx context.Context, lost <-chan struct{}) error {
	now := t.clk.Now()
	if !t.reconnect.nextEligible.After(now) {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-lost:
		return fmt.Errorf("tracker lease lost: %w", domain.ErrConflict)
	case <-t.clk.After(t.reconnect.nextEligible.Sub(now)):
		return nil
	}
}

func (t *Tracker) stream(ctx context.Context, stream chain.HeadStream, lost <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lost:
			return fmt.Errorf("tracker lease lost: %w", domain.ErrConflict)
		case header, ok := <-stream.Heads():
			if !ok {
				return nil
			}
			if err := t.handleHead(ctx, header); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				if errors.Is(err, domain.ErrUnrecoverable) {
					// A poisoned block would fail identically on every
					// reconnect; stop and surface it instead of looping.
					return fmt.Errorf("head %d unprocessable: %w", header.Number, err)
				}
				// Transient processing failure: drop the connection and
				// let the reconnect path resume; the gap check will
				// backfill whatever was missed.
				t.log.Error("head processing failed", "block", header.Number, "error", err)
				return nil
			}
		}
	}
}

// handleHead enforces strict ordering: anything at or below the last
// processed number is a duplicate and is skipped, and a gap is
// backfilled synchronously before the new head is treated as current.
func (t *Tracker) handleHead(ctx context.Context, header domain.Header) error {
	if t.started && header.Number <= t.lastProcessed {
		t.log.Debug("skipping stale head", "block", header.Number, "last", t.lastProcessed)
		return nil
	}

	if t.started && header.Number > t.lastProcessed+1 {
		if err := t.backfillGap(ctx, t.lastProcessed+1, header.Number-1); err != nil {
			return err
		}
	}

	if _, err := t.processor.ProcessHeader(ctx, header, "realtime"); err != nil {
		return err
	}
	t.lastProcessed = header.Number
	t.started = true
	metrics.TrackerLatestBlock.Set(float64(header.Number))
	return nil
}

func (t *Tracker) backfillGap(ctx context.Context, from, to uint64) error {
	t.log.Info("backfilling head gap", "from", from, "to", to)
	metrics.TrackerGapBackfills.Inc()

	for n := from; n <= to; n++ {
		header, err := t.chain.HeaderByNumber(ctx, n)
		if err != nil {
			return fmt.Errorf("gap header %d: %w", n, err)
		}
		if _, err := t.processor.ProcessHeader(ctx, header, "realtime"); err != nil {
			return fmt.Errorf("gap block %d: %w", n, err)
		}
		t.lastProcessed = n
		metrics.TrackerLatestBlock.Set(float64(n))
	}
	return nil
}
