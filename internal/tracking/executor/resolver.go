package executor

import (
	"context"
	"fmt"

	"github.com/vietddude/txfees/internal/core/domain"
	"github.com/vietddude/txfees/internal/infra/chain"
)

// defaultAvgBlockTime seeds the timestamp search bracket. The search
// itself relies only on timestamp monotonicity, so a bad estimate costs
// extra header fetches, never a wrong answer.
const defaultAvgBlockTime = 12

// Resolver maps a job's time window onto block numbers.
type Resolver struct {
	chain        chain.Client
	avgBlockTime uint64
}

func NewResolver(chainClient chain.Client, avgBlockTime uint64) *Resolver {
	if avgBlockTime == 0 {
		avgBlockTime = defaultAvgBlockTime
	}
	return &Resolver{chain: chainClient, avgBlockTime: avgBlockTime}
}

// ResolveRange returns the first block with timestamp >= startTime and
// the last block with timestamp <= endTime. ErrNotFound means no block
// falls inside the window.
func (r *Resolver) ResolveRange(ctx context.Context, startTime, endTime int64) (uint64, uint64, error) {
	latest, err := r.chain.LatestHeader(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("latest header: %w", err)
	}

	if uint64(startTime) > latest.Timestamp {
		return 0, 0, fmt.Errorf("window starts after chain tip: %w", domain.ErrNotFound)
	}

	startBlock, err := r.blockAtOrAfter(ctx, uint64(startTime), latest)
	if err != nil {
		return 0, 0, fmt.Errorf("resolve start block: %w", err)
	}

	endBlock := latest.Number
	if uint64(endTime) < latest.Timestamp {
		// First block past the window, minus one.
		after, err := r.blockAtOrAfter(ctx, uint64(endTime)+1, latest)
		if err != nil {
			return 0, 0, fmt.Errorf("resolve end block: %w", err)
		}
		if after == 0 {
			return 0, 0, fmt.Errorf("window ends before genesis: %w", domain.ErrNotFound)
		}
		endBlock = after - 1
	}

	if startBlock > endBlock {
		return 0, 0, fmt.Errorf("no blocks in window: %w", domain.ErrNotFound)
	}
	return startBlock, endBlock, nil
}

// blockAtOrAfter finds the lowest block number whose timestamp is >= ts.
// The average block time gives an initial guess; the bracket around it
// is widened geometrically until it encloses ts, then bisected.
func (r *Resolver) blockAtOrAfter(ctx context.Context, ts uint64, latest domain.Header) (uint64, error) {
	if latest.Timestamp < ts {
		return 0, fmt.Errorf("timestamp beyond chain tip: %w", domain.ErrNotFound)
	}

	guess := latest.Number
	behind := (latest.Timestamp - ts) / r.avgBlockTime
	if behind >= latest.Number {
		guess = 0
	} else {
		guess -= behind
	}

	lo, hi, err := r.bracket(ctx, ts, guess, latest)
	if err != nil {
		return 0, err
	}

	// Invariant: timestamp(hi) >= ts, timestamp(lo) < ts or lo == 0 with
	// timestamp(0) >= ts already handled by bracket.
	for lo < hi {
		mid := lo + (hi-lo)/2
		header, err := r.chain.HeaderByNumber(ctx, mid)
		if err != nil {
			return 0, fmt.Errorf("header %d: %w", mid, err)
		}
		if header.Timestamp >= ts {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return hi, nil
}

// bracket widens [lo, hi] around the seeded guess until timestamp(lo) < ts
// <= timestamp(hi), clamping at genesis and the chain tip.
func (r *Resolver) bracket(ctx context.Context, ts, guess uint64, latest domain.Header) (uint64, uint64, error) {
	if guess > latest.Number {
		guess = latest.Number
	}
	header, err := r.chain.HeaderByNumber(ctx, guess)
	if err != nil {
		return 0, 0, fmt.Errorf("header %d: %w", guess, err)
	}

	step := uint64(1)
	if header.Timestamp >= ts {
		// Guess is at or past the target: walk back for a lower bound.
		hi := guess
		for hi > 0 {
			var lo uint64
			if step < hi {
				lo = hi - step
			}
			h, err := r.chain.HeaderByNumber(ctx, lo)
			if err != nil {
				return 0, 0, fmt.Errorf("header %d: %w", lo, err)
			}
			if h.Timestamp < ts {
				return lo, guess, nil
			}
			if lo == 0 {
				return 0, 0, nil // genesis already satisfies ts
			}
			hi = lo
			step *= 2
		}
		return 0, guess, nil
	}

	// Guess is before the target: walk forward for an upper bound.
	lo := guess
	for {
		hi := lo + step
		if hi >= latest.Number {
			return lo, latest.Number, nil
		}
		h, err := r.chain.HeaderByNumber(ctx, hi)
		if err != nil {
			return 0, 0, fmt.Errorf("header %d: %w", hi, err)
		}
		if h.Timestamp >= ts {
			return lo, hi, nil
		}
		lo = hi
		step *= 2
	}
}
