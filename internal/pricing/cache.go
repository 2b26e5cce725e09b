package pricing

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	"github.com/vietddude/txfees/internal/core/clock"
	"github.com/vietddude/txfees/internal/core/domain"
	"github.com/vietddude/txfees/internal/infra/storage"
	"github.com/vietddude/txfees/internal/metrics"
	"golang.org/x/sync/singleflight"
)

const defaultCacheSize = 4096

// BlockPriceCache pins one price to each block hash. The first caller
// for a hash samples the oracle and persists the price; every later
// caller, on this process or another, reads the committed value. A
// price is never cached unless it has been durably written.
type BlockPriceCache struct {
	blocks storage.BlockRepository
	oracle Oracle
	clk    clock.Clock

	memory *lru.Cache[string, decimal.Decimal]
	group  singleflight.Group
}

func NewBlockPriceCache(
	blocks storage.BlockRepository,
	oracle Oracle,
	clk clock.Clock,
	size int,
) (*BlockPriceCache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	memory, err := lru.New[string, decimal.Decimal](size)
	if err != nil {
		return nil, err
	}
	return &BlockPriceCache{
		blocks: blocks,
		oracle: oracle,
		clk:    clk,
		memory: memory,
	}, nil
}

// GetOrSample returns the committed price for the block, sampling the
// oracle at the block timestamp when no price exists yet. Concurrent
// callers for the same hash share a single sample; a lost insert race
// resolves to the winner's committed price.
func (c *BlockPriceCache) GetOrSample(ctx context.Context, header domain.Header) (decimal.Decimal, error) {
	if price, ok := c.memory.Get(header.Hash); ok {
		metrics.PriceCacheHits.WithLabelValues("memory").Inc()
		return price, nil
	}

	v, err, _ := c.group.Do(header.Hash, func() (any, error) {
		return c.lookupOrSample(ctx, header)
	})
	if err != nil {
		return decimal.Decimal{}, err
	}

	price := v.(decimal.Decimal)
	c.memory.Add(header.Hash, price)
	return price, nil
}

func (c *BlockPriceCache) lookupOrSample(ctx context.Context, header domain.Header) (decimal.Decimal, error) {
	existing, err := c.blocks.GetByHash(ctx, header.Hash)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("block lookup %s: %w", header.Hash, err)
	}
	if existing != nil {
		metrics.PriceCacheHits.WithLabelValues("store").Inc()
		return existing.Price, nil
	}

	price, err := c.oracle.PriceAt(ctx, header.Timestamp)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("price sample for block %s: %w", header.Hash, err)
	}

	inserted, err := c.blocks.InsertIfAbsent(ctx, &domain.Block{
		Hash:        header.Hash,
		Number:      header.Number,
		Price:       price,
		CommittedAt: c.clk.Now(),
	})
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("commit price for block %s: %w", header.Hash, err)
	}
	if inserted {
		return price, nil
	}

	// Another writer committed first; its price is authoritative.
	winner, err := c.blocks.GetByHash(ctx, header.Hash)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("winner lookup %s: %w", header.Hash, err)
	}
	if winner == nil {
		return decimal.Decimal{}, fmt.Errorf("block %s vanished after conflict: %w", header.Hash, domain.ErrConflict)
	}
	metrics.PriceCacheHits.WithLabelValues("store").Inc()
	return winner.Price, nil
}
