// Package tracking holds the block pipeline shared by the realtime
// tracker and the batch job executor: pool transactions in, priced fee
// records out.
package tracking

import (
	"context"
	"fmt"
	"sort"

	logger "log/slog"

	"github.com/shopspring/decimal"
	"github.com/vietddude/txfees/internal/core/domain"
	"github.com/vietddude/txfees/internal/core/fees"
	"github.com/vietddude/txfees/internal/infra/chain"
	"github.com/vietddude/txfees/internal/infra/storage"
	"github.com/vietddude/txfees/internal/metrics"
)

// PriceSource resolves the committed price for a block, sampling it on
// first sight. *pricing.BlockPriceCache satisfies this.
type PriceSource interface {
	GetOrSample(ctx context.Context, header domain.Header) (decimal.Decimal, error)
}

// Processor turns a block's pool activity into persisted fee records.
// Replaying a block is safe: fee writes are first-write-wins.
type Processor struct {
	chain  chain.Client
	prices PriceSource
	repo   storage.FeeRepository
	pool   string
	log    *logger.Logger
}

func NewProcessor(
	chainClient chain.Client,
	prices PriceSource,
	repo storage.FeeRepository,
	pool string,
) *Processor {
	return &Processor{
		chain:  chainClient,
		prices: prices,
		repo:   repo,
		pool:   pool,
		log:    logger.Default(),
	}
}

// ProcessHeader handles one block whose header is already known.
// Returns the number of fee records written.
func (p *Processor) ProcessHeader(ctx context.Context, header domain.Header, pipeline string) (int, error) {
	txs, err := p.chain.PoolTransactions(ctx, header.Number, header.Number, p.pool)
	if err != nil {
		return 0, fmt.Errorf("pool txs for block %d: %w", header.Number, err)
	}
	metrics.BlocksProcessed.WithLabelValues(pipeline).Inc()
	if len(txs) == 0 {
		return 0, nil
	}

	records, err := p.price(ctx, header, txs)
	if err != nil {
		return 0, err
	}
	if err := p.repo.SaveBatch(ctx, records); err != nil {
		return 0, fmt.Errorf("save fees for block %d: %w", header.Number, err)
	}
	metrics.FeeRecordsWritten.WithLabelValues(pipeline).Add(float64(len(records)))
	return len(records), nil
}

// ProcessRange handles the closed block range [from, to] in one log
// query. Blocks without pool activity cost no header fetch and no
// price sample. Returns the number of fee records written.
func (p *Processor) ProcessRange(ctx context.Context, from, to uint64, pipeline string) (int, error) {
	txs, err := p.chain.PoolTransactions(ctx, from, to, p.pool)
	if err != nil {
		return 0, fmt.Errorf("pool txs for range [%d, %d]: %w", from, to, err)
	}
	metrics.BlocksProcessed.WithLabelValues(pipeline).Add(float64(to - from + 1))
	if len(txs) == 0 {
		return 0, nil
	}

	byBlock := make(map[uint64][]domain.PoolTx)
	for _, tx := range txs {
		byBlock[tx.BlockNumber] = append(byBlock[tx.BlockNumber], tx)
	}
	numbers := make([]uint64, 0, len(byBlock))
	for n := range byBlock {
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, k int) bool { return numbers[i] < numbers[k] })

	var records []*domain.FeeRecord
	for _, n := range numbers {
		header, err := p.chain.HeaderByNumber(ctx, n)
		if err != nil {
			return 0, fmt.Errorf("header %d: %w", n, err)
		}
		priced, err := p.price(ctx, header, byBlock[n])
		if err != nil {
			return 0, err
		}
		records = append(records, priced...)
	}

	if err := p.repo.SaveBatch(ctx, records); err != nil {
		return 0, fmt.Errorf("save fees for range [%d, %d]: %w", from, to, err)
	}
	metrics.FeeRecordsWritten.WithLabelValues(pipeline).Add(float64(len(records)))
	return len(records), nil
}

func (p *Processor) price(
	ctx context.Context,
	header domain.Header,
	txs []domain.PoolTx,
) ([]*domain.FeeRecord, error) {
	price, err := p.prices.GetOrSample(ctx, header)
	if err != nil {
		return nil, fmt.Errorf("price for block %d: %w", header.Number, err)
	}

	records := make([]*domain.FeeRecord, 0, len(txs))
	for _, tx := range txs {
		record, err := fees.Record(tx, price)
		if err != nil {
			return nil, fmt.Errorf("fee for tx %s: %w", tx.TxHash, err)
		}
		records = append(records, &record)
	}
	return records, nil
}
