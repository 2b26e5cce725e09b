package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	logger "log/slog"

	"github.com/shopspring/decimal"
	"github.com/vietddude/txfees/internal/core/domain"
	"github.com/vietddude/txfees/internal/infra/chain"
	"github.com/vietddude/txfees/internal/infra/rpc"
	"golang.org/x/sync/errgroup"
)

// Caller executes a single JSON-RPC call. *rpc.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Adapter implements chain.Client against an EVM node over JSON-RPC.
type Adapter struct {
	client             Caller
	wsURL              string
	receiptConcurrency int
	log                *logger.Logger
}

const defaultReceiptConcurrency = 5

func NewAdapter(client Caller, wsURL string) *Adapter {
	return &Adapter{
		client:             client,
		wsURL:              wsURL,
		receiptConcurrency: defaultReceiptConcurrency,
		log:                logger.Default(),
	}
}

type rawHeader struct {
	Number     string `json:"number"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parentHash"`
	Timestamp  string `json:"timestamp"`
}

func (h rawHeader) toDomain() (domain.Header, error) {
	number, err := parseHexUint(h.Number)
	if err != nil {
		return domain.Header{}, fmt.Errorf("block number: %w", err)
	}
	timestamp, err := parseHexUint(h.Timestamp)
	if err != nil {
		return domain.Header{}, fmt.Errorf("block timestamp: %w", err)
	}
	return domain.Header{
		Number:     number,
		Hash:       h.Hash,
		ParentHash: h.ParentHash,
		Timestamp:  timestamp,
	}, nil
}

func (a *Adapter) LatestHeader(ctx context.Context) (domain.Header, error) {
	return a.headerByTag(ctx, "latest")
}

func (a *Adapter) HeaderByNumber(ctx context.Context, number uint64) (domain.Header, error) {
	return a.headerByTag(ctx, fmt.Sprintf("0x%x", number))
}

func (a *Adapter) headerByTag(ctx context.Context, tag string) (domain.Header, error) {
	result, err := a.client.Call(ctx, "eth_getBlockByNumber", []any{tag, false})
	if err != nil {
		return domain.Header{}, fmt.Errorf("eth_getBlockByNumber %s: %w", tag, err)
	}
	if isJSONNull(result) {
		return domain.Header{}, fmt.Errorf("block %s: %w", tag, domain.ErrNotFound)
	}

	var raw rawHeader
	if err := json.Unmarshal(result, &raw); err != nil {
		return domain.Header{}, fmt.Errorf("decode block %s: %w", tag, err)
	}
	return raw.toDomain()
}

func (a *Adapter) SubscribeNewHeads(ctx context.Context) (chain.HeadStream, error) {
	sub, err := rpc.SubscribeNewHeads(ctx, a.wsURL)
	if err != nil {
		return nil, err
	}
	stream := newHeadStream(sub, a.log)
	go stream.pump()
	return stream, nil
}

// headSource is the raw notification stream pump converts from.
// *rpc.HeadSubscription satisfies it.
type headSource interface {
	Heads() <-chan rpc.HeadNotification
	Err() error
	Close()
}

type headStream struct {
	sub       headSource
	heads     chan domain.Header
	done      chan struct{}
	closeOnce sync.Once
	log       *logger.Logger
}

func newHeadStream(sub headSource, log *logger.Logger) *headStream {
	return &headStream{
		sub:   sub,
		heads: make(chan domain.Header, 64),
		done:  make(chan struct{}),
		log:   log,
	}
}

func (s *headStream) pump() {
	defer close(s.heads)
	for n := range s.sub.Heads() {
		raw := rawHeader{
			Number:     n.Number,
			Hash:       n.Hash,
			ParentHash: n.ParentHash,
			Timestamp:  n.Timestamp,
		}
		header, err := raw.toDomain()
		if err != nil {
			s.log.Warn("dropping malformed head notification", "error", err)
			continue
		}
		// done unblocks the send when the consumer abandoned the stream
		// with a backlog still buffered.
		select {
		case s.heads <- header:
		case <-s.done:
			return
		}
	}
}

func (s *headStream) Heads() <-chan domain.Header { return s.heads }
func (s *headStream) Err() error                  { return s.sub.Err() }

func (s *headStream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.sub.Close()
}

type rawLog struct {
	TransactionHash string `json:"transactionHash"`
	BlockHash       string `json:"blockHash"`
	BlockNumber     string `json:"blockNumber"`
}

type rawReceipt struct {
	GasUsed           string `json:"gasUsed"`
	EffectiveGasPrice string `json:"effectiveGasPrice"`
	GasPrice          string `json:"gasPrice"`
}

// PoolTransactions discovers pool activity via eth_getLogs, then fetches
// receipts for gas data. Receipt fetches run in parallel with bounded
// concurrency; any receipt failure fails the whole range so the caller
// never writes a partial block.
func (a *Adapter) PoolTransactions(
	ctx context.Context,
	from, to uint64,
	pool string,
) ([]domain.PoolTx, error) {
	filter := map[string]any{
		"fromBlock": fmt.Sprintf("0x%x", from),
		"toBlock":   fmt.Sprintf("0x%x", to),
		"address":   strings.ToLower(pool),
	}
	result, err := a.client.Call(ctx, "eth_getLogs", []any{filter})
	if err != nil {
		return nil, fmt.Errorf("eth_getLogs [%d, %d]: %w", from, to, err)
	}

	var logs []rawLog
	if err := json.Unmarshal(result, &logs); err != nil {
		return nil, fmt.Errorf("decode logs: %w", err)
	}

	// A swap emits several logs for the same transaction; dedupe while
	// preserving first-seen order.
	seen := make(map[string]struct{}, len(logs))
	txs := make([]domain.PoolTx, 0, len(logs))
	for _, l := range logs {
		if _, ok := seen[l.TransactionHash]; ok {
			continue
		}
		seen[l.TransactionHash] = struct{}{}

		number, err := parseHexUint(l.BlockNumber)
		if err != nil {
			return nil, fmt.Errorf("log block number: %w", err)
		}
		txs = append(txs, domain.PoolTx{
			TxHash:      l.TransactionHash,
			BlockHash:   l.BlockHash,
			BlockNumber: number,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.receiptConcurrency)
	for i := range txs {
		g.Go(func() error {
			return a.fillReceipt(gctx, &txs[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return txs, nil
}

func (a *Adapter) fillReceipt(ctx context.Context, tx *domain.PoolTx) error {
	result, err := a.client.Call(ctx, "eth_getTransactionReceipt", []any{tx.TxHash})
	if err != nil {
		return fmt.Errorf("receipt %s: %w", tx.TxHash, err)
	}
	if isJSONNull(result) {
		return fmt.Errorf("receipt %s: %w", tx.TxHash, domain.ErrNotFound)
	}

	var receipt rawReceipt
	if err := json.Unmarshal(result, &receipt); err != nil {
		return fmt.Errorf("decode receipt %s: %w", tx.TxHash, err)
	}

	gasUsed, err := parseHexUint(receipt.GasUsed)
	if err != nil {
		return fmt.Errorf("receipt %s gasUsed: %w", tx.TxHash, err)
	}
	priceHex := receipt.EffectiveGasPrice
	if priceHex == "" {
		priceHex = receipt.GasPrice
	}
	gasPrice, err := parseHexDecimal(priceHex)
	if err != nil {
		return fmt.Errorf("receipt %s gas price: %w", tx.TxHash, err)
	}

	tx.GasUsed = gasUsed
	tx.GasPriceWei = gasPrice
	return nil
}

func isJSONNull(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}

func parseHexUint(hexStr string) (uint64, error) {
	n, err := parseHexBig(hexStr)
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

func parseHexDecimal(hexStr string) (decimal.Decimal, error) {
	n, err := parseHexBig(hexStr)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromBigInt(n, 0), nil
}

func parseHexBig(hexStr string) (*big.Int, error) {
	n := new(big.Int)
	if _, ok := n.SetString(strings.TrimPrefix(hexStr, "0x"), 16); !ok {
		return nil, fmt.Errorf("invalid hex: %q", hexStr)
	}
	return n, nil
}
