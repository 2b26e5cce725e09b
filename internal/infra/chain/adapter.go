package chain

import (
	"context"

	"github.com/vietddude/txfees/internal/core/domain"
)

// Client is the chain-level boundary between the trackers and the node.
// Implementations talk JSON-RPC to a full node; tests substitute fakes.
type Client interface {
	// LatestHeader returns the most recent committed header.
	LatestHeader(ctx context.Context) (domain.Header, error)

	// HeaderByNumber fetches a header by block number. It returns
	// domain.ErrNotFound while the block has not been committed yet.
	HeaderByNumber(ctx context.Context, number uint64) (domain.Header, error)

	// SubscribeNewHeads opens a live stream of newly committed headers.
	// The stream ends when the connection drops; the caller owns
	// reconnection.
	SubscribeNewHeads(ctx context.Context) (HeadStream, error)

	// PoolTransactions returns every transaction in [from, to] that
	// interacted with the pool contract, with gas usage from receipts.
	PoolTransactions(ctx context.Context, from, to uint64, pool string) ([]domain.PoolTx, error)
}

// HeadStream delivers headers in the order the node announces them.
type HeadStream interface {
	// Heads is closed when the stream ends.
	Heads() <-chan domain.Header

	// Err reports why the stream ended, valid after Heads closes.
	Err() error

	Close()
}
