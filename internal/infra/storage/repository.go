package storage

import (
	"context"

	"github.com/vietddude/txfees/internal/core/domain"
)

// BlockRepository persists priced blocks. The price column is write-once:
// InsertIfAbsent never overwrites an existing row for the same hash.
type BlockRepository interface {
	// InsertIfAbsent inserts a block record unless one already exists for
	// the same hash. Returns true when this call created the row.
	InsertIfAbsent(ctx context.Context, block *domain.Block) (bool, error)

	// GetByHash retrieves a block by hash. Returns nil when absent.
	GetByHash(ctx context.Context, hash string) (*domain.Block, error)
}

// FeeRepository persists computed fee records.
type FeeRepository interface {
	// SaveBatch upserts fee records keyed by transaction hash. Replayed
	// blocks produce identical records, so conflicts are no-ops.
	SaveBatch(ctx context.Context, records []*domain.FeeRecord) error

	// GetByTxHash retrieves a fee record. Returns nil when absent.
	GetByTxHash(ctx context.Context, txHash string) (*domain.FeeRecord, error)
}

// JobRepository is the durable batch-job store. All state transitions are
// conditional writes: the boolean result reports whether this caller won
// the transition, never whether the row exists.
type JobRepository interface {
	// Create inserts a pending job for the given time window.
	Create(ctx context.Context, startTime, endTime int64) (int64, error)

	// Get retrieves a job by id. Returns nil when absent.
	Get(ctx context.Context, id int64) (*domain.BatchJob, error)

	// ListClaimable returns pending and running jobs, oldest first.
	// Lease state decides which of them a worker may actually take.
	ListClaimable(ctx context.Context, limit int) ([]*domain.BatchJob, error)

	// MarkRunning transitions pending -> running (compare-and-set).
	MarkRunning(ctx context.Context, id int64) (bool, error)

	// ResolveRange sets the block bounds exactly once; a job whose range
	// is already resolved is left untouched and false is returned.
	ResolveRange(ctx context.Context, id int64, startBlock, endBlock uint64) (bool, error)

	// AdvanceCursor moves the checkpoint forward. Monotonic: an older
	// cursor value never wins.
	AdvanceCursor(ctx context.Context, id int64, cursor uint64) (bool, error)

	// MarkCompleted transitions running -> completed, only when the
	// cursor has reached the end block.
	MarkCompleted(ctx context.Context, id int64) (bool, error)

	// MarkFailed transitions running -> failed and records the reason.
	MarkFailed(ctx context.Context, id int64, reason string) (bool, error)
}
