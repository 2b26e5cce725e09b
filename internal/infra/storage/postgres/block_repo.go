package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/txfees/internal/core/domain"
)

// BlockRepo implements storage.BlockRepository using PostgreSQL.
type BlockRepo struct {
	db *DB
}

// NewBlockRepo creates a new PostgreSQL block repository.
func NewBlockRepo(db *DB) *BlockRepo {
	return &BlockRepo{db: db}
}

type blockRow struct {
	Hash        string          `db:"hash"`
	Number      int64           `db:"number"`
	Price       decimal.Decimal `db:"price"`
	CommittedAt time.Time       `db:"committed_at"`
}

func (b *blockRow) toDomain() *domain.Block {
	return &domain.Block{
		Hash:        b.Hash,
		Number:      uint64(b.Number),
		Price:       b.Price,
		CommittedAt: b.CommittedAt,
	}
}

// InsertIfAbsent inserts a block record unless the hash is already stored.
// ON CONFLICT DO NOTHING keeps the first written price immutable: a racing
// writer for the same hash affects zero rows and returns false.
func (r *BlockRepo) InsertIfAbsent(ctx context.Context, block *domain.Block) (bool, error) {
	query := `
		INSERT INTO blocks (hash, number, price, committed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (hash) DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, query,
		block.Hash,
		int64(block.Number),
		block.Price,
		block.CommittedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert block: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return affected == 1, nil
}

// GetByHash retrieves a block by hash.
func (r *BlockRepo) GetByHash(ctx context.Context, hash string) (*domain.Block, error) {
	query := `SELECT hash, number, price, committed_at FROM blocks WHERE hash = $1`

	var row blockRow
	err := r.db.GetContext(ctx, &row, query, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block: %w", err)
	}

	return row.toDomain(), nil
}
