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

// FeeRepo implements storage.FeeRepository using PostgreSQL.
type FeeRepo struct {
	db *DB
}

// NewFeeRepo creates a new PostgreSQL fee repository.
func NewFeeRepo(db *DB) *FeeRepo {
	return &FeeRepo{db: db}
}

type feeRow struct {
	TxHash      string          `db:"tx_hash"`
	BlockHash   string          `db:"block_hash"`
	BlockNumber int64           `db:"block_number"`
	GasUsed     int64           `db:"gas_used"`
	GasPriceWei decimal.Decimal `db:"gas_price_wei"`
	FeeUSDT     decimal.Decimal `db:"fee_usdt"`
	CreatedAt   time.Time       `db:"created_at"`
}

func (f *feeRow) toDomain() *domain.FeeRecord {
	return &domain.FeeRecord{
		TxHash:      f.TxHash,
		BlockHash:   f.BlockHash,
		BlockNumber: uint64(f.BlockNumber),
		GasUsed:     uint64(f.GasUsed),
		GasPriceWei: f.GasPriceWei,
		FeeUSDT:     f.FeeUSDT,
		CreatedAt:   f.CreatedAt,
	}
}

// SaveBatch upserts fee records in a single transaction. A replayed block
// recomputes identical fees, so conflicting rows are left as they are.
func (r *FeeRepo) SaveBatch(ctx context.Context, records []*domain.FeeRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO txs (tx_hash, block_hash, block_number, gas_used, gas_price_wei, fee_usdt)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tx_hash) DO NOTHING
	`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		_, err := stmt.ExecContext(ctx,
			rec.TxHash,
			rec.BlockHash,
			int64(rec.BlockNumber),
			int64(rec.GasUsed),
			rec.GasPriceWei,
			rec.FeeUSDT,
		)
		if err != nil {
			return fmt.Errorf("failed to save fee record %s: %w", rec.TxHash, err)
		}
	}

	return tx.Commit()
}

// GetByTxHash retrieves a fee record by transaction hash.
func (r *FeeRepo) GetByTxHash(ctx context.Context, txHash string) (*domain.FeeRecord, error) {
	query := `
		SELECT tx_hash, block_hash, block_number, gas_used, gas_price_wei, fee_usdt, created_at
		FROM txs
		WHERE tx_hash = $1
	`

	var row feeRow
	err := r.db.GetContext(ctx, &row, query, txHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fee record: %w", err)
	}

	return row.toDomain(), nil
}
