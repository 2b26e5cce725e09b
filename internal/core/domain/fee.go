package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// FeeRecord is the computed USDT fee for a single pool transaction.
type FeeRecord struct {
	TxHash      string
	BlockHash   string
	BlockNumber uint64
	GasUsed     uint64
	GasPriceWei decimal.Decimal
	FeeUSDT     decimal.Decimal
	CreatedAt   time.Time
}
