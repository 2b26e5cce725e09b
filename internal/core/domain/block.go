package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Header is a chain block header as delivered by the RPC layer.
type Header struct {
	Number     uint64
	Hash       string
	ParentHash string
	Timestamp  uint64
}

// Block is the persisted record of a block whose pool-relevant activity
// has been priced. The price is sampled once when the block is first
// observed and is immutable afterwards.
type Block struct {
	Hash        string
	Number      uint64
	Price       decimal.Decimal
	CommittedAt time.Time
}

// PoolTx is a transaction that interacted with the monitored liquidity
// pool, together with the gas data needed for fee computation.
type PoolTx struct {
	TxHash      string
	BlockHash   string
	BlockNumber uint64
	GasUsed     uint64
	GasPriceWei decimal.Decimal
}
