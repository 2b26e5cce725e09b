// Package fees computes USDT-denominated transaction fees.
//
// All arithmetic is fixed-point via shopspring/decimal: fee values are
// financial and must round identically on every computation, so floats
// are not used anywhere in this package.
package fees

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vietddude/txfees/internal/core/domain"
)

// Compute returns the USDT fee for a transaction:
//
//	fee = gasUsed × gasPriceWei / 10^18 × priceUSDT
//
// The wei scaling is a Shift(-18), not a division: Div rounds at a fixed
// decimal precision and would zero out fees below 10^-16 ETH. Pure and
// idempotent; safe for concurrent use.
func Compute(gasUsed uint64, gasPriceWei, priceUSDT decimal.Decimal) (decimal.Decimal, error) {
	if gasPriceWei.IsNegative() || priceUSDT.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative fee input (gas_price=%s price=%s)",
			domain.ErrUnrecoverable, gasPriceWei, priceUSDT)
	}

	feeNative := decimal.NewFromUint64(gasUsed).Mul(gasPriceWei).Shift(-18)
	return feeNative.Mul(priceUSDT), nil
}

// Record builds a FeeRecord for a pool transaction at the sampled price.
func Record(tx domain.PoolTx, priceUSDT decimal.Decimal) (domain.FeeRecord, error) {
	fee, err := Compute(tx.GasUsed, tx.GasPriceWei, priceUSDT)
	if err != nil {
		return domain.FeeRecord{}, err
	}
	return domain.FeeRecord{
		TxHash:      tx.TxHash,
		BlockHash:   tx.BlockHash,
		BlockNumber: tx.BlockNumber,
		GasUsed:     tx.GasUsed,
		GasPriceWei: tx.GasPriceWei,
		FeeUSDT:     fee,
	}, nil
}
