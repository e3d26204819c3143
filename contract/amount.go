package contract

import (
	"math"

	"github.com/btcsuite/btcd/btcutil"
)

// AddAmounts returns a + b, failing with ErrAmountOverflow if the sum cannot
// be represented as a 63-bit satoshi amount. Channel arithmetic must never
// wrap silently, since a wrapped balance could be signed away.
func AddAmounts(a, b btcutil.Amount) (btcutil.Amount, error) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, ErrAmountOverflow
	}
	if b < 0 && a < math.MinInt64-b {
		return 0, ErrAmountOverflow
	}

	return a + b, nil
}

// SubAmounts returns a - b, failing with ErrAmountOverflow if the difference
// leaves the representable satoshi range.
func SubAmounts(a, b btcutil.Amount) (btcutil.Amount, error) {
	if b < 0 && a > math.MaxInt64+b {
		return 0, ErrAmountOverflow
	}
	if b > 0 && a < math.MinInt64+b {
		return 0, ErrAmountOverflow
	}

	return a - b, nil
}
