package notify

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// FormatAmount renders an integer amount in smallest units as a decimal
// string with the token's decimals, trailing zeros dropped.
// FormatAmount(1500000, 6) == "1.5".
func FormatAmount(v *big.Int, decimals int32) string {
	if v == nil {
		return "0"
	}
	if decimals <= 0 {
		return v.String()
	}
	return decimal.NewFromBigInt(v, -decimals).String()
}

// ParseAmount is the inverse of FormatAmount. Fractional digits beyond
// decimals are truncated.
func ParseAmount(s string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return d.Shift(decimals).Truncate(0).BigInt(), nil
}
