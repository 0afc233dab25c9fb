package neutral

import "github.com/shopspring/decimal"

// ToAtomic converts a UI amount to integer base units, truncating toward
// zero. Negative amounts map to 0.
func ToAtomic(amount float64, decimals int32) uint64 {
	if amount <= 0 {
		return 0
	}
	return uint64(decimal.NewFromFloat(amount).Shift(decimals).Truncate(0).IntPart())
}

func FromAtomic(amount uint64, decimals int32) float64 {
	f, _ := decimal.NewFromUint64(amount).Shift(-decimals).Float64()
	return f
}

// RoundQty truncates qty to the given number of decimals.
func RoundQty(qty float64, decimals int32) float64 {
	f, _ := decimal.NewFromFloat(qty).Truncate(decimals).Float64()
	return f
}
