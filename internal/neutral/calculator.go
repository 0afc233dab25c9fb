package neutral

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrInvalidLeverage = errors.New("leverage must be >= 1")
	ErrInvalidPrice    = errors.New("price must be > 0")
)

// Legs is the per-leg notional returned by Size.
type Legs struct {
	SpotUSD float64
	PerpUSD float64
}

// Size splits totalUSD × leverage evenly between the spot long and the perp
// short so each leg offsets the other.
func Size(totalUSD, leverage float64) (Legs, error) {
	if leverage < 1 {
		return Legs{}, fmt.Errorf("size with leverage %.2f: %w", leverage, ErrInvalidLeverage)
	}
	if totalUSD <= 0 {
		return Legs{}, nil
	}
	half := totalUSD * leverage / 2
	return Legs{SpotUSD: half, PerpUSD: half}, nil
}

// SizeQty is Size expressed in base-asset quantity per leg.
func SizeQty(totalUSD, leverage, price float64) (float64, error) {
	if price <= 0 {
		return 0, ErrInvalidPrice
	}
	legs, err := Size(totalUSD, leverage)
	if err != nil {
		return 0, err
	}
	return legs.SpotUSD / price, nil
}

// Drift is |spot - |perp|| / spot in percent. A position without spot value
// has no meaningful drift and reports 0.
func Drift(spotValueUSD, perpValueUSD float64) float64 {
	if spotValueUSD <= 0 {
		return 0
	}
	return math.Abs(spotValueUSD-math.Abs(perpValueUSD)) * 100 / spotValueUSD
}

func BuildPosition(spotQty, perpQty, price, spotEntry, perpEntry float64, at time.Time) DeltaPosition {
	spotValue := spotQty * price
	perpValue := math.Abs(perpQty) * price
	return DeltaPosition{
		SpotQty:        spotQty,
		PerpQty:        perpQty,
		SpotValueUSD:   spotValue,
		PerpValueUSD:   perpValue,
		SpotEntryPrice: spotEntry,
		PerpEntryPrice: perpEntry,
		DriftPct:       Drift(spotValue, perpValue),
		Timestamp:      at,
	}
}

// RebalanceQty is the base quantity that closes the net delta. Non-positive
// prices yield 0.
func RebalanceQty(pos DeltaPosition, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return math.Abs(pos.NetDeltaUSD()) / price
}

// ComputeSignal derives the corrective action for pos. It depends only on
// its inputs, so repeated calls on an unchanged position agree.
//
// A short with no spot behind it has zero drift by definition, so it is
// reported separately as REDUCE_SHORT for the whole perp size.
func ComputeSignal(pos DeltaPosition, price, thresholdPct float64) RebalanceSignal {
	drift := pos.DriftPct
	if pos.SpotValueUSD <= 0 && pos.PerpQty < 0 && price > 0 {
		qty := -pos.PerpQty
		return RebalanceSignal{
			Direction: ReduceShort,
			Qty:       qty,
			QtyUSD:    qty * price,
			DriftPct:  drift,
			Reason:    fmt.Sprintf("naked short of %.6f without spot, reducing", qty),
			Urgency:   3,
		}
	}
	if math.Abs(drift) <= thresholdPct || price <= 0 {
		return RebalanceSignal{
			Direction: DirectionNone,
			DriftPct:  drift,
			Reason:    fmt.Sprintf("drift %.3f%% within %.3f%%", drift, thresholdPct),
			Urgency:   1,
		}
	}
	net := pos.NetDeltaUSD()
	qty := RebalanceQty(pos, price)
	sig := RebalanceSignal{
		Qty:      qty,
		QtyUSD:   math.Abs(net),
		DriftPct: drift,
		Urgency:  urgency(drift),
	}
	if net > 0 {
		sig.Direction = AddShort
		sig.Reason = fmt.Sprintf("spot heavy by $%.2f, adding short", net)
	} else {
		sig.Direction = AddSpot
		sig.Reason = fmt.Sprintf("short heavy by $%.2f, adding spot", -net)
	}
	return sig
}

func urgency(driftPct float64) int {
	d := math.Abs(driftPct)
	switch {
	case d > 2:
		return 3
	case d > 1:
		return 2
	default:
		return 1
	}
}

// FundingYield is the simple (non-reinvested) funding income on notional
// over hours at an hourly rate.
func FundingYield(rateHourly, notionalUSD, hours float64) float64 {
	if hours <= 0 || notionalUSD <= 0 {
		return 0
	}
	return notionalUSD * rateHourly * hours
}

// AnnualizedPct converts an hourly funding fraction to an APR percentage.
func AnnualizedPct(rateHourly float64) float64 {
	return rateHourly * 24 * 365 * 100
}

func ShouldEnterFundingArb(rateHourly, minRateHourly float64) bool {
	return rateHourly > 0 && rateHourly >= minRateHourly
}

// ValidateBalance reports whether pos is within tolerancePct drift, with a
// human readable reason when it is not.
func ValidateBalance(pos DeltaPosition, tolerancePct float64) (bool, string) {
	if pos.SpotValueUSD <= 0 && pos.PerpValueUSD <= 0 {
		return true, "no position"
	}
	if pos.PerpQty > 0 {
		return false, fmt.Sprintf("perp is long %.6f, hedge must be short", pos.PerpQty)
	}
	if pos.SpotValueUSD <= 0 {
		return false, fmt.Sprintf("naked perp of $%.2f without spot", pos.PerpValueUSD)
	}
	if !pos.IsNeutralWithin(tolerancePct) {
		return false, fmt.Sprintf("drift %.3f%% exceeds %.3f%%", pos.DriftPct, tolerancePct)
	}
	return true, "balanced"
}
