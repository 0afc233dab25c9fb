package neutral

import (
	"math"
	"time"
)

// DefaultDriftThresholdPct is the drift at or below which a position is neutral.
const DefaultDriftThresholdPct = 0.5

type Direction string

const (
	DirectionNone Direction = "NONE"
	AddSpot       Direction = "ADD_SPOT"
	AddShort      Direction = "ADD_SHORT"
	ReduceSpot    Direction = "REDUCE_SPOT"
	ReduceShort   Direction = "REDUCE_SHORT"
)

// MarketState is a read-only snapshot from the market-data feed. Funding is
// a fraction per hour (0.006 = 0.6%/h).
type MarketState struct {
	Price             float64
	FundingRateHourly float64
	EquityUSD         float64
	DeltaUSD          float64
	ObservedAt        time.Time
}

func (m MarketState) Age(now time.Time) time.Duration {
	if m.ObservedAt.IsZero() {
		return math.MaxInt64
	}
	return now.Sub(m.ObservedAt)
}

// DeltaPosition is the hedge as last computed. PerpQty is signed (negative
// is short); PerpValueUSD is absolute notional.
type DeltaPosition struct {
	SpotQty        float64   `json:"spot_qty"`
	PerpQty        float64   `json:"perp_qty"`
	SpotValueUSD   float64   `json:"spot_value_usd"`
	PerpValueUSD   float64   `json:"perp_value_usd"`
	SpotEntryPrice float64   `json:"spot_entry_price"`
	PerpEntryPrice float64   `json:"perp_entry_price"`
	DriftPct       float64   `json:"delta_drift_pct"`
	Timestamp      time.Time `json:"timestamp"`
}

func (p DeltaPosition) NetDeltaUSD() float64 {
	return p.SpotValueUSD - math.Abs(p.PerpValueUSD)
}

func (p DeltaPosition) IsNeutral() bool {
	return p.IsNeutralWithin(DefaultDriftThresholdPct)
}

func (p DeltaPosition) IsNeutralWithin(thresholdPct float64) bool {
	return math.Abs(p.DriftPct) <= thresholdPct
}

func (p DeltaPosition) IsFlat(dust float64) bool {
	return math.Abs(p.SpotQty) <= dust && math.Abs(p.PerpQty) <= dust
}

type RebalanceSignal struct {
	Direction Direction
	Qty       float64
	QtyUSD    float64
	DriftPct  float64
	Reason    string
	Urgency   int
}

func (s RebalanceSignal) Actionable() bool {
	return s.Direction != DirectionNone && s.Qty > 0
}
