package recovery

import (
	"fmt"
	"math"
	"time"
)

type FillType string

const (
	SpotOnly FillType = "SPOT_ONLY"
	PerpOnly FillType = "PERP_ONLY"
	Neither  FillType = "NEITHER"
	Both     FillType = "BOTH"
)

type Action string

const (
	ActionNone       Action = "NONE"
	ActionSellSpot   Action = "SELL_SPOT"
	ActionBuySpot    Action = "BUY_SPOT"
	ActionCloseShort Action = "CLOSE_SHORT"
	ActionCloseLong  Action = "CLOSE_LONG"
)

// PositionState is one snapshot of everything a trade can move. PerpSize is
// signed, negative for shorts.
type PositionState struct {
	SpotBalance       float64   `json:"spot_balance"`
	QuoteBalance      float64   `json:"quote_balance"`
	PerpSize          float64   `json:"perp_size"`
	PerpEntryPrice    float64   `json:"perp_entry_price"`
	PerpUnrealizedPnL float64   `json:"perp_unrealized_pnl"`
	CapturedAt        time.Time `json:"captured_at"`
	BlockHeight       uint64    `json:"block_height"`
}

type PartialFillAnalysis struct {
	FillType       FillType
	SpotDelta      float64
	PerpDelta      float64
	NetExposure    float64
	RecoveryNeeded bool
	RecoveryAction Action
	Pre            PositionState
	Post           PositionState
}

func (a PartialFillAnalysis) IsPartial() bool {
	return a.FillType == SpotOnly || a.FillType == PerpOnly
}

// Analyze diffs two snapshots. A leg counts as executed when its balance
// moved by more than dust; recovery is needed when exactly one leg moved and
// the net base exposure exceeds tolerance.
func Analyze(pre, post PositionState, dust, tolerance float64) PartialFillAnalysis {
	a := PartialFillAnalysis{
		SpotDelta:      post.SpotBalance - pre.SpotBalance,
		PerpDelta:      post.PerpSize - pre.PerpSize,
		RecoveryAction: ActionNone,
		Pre:            pre,
		Post:           post,
	}
	a.NetExposure = a.SpotDelta + a.PerpDelta
	spotMoved := math.Abs(a.SpotDelta) > dust
	perpMoved := math.Abs(a.PerpDelta) > dust

	switch {
	case spotMoved && perpMoved:
		a.FillType = Both
	case spotMoved:
		a.FillType = SpotOnly
		a.RecoveryAction = ActionSellSpot
		if a.SpotDelta < 0 {
			a.RecoveryAction = ActionBuySpot
		}
	case perpMoved:
		a.FillType = PerpOnly
		a.RecoveryAction = ActionCloseLong
		if a.PerpDelta < 0 {
			a.RecoveryAction = ActionCloseShort
		}
	default:
		a.FillType = Neither
	}
	a.RecoveryNeeded = a.IsPartial() && math.Abs(a.NetExposure) > tolerance
	if !a.RecoveryNeeded {
		a.RecoveryAction = ActionNone
	}
	return a
}

type RecoveryPath struct {
	Action           Action
	Asset            string
	Size             float64
	Urgency          int
	Reason           string
	EstimatedCostUSD float64
}

type PathParams struct {
	SpotAsset            string
	PerpMarket           string
	Price                float64
	EmergencySlippageBps int
}

// CalculateRecoveryPath reverses exactly the leg that executed. ok is false
// when no recovery is needed.
func CalculateRecoveryPath(a PartialFillAnalysis, p PathParams) (RecoveryPath, bool) {
	if !a.RecoveryNeeded {
		return RecoveryPath{}, false
	}
	path := RecoveryPath{Action: a.RecoveryAction, Urgency: 3}
	switch a.RecoveryAction {
	case ActionSellSpot, ActionBuySpot:
		path.Asset = p.SpotAsset
		path.Size = math.Abs(a.SpotDelta)
	case ActionCloseShort, ActionCloseLong:
		path.Asset = p.PerpMarket
		path.Size = math.Abs(a.PerpDelta)
	default:
		return RecoveryPath{}, false
	}
	exposureUSD := math.Abs(a.NetExposure) * p.Price
	if exposureUSD < 10 {
		path.Urgency = 2
	}
	path.Reason = fmt.Sprintf("%s fill left %.6f %s unhedged (~$%.2f)", a.FillType, a.NetExposure, path.Asset, exposureUSD)
	path.EstimatedCostUSD = path.Size * p.Price * float64(p.EmergencySlippageBps) / 10_000
	return path, true
}
