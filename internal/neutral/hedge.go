package neutral

import (
	"fmt"
	"time"
)

type HedgePolicy struct {
	MinFundingRateHourly float64
	HedgeRatio           float64
	MinHedgeUSD          float64
	Cooldown             time.Duration
}

// HedgeState is what the caller knows about the current hedge.
type HedgeState struct {
	Hedged      bool
	LastCloseAt time.Time
}

type HedgeDecision struct {
	ShouldHedge bool
	HedgeUSD    float64
	Reason      string
}

// ShouldHedge checks cooldown, existing hedge, inventory size, funding sign
// and funding threshold in that order.
func ShouldHedge(inventoryUSD, fundingHourly float64, policy HedgePolicy, st HedgeState, now time.Time) HedgeDecision {
	if policy.Cooldown > 0 && !st.LastCloseAt.IsZero() {
		if elapsed := now.Sub(st.LastCloseAt); elapsed < policy.Cooldown {
			return HedgeDecision{Reason: fmt.Sprintf("cooldown (%s left)", (policy.Cooldown - elapsed).Round(time.Second))}
		}
	}
	if st.Hedged {
		return HedgeDecision{Reason: "already hedged"}
	}
	if inventoryUSD < policy.MinHedgeUSD || inventoryUSD <= 0 {
		return HedgeDecision{Reason: fmt.Sprintf("inventory too small ($%.2f)", inventoryUSD)}
	}
	if fundingHourly <= 0 {
		return HedgeDecision{Reason: fmt.Sprintf("non-positive funding (%.4f%%/h)", fundingHourly*100)}
	}
	if fundingHourly < policy.MinFundingRateHourly {
		return HedgeDecision{Reason: fmt.Sprintf("low funding (%.4f%%/h < %.4f%%/h)", fundingHourly*100, policy.MinFundingRateHourly*100)}
	}
	size := inventoryUSD * policy.HedgeRatio
	return HedgeDecision{
		ShouldHedge: true,
		HedgeUSD:    size,
		Reason:      fmt.Sprintf("hedge $%.2f at %.1f%% APR", size, AnnualizedPct(fundingHourly)),
	}
}
