package neutral

import "time"

// Revenue weighs expected funding income over a horizon against the
// one-off execution cost of an attempt.
type Revenue struct {
	FundingUSD float64
	CostUSD    float64
	NetUSD     float64
	// ProfitRatio is FundingUSD / CostUSD, or 0 when nothing is spent.
	ProfitRatio float64
}

func EstimateRevenue(notionalUSD, fundingHourly float64, horizon time.Duration, costUSD float64) Revenue {
	funding := FundingYield(fundingHourly, notionalUSD, horizon.Hours())
	r := Revenue{FundingUSD: funding, CostUSD: costUSD, NetUSD: funding - costUSD}
	if costUSD > 0 {
		r.ProfitRatio = funding / costUSD
	}
	return r
}
