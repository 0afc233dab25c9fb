package safety

// CostParams describes one attempt for fee estimation.
type CostParams struct {
	SOLPriceUSD        float64
	TipLamports        uint64
	BaseFeeLamports    uint64
	Signatures         int
	ComputeUnits       uint32
	PriorityMicroLamps uint64

	SpotNotionalUSD float64
	PerpNotionalUSD float64
	SwapFeeBps      float64
	PerpFeeBps      float64
	SlippageBps     float64
}

type CostEstimate struct {
	TipUSD      float64
	NetworkUSD  float64
	VenueFeeUSD float64
	SlippageUSD float64
	TotalUSD    float64
	// FeesSOL is what leaves the gas wallet: tip plus network fees.
	FeesSOL float64
}

func EstimateCost(p CostParams) CostEstimate {
	sigs := p.Signatures
	if sigs < 1 {
		sigs = 1
	}
	priorityLamports := float64(p.ComputeUnits) * float64(p.PriorityMicroLamps) / 1e6
	networkLamports := float64(p.BaseFeeLamports)*float64(sigs) + priorityLamports
	tipSOL := float64(p.TipLamports) / lamportsPerSOL
	networkSOL := networkLamports / lamportsPerSOL

	est := CostEstimate{
		TipUSD:      tipSOL * p.SOLPriceUSD,
		NetworkUSD:  networkSOL * p.SOLPriceUSD,
		VenueFeeUSD: p.SpotNotionalUSD*p.SwapFeeBps/10_000 + p.PerpNotionalUSD*p.PerpFeeBps/10_000,
		SlippageUSD: (p.SpotNotionalUSD + p.PerpNotionalUSD) * p.SlippageBps / 10_000,
		FeesSOL:     tipSOL + networkSOL,
	}
	est.TotalUSD = est.TipUSD + est.NetworkUSD + est.VenueFeeUSD + est.SlippageUSD
	return est
}
