package safety

import (
	"fmt"
	"time"
)

const lamportsPerSOL = 1e9

type Config struct {
	MaxFeeUSD          float64
	MinProfitRatio     float64
	MaxPriceAge        time.Duration
	MaxSlotAge         time.Duration
	MaxRPCLatency      time.Duration
	MinGasSOL          float64
	MinQuoteReserveUSD float64
	MaxPositionUSD     float64
}

// Input is everything the gates look at. It is gathered once per attempt
// and evaluated without further I/O.
type Input struct {
	Now time.Time

	Cost               CostEstimate
	ExpectedFundingUSD float64

	PriceObservedAt time.Time
	SlotObservedAt  time.Time
	RPCLatency      time.Duration

	GasBalanceSOL    float64
	QuoteBalanceUSD  float64
	QuoteRequiredUSD float64
	PositionUSDAfter float64
}

type Gate interface {
	Name() string
	Check(in Input) (bool, string)
}

type Decision struct {
	Pass   bool
	Gate   string
	Reason string
}

type Gates struct {
	gates []Gate
}

func New(cfg Config) *Gates {
	return NewWith(
		FeeGuard{MaxFeeUSD: cfg.MaxFeeUSD, MinProfitRatio: cfg.MinProfitRatio},
		OracleLatencyShield{MaxPriceAge: cfg.MaxPriceAge, MaxSlotAge: cfg.MaxSlotAge, MaxRPCLatency: cfg.MaxRPCLatency},
		BalanceGuard{MinGasSOL: cfg.MinGasSOL, MinQuoteReserveUSD: cfg.MinQuoteReserveUSD, MaxPositionUSD: cfg.MaxPositionUSD},
	)
}

func NewWith(gates ...Gate) *Gates {
	return &Gates{gates: gates}
}

// Evaluate runs the gates in order and stops at the first failure.
func (g *Gates) Evaluate(in Input) Decision {
	for _, gate := range g.gates {
		if ok, reason := gate.Check(in); !ok {
			return Decision{Gate: gate.Name(), Reason: reason}
		}
	}
	return Decision{Pass: true}
}

type FeeGuard struct {
	MaxFeeUSD      float64
	MinProfitRatio float64
}

func (FeeGuard) Name() string { return "fee_guard" }

func (f FeeGuard) Check(in Input) (bool, string) {
	total := in.Cost.TotalUSD
	if f.MaxFeeUSD > 0 && total > f.MaxFeeUSD {
		return false, fmt.Sprintf("estimated cost $%.4f exceeds ceiling $%.4f", total, f.MaxFeeUSD)
	}
	if f.MinProfitRatio > 0 && total > 0 && in.ExpectedFundingUSD > 0 {
		if ratio := in.ExpectedFundingUSD / total; ratio < f.MinProfitRatio {
			return false, fmt.Sprintf("profit ratio %.2f below %.2f", ratio, f.MinProfitRatio)
		}
	}
	return true, ""
}

type OracleLatencyShield struct {
	MaxPriceAge   time.Duration
	MaxSlotAge    time.Duration
	MaxRPCLatency time.Duration
}

func (OracleLatencyShield) Name() string { return "oracle_latency_shield" }

func (o OracleLatencyShield) Check(in Input) (bool, string) {
	if o.MaxPriceAge > 0 {
		if in.PriceObservedAt.IsZero() {
			return false, "no price observation"
		}
		if age := in.Now.Sub(in.PriceObservedAt); age > o.MaxPriceAge {
			return false, fmt.Sprintf("price age %s exceeds %s", age, o.MaxPriceAge)
		}
	}
	if o.MaxSlotAge > 0 {
		if in.SlotObservedAt.IsZero() {
			return false, "no slot observation"
		}
		if age := in.Now.Sub(in.SlotObservedAt); age > o.MaxSlotAge {
			return false, fmt.Sprintf("slot age %s exceeds %s", age, o.MaxSlotAge)
		}
	}
	if o.MaxRPCLatency > 0 && in.RPCLatency > o.MaxRPCLatency {
		return false, fmt.Sprintf("rpc latency %s exceeds %s", in.RPCLatency, o.MaxRPCLatency)
	}
	return true, ""
}

type BalanceGuard struct {
	MinGasSOL          float64
	MinQuoteReserveUSD float64
	MaxPositionUSD     float64
}

func (BalanceGuard) Name() string { return "balance_guard" }

func (b BalanceGuard) Check(in Input) (bool, string) {
	after := in.GasBalanceSOL - in.Cost.FeesSOL
	if after < b.MinGasSOL {
		return false, fmt.Sprintf("gas balance %.6f SOL after fees below floor %.6f SOL", after, b.MinGasSOL)
	}
	if in.QuoteRequiredUSD > 0 {
		available := in.QuoteBalanceUSD - b.MinQuoteReserveUSD
		if available < in.QuoteRequiredUSD {
			return false, fmt.Sprintf("quote balance $%.2f leaves $%.2f after reserve, need $%.2f",
				in.QuoteBalanceUSD, available, in.QuoteRequiredUSD)
		}
	}
	if b.MaxPositionUSD > 0 && in.PositionUSDAfter > b.MaxPositionUSD {
		return false, fmt.Sprintf("position $%.2f would exceed limit $%.2f", in.PositionUSDAfter, b.MaxPositionUSD)
	}
	return true, ""
}
