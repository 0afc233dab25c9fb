package syncexec

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"dn-hedge-bot/internal/instruction"
	"dn-hedge-bot/internal/neutral"
	"dn-hedge-bot/internal/recovery"
)

const (
	OpOpen      = "OPEN"
	OpClose     = "CLOSE"
	OpRebalance = "REBALANCE"
)

// prepInput is what PREP reads once per attempt.
type prepInput struct {
	price    float64
	priceAt  time.Time
	funding  float64
	snapshot recovery.PositionState
}

// prepareFunc turns fresh reads into a plan. A plan without legs carries
// the reason nothing needs doing.
type prepareFunc func(id string, in prepInput) (plan, string)

type plan struct {
	op        string
	direction string
	spot      *instruction.SpotTradeIntent
	perp      *instruction.PerpTradeIntent

	spotQty float64
	perpQty float64
	spotUSD float64
	perpUSD float64

	quoteRequiredUSD   float64
	positionUSDAfter   float64
	expectedFundingUSD float64
}

func (p plan) legs() int {
	return instruction.BundleIntent{Spot: p.spot, Perp: p.perp}.Legs()
}

func (p plan) requestedQty() float64 {
	if p.perp != nil {
		return p.perpQty
	}
	return p.spotQty
}

// filledQty reports the base quantity that moved, preferring the perp leg
// whose size is exact.
func filledQty(p plan, a recovery.PartialFillAnalysis) float64 {
	if p.perp != nil && math.Abs(a.PerpDelta) > 0 {
		return math.Abs(a.PerpDelta)
	}
	return math.Abs(a.SpotDelta)
}

func (c *Coordinator) prep(ctx context.Context) (prepInput, error) {
	var in prepInput
	price, at, err := c.price.Price(ctx)
	if err != nil {
		return in, fmt.Errorf("price: %w", err)
	}
	if price <= 0 {
		return in, fmt.Errorf("price: non-positive %.6f", price)
	}
	in.price, in.priceAt = price, at

	snap, err := c.recovery.Capture(ctx)
	if err != nil {
		return in, fmt.Errorf("snapshot: %w", err)
	}
	in.snapshot = snap

	if c.funding != nil {
		rate, err := c.funding.FundingRateHourly(ctx, price)
		if err != nil {
			c.log.Debug("funding rate unavailable", zap.Error(err))
		} else {
			in.funding = rate
		}
	}
	return in, nil
}

func (c *Coordinator) spotBuy(quoteUSD float64) *instruction.SpotTradeIntent {
	return &instruction.SpotTradeIntent{
		InputMint:    c.cfg.QuoteMint,
		OutputMint:   c.cfg.SpotMint,
		AmountAtomic: neutral.ToAtomic(quoteUSD, c.cfg.QuoteDecimals),
		SlippageBps:  c.cfg.SlippageBps,
		Direction:    instruction.Buy,
	}
}

func (c *Coordinator) spotSell(qty float64) *instruction.SpotTradeIntent {
	return &instruction.SpotTradeIntent{
		InputMint:    c.cfg.SpotMint,
		OutputMint:   c.cfg.QuoteMint,
		AmountAtomic: neutral.ToAtomic(qty, c.cfg.SpotDecimals),
		SlippageBps:  c.cfg.SlippageBps,
		Direction:    instruction.Sell,
	}
}

func (c *Coordinator) perpOrder(id string, qty float64, dir instruction.TradeDirection, reduceOnly bool) *instruction.PerpTradeIntent {
	return &instruction.PerpTradeIntent{
		Market:     c.cfg.Market,
		Size:       qty,
		Direction:  dir,
		ReduceOnly: reduceOnly,
		ClientID:   id + "-perp",
	}
}

func (c *Coordinator) horizonHours() float64 {
	return c.cfg.ProfitHorizon.Hours()
}

func (c *Coordinator) openPlan(id string, totalUSD float64, in prepInput) (plan, string) {
	if _, open := c.Position(); open {
		return plan{}, "hedge already open"
	}
	legs, err := neutral.Size(totalUSD, c.cfg.Leverage)
	if err != nil {
		return plan{}, err.Error()
	}
	qty := neutral.RoundQty(legs.PerpUSD/in.price, c.cfg.PerpSizeDecimals)
	if qty <= 0 || legs.SpotUSD <= 0 {
		return plan{}, fmt.Sprintf("notional $%.2f too small at price %.4f", totalUSD, in.price)
	}
	perpUSD := qty * in.price
	return plan{
		op:                 OpOpen,
		direction:          "OPEN",
		spot:               c.spotBuy(legs.SpotUSD),
		perp:               c.perpOrder(id, qty, instruction.Short, false),
		spotQty:            legs.SpotUSD / in.price,
		perpQty:            qty,
		spotUSD:            legs.SpotUSD,
		perpUSD:            perpUSD,
		quoteRequiredUSD:   legs.SpotUSD,
		positionUSDAfter:   in.snapshot.SpotBalance*in.price + legs.SpotUSD,
		expectedFundingUSD: neutral.FundingYield(in.funding, perpUSD, c.horizonHours()),
	}, ""
}

func (c *Coordinator) closePlan(id string, in prepInput) (plan, string) {
	spotQty := neutral.RoundQty(in.snapshot.SpotBalance, c.cfg.SpotDecimals)
	perpQty := neutral.RoundQty(math.Abs(in.snapshot.PerpSize), c.cfg.PerpSizeDecimals)
	p := plan{op: OpClose, direction: "CLOSE"}
	if spotQty > c.cfg.DustThreshold {
		p.spot = c.spotSell(spotQty)
		p.spotQty = spotQty
		p.spotUSD = spotQty * in.price
	}
	if perpQty > c.cfg.DustThreshold {
		dir := instruction.Long
		if in.snapshot.PerpSize > 0 {
			dir = instruction.Short
		}
		p.perp = c.perpOrder(id, perpQty, dir, true)
		p.perpQty = perpQty
		p.perpUSD = perpQty * in.price
	}
	if p.legs() == 0 {
		return plan{}, "no position to close"
	}
	return p, ""
}

func (c *Coordinator) rebalancePlan(id string, sig neutral.RebalanceSignal, in prepInput) (plan, string) {
	if _, open := c.Position(); !open {
		return plan{}, "no open hedge"
	}
	pos := neutral.BuildPosition(in.snapshot.SpotBalance, in.snapshot.PerpSize, in.price, 0, 0, c.now())
	fresh := neutral.ComputeSignal(pos, in.price, c.cfg.DriftThresholdPct)
	if !fresh.Actionable() {
		return plan{}, "drift resolved: " + fresh.Reason
	}
	if fresh.Direction != sig.Direction {
		c.log.Info("rebalance direction changed since signal",
			zap.String("signal", string(sig.Direction)),
			zap.String("fresh", string(fresh.Direction)))
	}

	p := plan{op: OpRebalance, direction: string(fresh.Direction), positionUSDAfter: pos.SpotValueUSD}
	switch fresh.Direction {
	case neutral.AddShort:
		qty := neutral.RoundQty(fresh.Qty, c.cfg.PerpSizeDecimals)
		if qty <= 0 {
			return plan{}, fmt.Sprintf("rebalance %.6f below perp step", fresh.Qty)
		}
		p.perp = c.perpOrder(id, qty, instruction.Short, false)
		p.perpQty = qty
		p.perpUSD = qty * in.price
	case neutral.AddSpot:
		p.spot = c.spotBuy(fresh.QtyUSD)
		p.spotQty = fresh.Qty
		p.spotUSD = fresh.QtyUSD
		p.quoteRequiredUSD = fresh.QtyUSD
		p.positionUSDAfter += fresh.QtyUSD
	case neutral.ReduceShort:
		qty := neutral.RoundQty(fresh.Qty, c.cfg.PerpSizeDecimals)
		if qty <= 0 {
			return plan{}, fmt.Sprintf("short %.6f below perp step", fresh.Qty)
		}
		p.perp = c.perpOrder(id, qty, instruction.Long, true)
		p.perpQty = qty
		p.perpUSD = qty * in.price
	default:
		return plan{}, "unsupported direction " + string(fresh.Direction)
	}
	return p, ""
}
