package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passingInput(now time.Time) Input {
	return Input{
		Now:             now,
		Cost:            CostEstimate{TotalUSD: 0.01, FeesSOL: 0.0001},
		PriceObservedAt: now.Add(-time.Second),
		SlotObservedAt:  now.Add(-time.Second),
		RPCLatency:      50 * time.Millisecond,
		GasBalanceSOL:   1,
		QuoteBalanceUSD: 100,
	}
}

func testConfig() Config {
	return Config{
		MaxFeeUSD:          0.02,
		MaxPriceAge:        10 * time.Second,
		MaxSlotAge:         5 * time.Second,
		MaxRPCLatency:      300 * time.Millisecond,
		MinGasSOL:          0.02,
		MinQuoteReserveUSD: 0.5,
		MaxPositionUSD:     100,
	}
}

func TestGatesPass(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d := New(testConfig()).Evaluate(passingInput(now))
	assert.True(t, d.Pass)
	assert.Empty(t, d.Gate)
}

func TestFeeGuardCeiling(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	in := passingInput(now)
	in.Cost.TotalUSD = 0.03
	d := New(testConfig()).Evaluate(in)
	require.False(t, d.Pass)
	assert.Equal(t, "fee_guard", d.Gate)
	assert.Contains(t, d.Reason, "exceeds ceiling")
}

func TestFeeGuardProfitRatio(t *testing.T) {
	g := FeeGuard{MaxFeeUSD: 1, MinProfitRatio: 2}
	ok, reason := g.Check(Input{Cost: CostEstimate{TotalUSD: 0.1}, ExpectedFundingUSD: 0.15})
	assert.False(t, ok)
	assert.Contains(t, reason, "profit ratio")

	ok, _ = g.Check(Input{Cost: CostEstimate{TotalUSD: 0.1}, ExpectedFundingUSD: 0.25})
	assert.True(t, ok)
}

func TestOracleLatencyShield(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cfg := testConfig()

	in := passingInput(now)
	in.PriceObservedAt = now.Add(-11 * time.Second)
	d := New(cfg).Evaluate(in)
	assert.Equal(t, "oracle_latency_shield", d.Gate)
	assert.Contains(t, d.Reason, "price age")

	in = passingInput(now)
	in.SlotObservedAt = time.Time{}
	d = New(cfg).Evaluate(in)
	assert.Contains(t, d.Reason, "no slot observation")

	in = passingInput(now)
	in.RPCLatency = time.Second
	d = New(cfg).Evaluate(in)
	assert.Contains(t, d.Reason, "rpc latency")
}

func TestBalanceGuard(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cfg := testConfig()

	in := passingInput(now)
	in.GasBalanceSOL = 0.0201
	in.Cost.FeesSOL = 0.0002
	d := New(cfg).Evaluate(in)
	assert.Equal(t, "balance_guard", d.Gate)
	assert.Contains(t, d.Reason, "gas balance")

	in = passingInput(now)
	in.QuoteBalanceUSD = 10
	in.QuoteRequiredUSD = 9.8
	d = New(cfg).Evaluate(in)
	assert.Contains(t, d.Reason, "after reserve")

	in = passingInput(now)
	in.PositionUSDAfter = 120
	d = New(cfg).Evaluate(in)
	assert.Contains(t, d.Reason, "exceed limit")
}

type countingGate struct {
	name  string
	pass  bool
	calls *int
}

func (c countingGate) Name() string { return c.name }

func (c countingGate) Check(Input) (bool, string) {
	*c.calls++
	return c.pass, c.name
}

func TestEvaluateShortCircuits(t *testing.T) {
	var first, second int
	d := NewWith(
		countingGate{name: "first", pass: false, calls: &first},
		countingGate{name: "second", pass: true, calls: &second},
	).Evaluate(Input{})
	assert.False(t, d.Pass)
	assert.Equal(t, "first", d.Gate)
	assert.Equal(t, 1, first)
	assert.Zero(t, second)
}

func TestEstimateCost(t *testing.T) {
	est := EstimateCost(CostParams{
		SOLPriceUSD:        100,
		TipLamports:        50_000,
		BaseFeeLamports:    5_000,
		Signatures:         1,
		ComputeUnits:       400_000,
		PriorityMicroLamps: 1_000,
		SpotNotionalUSD:    10,
		PerpNotionalUSD:    10,
		SwapFeeBps:         10,
		PerpFeeBps:         2,
		SlippageBps:        5,
	})
	assert.InDelta(t, 0.005, est.TipUSD, 1e-12)
	// 5000 base + 400 priority lamports
	assert.InDelta(t, 0.00054, est.NetworkUSD, 1e-12)
	assert.InDelta(t, 0.012, est.VenueFeeUSD, 1e-12)
	assert.InDelta(t, 0.01, est.SlippageUSD, 1e-12)
	assert.InDelta(t, 0.02754, est.TotalUSD, 1e-12)
	assert.InDelta(t, 0.0000554, est.FeesSOL, 1e-15)
}
