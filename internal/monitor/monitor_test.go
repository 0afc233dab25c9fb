package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dn-hedge-bot/internal/neutral"
	"dn-hedge-bot/internal/recovery"
	"dn-hedge-bot/internal/timescale"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticPrice struct {
	price float64
	err   error
}

func (s staticPrice) Price(context.Context) (float64, time.Time, error) {
	return s.price, time.Unix(1_700_000_000, 0), s.err
}

type staticFunding float64

func (f staticFunding) FundingRateHourly(context.Context, float64) (float64, error) {
	return float64(f), nil
}

type fakeSnapshots struct {
	mu sync.Mutex
	st recovery.PositionState
}

func (f *fakeSnapshots) Capture(context.Context) (recovery.PositionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st, nil
}

type fakeCommitted struct {
	pos  neutral.DeltaPosition
	open bool
}

func (f fakeCommitted) Position() (neutral.DeltaPosition, bool) { return f.pos, f.open }

type fakeLedger struct {
	records []timescale.PositionRecord
}

func (f *fakeLedger) RecordPosition(rec timescale.PositionRecord) { f.records = append(f.records, rec) }

func newTestMonitor(snap recovery.PositionState, open bool, ledger *fakeLedger) *Monitor {
	var sink Ledger
	if ledger != nil {
		sink = ledger
	}
	return New(staticPrice{price: 100}, staticFunding(0.0001), &fakeSnapshots{st: snap}, fakeCommitted{open: open}, sink, nil, Config{
		Interval:          10 * time.Millisecond,
		DriftThresholdPct: 0.5,
		MinSignalInterval: time.Minute,
	}, zap.NewNop())
}

func TestTickEmitsSignalOnDrift(t *testing.T) {
	ledger := &fakeLedger{}
	m := newTestMonitor(recovery.PositionState{SpotBalance: 1, PerpSize: -0.9, QuoteBalance: 10}, true, ledger)

	require.NoError(t, m.Tick(context.Background()))

	select {
	case sig := <-m.Signals():
		assert.Equal(t, neutral.AddShort, sig.Direction)
		assert.InDelta(t, 0.1, sig.Qty, 1e-9)
		assert.InDelta(t, 10, sig.DriftPct, 1e-9)
		assert.Equal(t, 3, sig.Urgency)
	default:
		t.Fatalf("expected a signal")
	}
	require.Len(t, ledger.records, 1)
	assert.Equal(t, "monitor", ledger.records[0].Source)
	market := m.Market()
	assert.Equal(t, 100.0, market.Price)
	assert.InDelta(t, 10, market.DeltaUSD, 1e-9)
	assert.InDelta(t, 110, market.EquityUSD, 1e-9)
}

func TestTickQuietWhenNeutral(t *testing.T) {
	m := newTestMonitor(recovery.PositionState{SpotBalance: 1, PerpSize: -0.998}, true, nil)
	require.NoError(t, m.Tick(context.Background()))
	select {
	case sig := <-m.Signals():
		t.Fatalf("unexpected signal %+v", sig)
	default:
	}
	assert.Equal(t, uint64(1), m.Stats().Ticks)
}

func TestTickReducesNakedShort(t *testing.T) {
	m := newTestMonitor(recovery.PositionState{PerpSize: -1.0}, true, nil)
	require.NoError(t, m.Tick(context.Background()))
	select {
	case sig := <-m.Signals():
		assert.Equal(t, neutral.ReduceShort, sig.Direction)
		assert.InDelta(t, 1.0, sig.Qty, 1e-12)
		assert.Zero(t, sig.DriftPct)
	default:
		t.Fatalf("expected a signal for a short without spot")
	}
	assert.Equal(t, uint64(1), m.Stats().SignalsEmitted)
}

func TestTickQuietWithoutOpenHedge(t *testing.T) {
	m := newTestMonitor(recovery.PositionState{SpotBalance: 1}, false, nil)
	require.NoError(t, m.Tick(context.Background()))
	assert.Len(t, m.Signals(), 0)
}

func TestSignalCooldown(t *testing.T) {
	m := newTestMonitor(recovery.PositionState{SpotBalance: 1, PerpSize: -0.9}, true, nil)
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Tick(context.Background()))
	<-m.Signals()
	require.NoError(t, m.Tick(context.Background()))
	assert.Len(t, m.Signals(), 0)

	now = now.Add(2 * time.Minute)
	require.NoError(t, m.Tick(context.Background()))
	assert.Len(t, m.Signals(), 1)
	assert.Equal(t, uint64(2), m.Stats().SignalsEmitted)
}

func TestPublishReplacesUnreadSignal(t *testing.T) {
	m := newTestMonitor(recovery.PositionState{}, true, nil)
	m.publish(neutral.RebalanceSignal{Direction: neutral.AddShort, Qty: 1})
	m.publish(neutral.RebalanceSignal{Direction: neutral.AddSpot, Qty: 2})
	sig := <-m.Signals()
	assert.Equal(t, neutral.AddSpot, sig.Direction)
	assert.Len(t, m.Signals(), 0)
}

func TestPauseSkipsTicks(t *testing.T) {
	m := newTestMonitor(recovery.PositionState{SpotBalance: 1, PerpSize: -0.5}, true, nil)
	m.Pause()
	require.NoError(t, m.Tick(context.Background()))
	assert.Zero(t, m.Stats().Ticks)
	assert.True(t, m.Stats().Paused)
	m.Resume()
	require.NoError(t, m.Tick(context.Background()))
	assert.Equal(t, uint64(1), m.Stats().Ticks)
}

func TestStatsKeepsBoundedHistory(t *testing.T) {
	m := newTestMonitor(recovery.PositionState{SpotBalance: 1, PerpSize: -0.99}, false, nil)
	for i := 0; i < historySize+20; i++ {
		require.NoError(t, m.Tick(context.Background()))
	}
	st := m.Stats()
	assert.Equal(t, historySize, st.Samples)
	assert.InDelta(t, 1, st.LastDriftPct, 1e-9)
	assert.InDelta(t, 1, st.AvgDriftPct, 1e-9)
}

func TestRunCountsErrors(t *testing.T) {
	m := New(staticPrice{err: errors.New("feed down")}, nil, &fakeSnapshots{}, nil, nil, nil, Config{Interval: 5 * time.Millisecond}, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	require.NoError(t, m.Run(ctx))
	st := m.Stats()
	assert.Positive(t, st.Errors)
	assert.Equal(t, int(st.Errors), st.ConsecutiveErrors)
}
