package monitor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"dn-hedge-bot/internal/metrics"
	"dn-hedge-bot/internal/neutral"
	"dn-hedge-bot/internal/recovery"
	"dn-hedge-bot/internal/timescale"

	"go.uber.org/zap"
)

const historySize = 100

type PriceSource interface {
	Price(ctx context.Context) (float64, time.Time, error)
}

type FundingSource interface {
	FundingRateHourly(ctx context.Context, price float64) (float64, error)
}

type Snapshotter interface {
	Capture(ctx context.Context) (recovery.PositionState, error)
}

// CommittedPosition exposes the coordinator's last committed hedge. ok is
// false while no hedge is open.
type CommittedPosition interface {
	Position() (neutral.DeltaPosition, bool)
}

type Ledger interface {
	RecordPosition(rec timescale.PositionRecord)
}

type Config struct {
	Interval             time.Duration
	DriftThresholdPct    float64
	MinSignalInterval    time.Duration
	MaxConsecutiveErrors int
}

type Stats struct {
	Ticks             uint64
	SignalsEmitted    uint64
	Errors            uint64
	ConsecutiveErrors int
	Paused            bool
	LastTick          time.Time
	LastDriftPct      float64
	AvgDriftPct       float64
	MaxDriftPct       float64
	Samples           int
}

// Monitor recomputes drift from live reads on every tick and publishes
// actionable signals. It never writes the committed position.
type Monitor struct {
	price     PriceSource
	funding   FundingSource
	snapshots Snapshotter
	committed CommittedPosition
	ledger    Ledger
	metrics   *metrics.Metrics
	cfg       Config
	log       *zap.Logger
	now       func() time.Time

	signals chan neutral.RebalanceSignal
	paused  atomic.Bool

	mu           sync.Mutex
	ticks        uint64
	emitted      uint64
	errors       uint64
	consecutive  int
	lastTick     time.Time
	lastSignalAt time.Time
	history      []float64
	market       neutral.MarketState
}

func New(price PriceSource, funding FundingSource, snapshots Snapshotter, committed CommittedPosition, ledger Ledger, m *metrics.Metrics, cfg Config, log *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.DriftThresholdPct <= 0 {
		cfg.DriftThresholdPct = neutral.DefaultDriftThresholdPct
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		price:     price,
		funding:   funding,
		snapshots: snapshots,
		committed: committed,
		ledger:    ledger,
		metrics:   metrics.OrNoop(m),
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		signals:   make(chan neutral.RebalanceSignal, 1),
	}
}

// Signals delivers at most one pending signal; a newer signal replaces an
// unread older one.
func (m *Monitor) Signals() <-chan neutral.RebalanceSignal { return m.signals }

func (m *Monitor) Pause() {
	if !m.paused.Swap(true) {
		m.log.Info("monitor paused")
	}
}

func (m *Monitor) Resume() {
	if m.paused.Swap(false) {
		m.log.Info("monitor resumed")
	}
}

func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				m.recordError(err)
			}
		}
	}
}

// Tick runs one monitoring cycle.
func (m *Monitor) Tick(ctx context.Context) error {
	if m.paused.Load() {
		return nil
	}
	price, observedAt, err := m.price.Price(ctx)
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	snap, err := m.snapshots.Capture(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	funding := 0.0
	if m.funding != nil {
		if funding, err = m.funding.FundingRateHourly(ctx, price); err != nil {
			m.log.Debug("funding read failed", zap.Error(err))
			funding = 0
		}
	}

	committed, open := neutral.DeltaPosition{}, false
	if m.committed != nil {
		committed, open = m.committed.Position()
	}
	now := m.now()
	pos := neutral.BuildPosition(snap.SpotBalance, snap.PerpSize, price, committed.SpotEntryPrice, snap.PerpEntryPrice, now)
	sig := neutral.ComputeSignal(pos, price, m.cfg.DriftThresholdPct)

	m.mu.Lock()
	m.ticks++
	m.consecutive = 0
	m.lastTick = now
	m.history = append(m.history, pos.DriftPct)
	if len(m.history) > historySize {
		m.history = m.history[len(m.history)-historySize:]
	}
	m.market = neutral.MarketState{
		Price:             price,
		FundingRateHourly: funding,
		EquityUSD:         pos.SpotValueUSD + snap.QuoteBalance + snap.PerpUnrealizedPnL,
		DeltaUSD:          pos.NetDeltaUSD(),
		ObservedAt:        observedAt,
	}
	emit := open && sig.Actionable() && (m.lastSignalAt.IsZero() || now.Sub(m.lastSignalAt) >= m.cfg.MinSignalInterval)
	if emit {
		m.lastSignalAt = now
		m.emitted++
	}
	m.mu.Unlock()

	if m.ledger != nil {
		m.ledger.RecordPosition(timescale.PositionRecord{
			Time:              now,
			Source:            "monitor",
			SpotQty:           pos.SpotQty,
			PerpQty:           pos.PerpQty,
			SpotValueUSD:      pos.SpotValueUSD,
			PerpValueUSD:      pos.PerpValueUSD,
			NetDeltaUSD:       pos.NetDeltaUSD(),
			DriftPct:          pos.DriftPct,
			Price:             price,
			FundingRateHourly: funding,
		})
	}
	if emit {
		m.publish(sig)
		m.metrics.SignalsEmitted.Inc()
		m.log.Info("rebalance signal",
			zap.String("direction", string(sig.Direction)),
			zap.Float64("qty", sig.Qty),
			zap.Float64("drift_pct", sig.DriftPct),
			zap.Int("urgency", sig.Urgency),
			zap.String("reason", sig.Reason),
		)
	}
	return nil
}

func (m *Monitor) publish(sig neutral.RebalanceSignal) {
	select {
	case m.signals <- sig:
		return
	default:
	}
	select {
	case <-m.signals:
	default:
	}
	select {
	case m.signals <- sig:
	default:
	}
}

func (m *Monitor) recordError(err error) {
	m.metrics.MonitorErrors.Inc()
	m.mu.Lock()
	m.errors++
	m.consecutive++
	consecutive := m.consecutive
	m.mu.Unlock()
	if consecutive >= m.cfg.MaxConsecutiveErrors {
		m.log.Warn("monitor tick failing repeatedly", zap.Int("consecutive", consecutive), zap.Error(err))
		return
	}
	m.log.Debug("monitor tick failed", zap.Error(err))
}

// Market returns the market state seen on the last successful tick.
func (m *Monitor) Market() neutral.MarketState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.market
}

func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		Ticks:             m.ticks,
		SignalsEmitted:    m.emitted,
		Errors:            m.errors,
		ConsecutiveErrors: m.consecutive,
		Paused:            m.paused.Load(),
		LastTick:          m.lastTick,
		Samples:           len(m.history),
	}
	if len(m.history) == 0 {
		return st
	}
	sum := 0.0
	for _, d := range m.history {
		sum += d
		st.MaxDriftPct = math.Max(st.MaxDriftPct, d)
	}
	st.LastDriftPct = m.history[len(m.history)-1]
	st.AvgDriftPct = sum / float64(len(m.history))
	return st
}
