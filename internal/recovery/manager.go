package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dn-hedge-bot/internal/alerts"
	"dn-hedge-bot/internal/drift"
	"dn-hedge-bot/internal/exec"
	"dn-hedge-bot/internal/instruction"
	"dn-hedge-bot/internal/metrics"
	"dn-hedge-bot/internal/neutral"
	"dn-hedge-bot/internal/state"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	snapshotPrefix = "recovery:snapshot:"
	attemptPrefix  = "recovery:attempt:"
)

var (
	ErrSnapshotNotFound = errors.New("pre-trade snapshot not found")
	ErrAlreadyAttempted = errors.New("recovery already attempted for this attempt")
)

type Balances interface {
	Token(ctx context.Context, mint solana.PublicKey) (float64, error)
}

type PerpPositions interface {
	Position(ctx context.Context) (drift.Position, error)
}

type SlotReader interface {
	Slot(ctx context.Context) (uint64, error)
}

type LegExecutor interface {
	ExecuteSpot(ctx context.Context, intent instruction.SpotTradeIntent) exec.Result
	ExecutePerp(ctx context.Context, intent instruction.PerpTradeIntent, refPrice float64) exec.Result
}

type Config struct {
	SpotMint             solana.PublicKey
	QuoteMint            solana.PublicKey
	SpotAsset            string
	PerpMarket           string
	SpotDecimals         int32
	QuoteDecimals        int32
	DustThreshold        float64
	ExposureTolerance    float64
	EmergencySlippageBps int
}

type Manager struct {
	balances Balances
	perp     PerpPositions
	slots    SlotReader
	legs     LegExecutor
	store    state.Store
	notifier alerts.Notifier
	metrics  *metrics.Metrics
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
}

func NewManager(balances Balances, perp PerpPositions, slots SlotReader, legs LegExecutor, store state.Store, notifier alerts.Notifier, m *metrics.Metrics, cfg Config, log *zap.Logger) *Manager {
	if cfg.DustThreshold <= 0 {
		cfg.DustThreshold = 0.001
	}
	if cfg.ExposureTolerance <= 0 {
		cfg.ExposureTolerance = 0.01
	}
	if cfg.EmergencySlippageBps <= 0 {
		cfg.EmergencySlippageBps = 500
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		balances: balances,
		perp:     perp,
		slots:    slots,
		legs:     legs,
		store:    store,
		notifier: alerts.OrNop(notifier),
		metrics:  metrics.OrNoop(m),
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Capture reads balances, perp position and slot concurrently.
func (m *Manager) Capture(ctx context.Context) (PositionState, error) {
	var st PositionState
	var pos drift.Position
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := m.balances.Token(gctx, m.cfg.SpotMint)
		if err != nil {
			return fmt.Errorf("spot balance: %w", err)
		}
		st.SpotBalance = v
		return nil
	})
	g.Go(func() error {
		v, err := m.balances.Token(gctx, m.cfg.QuoteMint)
		if err != nil {
			return fmt.Errorf("quote balance: %w", err)
		}
		st.QuoteBalance = v
		return nil
	})
	g.Go(func() error {
		p, err := m.perp.Position(gctx)
		if err != nil {
			return fmt.Errorf("perp position: %w", err)
		}
		pos = p
		return nil
	})
	g.Go(func() error {
		if m.slots == nil {
			return nil
		}
		slot, err := m.slots.Slot(gctx)
		if err != nil {
			return fmt.Errorf("slot: %w", err)
		}
		st.BlockHeight = slot
		return nil
	})
	if err := g.Wait(); err != nil {
		return PositionState{}, err
	}
	st.PerpSize = pos.Base
	st.PerpEntryPrice = pos.EntryPrice()
	if st.PerpEntryPrice > 0 {
		st.PerpUnrealizedPnL = pos.UnrealizedPnL(st.PerpEntryPrice)
	}
	st.CapturedAt = m.now()
	return st, nil
}

// CapturePreTrade stores a snapshot and returns the key to diff against.
func (m *Manager) CapturePreTrade(ctx context.Context) (string, error) {
	st, err := m.Capture(ctx)
	if err != nil {
		return "", err
	}
	return m.SavePreTrade(ctx, st)
}

// SavePreTrade stores an already captured snapshot.
func (m *Manager) SavePreTrade(ctx context.Context, st PositionState) (string, error) {
	key := uuid.NewString()
	if err := state.SaveJSON(ctx, m.store, snapshotPrefix+key, st); err != nil {
		return "", fmt.Errorf("save snapshot: %w", err)
	}
	return key, nil
}

// AnalyzePostTrade recaptures state and classifies the fill against the
// snapshot stored under key. The snapshot is consumed.
func (m *Manager) AnalyzePostTrade(ctx context.Context, key string) (PartialFillAnalysis, error) {
	var pre PositionState
	ok, err := state.LoadJSON(ctx, m.store, snapshotPrefix+key, &pre)
	if err != nil {
		return PartialFillAnalysis{}, err
	}
	if !ok {
		return PartialFillAnalysis{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, key)
	}
	post, err := m.Capture(ctx)
	if err != nil {
		return PartialFillAnalysis{}, err
	}
	if err := m.store.Delete(ctx, snapshotPrefix+key); err != nil {
		m.log.Warn("failed to delete snapshot", zap.String("key", key), zap.Error(err))
	}
	a := Analyze(pre, post, m.cfg.DustThreshold, m.cfg.ExposureTolerance)
	m.log.Info("post-trade analysis",
		zap.String("fill_type", string(a.FillType)),
		zap.Float64("spot_delta", a.SpotDelta),
		zap.Float64("perp_delta", a.PerpDelta),
		zap.Float64("net_exposure", a.NetExposure),
		zap.Bool("recovery_needed", a.RecoveryNeeded),
	)
	return a, nil
}

func (m *Manager) CalculateRecoveryPath(a PartialFillAnalysis, price float64) (RecoveryPath, bool) {
	return CalculateRecoveryPath(a, PathParams{
		SpotAsset:            m.cfg.SpotAsset,
		PerpMarket:           m.cfg.PerpMarket,
		Price:                price,
		EmergencySlippageBps: m.cfg.EmergencySlippageBps,
	})
}

type attemptRecord struct {
	Path      RecoveryPath `json:"path"`
	StartedAt time.Time    `json:"started_at"`
	Status    exec.Status  `json:"status,omitempty"`
	TxID      string       `json:"tx_id,omitempty"`
	Message   string       `json:"message,omitempty"`
}

// ExecuteRecovery runs the corrective trade for attemptID once. A second
// call for the same attempt returns ErrAlreadyAttempted without trading. A
// failed trade is reported as RECOVERY_FAILED and escalated, never retried.
func (m *Manager) ExecuteRecovery(ctx context.Context, attemptID string, path RecoveryPath, price float64) (exec.Result, error) {
	key := attemptPrefix + attemptID
	if _, ok, err := m.store.Get(ctx, key); err != nil {
		return exec.Result{}, err
	} else if ok {
		return exec.Result{}, fmt.Errorf("%w: %s", ErrAlreadyAttempted, attemptID)
	}
	rec := attemptRecord{Path: path, StartedAt: m.now()}
	if err := state.SaveJSON(ctx, m.store, key, rec); err != nil {
		return exec.Result{}, fmt.Errorf("record recovery attempt: %w", err)
	}

	m.log.Warn("executing recovery",
		zap.String("attempt_id", attemptID),
		zap.String("action", string(path.Action)),
		zap.String("asset", path.Asset),
		zap.Float64("size", path.Size),
		zap.String("reason", path.Reason),
	)
	res := m.execute(ctx, path, price)

	rec.Status = res.Status
	rec.TxID = res.TxID
	rec.Message = res.Message
	if err := state.SaveJSON(ctx, m.store, key, rec); err != nil {
		m.log.Warn("failed to update recovery record", zap.Error(err))
	}

	if res.Success {
		m.metrics.RecoveriesExecuted.Inc()
		m.log.Info("recovery executed", zap.String("attempt_id", attemptID), zap.String("tx", res.TxID))
		return res, nil
	}
	res.ErrorKind = exec.KindRecoveryFailed
	res.Message = fmt.Sprintf("recovery %s %.6f %s failed: %s", path.Action, path.Size, path.Asset, res.Message)
	m.metrics.RecoveriesFailed.Inc()
	m.log.Error("recovery failed, manual intervention required",
		zap.String("attempt_id", attemptID),
		zap.String("action", string(path.Action)),
		zap.Float64("size", path.Size),
		zap.String("error", res.Message),
	)
	alerts.Notify(ctx, m.notifier, m.log, fmt.Sprintf(
		"RECOVERY FAILED attempt=%s action=%s asset=%s size=%.6f reason=%q error=%q. Unhedged exposure remains; manual intervention required.",
		attemptID, path.Action, path.Asset, path.Size, path.Reason, res.Message,
	))
	return res, nil
}

func (m *Manager) execute(ctx context.Context, path RecoveryPath, price float64) exec.Result {
	slippage := m.cfg.EmergencySlippageBps
	switch path.Action {
	case ActionSellSpot:
		return m.legs.ExecuteSpot(ctx, instruction.SpotTradeIntent{
			InputMint:    m.cfg.SpotMint,
			OutputMint:   m.cfg.QuoteMint,
			AmountAtomic: neutral.ToAtomic(path.Size, m.cfg.SpotDecimals),
			SlippageBps:  slippage,
			Direction:    instruction.Sell,
		})
	case ActionBuySpot:
		return m.legs.ExecuteSpot(ctx, instruction.SpotTradeIntent{
			InputMint:    m.cfg.QuoteMint,
			OutputMint:   m.cfg.SpotMint,
			AmountAtomic: neutral.ToAtomic(path.Size*price, m.cfg.QuoteDecimals),
			SlippageBps:  slippage,
			Direction:    instruction.Buy,
		})
	case ActionCloseShort, ActionCloseLong:
		direction := instruction.Long
		if path.Action == ActionCloseLong {
			direction = instruction.Short
		}
		return m.legs.ExecutePerp(ctx, instruction.PerpTradeIntent{
			Market:     m.cfg.PerpMarket,
			Size:       path.Size,
			Direction:  direction,
			ReduceOnly: true,
			LimitPrice: emergencyLimit(price, direction, slippage),
		}, price)
	}
	return exec.Failure(exec.KindRecoveryFailed, "", fmt.Sprintf("unsupported recovery action %q", path.Action))
}

// emergencyLimit widens the reference price by slippage in the direction of
// the order. Zero means market.
func emergencyLimit(price float64, direction instruction.TradeDirection, slippageBps int) float64 {
	if price <= 0 {
		return 0
	}
	adj := float64(slippageBps) / 10_000
	if direction == instruction.Long {
		return price * (1 + adj)
	}
	return price * (1 - adj)
}

// Discard drops a pre-trade snapshot that will never be analyzed, e.g. when
// the attempt ended before anything was sent.
func (m *Manager) Discard(ctx context.Context, key string) {
	if err := m.store.Delete(ctx, snapshotPrefix+key); err != nil {
		m.log.Warn("failed to discard snapshot", zap.String("key", key), zap.Error(err))
	}
}

// Pending lists pre-trade snapshots that were saved but never analyzed,
// i.e. attempts interrupted by a restart.
func (m *Manager) Pending(ctx context.Context) ([]string, error) {
	keys, err := m.store.Keys(ctx, snapshotPrefix)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, snapshotPrefix))
	}
	return out, nil
}
