package sequential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dn-hedge-bot/internal/alerts"
	"dn-hedge-bot/internal/drift"
	"dn-hedge-bot/internal/exec"
	"dn-hedge-bot/internal/instruction"
	"dn-hedge-bot/internal/metrics"
	"dn-hedge-bot/internal/neutral"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

const VenueSequential = "sequential"

type Legs interface {
	ExecuteSpot(ctx context.Context, intent instruction.SpotTradeIntent) exec.Result
	ExecutePerp(ctx context.Context, intent instruction.PerpTradeIntent, refPrice float64) exec.Result
}

// PerpPositions reads the live perp position. It settles perp orders whose
// confirmation timed out.
type PerpPositions interface {
	Position(ctx context.Context) (drift.Position, error)
}

type Config struct {
	PerpAttempts         int
	RetryDelay           time.Duration
	EmergencySlippageBps int
	DustThreshold        float64
	SpotMint             solana.PublicKey
	QuoteMint            solana.PublicKey
	SpotDecimals         int32
	QuoteDecimals        int32
}

// Plan is one attempt's legs. Either may be nil.
type Plan struct {
	AttemptID string
	Spot      *instruction.SpotTradeIntent
	Perp      *instruction.PerpTradeIntent
	RefPrice  float64
}

// Launcher executes legs one after another when bundling is unavailable.
// The spot leg goes first and the perp leg is retried. If it never fills,
// the spot leg is reversed once at emergency slippage. A perp attempt whose
// outcome is unknown is settled by reading the position first.
type Launcher struct {
	legs     Legs
	perp     PerpPositions
	cfg      Config
	notifier alerts.Notifier
	metrics  *metrics.Metrics
	log      *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(legs Legs, perp PerpPositions, cfg Config, notifier alerts.Notifier, m *metrics.Metrics, log *zap.Logger) *Launcher {
	if cfg.PerpAttempts <= 0 {
		cfg.PerpAttempts = 3
	}
	if cfg.DustThreshold <= 0 {
		cfg.DustThreshold = 0.001
	}
	if cfg.EmergencySlippageBps <= 0 {
		cfg.EmergencySlippageBps = 500
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Launcher{
		legs:     legs,
		perp:     perp,
		cfg:      cfg,
		notifier: alerts.OrNop(notifier),
		metrics:  metrics.OrNoop(m),
		log:      log,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (l *Launcher) Launch(ctx context.Context, plan Plan) exec.Result {
	l.metrics.SequentialLaunches.Inc()
	l.log.Warn("sequential launch, legs are not atomic",
		zap.String("attempt_id", plan.AttemptID),
		zap.Bool("spot_leg", plan.Spot != nil),
		zap.Bool("perp_leg", plan.Perp != nil),
	)

	var spot exec.Result
	if plan.Spot != nil {
		spot = l.legs.ExecuteSpot(ctx, *plan.Spot)
		if !spot.Success {
			spot.Message = "spot leg failed, perp leg not attempted: " + spot.Message
			return spot
		}
	}
	if plan.Perp == nil {
		return spot
	}

	baseline, baselineErr := l.perpBase(ctx)
	var perp exec.Result
	for attempt := 1; attempt <= l.cfg.PerpAttempts; attempt++ {
		perp = l.legs.ExecutePerp(ctx, *plan.Perp, plan.RefPrice)
		if perp.Success {
			return combine(spot, perp, plan.Spot != nil)
		}
		l.log.Warn("perp leg attempt failed",
			zap.String("attempt_id", plan.AttemptID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", l.cfg.PerpAttempts),
			zap.String("error_kind", string(perp.ErrorKind)),
			zap.String("error", perp.Message),
		)
		if perp.ErrorKind.FundsMoved() {
			if baselineErr != nil {
				return l.unresolved(ctx, plan, spot, perp, baselineErr)
			}
			moved, err := l.perpMoved(ctx, *plan.Perp, baseline)
			if err != nil {
				return l.unresolved(ctx, plan, spot, perp, err)
			}
			if moved > l.cfg.DustThreshold {
				l.log.Info("perp leg landed despite failed confirmation",
					zap.String("attempt_id", plan.AttemptID),
					zap.Float64("filled", moved),
				)
				return combine(spot, landed(perp, moved), plan.Spot != nil)
			}
		}
		if attempt < l.cfg.PerpAttempts {
			if err := l.sleep(ctx, l.cfg.RetryDelay); err != nil {
				break
			}
		}
	}
	if plan.Spot == nil {
		return perp
	}
	return l.rollback(ctx, plan, spot, perp)
}

var errNoPerpReader = errors.New("no perp position reader")

func (l *Launcher) perpBase(ctx context.Context) (float64, error) {
	if l.perp == nil {
		return 0, errNoPerpReader
	}
	pos, err := l.perp.Position(ctx)
	if err != nil {
		return 0, fmt.Errorf("perp position: %w", err)
	}
	return pos.Base, nil
}

// perpMoved is how far the perp position moved since baseline in the
// direction intent trades.
func (l *Launcher) perpMoved(ctx context.Context, intent instruction.PerpTradeIntent, baseline float64) (float64, error) {
	now, err := l.perpBase(ctx)
	if err != nil {
		return 0, err
	}
	delta := now - baseline
	if intent.Direction == instruction.Short {
		delta = -delta
	}
	return delta, nil
}

func landed(perp exec.Result, filled float64) exec.Result {
	perp.Success = true
	perp.Status = exec.StatusSuccess
	perp.ErrorKind = exec.KindNone
	perp.FillAmount = filled
	perp.Message = "confirmed by position read after " + perp.Message
	return perp
}

// unresolved stops an attempt whose perp order may have landed but cannot
// be checked. Neither a retry nor a spot reversal is safe then.
func (l *Launcher) unresolved(ctx context.Context, plan Plan, spot, perp exec.Result, cause error) exec.Result {
	res := exec.Failure(perp.ErrorKind, VenueSequential, fmt.Sprintf(
		"perp leg outcome unknown (%s) and position unreadable: %v; spot leg kept", perp.Message, cause))
	res.TxID = spot.TxID
	res.FillAmount = spot.FillAmount
	res.FillPrice = spot.FillPrice
	res.FeeUSD = spot.FeeUSD + perp.FeeUSD
	res.GasSOL = spot.GasSOL + perp.GasSOL
	l.log.Error("perp leg unverified, holding",
		zap.String("attempt_id", plan.AttemptID),
		zap.String("error_kind", string(perp.ErrorKind)),
		zap.Error(cause),
	)
	alerts.Notify(ctx, l.notifier, l.log, fmt.Sprintf(
		"UNVERIFIED perp leg attempt=%s kind=%s: position could not be read (%v). Spot leg kept; check the perp account.",
		plan.AttemptID, perp.ErrorKind, cause))
	return res
}

func (l *Launcher) rollback(ctx context.Context, plan Plan, spot, perp exec.Result) exec.Result {
	l.metrics.SequentialRollbacks.Inc()
	intent := l.reverse(*plan.Spot, spot)
	l.log.Warn("perp leg exhausted, reversing spot leg",
		zap.String("attempt_id", plan.AttemptID),
		zap.String("direction", string(intent.Direction)),
		zap.Float64("qty", spot.FillAmount),
	)
	rb := l.legs.ExecuteSpot(ctx, intent)
	if !rb.Success {
		res := exec.Failure(exec.KindRecoveryFailed, VenueSequential, fmt.Sprintf(
			"perp leg failed after %d attempts (%s) and spot rollback of %.6f failed: %s",
			l.cfg.PerpAttempts, perp.Message, spot.FillAmount, rb.Message))
		res.TxID = spot.TxID
		res.FillAmount = spot.FillAmount
		res.FillPrice = spot.FillPrice
		l.metrics.RecoveriesFailed.Inc()
		l.log.Error("sequential rollback failed, manual intervention required",
			zap.String("attempt_id", plan.AttemptID),
			zap.String("spot_tx", spot.TxID),
			zap.String("error", rb.Message),
		)
		alerts.Notify(ctx, l.notifier, l.log, fmt.Sprintf(
			"RECOVERY FAILED attempt=%s sequential rollback of %.6f spot failed: %s. Unhedged exposure remains; manual intervention required.",
			plan.AttemptID, spot.FillAmount, rb.Message))
		return res
	}
	l.metrics.RecoveriesExecuted.Inc()
	res := exec.Failure(perp.ErrorKind, VenueSequential, fmt.Sprintf(
		"perp leg failed after %d attempts (%s); spot leg reversed in %s", l.cfg.PerpAttempts, perp.Message, rb.TxID))
	res.TxID = rb.TxID
	res.FeeUSD = spot.FeeUSD + rb.FeeUSD
	res.GasSOL = spot.GasSOL + rb.GasSOL
	res.Latency = spot.Latency + perp.Latency + rb.Latency
	return res
}

// reverse builds the trade that undoes an executed spot leg, for exactly
// the filled quantity.
func (l *Launcher) reverse(orig instruction.SpotTradeIntent, fill exec.Result) instruction.SpotTradeIntent {
	if orig.Direction == instruction.Sell {
		return instruction.SpotTradeIntent{
			InputMint:    l.cfg.QuoteMint,
			OutputMint:   l.cfg.SpotMint,
			AmountAtomic: neutral.ToAtomic(fill.FillAmount*fill.FillPrice, l.cfg.QuoteDecimals),
			SlippageBps:  l.cfg.EmergencySlippageBps,
			Direction:    instruction.Buy,
		}
	}
	return instruction.SpotTradeIntent{
		InputMint:    l.cfg.SpotMint,
		OutputMint:   l.cfg.QuoteMint,
		AmountAtomic: neutral.ToAtomic(fill.FillAmount, l.cfg.SpotDecimals),
		SlippageBps:  l.cfg.EmergencySlippageBps,
		Direction:    instruction.Sell,
	}
}

func combine(spot, perp exec.Result, hasSpot bool) exec.Result {
	if !hasSpot {
		return perp
	}
	return exec.Result{
		Success:         true,
		Status:          exec.StatusSuccess,
		TxID:            perp.TxID,
		FillPrice:       spot.FillPrice,
		FillAmount:      spot.FillAmount,
		RequestedAmount: spot.RequestedAmount,
		FeeUSD:          spot.FeeUSD + perp.FeeUSD,
		GasSOL:          spot.GasSOL + perp.GasSOL,
		SlippageBps:     spot.SlippageBps,
		Venue:           VenueSequential,
		Latency:         spot.Latency + perp.Latency,
		Message:         fmt.Sprintf("spot %s, perp %s", spot.TxID, perp.TxID),
	}
}
