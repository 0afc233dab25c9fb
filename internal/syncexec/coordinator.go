package syncexec

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"dn-hedge-bot/internal/alerts"
	"dn-hedge-bot/internal/bundle"
	"dn-hedge-bot/internal/config"
	"dn-hedge-bot/internal/exec"
	"dn-hedge-bot/internal/instruction"
	"dn-hedge-bot/internal/metrics"
	"dn-hedge-bot/internal/neutral"
	"dn-hedge-bot/internal/recovery"
	"dn-hedge-bot/internal/safety"
	"dn-hedge-bot/internal/sequential"
	"dn-hedge-bot/internal/state"
	"dn-hedge-bot/internal/timescale"
)

// bundleRetryInterval is how long the coordinator stays on the sequential
// path after bundling degrades before trying a bundle again.
const bundleRetryInterval = 10 * time.Minute

type PriceSource interface {
	Price(ctx context.Context) (float64, time.Time, error)
}

type FundingSource interface {
	FundingRateHourly(ctx context.Context, price float64) (float64, error)
}

type Builder interface {
	Build(ctx context.Context, intent instruction.BundleIntent) (*instruction.Built, error)
}

type Submitter interface {
	SubmitAndConfirm(ctx context.Context, ixs []solana.Instruction, lookupTables []solana.PublicKey, simulateFirst bool) bundle.SubmissionResult
	Degraded(threshold int) bool
}

type Recovery interface {
	Capture(ctx context.Context) (recovery.PositionState, error)
	SavePreTrade(ctx context.Context, st recovery.PositionState) (string, error)
	AnalyzePostTrade(ctx context.Context, key string) (recovery.PartialFillAnalysis, error)
	Discard(ctx context.Context, key string)
	CalculateRecoveryPath(a recovery.PartialFillAnalysis, price float64) (recovery.RecoveryPath, bool)
	ExecuteRecovery(ctx context.Context, attemptID string, path recovery.RecoveryPath, price float64) (exec.Result, error)
}

type Sequential interface {
	Launch(ctx context.Context, plan sequential.Plan) exec.Result
}

type Gates interface {
	Evaluate(in safety.Input) safety.Decision
}

type SlotClock interface {
	Last() (uint64, time.Time)
}

type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

type GasWallet interface {
	SOL(ctx context.Context) (float64, error)
}

type Ledger interface {
	RecordPosition(rec timescale.PositionRecord)
	RecordAttempt(rec timescale.AttemptRecord)
}

// Deps are the collaborators of a Coordinator. Slots, Pinger, Gas, Funding,
// SOLPrice, Sequential, Ledger and Notifier may be nil.
type Deps struct {
	Price      PriceSource
	SOLPrice   PriceSource
	Funding    FundingSource
	Builder    Builder
	Submitter  Submitter
	Recovery   Recovery
	Sequential Sequential
	Gates      Gates
	Slots      SlotClock
	Pinger     Pinger
	Gas        GasWallet
	Store      state.Store
	Ledger     Ledger
	Notifier   alerts.Notifier
	Metrics    *metrics.Metrics
}

type Config struct {
	Mode      string
	Market    string
	SpotAsset string
	SpotMint  solana.PublicKey
	QuoteMint solana.PublicKey

	SpotDecimals     int32
	QuoteDecimals    int32
	PerpSizeDecimals int32
	Leverage         float64

	DriftThresholdPct float64
	DustThreshold     float64

	SlippageBps              int
	TipLamports              uint64
	ComputeUnits             uint32
	PriorityFeeMicroLamports uint64
	MaxInstructions          int
	MaxRoundTrip             time.Duration
	DegradedAfterFailures    int

	ProfitHorizon       time.Duration
	SwapFeeBps          float64
	PerpFeeBps          float64
	ExpectedSlippageBps float64
	BaseFeeLamports     uint64
}

// Coordinator runs synchronized two-leg attempts: it prepares a plan from
// live reads, gates it, submits both legs as one bundle, verifies the
// outcome against a pre-trade snapshot and recovers a partial fill. Only
// one attempt runs at a time.
type Coordinator struct {
	price      PriceSource
	solPrice   PriceSource
	funding    FundingSource
	builder    Builder
	submitter  Submitter
	recovery   Recovery
	sequential Sequential
	gates      Gates
	slots      SlotClock
	pinger     Pinger
	gas        GasWallet
	store      state.Store
	ledger     Ledger
	notifier   alerts.Notifier
	metrics    *metrics.Metrics
	cfg        Config
	log        *zap.Logger
	now        func() time.Time

	sm       *StateMachine
	busy     atomic.Bool
	position atomic.Pointer[neutral.DeltaPosition]

	degraded      atomic.Bool
	lastBundleTry atomic.Int64
}

func New(deps Deps, cfg Config, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PerpSizeDecimals == 0 {
		cfg.PerpSizeDecimals = 2
	}
	if cfg.Leverage < 1 {
		cfg.Leverage = 1
	}
	if cfg.DriftThresholdPct <= 0 {
		cfg.DriftThresholdPct = neutral.DefaultDriftThresholdPct
	}
	if cfg.SpotAsset == "" {
		cfg.SpotAsset = "SOL"
	}
	return &Coordinator{
		price:      deps.Price,
		solPrice:   deps.SOLPrice,
		funding:    deps.Funding,
		builder:    deps.Builder,
		submitter:  deps.Submitter,
		recovery:   deps.Recovery,
		sequential: deps.Sequential,
		gates:      deps.Gates,
		slots:      deps.Slots,
		pinger:     deps.Pinger,
		gas:        deps.Gas,
		store:      deps.Store,
		ledger:     deps.Ledger,
		notifier:   alerts.OrNop(deps.Notifier),
		metrics:    metrics.OrNoop(deps.Metrics),
		cfg:        cfg,
		log:        log,
		now:        time.Now,
		sm:         NewStateMachine(),
	}
}

func (c *Coordinator) State() State { return c.sm.State() }

// Run executes rebalance signals until ctx is done.
func (c *Coordinator) Run(ctx context.Context, signals <-chan neutral.RebalanceSignal) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			c.Rebalance(ctx, sig)
		}
	}
}

// Open enters a new hedge of totalUSD: a spot buy and a perp short of equal
// notional.
func (c *Coordinator) Open(ctx context.Context, totalUSD float64) exec.Result {
	return c.attempt(ctx, OpOpen, func(id string, in prepInput) (plan, string) {
		return c.openPlan(id, totalUSD, in)
	})
}

// Close unwinds whatever the wallet and perp account currently hold.
func (c *Coordinator) Close(ctx context.Context) exec.Result {
	return c.attempt(ctx, OpClose, c.closePlan)
}

// Rebalance corrects drift. The signal only triggers the attempt; size and
// direction are recomputed from fresh reads.
func (c *Coordinator) Rebalance(ctx context.Context, sig neutral.RebalanceSignal) exec.Result {
	return c.attempt(ctx, OpRebalance, func(id string, in prepInput) (plan, string) {
		return c.rebalancePlan(id, sig, in)
	})
}

type attemptMeta struct {
	mode      string
	direction string
	fillType  string
}

func (c *Coordinator) attempt(ctx context.Context, op string, prepare prepareFunc) exec.Result {
	if !c.busy.CompareAndSwap(false, true) {
		c.log.Info("attempt rejected, another attempt is in flight", zap.String("op", op))
		return exec.Failure(exec.KindAttemptInFlight, "", "another attempt is in flight")
	}
	defer c.busy.Store(false)

	start := c.now()
	id := uuid.NewString()
	log := c.log.With(zap.String("attempt_id", id), zap.String("op", op))
	c.sm.Apply(EventStart)
	defer c.sm.Apply(EventReset)

	meta := attemptMeta{mode: "bundle"}
	res := c.run(ctx, id, op, prepare, &meta, log)
	res.Latency = c.now().Sub(start)
	c.finish(id, meta, res, log)
	return res
}

func (c *Coordinator) run(ctx context.Context, id, op string, prepare prepareFunc, meta *attemptMeta, log *zap.Logger) exec.Result {
	in, err := c.prep(ctx)
	if err != nil {
		c.sm.Apply(EventAbort)
		return exec.FromError("", fmt.Errorf("prepare %s: %w", strings.ToLower(op), err))
	}
	p, skip := prepare(id, in)
	if p.legs() == 0 {
		c.sm.Apply(EventAbort)
		log.Debug("nothing to do", zap.String("reason", skip))
		return exec.Result{Status: exec.StatusCancelled, Message: skip}
	}
	meta.direction = p.direction
	c.sm.Apply(EventPrepared)

	sequentialPath := c.useSequential(ctx, log)
	decision := c.gates.Evaluate(c.gateInput(ctx, p, in, sequentialPath, log))
	if !decision.Pass {
		c.metrics.GateBlocked.Inc()
		c.sm.Apply(EventAbort)
		log.Info("attempt blocked", zap.String("gate", decision.Gate), zap.String("reason", decision.Reason))
		return exec.Failure(exec.KindGateBlocked, "", decision.Gate+": "+decision.Reason)
	}
	gatePassed := c.now()
	c.sm.Apply(EventGatePassed)

	key, err := c.recovery.SavePreTrade(ctx, in.snapshot)
	if err != nil {
		c.sm.Apply(EventAbort)
		return exec.FromError("", fmt.Errorf("save pre-trade snapshot: %w", err))
	}

	if sequentialPath {
		meta.mode = "sequential"
		return c.runSequential(ctx, id, key, p, in, meta, log)
	}

	built, err := c.builder.Build(ctx, instruction.BundleIntent{
		Spot:                     p.spot,
		Perp:                     p.perp,
		TipLamports:              c.cfg.TipLamports,
		ComputeUnits:             c.cfg.ComputeUnits,
		PriorityFeeMicroLamports: c.cfg.PriorityFeeMicroLamports,
	})
	if err != nil {
		return c.abortBeforeSend(ctx, key, exec.Failure(exec.KindBuildFailed, exec.VenueBundle, err.Error()))
	}
	if ok, problems := instruction.Validate(built.Instructions, c.cfg.MaxInstructions); !ok {
		return c.abortBeforeSend(ctx, key, exec.Failure(exec.KindBuildFailed, exec.VenueBundle, strings.Join(problems, "; ")))
	}
	if elapsed := c.now().Sub(gatePassed); c.cfg.MaxRoundTrip > 0 && elapsed > c.cfg.MaxRoundTrip {
		c.metrics.KillSwitchTripped.Inc()
		log.Warn("kill switch tripped", zap.Duration("elapsed", elapsed), zap.Duration("max", c.cfg.MaxRoundTrip))
		return c.abortBeforeSend(ctx, key, exec.Failure(exec.KindKillSwitch, exec.VenueBundle,
			fmt.Sprintf("%s since gates passed exceeds %s", elapsed.Round(time.Millisecond), c.cfg.MaxRoundTrip)))
	}

	trade := bundle.NewSyncTradeBundle(len(built.Instructions), c.cfg.TipLamports, c.now())
	sub := c.submitter.SubmitAndConfirm(ctx, built.Instructions, built.LookupTables, true)
	trade.Apply(sub)
	log = log.With(zap.String("bundle_id", sub.BundleID), zap.String("bundle_status", string(sub.Status)))

	switch sub.Status {
	case bundle.Failed, bundle.Dropped:
		kind := exec.KindBundleRejected
		switch {
		case sub.Simulated:
			kind = exec.KindSimulationFailed
		case sub.Status == bundle.Dropped:
			kind = exec.KindBundleDropped
		}
		res := exec.Failure(kind, exec.VenueBundle, errText(sub.Err, string(sub.Status)))
		res.BundleID = sub.BundleID
		return c.abortBeforeSend(ctx, key, res)
	}

	c.sm.Apply(EventSubmitted)
	analysis, err := c.recovery.AnalyzePostTrade(ctx, key)
	if err != nil {
		c.sm.Apply(EventAbort)
		kind := exec.KindRPCError
		if sub.Status == bundle.Timeout {
			kind = exec.KindConfirmationTimeout
		}
		res := exec.Failure(kind, exec.VenueBundle, "bundle outcome unverified: "+err.Error())
		res.BundleID = sub.BundleID
		log.Error("post-trade verification failed", zap.Error(err))
		alerts.Notify(ctx, c.notifier, log, fmt.Sprintf(
			"UNVERIFIED bundle attempt=%s bundle=%s status=%s error=%q. Check balances manually.",
			id, sub.BundleID, sub.Status, err.Error(),
		))
		return res
	}
	meta.fillType = string(analysis.FillType)
	return c.settle(ctx, id, p, analysis, sub, trade, in.price, log)
}

// abortBeforeSend ends an attempt that never reached the chain.
func (c *Coordinator) abortBeforeSend(ctx context.Context, key string, res exec.Result) exec.Result {
	c.sm.Apply(EventAbort)
	c.recovery.Discard(ctx, key)
	return res
}

func (c *Coordinator) settle(ctx context.Context, id string, p plan, a recovery.PartialFillAnalysis, sub bundle.SubmissionResult, trade *bundle.SyncTradeBundle, price float64, log *zap.Logger) exec.Result {
	switch {
	case a.FillType == recovery.Neither:
		c.sm.Apply(EventAbort)
		kind := exec.KindUnknown
		msg := "bundle landed but no balance change observed"
		if sub.Status == bundle.Timeout {
			kind = exec.KindConfirmationTimeout
			msg = "bundle not confirmed and no balance change observed"
		}
		res := exec.Failure(kind, exec.VenueBundle, msg)
		res.BundleID = sub.BundleID
		return res

	case p.legs() == 2 && a.IsPartial():
		c.sm.Apply(EventPartial)
		trade.MarkPartial()
		return c.rollback(ctx, id, a, sub, price, log)
	}

	trade.MarkConfirmed(sub.ConfirmedSlot)
	c.sm.Apply(EventVerified)
	c.commit(ctx, a.Post, price)

	res := exec.Result{
		Success:         true,
		Status:          exec.StatusSuccess,
		BundleID:        sub.BundleID,
		FillPrice:       price,
		FillAmount:      filledQty(p, a),
		RequestedAmount: p.requestedQty(),
		TipLamports:     c.cfg.TipLamports,
		Venue:           exec.VenueBundle,
		Message:         fmt.Sprintf("%s %s", p.op, p.direction),
	}
	if len(sub.Signatures) > 0 {
		res.TxID = sub.Signatures[0].String()
	}
	log.Info("attempt confirmed",
		zap.String("fill", string(a.FillType)),
		zap.Float64("spot_delta", a.SpotDelta),
		zap.Float64("perp_delta", a.PerpDelta),
		zap.Uint64("slot", sub.ConfirmedSlot),
		zap.Bool("atomic", trade.IsAtomic()),
	)
	return res
}

func (c *Coordinator) rollback(ctx context.Context, id string, a recovery.PartialFillAnalysis, sub bundle.SubmissionResult, price float64, log *zap.Logger) exec.Result {
	c.metrics.PartialFills.Inc()
	res := exec.Failure(exec.KindPartialFill, exec.VenueBundle, fmt.Sprintf("%s fill", a.FillType))
	res.BundleID = sub.BundleID
	log.Warn("partial fill detected",
		zap.String("fill", string(a.FillType)),
		zap.Float64("spot_delta", a.SpotDelta),
		zap.Float64("perp_delta", a.PerpDelta),
		zap.Float64("net_exposure", a.NetExposure),
	)

	path, needed := c.recovery.CalculateRecoveryPath(a, price)
	if !needed {
		c.commit(ctx, a.Post, price)
		res.Message += ", exposure within tolerance"
		return res
	}
	rec, err := c.recovery.ExecuteRecovery(ctx, id, path, price)
	if err != nil {
		res.ErrorKind = exec.KindRecoveryFailed
		res.Message += ": " + err.Error()
		return res
	}
	if !rec.Success {
		rec.BundleID = sub.BundleID
		return rec
	}

	if st, err := c.recovery.Capture(ctx); err != nil {
		log.Warn("post-recovery capture failed", zap.Error(err))
	} else {
		c.commit(ctx, st, price)
	}
	res.TxID = rec.TxID
	res.FeeUSD = rec.FeeUSD
	res.GasSOL = rec.GasSOL
	res.Message += fmt.Sprintf(", recovered via %s %.6f", path.Action, path.Size)
	return res
}

func (c *Coordinator) runSequential(ctx context.Context, id, key string, p plan, in prepInput, meta *attemptMeta, log *zap.Logger) exec.Result {
	res := c.sequential.Launch(ctx, sequential.Plan{
		AttemptID: id,
		Spot:      p.spot,
		Perp:      p.perp,
		RefPrice:  in.price,
	})
	c.sm.Apply(EventSubmitted)

	analysis, err := c.recovery.AnalyzePostTrade(ctx, key)
	if err != nil {
		log.Warn("post-trade capture failed after sequential launch", zap.Error(err))
		c.sm.Apply(EventAbort)
		return res
	}
	meta.fillType = string(analysis.FillType)
	if analysis.FillType != recovery.Neither {
		c.commit(ctx, analysis.Post, in.price)
	}
	if res.Success {
		c.sm.Apply(EventVerified)
	} else {
		c.sm.Apply(EventAbort)
	}
	return res
}

// useSequential decides the execution path for the next attempt. In auto
// mode a degraded submitter routes to the sequential launcher, and a bundle is
// tried again every bundleRetryInterval so recovery can be noticed.
func (c *Coordinator) useSequential(ctx context.Context, log *zap.Logger) bool {
	if c.sequential == nil {
		return false
	}
	switch c.cfg.Mode {
	case config.ModeSequential:
		return true
	case config.ModeBundle:
		return false
	}
	degraded := c.cfg.DegradedAfterFailures > 0 && c.submitter.Degraded(c.cfg.DegradedAfterFailures)
	if !degraded {
		if c.degraded.Swap(false) {
			log.Info("bundle submission recovered")
		}
		return false
	}
	now := c.now()
	if !c.degraded.Swap(true) {
		c.lastBundleTry.Store(now.UnixNano())
		log.Warn("bundle submission degraded, switching to sequential execution",
			zap.Int("consecutive_failures", c.cfg.DegradedAfterFailures))
		alerts.Notify(ctx, c.notifier, log, fmt.Sprintf(
			"Bundle submission degraded after %d consecutive failures; executing legs sequentially.",
			c.cfg.DegradedAfterFailures,
		))
		return true
	}
	if now.Sub(time.Unix(0, c.lastBundleTry.Load())) >= bundleRetryInterval {
		c.lastBundleTry.Store(now.UnixNano())
		log.Info("probing bundle submission")
		return false
	}
	return true
}

func (c *Coordinator) gateInput(ctx context.Context, p plan, in prepInput, sequentialPath bool, log *zap.Logger) safety.Input {
	solPrice := in.price
	if !c.cfg.SpotMint.Equals(solana.SolMint) && c.solPrice != nil {
		if v, _, err := c.solPrice.Price(ctx); err == nil {
			solPrice = v
		} else {
			log.Warn("sol price unavailable for fee estimate", zap.Error(err))
		}
	}
	params := safety.CostParams{
		SOLPriceUSD:        solPrice,
		TipLamports:        c.cfg.TipLamports,
		BaseFeeLamports:    c.cfg.BaseFeeLamports,
		Signatures:         1,
		ComputeUnits:       c.cfg.ComputeUnits,
		PriorityMicroLamps: c.cfg.PriorityFeeMicroLamports,
		SpotNotionalUSD:    p.spotUSD,
		PerpNotionalUSD:    p.perpUSD,
		SwapFeeBps:         c.cfg.SwapFeeBps,
		PerpFeeBps:         c.cfg.PerpFeeBps,
		SlippageBps:        c.cfg.ExpectedSlippageBps,
	}
	if sequentialPath {
		params.TipLamports = 0
		params.Signatures = p.legs()
	}

	gi := safety.Input{
		Now:                c.now(),
		Cost:               safety.EstimateCost(params),
		ExpectedFundingUSD: p.expectedFundingUSD,
		PriceObservedAt:    in.priceAt,
		QuoteBalanceUSD:    in.snapshot.QuoteBalance,
		QuoteRequiredUSD:   p.quoteRequiredUSD,
		PositionUSDAfter:   p.positionUSDAfter,
	}
	if c.slots != nil {
		_, gi.SlotObservedAt = c.slots.Last()
	}
	if c.pinger != nil {
		if lat, err := c.pinger.Ping(ctx); err == nil {
			gi.RPCLatency = lat
		} else {
			gi.RPCLatency = time.Duration(math.MaxInt64)
			log.Warn("rpc ping failed", zap.Error(err))
		}
	}
	if c.gas != nil {
		if sol, err := c.gas.SOL(ctx); err == nil {
			gi.GasBalanceSOL = sol
		} else {
			log.Warn("gas balance unavailable", zap.Error(err))
		}
	}
	return gi
}

func (c *Coordinator) finish(id string, meta attemptMeta, res exec.Result, log *zap.Logger) {
	fields := []zap.Field{
		zap.String("status", string(res.Status)),
		zap.String("mode", meta.mode),
		zap.Duration("latency", res.Latency),
	}
	if res.ErrorKind != exec.KindNone {
		fields = append(fields, zap.String("error_kind", string(res.ErrorKind)), zap.String("message", res.Message))
	}
	switch {
	case res.Success:
		log.Info("attempt finished", fields...)
	case res.ErrorKind.FundsMoved():
		log.Error("attempt finished", fields...)
	case res.ErrorKind == exec.KindNone:
		log.Debug("attempt finished", fields...)
	default:
		log.Warn("attempt finished", fields...)
	}
	if c.ledger == nil || (res.Status == exec.StatusCancelled && res.ErrorKind == exec.KindNone) {
		return
	}
	c.ledger.RecordAttempt(timescale.AttemptRecord{
		Time:        c.now(),
		AttemptID:   id,
		Mode:        meta.mode,
		Direction:   meta.direction,
		Status:      string(res.Status),
		ErrorKind:   string(res.ErrorKind),
		FillType:    meta.fillType,
		BundleID:    res.BundleID,
		TxID:        res.TxID,
		FillAmount:  res.FillAmount,
		FillPrice:   res.FillPrice,
		TipLamports: res.TipLamports,
		FeeUSD:      res.FeeUSD,
		Latency:     res.Latency,
		Message:     res.Message,
	})
}

func errText(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}
