package syncexec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"dn-hedge-bot/internal/bundle"
	"dn-hedge-bot/internal/exec"
	"dn-hedge-bot/internal/instruction"
	"dn-hedge-bot/internal/neutral"
	"dn-hedge-bot/internal/recovery"
	"dn-hedge-bot/internal/safety"
	"dn-hedge-bot/internal/sequential"
	"dn-hedge-bot/internal/state"
	"dn-hedge-bot/internal/timescale"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var quoteMint = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakePrice struct {
	price float64
	err   error
}

func (f fakePrice) Price(context.Context) (float64, time.Time, error) {
	return f.price, time.Now(), f.err
}

type fakeBuilder struct {
	mu      sync.Mutex
	intents []instruction.BundleIntent
	err     error
	onBuild func()
}

func (f *fakeBuilder) Build(_ context.Context, intent instruction.BundleIntent) (*instruction.Built, error) {
	f.mu.Lock()
	f.intents = append(f.intents, intent)
	hook := f.onBuild
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if f.err != nil {
		return nil, f.err
	}
	from, to := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()
	ixs := []solana.Instruction{
		system.NewTransferInstruction(1, from, to).Build(),
		system.NewTransferInstruction(2, from, to).Build(),
	}
	return &instruction.Built{Instructions: ixs}, nil
}

func (f *fakeBuilder) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.intents)
}

type fakeSubmitter struct {
	mu       sync.Mutex
	res      bundle.SubmissionResult
	calls    int
	degraded bool
}

func (f *fakeSubmitter) SubmitAndConfirm(context.Context, []solana.Instruction, []solana.PublicKey, bool) bundle.SubmissionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.res
}

func (f *fakeSubmitter) Degraded(int) bool { return f.degraded }

type fakeRecovery struct {
	mu        sync.Mutex
	snaps     []recovery.PositionState
	saved     map[string]recovery.PositionState
	analyzed  int
	discarded []string
	paths     []recovery.RecoveryPath
	result    exec.Result
}

func newFakeRecovery(snaps ...recovery.PositionState) *fakeRecovery {
	return &fakeRecovery{
		snaps:  snaps,
		saved:  make(map[string]recovery.PositionState),
		result: exec.Result{Success: true, Status: exec.StatusSuccess, TxID: "recovery-tx"},
	}
}

func (f *fakeRecovery) Capture(context.Context) (recovery.PositionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.snaps) == 0 {
		return recovery.PositionState{}, errors.New("no snapshot")
	}
	st := f.snaps[0]
	if len(f.snaps) > 1 {
		f.snaps = f.snaps[1:]
	}
	return st, nil
}

func (f *fakeRecovery) SavePreTrade(_ context.Context, st recovery.PositionState) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("snap-%d", len(f.saved)+len(f.discarded)+f.analyzed)
	f.saved[key] = st
	return key, nil
}

func (f *fakeRecovery) AnalyzePostTrade(ctx context.Context, key string) (recovery.PartialFillAnalysis, error) {
	f.mu.Lock()
	pre, ok := f.saved[key]
	delete(f.saved, key)
	f.analyzed++
	f.mu.Unlock()
	if !ok {
		return recovery.PartialFillAnalysis{}, errors.New("snapshot not found")
	}
	post, err := f.Capture(ctx)
	if err != nil {
		return recovery.PartialFillAnalysis{}, err
	}
	return recovery.Analyze(pre, post, 0.001, 0.01), nil
}

func (f *fakeRecovery) Discard(_ context.Context, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.saved, key)
	f.discarded = append(f.discarded, key)
}

func (f *fakeRecovery) CalculateRecoveryPath(a recovery.PartialFillAnalysis, price float64) (recovery.RecoveryPath, bool) {
	return recovery.CalculateRecoveryPath(a, recovery.PathParams{
		SpotAsset:            "SOL",
		PerpMarket:           "SOL-PERP",
		Price:                price,
		EmergencySlippageBps: 500,
	})
}

func (f *fakeRecovery) ExecuteRecovery(_ context.Context, _ string, path recovery.RecoveryPath, _ float64) (exec.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	return f.result, nil
}

type fakeSequential struct {
	mu    sync.Mutex
	plans []sequential.Plan
	res   exec.Result
}

func (f *fakeSequential) Launch(_ context.Context, plan sequential.Plan) exec.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans = append(f.plans, plan)
	return f.res
}

type fakeLedger struct {
	mu        sync.Mutex
	positions []timescale.PositionRecord
	attempts  []timescale.AttemptRecord
}

func (f *fakeLedger) RecordPosition(rec timescale.PositionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = append(f.positions, rec)
}

func (f *fakeLedger) RecordAttempt(rec timescale.AttemptRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, rec)
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) Send(_ context.Context, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

type harness struct {
	coord      *Coordinator
	clock      *fakeClock
	builder    *fakeBuilder
	submitter  *fakeSubmitter
	recovery   *fakeRecovery
	sequential *fakeSequential
	ledger     *fakeLedger
	notifier   *fakeNotifier
	store      *state.Memory
}

func newHarness(t *testing.T, gates Gates, cfg Config, snaps ...recovery.PositionState) *harness {
	t.Helper()
	h := &harness{
		clock:      &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		builder:    &fakeBuilder{},
		submitter:  &fakeSubmitter{res: bundle.SubmissionResult{BundleID: "b-1", Status: bundle.Landed, ConfirmedSlot: 42}},
		recovery:   newFakeRecovery(snaps...),
		sequential: &fakeSequential{res: exec.Result{Success: true, Status: exec.StatusSuccess, Venue: sequential.VenueSequential}},
		ledger:     &fakeLedger{},
		notifier:   &fakeNotifier{},
		store:      state.NewMemory(),
	}
	if gates == nil {
		gates = safety.NewWith()
	}
	if cfg.Market == "" {
		cfg.Market = "SOL-PERP"
	}
	cfg.SpotMint = solana.SolMint
	cfg.QuoteMint = quoteMint
	if cfg.SpotDecimals == 0 {
		cfg.SpotDecimals = 9
	}
	if cfg.QuoteDecimals == 0 {
		cfg.QuoteDecimals = 6
	}
	if cfg.DustThreshold == 0 {
		cfg.DustThreshold = 0.001
	}
	h.coord = New(Deps{
		Price:      fakePrice{price: 100},
		Builder:    h.builder,
		Submitter:  h.submitter,
		Recovery:   h.recovery,
		Sequential: h.sequential,
		Gates:      gates,
		Store:      h.store,
		Ledger:     h.ledger,
		Notifier:   h.notifier,
	}, cfg, zap.NewNop())
	h.coord.now = h.clock.Now
	return h
}

func (h *harness) openPosition(t *testing.T, spot, perp float64) {
	t.Helper()
	pos := neutral.BuildPosition(spot, perp, 100, 100, 100, h.clock.Now())
	require.NoError(t, state.SaveJSON(context.Background(), h.store, positionKey, pos))
	require.NoError(t, h.coord.Restore(context.Background()))
	_, open := h.coord.Position()
	require.True(t, open)
}

func TestOpenSubmitsBothLegsAndCommits(t *testing.T) {
	h := newHarness(t, nil, Config{},
		recovery.PositionState{QuoteBalance: 1000},
		recovery.PositionState{SpotBalance: 0.5, PerpSize: -0.5, QuoteBalance: 950},
	)

	res := h.coord.Open(context.Background(), 100)

	require.True(t, res.Success, res.Message)
	assert.Equal(t, exec.StatusSuccess, res.Status)
	assert.Equal(t, "b-1", res.BundleID)
	assert.InDelta(t, 0.5, res.FillAmount, 1e-9)

	require.Equal(t, 1, h.builder.calls())
	intent := h.builder.intents[0]
	require.NotNil(t, intent.Spot)
	require.NotNil(t, intent.Perp)
	assert.Equal(t, instruction.Buy, intent.Spot.Direction)
	assert.Equal(t, uint64(50_000_000), intent.Spot.AmountAtomic)
	assert.Equal(t, instruction.Short, intent.Perp.Direction)
	assert.InDelta(t, 0.5, intent.Perp.Size, 1e-9)

	pos, open := h.coord.Position()
	require.True(t, open)
	assert.InDelta(t, 0.5, pos.SpotQty, 1e-9)
	assert.InDelta(t, -0.5, pos.PerpQty, 1e-9)
	assert.InDelta(t, 100, pos.SpotEntryPrice, 1e-9)

	var persisted neutral.DeltaPosition
	ok, err := state.LoadJSON(context.Background(), h.store, positionKey, &persisted)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.5, persisted.SpotQty, 1e-9)

	require.Len(t, h.ledger.attempts, 1)
	assert.Equal(t, "bundle", h.ledger.attempts[0].Mode)
	assert.Equal(t, string(recovery.Both), h.ledger.attempts[0].FillType)
	require.Len(t, h.ledger.positions, 1)
	assert.Equal(t, "commit", h.ledger.positions[0].Source)
	assert.Equal(t, StateIdle, h.coord.State())
}

func TestFeeGuardBlocksBeforeBuild(t *testing.T) {
	gates := safety.NewWith(safety.FeeGuard{MaxFeeUSD: 0.02})
	// 300k lamports at $100/SOL is a $0.03 tip.
	h := newHarness(t, gates, Config{TipLamports: 300_000},
		recovery.PositionState{QuoteBalance: 1000},
	)

	res := h.coord.Open(context.Background(), 100)

	assert.False(t, res.Success)
	assert.Equal(t, exec.KindGateBlocked, res.ErrorKind)
	assert.Equal(t, exec.StatusCancelled, res.Status)
	assert.Contains(t, res.Message, "fee_guard")
	assert.Zero(t, h.builder.calls())
	assert.Zero(t, h.submitter.calls)
	assert.Empty(t, h.recovery.saved)
	_, open := h.coord.Position()
	assert.False(t, open)
}

func TestPartialFillExecutesRecovery(t *testing.T) {
	h := newHarness(t, nil, Config{},
		recovery.PositionState{QuoteBalance: 1000},
		recovery.PositionState{SpotBalance: 0.5, QuoteBalance: 950},
		recovery.PositionState{QuoteBalance: 999},
	)

	res := h.coord.Open(context.Background(), 100)

	assert.False(t, res.Success)
	assert.Equal(t, exec.KindPartialFill, res.ErrorKind)
	assert.Equal(t, exec.StatusPartialFill, res.Status)
	assert.Equal(t, "recovery-tx", res.TxID)
	require.Len(t, h.recovery.paths, 1)
	assert.Equal(t, recovery.ActionSellSpot, h.recovery.paths[0].Action)
	assert.InDelta(t, 0.5, h.recovery.paths[0].Size, 1e-9)

	_, open := h.coord.Position()
	assert.False(t, open, "recovered back to flat")
}

func TestRecoveryFailureIsReported(t *testing.T) {
	h := newHarness(t, nil, Config{},
		recovery.PositionState{QuoteBalance: 1000},
		recovery.PositionState{PerpSize: -0.5, QuoteBalance: 1000},
	)
	h.recovery.result = exec.Failure(exec.KindRecoveryFailed, exec.VenuePerp, "no liquidity")

	res := h.coord.Open(context.Background(), 100)

	assert.Equal(t, exec.KindRecoveryFailed, res.ErrorKind)
	assert.Equal(t, "b-1", res.BundleID)
	require.Len(t, h.recovery.paths, 1)
	assert.Equal(t, recovery.ActionCloseShort, h.recovery.paths[0].Action)
	require.Len(t, h.ledger.attempts, 1)
	assert.Equal(t, string(exec.KindRecoveryFailed), h.ledger.attempts[0].ErrorKind)
}

func TestRejectedBundleDiscardsSnapshot(t *testing.T) {
	cases := []struct {
		name string
		res  bundle.SubmissionResult
		kind exec.ErrorKind
	}{
		{"rejected", bundle.SubmissionResult{BundleID: "b-2", Status: bundle.Failed, Err: errors.New("bundle failed")}, exec.KindBundleRejected},
		{"simulation", bundle.SubmissionResult{Status: bundle.Failed, Simulated: true, Err: errors.New("custom program error")}, exec.KindSimulationFailed},
		{"dropped", bundle.SubmissionResult{BundleID: "b-3", Status: bundle.Dropped}, exec.KindBundleDropped},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil, Config{}, recovery.PositionState{QuoteBalance: 1000})
			h.submitter.res = tc.res

			res := h.coord.Open(context.Background(), 100)

			assert.Equal(t, tc.kind, res.ErrorKind)
			assert.Equal(t, tc.res.BundleID, res.BundleID)
			assert.Len(t, h.recovery.discarded, 1)
			assert.Zero(t, h.recovery.analyzed)
			assert.Empty(t, h.recovery.paths)
		})
	}
}

func TestTimeoutWithoutFillReportsConfirmationTimeout(t *testing.T) {
	h := newHarness(t, nil, Config{},
		recovery.PositionState{QuoteBalance: 1000},
		recovery.PositionState{QuoteBalance: 1000},
	)
	h.submitter.res = bundle.SubmissionResult{BundleID: "b-4", Status: bundle.Timeout}

	res := h.coord.Open(context.Background(), 100)

	assert.Equal(t, exec.KindConfirmationTimeout, res.ErrorKind)
	assert.Equal(t, exec.StatusTimeout, res.Status)
	assert.Equal(t, 1, h.recovery.analyzed)
	assert.Empty(t, h.recovery.paths)
}

func TestTimeoutThatLandedIsVerified(t *testing.T) {
	h := newHarness(t, nil, Config{},
		recovery.PositionState{QuoteBalance: 1000},
		recovery.PositionState{SpotBalance: 0.5, PerpSize: -0.5, QuoteBalance: 950},
	)
	h.submitter.res = bundle.SubmissionResult{BundleID: "b-5", Status: bundle.Timeout}

	res := h.coord.Open(context.Background(), 100)

	assert.True(t, res.Success, res.Message)
	_, open := h.coord.Position()
	assert.True(t, open)
}

func TestKillSwitchAbortsSlowAttempt(t *testing.T) {
	h := newHarness(t, nil, Config{MaxRoundTrip: 3 * time.Second},
		recovery.PositionState{QuoteBalance: 1000},
	)
	h.builder.onBuild = func() { h.clock.Advance(5 * time.Second) }

	res := h.coord.Open(context.Background(), 100)

	assert.Equal(t, exec.KindKillSwitch, res.ErrorKind)
	assert.Equal(t, exec.StatusCancelled, res.Status)
	assert.Zero(t, h.submitter.calls)
	assert.Len(t, h.recovery.discarded, 1)
}

func TestBuildFailureNeverSubmits(t *testing.T) {
	h := newHarness(t, nil, Config{}, recovery.PositionState{QuoteBalance: 1000})
	h.builder.err = errors.New("no route")

	res := h.coord.Open(context.Background(), 100)

	assert.Equal(t, exec.KindBuildFailed, res.ErrorKind)
	assert.Zero(t, h.submitter.calls)
}

func TestConcurrentAttemptRejected(t *testing.T) {
	h := newHarness(t, nil, Config{},
		recovery.PositionState{QuoteBalance: 1000},
		recovery.PositionState{SpotBalance: 0.5, PerpSize: -0.5, QuoteBalance: 950},
	)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.builder.onBuild = func() {
		close(entered)
		<-release
	}

	done := make(chan exec.Result, 1)
	go func() { done <- h.coord.Open(context.Background(), 100) }()
	<-entered

	second := h.coord.Rebalance(context.Background(), neutral.RebalanceSignal{Direction: neutral.AddShort, Qty: 1})
	assert.Equal(t, exec.KindAttemptInFlight, second.ErrorKind)
	assert.Equal(t, exec.StatusCancelled, second.Status)

	close(release)
	first := <-done
	assert.True(t, first.Success, first.Message)
	assert.Equal(t, 1, h.builder.calls())
}

func TestRebalanceUsesFreshReads(t *testing.T) {
	// Drift is 10%: spot $100 vs perp $90.
	h := newHarness(t, nil, Config{DriftThresholdPct: 0.5},
		recovery.PositionState{SpotBalance: 1, PerpSize: -0.9, QuoteBalance: 500},
		recovery.PositionState{SpotBalance: 1, PerpSize: -1, QuoteBalance: 500},
	)
	h.openPosition(t, 1, -0.9)

	stale := neutral.RebalanceSignal{Direction: neutral.AddSpot, Qty: 5, QtyUSD: 500}
	res := h.coord.Rebalance(context.Background(), stale)

	require.True(t, res.Success, res.Message)
	require.Equal(t, 1, h.builder.calls())
	intent := h.builder.intents[0]
	assert.Nil(t, intent.Spot)
	require.NotNil(t, intent.Perp)
	assert.Equal(t, instruction.Short, intent.Perp.Direction)
	assert.InDelta(t, 0.1, intent.Perp.Size, 1e-9)

	pos, _ := h.coord.Position()
	assert.InDelta(t, 0, pos.DriftPct, 1e-9)
}

func TestRebalanceClosesNakedShort(t *testing.T) {
	h := newHarness(t, nil, Config{DriftThresholdPct: 0.5},
		recovery.PositionState{PerpSize: -1, QuoteBalance: 500},
		recovery.PositionState{QuoteBalance: 500},
	)
	h.openPosition(t, 0, -1)

	res := h.coord.Rebalance(context.Background(), neutral.RebalanceSignal{Direction: neutral.ReduceShort, Qty: 1})

	require.True(t, res.Success, res.Message)
	require.Equal(t, 1, h.builder.calls())
	intent := h.builder.intents[0]
	assert.Nil(t, intent.Spot)
	require.NotNil(t, intent.Perp)
	assert.Equal(t, instruction.Long, intent.Perp.Direction)
	assert.True(t, intent.Perp.ReduceOnly)
	assert.InDelta(t, 1.0, intent.Perp.Size, 1e-9)

	_, open := h.coord.Position()
	assert.False(t, open)
}

func TestRebalanceSkipsWhenDriftResolved(t *testing.T) {
	h := newHarness(t, nil, Config{},
		recovery.PositionState{SpotBalance: 1, PerpSize: -1, QuoteBalance: 500},
	)
	h.openPosition(t, 1, -0.9)

	res := h.coord.Rebalance(context.Background(), neutral.RebalanceSignal{Direction: neutral.AddShort, Qty: 0.1})

	assert.False(t, res.Success)
	assert.Equal(t, exec.StatusCancelled, res.Status)
	assert.Equal(t, exec.KindNone, res.ErrorKind)
	assert.Contains(t, res.Message, "drift resolved")
	assert.Zero(t, h.builder.calls())
	assert.Empty(t, h.ledger.attempts)
}

func TestRebalanceWithoutOpenHedgeIsSkipped(t *testing.T) {
	h := newHarness(t, nil, Config{},
		recovery.PositionState{SpotBalance: 1, PerpSize: -0.5},
	)

	res := h.coord.Rebalance(context.Background(), neutral.RebalanceSignal{Direction: neutral.AddShort, Qty: 0.5})

	assert.Equal(t, exec.StatusCancelled, res.Status)
	assert.Zero(t, h.builder.calls())
}

func TestCloseUnwindsBothLegs(t *testing.T) {
	h := newHarness(t, nil, Config{},
		recovery.PositionState{SpotBalance: 0.5, PerpSize: -0.5, QuoteBalance: 950},
		recovery.PositionState{QuoteBalance: 1000},
	)
	h.openPosition(t, 0.5, -0.5)

	res := h.coord.Close(context.Background())

	require.True(t, res.Success, res.Message)
	intent := h.builder.intents[0]
	require.NotNil(t, intent.Spot)
	require.NotNil(t, intent.Perp)
	assert.Equal(t, instruction.Sell, intent.Spot.Direction)
	assert.Equal(t, uint64(500_000_000), intent.Spot.AmountAtomic)
	assert.Equal(t, instruction.Long, intent.Perp.Direction)
	assert.True(t, intent.Perp.ReduceOnly)

	_, open := h.coord.Position()
	assert.False(t, open)
	ok, err := state.LoadJSON(context.Background(), h.store, positionKey, &neutral.DeltaPosition{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDegradedSubmitterRoutesToSequential(t *testing.T) {
	h := newHarness(t, nil, Config{Mode: "auto", DegradedAfterFailures: 3},
		recovery.PositionState{QuoteBalance: 1000},
		recovery.PositionState{SpotBalance: 0.5, PerpSize: -0.5, QuoteBalance: 950},
	)
	h.submitter.degraded = true

	res := h.coord.Open(context.Background(), 100)

	require.True(t, res.Success, res.Message)
	assert.Zero(t, h.builder.calls())
	assert.Zero(t, h.submitter.calls)
	require.Len(t, h.sequential.plans, 1)
	plan := h.sequential.plans[0]
	require.NotNil(t, plan.Spot)
	require.NotNil(t, plan.Perp)
	assert.InDelta(t, 100, plan.RefPrice, 1e-9)
	require.Len(t, h.notifier.messages, 1)
	require.Len(t, h.ledger.attempts, 1)
	assert.Equal(t, "sequential", h.ledger.attempts[0].Mode)
	_, open := h.coord.Position()
	assert.True(t, open)
}

func TestSequentialModeForced(t *testing.T) {
	h := newHarness(t, nil, Config{Mode: "sequential"},
		recovery.PositionState{QuoteBalance: 1000},
		recovery.PositionState{QuoteBalance: 1000},
	)
	h.sequential.res = exec.Failure(exec.KindBuildFailed, sequential.VenueSequential, "no route")

	res := h.coord.Open(context.Background(), 100)

	assert.Equal(t, exec.KindBuildFailed, res.ErrorKind)
	require.Len(t, h.sequential.plans, 1)
	assert.Empty(t, h.notifier.messages)
	_, open := h.coord.Position()
	assert.False(t, open)
}

func TestOpenRejectedWhileHedgeOpen(t *testing.T) {
	h := newHarness(t, nil, Config{}, recovery.PositionState{SpotBalance: 1, PerpSize: -1})
	h.openPosition(t, 1, -1)

	res := h.coord.Open(context.Background(), 100)

	assert.Equal(t, exec.StatusCancelled, res.Status)
	assert.Contains(t, res.Message, "already open")
	assert.Zero(t, h.builder.calls())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t, nil, Config{}, recovery.PositionState{})
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan neutral.RebalanceSignal)
	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx, signals) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}

func TestSyncAdoptsExistingHedge(t *testing.T) {
	h := newHarness(t, nil, Config{}, recovery.PositionState{SpotBalance: 2, PerpSize: -2})

	require.NoError(t, h.coord.Sync(context.Background()))

	pos, open := h.coord.Position()
	require.True(t, open)
	assert.InDelta(t, 2, pos.SpotQty, 1e-9)
	assert.InDelta(t, 200, pos.SpotValueUSD, 1e-9)
}
