package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"dn-hedge-bot/internal/alerts"
	"dn-hedge-bot/internal/bundle"
	"dn-hedge-bot/internal/chain"
	"dn-hedge-bot/internal/config"
	"dn-hedge-bot/internal/drift"
	"dn-hedge-bot/internal/exec"
	"dn-hedge-bot/internal/instruction"
	"dn-hedge-bot/internal/jito"
	"dn-hedge-bot/internal/jupiter"
	"dn-hedge-bot/internal/metrics"
	"dn-hedge-bot/internal/monitor"
	"dn-hedge-bot/internal/neutral"
	"dn-hedge-bot/internal/recovery"
	"dn-hedge-bot/internal/safety"
	"dn-hedge-bot/internal/sequential"
	"dn-hedge-bot/internal/state"
	"dn-hedge-bot/internal/state/sqlite"
	"dn-hedge-bot/internal/syncexec"
	"dn-hedge-bot/internal/timescale"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	entryCheckInterval = 15 * time.Second
	tipRefreshInterval = 10 * time.Minute
)

type hedger interface {
	Open(ctx context.Context, totalUSD float64) exec.Result
	Close(ctx context.Context) exec.Result
	Position() (neutral.DeltaPosition, bool)
	State() syncexec.State
	Restore(ctx context.Context) error
	Sync(ctx context.Context) error
	Run(ctx context.Context, signals <-chan neutral.RebalanceSignal) error
}

type watcher interface {
	Run(ctx context.Context) error
	Signals() <-chan neutral.RebalanceSignal
	Pause()
	Resume()
	Stats() monitor.Stats
	Market() neutral.MarketState
}

type reconciler interface {
	Pending(ctx context.Context) ([]string, error)
	AnalyzePostTrade(ctx context.Context, key string) (recovery.PartialFillAnalysis, error)
}

type operatorBot interface {
	alerts.Notifier
	GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]alerts.Update, error)
}

type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    state.Store
	chain    *chain.Client
	slots    *chain.SlotWatcher
	jito     *jito.Client
	factory  *instruction.Factory
	recovery reconciler
	monitor  watcher
	hedger   hedger
	ledger   *timescale.Writer
	prom     *metrics.Prometheus
	alerts   operatorBot

	opsMu          sync.RWMutex
	paused         bool
	lastCloseAt    time.Time
	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	key, err := solana.PrivateKeyFromBase58(strings.TrimSpace(cfg.Wallet.PrivateKey))
	if err != nil {
		return nil, errors.New("DN_WALLET_PRIVATE_KEY is missing or not a base58 key")
	}
	spotMint, err := solana.PublicKeyFromBase58(cfg.Strategy.SpotMint)
	if err != nil {
		return nil, fmt.Errorf("strategy.spot_mint: %w", err)
	}
	quoteMint, err := solana.PublicKeyFromBase58(cfg.Strategy.QuoteMint)
	if err != nil {
		return nil, fmt.Errorf("strategy.quote_mint: %w", err)
	}
	programID, err := solana.PublicKeyFromBase58(cfg.Drift.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("drift.program_id: %w", err)
	}
	market, err := drift.LookupMarket(cfg.Drift.Market)
	if err != nil {
		return nil, err
	}
	spotAsset := strings.TrimSuffix(market.Name, "-PERP")
	jitoURL := cfg.Jito.BaseURL
	if jitoURL == "" {
		if jitoURL, err = jito.RegionURL(cfg.Jito.Region); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	ledger, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("timescale: %w", err)
	}

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.EnabledValue() {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}
	telegram := alerts.NewTelegram(cfg.Telegram, log)

	chainClient := chain.New(cfg.RPC.HTTPURL, key, chain.Config{
		Timeout:      cfg.RPC.Timeout,
		PollInterval: cfg.Execution.PollInterval,
		Commitment:   rpc.CommitmentConfirmed,
	}, log)
	stream := chain.NewStream(cfg.RPC.WSURL, cfg.RPC.ReconnectDelay, cfg.RPC.PingInterval, log)
	slots := chain.NewSlotWatcher(stream)
	wallet := chain.NewWalletBalance(chainClient)

	jitoClient := jito.New(jitoURL, cfg.Jito.Timeout, log)
	swaps := jupiter.New(cfg.Jupiter.BaseURL, cfg.Jupiter.Timeout, log)
	priceFeed := jupiter.NewPriceFeed(cfg.Jupiter.PriceURL, spotMint, cfg.Jupiter.Timeout)
	var solPrice syncexec.PriceSource
	if !spotMint.Equals(solana.SolMint) {
		solPrice = jupiter.NewPriceFeed(cfg.Jupiter.PriceURL, solana.SolMint, cfg.Jupiter.Timeout)
	}

	perpBuilder := drift.NewBuilder(programID, cfg.Drift.SubAccount)
	venue, err := drift.NewVenue(perpBuilder, chainClient, chainClient.Payer(), drift.VenueConfig{
		Market:                   market.Name,
		ComputeUnits:             cfg.Execution.ComputeUnits,
		PriorityFeeMicroLamports: cfg.Execution.PriorityFeeMicroLamps,
	}, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	funding, err := drift.NewFundingFeed(perpBuilder, chainClient, market.Name)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	factory := instruction.NewFactory(swaps, perpBuilder, chainClient.Payer(), jito.DefaultTipAccounts)

	legs := exec.New(factory, chainClient, venue, store, exec.Config{
		SpotMint:                 spotMint,
		SpotDecimals:             cfg.Strategy.SpotDecimals,
		QuoteDecimals:            cfg.Strategy.QuoteDecimals,
		ComputeUnits:             cfg.Execution.ComputeUnits,
		PriorityFeeMicroLamports: cfg.Execution.PriorityFeeMicroLamps,
		BaseFeeLamports:          cfg.Safety.BaseFeeLamports,
		SwapFeeBps:               cfg.Safety.SwapFeeBps,
		PerpFeeBps:               cfg.Drift.PerpFeeBps,
	}, log)
	submitter := bundle.NewSubmitter(chainClient, jitoClient, bundle.Config{
		ConfirmTimeout:  cfg.Execution.ConfirmTimeout,
		PollInterval:    cfg.Execution.PollInterval,
		BlockhashMaxAge: cfg.Execution.BlockhashMaxAge,
	}, log, m)
	recoveryMgr := recovery.NewManager(wallet, venue, chainClient, legs, store, telegram, m, recovery.Config{
		SpotMint:             spotMint,
		QuoteMint:            quoteMint,
		SpotAsset:            spotAsset,
		PerpMarket:           market.Name,
		SpotDecimals:         cfg.Strategy.SpotDecimals,
		QuoteDecimals:        cfg.Strategy.QuoteDecimals,
		DustThreshold:        cfg.Recovery.DustThreshold,
		ExposureTolerance:    cfg.Recovery.ExposureTolerance,
		EmergencySlippageBps: cfg.Execution.EmergencySlippageBps,
	}, log)
	launcher := sequential.New(legs, venue, sequential.Config{
		PerpAttempts:         cfg.Execution.PerpAttempts,
		RetryDelay:           cfg.Execution.PerpRetryDelay,
		EmergencySlippageBps: cfg.Execution.EmergencySlippageBps,
		DustThreshold:        cfg.Recovery.DustThreshold,
		SpotMint:             spotMint,
		QuoteMint:            quoteMint,
		SpotDecimals:         cfg.Strategy.SpotDecimals,
		QuoteDecimals:        cfg.Strategy.QuoteDecimals,
	}, telegram, m, log)
	gates := safety.New(safety.Config{
		MaxFeeUSD:          cfg.Safety.MaxFeeUSD,
		MinProfitRatio:     cfg.Safety.MinProfitRatio,
		MaxPriceAge:        cfg.Safety.MaxPriceAge,
		MaxSlotAge:         cfg.Safety.MaxSlotAge,
		MaxRPCLatency:      cfg.Safety.MaxRPCLatency,
		MinGasSOL:          cfg.Safety.MinGasSOL,
		MinQuoteReserveUSD: cfg.Safety.MinQuoteReserveUSD,
		MaxPositionUSD:     cfg.Safety.MaxPositionUSD,
	})

	coord := syncexec.New(syncexec.Deps{
		Price:      priceFeed,
		SOLPrice:   solPrice,
		Funding:    funding,
		Builder:    factory,
		Submitter:  submitter,
		Recovery:   recoveryMgr,
		Sequential: launcher,
		Gates:      gates,
		Slots:      slots,
		Pinger:     chainClient,
		Gas:        wallet,
		Store:      store,
		Ledger:     ledger,
		Notifier:   telegram,
		Metrics:    m,
	}, syncexec.Config{
		Mode:                     cfg.Execution.Mode,
		Market:                   market.Name,
		SpotAsset:                spotAsset,
		SpotMint:                 spotMint,
		QuoteMint:                quoteMint,
		SpotDecimals:             cfg.Strategy.SpotDecimals,
		QuoteDecimals:            cfg.Strategy.QuoteDecimals,
		PerpSizeDecimals:         cfg.Drift.SizeDecimals,
		Leverage:                 cfg.Strategy.Leverage,
		DriftThresholdPct:        cfg.Monitor.DriftThresholdPct,
		DustThreshold:            cfg.Recovery.DustThreshold,
		SlippageBps:              cfg.Execution.SlippageBps,
		TipLamports:              cfg.Execution.TipLamports,
		ComputeUnits:             cfg.Execution.ComputeUnits,
		PriorityFeeMicroLamports: cfg.Execution.PriorityFeeMicroLamps,
		MaxInstructions:          cfg.Execution.MaxInstructions,
		MaxRoundTrip:             cfg.Execution.MaxRoundTrip,
		DegradedAfterFailures:    cfg.Execution.DegradedAfterFailures,
		ProfitHorizon:            cfg.Safety.ProfitHorizon,
		SwapFeeBps:               cfg.Safety.SwapFeeBps,
		PerpFeeBps:               cfg.Drift.PerpFeeBps,
		ExpectedSlippageBps:      cfg.Safety.ExpectedSlippageBps,
		BaseFeeLamports:          cfg.Safety.BaseFeeLamports,
	}, log)
	mon := monitor.New(priceFeed, funding, recoveryMgr, coord, ledger, m, monitor.Config{
		Interval:             cfg.Monitor.Interval,
		DriftThresholdPct:    cfg.Monitor.DriftThresholdPct,
		MinSignalInterval:    cfg.Monitor.MinSignalInterval,
		MaxConsecutiveErrors: cfg.Monitor.MaxConsecutiveErrors,
	}, log)

	return &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		chain:    chainClient,
		slots:    slots,
		jito:     jitoClient,
		factory:  factory,
		recovery: recoveryMgr,
		monitor:  mon,
		hedger:   coord,
		ledger:   ledger,
		prom:     prom,
		alerts:   telegram,
	}, nil
}

// Run reconciles persisted state with the chain, then runs every loop until
// ctx is done or one of them fails.
func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.ledger.Close()

	a.log.Info("starting",
		zap.String("wallet", a.chain.Payer().String()),
		zap.String("market", a.cfg.Drift.Market),
		zap.String("mode", a.cfg.Execution.Mode),
	)
	if err := a.reconcile(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(a.slots.Run(gctx)) })
	g.Go(func() error { return a.ledger.Run(gctx) })
	g.Go(func() error { return ignoreCanceled(a.monitor.Run(gctx)) })
	g.Go(func() error { return a.hedger.Run(gctx, a.monitor.Signals()) })
	g.Go(func() error { return a.tipRefreshLoop(gctx) })
	if a.prom != nil {
		g.Go(func() error { return a.serveMetrics(gctx) })
	}
	if a.cfg.Telegram.OperatorEnabled {
		g.Go(func() error { return a.operatorLoop(gctx) })
	}
	if a.cfg.Strategy.OpenOnStart {
		g.Go(func() error { return a.entryLoop(gctx) })
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	a.log.Info("stopped")
	return nil
}

func (a *App) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.log.Info("metrics listening", zap.String("addr", a.cfg.Metrics.Address), zap.String("path", a.cfg.Metrics.Path))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func (a *App) tipRefreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(tipRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.refreshTipAccounts(ctx)
		}
	}
}

func (a *App) refreshTipAccounts(ctx context.Context) {
	accounts, err := a.jito.TipAccounts(ctx)
	if err != nil {
		a.log.Warn("tip account refresh failed; keeping current set", zap.Error(err))
		return
	}
	if len(accounts) == 0 {
		return
	}
	a.factory.SetTipAccounts(accounts)
	a.log.Debug("tip accounts refreshed", zap.Int("count", len(accounts)))
}

func (a *App) isPaused() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.paused
}

// setPaused also pauses drift monitoring so no rebalance is signalled while
// an operator holds the bot.
func (a *App) setPaused(paused bool) bool {
	a.opsMu.Lock()
	a.paused = paused
	a.opsMu.Unlock()
	if a.monitor != nil {
		if paused {
			a.monitor.Pause()
		} else {
			a.monitor.Resume()
		}
	}
	return paused
}

func (a *App) markClosed(at time.Time) {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.lastCloseAt = at
}

func (a *App) lastClose() time.Time {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.lastCloseAt
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
