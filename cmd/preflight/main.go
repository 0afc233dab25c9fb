package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"dn-hedge-bot/internal/chain"
	"dn-hedge-bot/internal/config"
	"dn-hedge-bot/internal/drift"
	"dn-hedge-bot/internal/jito"
	"dn-hedge-bot/internal/jupiter"
	"dn-hedge-bot/internal/logging"
	"dn-hedge-bot/internal/neutral"
	"dn-hedge-bot/internal/safety"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

const defaultPreflightTimeout = 30 * time.Second

// report is printed as JSON so it can be diffed between runs.
type report struct {
	Wallet       string              `json:"wallet"`
	Slot         uint64              `json:"slot"`
	RPCLatencyMS int64               `json:"rpc_latency_ms"`
	GasSOL       float64             `json:"gas_sol"`
	QuoteUSD     float64             `json:"quote_usd"`
	SpotQty      float64             `json:"spot_qty"`
	PerpQty      float64             `json:"perp_qty"`
	Price        float64             `json:"price"`
	FundingAPR   float64             `json:"funding_apr_pct"`
	TipAccounts  int                 `json:"tip_accounts"`
	Quote        *quoteReport        `json:"quote,omitempty"`
	Cost         safety.CostEstimate `json:"cost"`
	Gate         safety.Decision     `json:"gate"`
}

type quoteReport struct {
	InAmount       uint64  `json:"in_amount"`
	OutAmount      uint64  `json:"out_amount"`
	PriceImpactPct float64 `json:"price_impact_pct"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	notional := flag.Float64("notional", 0, "USD notional to evaluate (default: strategy.notional_usd)")
	withQuote := flag.Bool("quote", false, "also fetch a Jupiter quote for the spot leg")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	usd := cfg.Strategy.NotionalUSD
	if *notional > 0 {
		usd = *notional
	}
	if usd <= 0 {
		fatal(fmt.Errorf("no notional: set strategy.notional_usd or -notional"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultPreflightTimeout)
	defer cancel()

	rep, err := run(ctx, cfg, usd, *withQuote, log)
	if err != nil {
		fatal(err)
	}
	pretty, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(pretty))
	if !rep.Gate.Pass {
		os.Exit(3)
	}
}

func run(ctx context.Context, cfg *config.Config, usd float64, withQuote bool, log *zap.Logger) (*report, error) {
	key, err := solana.PrivateKeyFromBase58(strings.TrimSpace(cfg.Wallet.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("wallet key: %w", err)
	}
	spotMint := solana.MustPublicKeyFromBase58(cfg.Strategy.SpotMint)
	quoteMint := solana.MustPublicKeyFromBase58(cfg.Strategy.QuoteMint)
	market, err := drift.LookupMarket(cfg.Drift.Market)
	if err != nil {
		return nil, err
	}

	client := chain.New(cfg.RPC.HTTPURL, key, chain.Config{
		Timeout:      cfg.RPC.Timeout,
		PollInterval: cfg.Execution.PollInterval,
		Commitment:   rpc.CommitmentConfirmed,
	}, log)
	wallet := chain.NewWalletBalance(client)
	rep := &report{Wallet: client.Payer().String()}

	if rep.Slot, err = client.Slot(ctx); err != nil {
		return nil, fmt.Errorf("rpc slot: %w", err)
	}
	slotAt := time.Now()
	latency, err := client.Ping(ctx)
	if err != nil {
		latency = time.Duration(math.MaxInt64)
	}
	rep.RPCLatencyMS = latency.Milliseconds()
	if rep.GasSOL, err = wallet.SOL(ctx); err != nil {
		return nil, fmt.Errorf("gas balance: %w", err)
	}
	if rep.QuoteUSD, err = wallet.Token(ctx, quoteMint); err != nil {
		return nil, fmt.Errorf("quote balance: %w", err)
	}
	if rep.SpotQty, err = wallet.Token(ctx, spotMint); err != nil {
		return nil, fmt.Errorf("spot balance: %w", err)
	}

	programID, err := solana.PublicKeyFromBase58(cfg.Drift.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("drift.program_id: %w", err)
	}
	builder := drift.NewBuilder(programID, cfg.Drift.SubAccount)
	venue, err := drift.NewVenue(builder, client, client.Payer(), drift.VenueConfig{Market: market.Name}, log)
	if err != nil {
		return nil, err
	}
	if pos, err := venue.Position(ctx); err == nil {
		rep.PerpQty = pos.Base
	} else {
		log.Warn("perp position unavailable", zap.Error(err))
	}

	price, priceAt, err := jupiter.NewPriceFeed(cfg.Jupiter.PriceURL, spotMint, cfg.Jupiter.Timeout).Price(ctx)
	if err != nil {
		return nil, fmt.Errorf("price: %w", err)
	}
	rep.Price = price
	funding := 0.0
	if feed, err := drift.NewFundingFeed(builder, client, market.Name); err == nil {
		if funding, err = feed.FundingRateHourly(ctx, price); err != nil {
			log.Warn("funding unavailable", zap.Error(err))
		}
	}
	rep.FundingAPR = neutral.AnnualizedPct(funding)

	jitoURL := cfg.Jito.BaseURL
	if jitoURL == "" {
		if jitoURL, err = jito.RegionURL(cfg.Jito.Region); err != nil {
			return nil, err
		}
	}
	tips, err := jito.New(jitoURL, cfg.Jito.Timeout, log).TipAccounts(ctx)
	if err != nil {
		log.Warn("tip accounts unavailable", zap.Error(err))
	}
	rep.TipAccounts = len(tips)

	legs, err := neutral.Size(usd, cfg.Strategy.Leverage)
	if err != nil {
		return nil, err
	}
	if withQuote {
		q, err := jupiter.New(cfg.Jupiter.BaseURL, cfg.Jupiter.Timeout, log).Quote(ctx, jupiter.QuoteRequest{
			InputMint:   quoteMint,
			OutputMint:  spotMint,
			Amount:      neutral.ToAtomic(legs.SpotUSD, cfg.Strategy.QuoteDecimals),
			SlippageBps: cfg.Execution.SlippageBps,
		})
		if err != nil {
			return nil, fmt.Errorf("jupiter quote: %w", err)
		}
		rep.Quote = &quoteReport{InAmount: q.InAmount, OutAmount: q.OutAmount, PriceImpactPct: q.PriceImpactPct}
	}

	solPrice := price
	if !spotMint.Equals(solana.SolMint) {
		if v, _, err := jupiter.NewPriceFeed(cfg.Jupiter.PriceURL, solana.SolMint, cfg.Jupiter.Timeout).Price(ctx); err == nil {
			solPrice = v
		}
	}
	rep.Cost = safety.EstimateCost(safety.CostParams{
		SOLPriceUSD:        solPrice,
		TipLamports:        cfg.Execution.TipLamports,
		BaseFeeLamports:    cfg.Safety.BaseFeeLamports,
		Signatures:         1,
		ComputeUnits:       cfg.Execution.ComputeUnits,
		PriorityMicroLamps: cfg.Execution.PriorityFeeMicroLamps,
		SpotNotionalUSD:    legs.SpotUSD,
		PerpNotionalUSD:    legs.PerpUSD,
		SwapFeeBps:         cfg.Safety.SwapFeeBps,
		PerpFeeBps:         cfg.Drift.PerpFeeBps,
		SlippageBps:        cfg.Safety.ExpectedSlippageBps,
	})
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
	rep.Gate = gates.Evaluate(safety.Input{
		Now:                time.Now(),
		Cost:               rep.Cost,
		ExpectedFundingUSD: neutral.FundingYield(funding, legs.PerpUSD, cfg.Safety.ProfitHorizon.Hours()),
		PriceObservedAt:    priceAt,
		SlotObservedAt:     slotAt,
		RPCLatency:         latency,
		GasBalanceSOL:      rep.GasSOL,
		QuoteBalanceUSD:    rep.QuoteUSD,
		QuoteRequiredUSD:   legs.SpotUSD,
		PositionUSDAfter:   rep.SpotQty*price + legs.SpotUSD,
	})
	return rep, nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "preflight: %v\n", err)
	os.Exit(1)
}
