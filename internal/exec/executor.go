package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dn-hedge-bot/internal/chain"
	"dn-hedge-bot/internal/instruction"
	"dn-hedge-bot/internal/jupiter"
	"dn-hedge-bot/internal/neutral"
	"dn-hedge-bot/internal/state"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

const (
	VenueSpot   = "jupiter"
	VenuePerp   = "drift"
	VenueBundle = "jito"
)

type SpotBuilder interface {
	SpotInstructions(ctx context.Context, intent instruction.SpotTradeIntent) (*jupiter.Quote, *jupiter.SwapInstructions, error)
}

type Sender interface {
	SendAndConfirm(ctx context.Context, ixs []solana.Instruction, lookupTables []solana.PublicKey) (chain.Confirmation, error)
}

type PerpVenue interface {
	PlaceOrder(ctx context.Context, intent instruction.PerpTradeIntent) (string, error)
}

type Config struct {
	SpotMint                 solana.PublicKey
	SpotDecimals             int32
	QuoteDecimals            int32
	ComputeUnits             uint32
	PriorityFeeMicroLamports uint64
	BaseFeeLamports          uint64
	SwapFeeBps               float64
	PerpFeeBps               float64
}

// Executor runs single legs as standalone transactions. It backs the
// sequential launcher and recovery trades; bundled attempts bypass it.
type Executor struct {
	spot  SpotBuilder
	send  Sender
	perp  PerpVenue
	store state.Store
	cfg   Config
	log   *zap.Logger
	now   func() time.Time

	mu    sync.Mutex
	cache map[string]string
}

func New(spot SpotBuilder, send Sender, perp PerpVenue, store state.Store, cfg Config, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		spot:  spot,
		send:  send,
		perp:  perp,
		store: store,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
		cache: make(map[string]string),
	}
}

func (e *Executor) gasSOL() float64 {
	lamports := float64(e.cfg.BaseFeeLamports) + float64(e.cfg.ComputeUnits)*float64(e.cfg.PriorityFeeMicroLamports)/1e6
	return lamports / float64(solana.LAMPORTS_PER_SOL)
}

// ExecuteSpot swaps per intent. Fill amount is in spot units and taken from
// the executed quote.
func (e *Executor) ExecuteSpot(ctx context.Context, intent instruction.SpotTradeIntent) Result {
	start := e.now()
	quote, swap, err := e.spot.SpotInstructions(ctx, intent)
	if err != nil {
		res := Failure(KindBuildFailed, VenueSpot, err.Error())
		res.Latency = e.now().Sub(start)
		return res
	}
	ixs := append(instruction.ComputeBudgetInstructions(e.cfg.ComputeUnits, e.cfg.PriorityFeeMicroLamports), swap.All()...)
	conf, err := e.send.SendAndConfirm(ctx, ixs, swap.LookupTables)
	if err != nil {
		res := FromError(VenueSpot, err)
		res.Latency = e.now().Sub(start)
		e.log.Warn("spot leg failed", zap.String("direction", string(intent.Direction)), zap.Error(err))
		return res
	}

	spotAtomic, quoteAtomic := quote.OutAmount, quote.InAmount
	if intent.InputMint.Equals(e.cfg.SpotMint) {
		spotAtomic, quoteAtomic = quote.InAmount, quote.OutAmount
	}
	spotQty := neutral.FromAtomic(spotAtomic, e.cfg.SpotDecimals)
	quoteQty := neutral.FromAtomic(quoteAtomic, e.cfg.QuoteDecimals)
	res := Result{
		Success:         true,
		Status:          StatusSuccess,
		TxID:            conf.Signature.String(),
		FillAmount:      spotQty,
		RequestedAmount: spotQty,
		FeeUSD:          quoteQty * e.cfg.SwapFeeBps / 10_000,
		GasSOL:          e.gasSOL(),
		SlippageBps:     quote.SlippageBps,
		Venue:           VenueSpot,
		Latency:         e.now().Sub(start),
	}
	if spotQty > 0 {
		res.FillPrice = quoteQty / spotQty
	}
	e.log.Info("spot leg confirmed",
		zap.String("direction", string(intent.Direction)),
		zap.Float64("qty", spotQty),
		zap.Float64("price", res.FillPrice),
		zap.String("signature", res.TxID),
	)
	return res
}

// ExecutePerp places a perp order. Orders carrying a ClientID are placed at
// most once; a repeat returns the stored signature.
func (e *Executor) ExecutePerp(ctx context.Context, intent instruction.PerpTradeIntent, refPrice float64) Result {
	start := e.now()
	sig, err := e.placeOnce(ctx, intent)
	if err != nil {
		res := FromError(VenuePerp, err)
		res.RequestedAmount = intent.Size
		res.Latency = e.now().Sub(start)
		e.log.Warn("perp leg failed",
			zap.String("direction", string(intent.Direction)),
			zap.Float64("size", intent.Size),
			zap.Error(err),
		)
		return res
	}
	price := intent.LimitPrice
	if price <= 0 {
		price = refPrice
	}
	return Result{
		Success:         true,
		Status:          StatusSuccess,
		TxID:            sig,
		FillPrice:       price,
		FillAmount:      intent.Size,
		RequestedAmount: intent.Size,
		FeeUSD:          intent.Size * price * e.cfg.PerpFeeBps / 10_000,
		GasSOL:          e.gasSOL(),
		Venue:           VenuePerp,
		Latency:         e.now().Sub(start),
	}
}

func (e *Executor) placeOnce(ctx context.Context, intent instruction.PerpTradeIntent) (string, error) {
	if intent.ClientID == "" {
		return e.place(ctx, intent)
	}
	cacheKey := "exec:client:" + intent.ClientID
	e.mu.Lock()
	if sig, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return sig, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		if sig, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return "", err
		} else if ok {
			e.mu.Lock()
			e.cache[cacheKey] = sig
			e.mu.Unlock()
			return sig, nil
		}
	}
	sig, err := e.place(ctx, intent)
	if err != nil {
		return "", err
	}
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, sig); err != nil {
			e.log.Warn("failed to persist order signature", zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = sig
	e.mu.Unlock()
	return sig, nil
}

func (e *Executor) place(ctx context.Context, intent instruction.PerpTradeIntent) (string, error) {
	if e.perp == nil {
		return "", errors.New("no perp venue configured")
	}
	sig, err := e.perp.PlaceOrder(ctx, intent)
	if err != nil {
		return "", err
	}
	if sig == "" {
		return "", fmt.Errorf("perp order %s: empty signature", intent.Direction)
	}
	return sig, nil
}
