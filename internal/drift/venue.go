package drift

import (
	"context"
	"errors"
	"fmt"
	"math"

	"dn-hedge-bot/internal/chain"
	"dn-hedge-bot/internal/instruction"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

var ErrNoPosition = errors.New("no open perp position")

type Chain interface {
	AccountData(ctx context.Context, key solana.PublicKey) ([]byte, error)
	SendAndConfirm(ctx context.Context, ixs []solana.Instruction, lookupTables []solana.PublicKey) (chain.Confirmation, error)
}

type VenueConfig struct {
	Market                   string
	ComputeUnits             uint32
	PriorityFeeMicroLamports uint64
}

// Venue places perp orders as standalone transactions. Bundled orders use
// Builder directly.
type Venue struct {
	builder   *Builder
	chain     Chain
	authority solana.PublicKey
	market    Market
	cfg       VenueConfig
	log       *zap.Logger
}

func NewVenue(builder *Builder, c Chain, authority solana.PublicKey, cfg VenueConfig, log *zap.Logger) (*Venue, error) {
	market, err := LookupMarket(cfg.Market)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Venue{builder: builder, chain: c, authority: authority, market: market, cfg: cfg, log: log}, nil
}

func (v *Venue) Market() string { return v.market.Name }

func (v *Venue) PlaceOrder(ctx context.Context, intent instruction.PerpTradeIntent) (string, error) {
	if intent.Market == "" {
		intent.Market = v.market.Name
	}
	ix, err := v.builder.PlacePerpOrder(intent, v.authority)
	if err != nil {
		return "", fmt.Errorf("build perp order: %w", err)
	}
	ixs := append(instruction.ComputeBudgetInstructions(v.cfg.ComputeUnits, v.cfg.PriorityFeeMicroLamports), ix)
	conf, err := v.chain.SendAndConfirm(ctx, ixs, nil)
	if err != nil {
		return "", fmt.Errorf("perp order %s %.6f %s: %w", intent.Direction, intent.Size, intent.Market, err)
	}
	v.log.Info("perp order confirmed",
		zap.String("market", intent.Market),
		zap.String("direction", string(intent.Direction)),
		zap.Float64("size", intent.Size),
		zap.Bool("reduce_only", intent.ReduceOnly),
		zap.String("signature", conf.Signature.String()),
		zap.Uint64("slot", conf.Slot),
	)
	return conf.Signature.String(), nil
}

func (v *Venue) Position(ctx context.Context) (Position, error) {
	user, err := v.builder.PDAs().User(v.authority, v.builder.SubAccount())
	if err != nil {
		return Position{}, fmt.Errorf("user pda: %w", err)
	}
	data, err := v.chain.AccountData(ctx, user)
	if err != nil {
		return Position{}, fmt.Errorf("read drift user: %w", err)
	}
	return DecodePerpPosition(data, v.market.Index)
}

// ClosePosition flattens the position with a reduce-only market order.
func (v *Venue) ClosePosition(ctx context.Context) (string, error) {
	pos, err := v.Position(ctx)
	if err != nil {
		return "", err
	}
	if pos.IsZero() {
		return "", ErrNoPosition
	}
	direction := instruction.Long
	if pos.Base > 0 {
		direction = instruction.Short
	}
	return v.PlaceOrder(ctx, instruction.PerpTradeIntent{
		Market:     v.market.Name,
		Size:       math.Abs(pos.Base),
		Direction:  direction,
		ReduceOnly: true,
	})
}

// FundingFeed reads the market's last funding payment from chain.
type FundingFeed struct {
	chain  Chain
	pdas   PDAs
	market Market
}

func NewFundingFeed(builder *Builder, c Chain, market string) (*FundingFeed, error) {
	m, err := LookupMarket(market)
	if err != nil {
		return nil, err
	}
	return &FundingFeed{chain: c, pdas: builder.PDAs(), market: m}, nil
}

// FundingRateHourly converts the last funding payment into a fraction of
// price per hour.
func (f *FundingFeed) FundingRateHourly(ctx context.Context, price float64) (float64, error) {
	if price <= 0 {
		return 0, errors.New("funding rate needs a positive price")
	}
	key, err := f.pdas.PerpMarket(f.market.Index)
	if err != nil {
		return 0, err
	}
	data, err := f.chain.AccountData(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read perp market: %w", err)
	}
	perBase, err := DecodeLastFundingRate(data)
	if err != nil {
		return 0, err
	}
	return perBase / price, nil
}
