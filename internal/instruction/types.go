package instruction

import (
	"errors"

	"github.com/gagliardetto/solana-go"
)

var ErrNoLegs = errors.New("bundle intent has no legs")

type TradeDirection string

const (
	Buy   TradeDirection = "BUY"
	Sell  TradeDirection = "SELL"
	Long  TradeDirection = "LONG"
	Short TradeDirection = "SHORT"
)

// SpotTradeIntent swaps AmountAtomic of InputMint into OutputMint.
type SpotTradeIntent struct {
	InputMint    solana.PublicKey
	OutputMint   solana.PublicKey
	AmountAtomic uint64
	SlippageBps  int
	Direction    TradeDirection
}

// PerpTradeIntent is a market (LimitPrice == 0) or limit perp order. Size
// is in base units and always positive; Direction carries the sign.
type PerpTradeIntent struct {
	Market     string
	Size       float64
	Direction  TradeDirection
	ReduceOnly bool
	LimitPrice float64
	// ClientID identifies the order for idempotent placement.
	ClientID string
}

// SignedSize is Size with shorts negative.
func (p PerpTradeIntent) SignedSize() float64 {
	if p.Direction == Short {
		return -p.Size
	}
	return p.Size
}

type BundleIntent struct {
	Spot *SpotTradeIntent
	Perp *PerpTradeIntent

	TipLamports              uint64
	ComputeUnits             uint32
	PriorityFeeMicroLamports uint64
}

func (b BundleIntent) Legs() int {
	n := 0
	if b.Spot != nil {
		n++
	}
	if b.Perp != nil {
		n++
	}
	return n
}

func (b BundleIntent) Validate() error {
	if b.Legs() == 0 {
		return ErrNoLegs
	}
	return nil
}
