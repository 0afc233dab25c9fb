package instruction

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"dn-hedge-bot/internal/jupiter"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

var ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

const (
	computeBudgetSetLimit = 2
	computeBudgetSetPrice = 3
)

type SwapQuoter interface {
	Quote(ctx context.Context, req jupiter.QuoteRequest) (*jupiter.Quote, error)
	SwapInstructions(ctx context.Context, quote *jupiter.Quote, user solana.PublicKey) (*jupiter.SwapInstructions, error)
}

type PerpBuilder interface {
	PlacePerpOrder(intent PerpTradeIntent, authority solana.PublicKey) (solana.Instruction, error)
}

// Built is an ordered instruction list plus what the transaction compiler
// needs to fit it.
type Built struct {
	Instructions []solana.Instruction
	LookupTables []solana.PublicKey
	Quote        *jupiter.Quote
	TipAccount   solana.PublicKey
}

type Factory struct {
	quoter      SwapQuoter
	perp        PerpBuilder
	payer       solana.PublicKey
	tipAccounts atomic.Pointer[[]solana.PublicKey]
	next        atomic.Uint64
}

func NewFactory(quoter SwapQuoter, perp PerpBuilder, payer solana.PublicKey, tipAccounts []solana.PublicKey) *Factory {
	f := &Factory{quoter: quoter, perp: perp, payer: payer}
	f.SetTipAccounts(tipAccounts)
	return f
}

func (f *Factory) Payer() solana.PublicKey { return f.payer }

// SetTipAccounts replaces the tip rotation, e.g. after refreshing it from the
// block engine.
func (f *Factory) SetTipAccounts(accounts []solana.PublicKey) {
	cp := append([]solana.PublicKey(nil), accounts...)
	f.tipAccounts.Store(&cp)
}

// NextTipAccount rotates through the tip accounts.
func (f *Factory) NextTipAccount() (solana.PublicKey, error) {
	accounts := *f.tipAccounts.Load()
	if len(accounts) == 0 {
		return solana.PublicKey{}, errors.New("no tip accounts configured")
	}
	idx := (f.next.Add(1) - 1) % uint64(len(accounts))
	return accounts[idx], nil
}

func ComputeBudgetInstructions(units uint32, microLamports uint64) []solana.Instruction {
	var out []solana.Instruction
	if units > 0 {
		data := make([]byte, 5)
		data[0] = computeBudgetSetLimit
		binary.LittleEndian.PutUint32(data[1:], units)
		out = append(out, solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data))
	}
	if microLamports > 0 {
		data := make([]byte, 9)
		data[0] = computeBudgetSetPrice
		binary.LittleEndian.PutUint64(data[1:], microLamports)
		out = append(out, solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data))
	}
	return out
}

func (f *Factory) TipInstruction(lamports uint64) (solana.Instruction, solana.PublicKey, error) {
	to, err := f.NextTipAccount()
	if err != nil {
		return nil, solana.PublicKey{}, err
	}
	return system.NewTransferInstruction(lamports, f.payer, to).Build(), to, nil
}

// SpotInstructions quotes the swap and returns its instructions.
func (f *Factory) SpotInstructions(ctx context.Context, intent SpotTradeIntent) (*jupiter.Quote, *jupiter.SwapInstructions, error) {
	if f.quoter == nil {
		return nil, nil, errors.New("no swap quoter configured")
	}
	if intent.AmountAtomic == 0 {
		return nil, nil, errors.New("spot intent amount must be > 0")
	}
	quote, err := f.quoter.Quote(ctx, jupiter.QuoteRequest{
		InputMint:   intent.InputMint,
		OutputMint:  intent.OutputMint,
		Amount:      intent.AmountAtomic,
		SlippageBps: intent.SlippageBps,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("quote %s: %w", intent.Direction, err)
	}
	swap, err := f.quoter.SwapInstructions(ctx, quote, f.payer)
	if err != nil {
		return nil, nil, fmt.Errorf("swap instructions %s: %w", intent.Direction, err)
	}
	return quote, swap, nil
}

func (f *Factory) PerpInstruction(intent PerpTradeIntent) (solana.Instruction, error) {
	if f.perp == nil {
		return nil, errors.New("no perp builder configured")
	}
	if intent.Size <= 0 {
		return nil, errors.New("perp intent size must be > 0")
	}
	if intent.Direction != Long && intent.Direction != Short {
		return nil, fmt.Errorf("perp intent direction %q", intent.Direction)
	}
	return f.perp.PlacePerpOrder(intent, f.payer)
}

// Build lays out compute budget, spot leg, perp leg and tip transfer in that
// order.
func (f *Factory) Build(ctx context.Context, intent BundleIntent) (*Built, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	built := &Built{}
	built.Instructions = append(built.Instructions, ComputeBudgetInstructions(intent.ComputeUnits, intent.PriorityFeeMicroLamports)...)
	if intent.Spot != nil {
		quote, swap, err := f.SpotInstructions(ctx, *intent.Spot)
		if err != nil {
			return nil, err
		}
		built.Quote = quote
		built.Instructions = append(built.Instructions, swap.All()...)
		built.LookupTables = append(built.LookupTables, swap.LookupTables...)
	}
	if intent.Perp != nil {
		ix, err := f.PerpInstruction(*intent.Perp)
		if err != nil {
			return nil, fmt.Errorf("perp instruction: %w", err)
		}
		built.Instructions = append(built.Instructions, ix)
	}
	if intent.TipLamports > 0 {
		ix, to, err := f.TipInstruction(intent.TipLamports)
		if err != nil {
			return nil, err
		}
		built.Instructions = append(built.Instructions, ix)
		built.TipAccount = to
	}
	return built, nil
}
