package drift

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"dn-hedge-bot/internal/instruction"

	"github.com/gagliardetto/solana-go"
)

// sha256("global:place_perp_order")[:8]
var placePerpOrderDiscriminator = [8]byte{69, 161, 93, 202, 120, 126, 76, 185}

const (
	orderTypeMarket = 0
	orderTypeLimit  = 1
	marketTypePerp  = 1
	directionLong   = 0
	directionShort  = 1
)

// Builder encodes place_perp_order instructions.
type Builder struct {
	program    solana.PublicKey
	subAccount uint16
	pdas       PDAs
}

func NewBuilder(program solana.PublicKey, subAccount uint16) *Builder {
	if program == (solana.PublicKey{}) {
		program = DefaultProgramID
	}
	return &Builder{program: program, subAccount: subAccount, pdas: PDAs{program: program}}
}

func (b *Builder) PDAs() PDAs { return b.pdas }

func (b *Builder) SubAccount() uint16 { return b.subAccount }

func encodeOrderParams(intent instruction.PerpTradeIntent, marketIndex uint16) ([]byte, error) {
	if intent.Size <= 0 || math.IsNaN(intent.Size) || math.IsInf(intent.Size, 0) {
		return nil, fmt.Errorf("invalid order size %v", intent.Size)
	}
	var direction byte
	switch intent.Direction {
	case instruction.Long:
		direction = directionLong
	case instruction.Short:
		direction = directionShort
	default:
		return nil, fmt.Errorf("invalid perp direction %q", intent.Direction)
	}
	base := uint64(math.Round(intent.Size * BasePrecision))
	if base == 0 {
		return nil, errors.New("order size rounds to zero base units")
	}
	orderType := byte(orderTypeMarket)
	var price uint64
	if intent.LimitPrice > 0 {
		orderType = orderTypeLimit
		price = uint64(math.Round(intent.LimitPrice * PricePrecision))
	}

	data := make([]byte, 0, 40)
	data = append(data, placePerpOrderDiscriminator[:]...)
	data = append(data, orderType, marketTypePerp, direction, 0)
	data = binary.LittleEndian.AppendUint64(data, base)
	data = binary.LittleEndian.AppendUint64(data, price)
	data = binary.LittleEndian.AppendUint16(data, marketIndex)
	reduceOnly := byte(0)
	if intent.ReduceOnly {
		reduceOnly = 1
	}
	data = append(data, reduceOnly)
	// post_only, bit_flags, max_ts, trigger_price, trigger_condition,
	// oracle_price_offset, auction_duration, auction_start_price,
	// auction_end_price: all none/zero.
	data = append(data, make([]byte, 9)...)
	return data, nil
}

func (b *Builder) PlacePerpOrder(intent instruction.PerpTradeIntent, authority solana.PublicKey) (solana.Instruction, error) {
	market, err := LookupMarket(intent.Market)
	if err != nil {
		return nil, err
	}
	data, err := encodeOrderParams(intent, market.Index)
	if err != nil {
		return nil, err
	}
	state, err := b.pdas.State()
	if err != nil {
		return nil, fmt.Errorf("state pda: %w", err)
	}
	user, err := b.pdas.User(authority, b.subAccount)
	if err != nil {
		return nil, fmt.Errorf("user pda: %w", err)
	}
	quoteMarket, err := b.pdas.SpotMarket(quoteSpotMarketIndex)
	if err != nil {
		return nil, fmt.Errorf("spot market pda: %w", err)
	}
	perpMarket, err := b.pdas.PerpMarket(market.Index)
	if err != nil {
		return nil, fmt.Errorf("perp market pda: %w", err)
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(state, false, false),
		solana.NewAccountMeta(user, true, false),
		solana.NewAccountMeta(authority, false, true),
		// remaining accounts: oracles, spot markets, perp markets
		solana.NewAccountMeta(market.Oracle, false, false),
		solana.NewAccountMeta(quoteOracle, false, false),
		solana.NewAccountMeta(quoteMarket, false, false),
		solana.NewAccountMeta(perpMarket, true, false),
	}
	return solana.NewInstruction(b.program, accounts, data), nil
}
