package drift

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"dn-hedge-bot/internal/chain"
	"dn-hedge-bot/internal/instruction"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeOrderParams(t *testing.T) {
	data, err := encodeOrderParams(instruction.PerpTradeIntent{Market: "SOL-PERP", Size: 1.5, Direction: instruction.Short, ReduceOnly: true}, 0)
	require.NoError(t, err)
	require.Len(t, data, 40)
	assert.Equal(t, placePerpOrderDiscriminator[:], data[:8])
	assert.Equal(t, []byte{orderTypeMarket, marketTypePerp, directionShort, 0}, data[8:12])
	assert.Equal(t, uint64(1_500_000_000), binary.LittleEndian.Uint64(data[12:20]))
	assert.Equal(t, uint64(0), binary.LittleEndian.Uint64(data[20:28]))
	assert.Equal(t, uint16(0), binary.LittleEndian.Uint16(data[28:30]))
	assert.Equal(t, byte(1), data[30])
	assert.Equal(t, make([]byte, 9), data[31:])
}

func TestEncodeLimitOrder(t *testing.T) {
	data, err := encodeOrderParams(instruction.PerpTradeIntent{Size: 0.1, Direction: instruction.Long, LimitPrice: 150.25}, 2)
	require.NoError(t, err)
	assert.Equal(t, byte(orderTypeLimit), data[8])
	assert.Equal(t, byte(directionLong), data[10])
	assert.Equal(t, uint64(150_250_000), binary.LittleEndian.Uint64(data[20:28]))
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(data[28:30]))
	assert.Equal(t, byte(0), data[30])
}

func TestEncodeRejectsBadIntent(t *testing.T) {
	_, err := encodeOrderParams(instruction.PerpTradeIntent{Size: 0, Direction: instruction.Long}, 0)
	assert.Error(t, err)
	_, err = encodeOrderParams(instruction.PerpTradeIntent{Size: 1e-12, Direction: instruction.Long}, 0)
	assert.Error(t, err)
	_, err = encodeOrderParams(instruction.PerpTradeIntent{Size: 1, Direction: instruction.Buy}, 0)
	assert.Error(t, err)
}

func TestPlacePerpOrderAccounts(t *testing.T) {
	b := NewBuilder(solana.PublicKey{}, 0)
	authority := solana.NewWallet().PublicKey()
	ix, err := b.PlacePerpOrder(instruction.PerpTradeIntent{Market: "sol-perp", Size: 1, Direction: instruction.Short}, authority)
	require.NoError(t, err)
	assert.Equal(t, DefaultProgramID, ix.ProgramID())

	accounts := ix.Accounts()
	require.Len(t, accounts, 7)
	user, err := b.PDAs().User(authority, 0)
	require.NoError(t, err)
	assert.Equal(t, user, accounts[1].PublicKey)
	assert.True(t, accounts[1].IsWritable)
	assert.Equal(t, authority, accounts[2].PublicKey)
	assert.True(t, accounts[2].IsSigner)
	assert.Equal(t, markets["SOL-PERP"].Oracle, accounts[3].PublicKey)
	assert.True(t, accounts[6].IsWritable)

	_, err = b.PlacePerpOrder(instruction.PerpTradeIntent{Market: "DOGE-PERP", Size: 1, Direction: instruction.Short}, authority)
	assert.Error(t, err)
}

func userAccount(slots map[int][2]int64, marketIndex map[int]uint16) []byte {
	data := make([]byte, userPerpPositionsOffset+perpPositionSize*perpPositionSlots+64)
	for i := 0; i < perpPositionSlots; i++ {
		off := userPerpPositionsOffset + i*perpPositionSize
		idx := uint16(0)
		if v, ok := marketIndex[i]; ok {
			idx = v
		}
		binary.LittleEndian.PutUint16(data[off+92:], idx)
		if v, ok := slots[i]; ok {
			binary.LittleEndian.PutUint64(data[off+8:], uint64(v[0]))
			binary.LittleEndian.PutUint64(data[off+16:], uint64(v[1]))
			binary.LittleEndian.PutUint64(data[off+32:], uint64(v[1]))
		}
	}
	return data
}

func TestDecodePerpPosition(t *testing.T) {
	data := userAccount(map[int][2]int64{3: {-2_000_000_000, 300_000_000}}, map[int]uint16{3: 0})
	pos, err := DecodePerpPosition(data, 0)
	require.NoError(t, err)
	assert.Equal(t, -2.0, pos.Base)
	assert.Equal(t, 300.0, pos.Quote)
	assert.InDelta(t, 150.0, pos.EntryPrice(), 1e-9)
	assert.InDelta(t, 10.0, pos.UnrealizedPnL(145), 1e-9)

	flat, err := DecodePerpPosition(data, 1)
	require.NoError(t, err)
	assert.True(t, flat.IsZero())

	_, err = DecodePerpPosition(make([]byte, 10), 0)
	assert.ErrorIs(t, err, ErrAccountTooShort)
}

func TestDecodeLastFundingRate(t *testing.T) {
	data := make([]byte, 600)
	binary.LittleEndian.PutUint64(data[perpMarketLastFundingRateOffset:], uint64(int64(9_000_000)))
	rate, err := DecodeLastFundingRate(data)
	require.NoError(t, err)
	assert.InDelta(t, 0.009, rate, 1e-12)
}

type fakeChain struct {
	accounts map[solana.PublicKey][]byte
	sent     [][]solana.Instruction
	sendErr  error
}

func (f *fakeChain) AccountData(_ context.Context, key solana.PublicKey) ([]byte, error) {
	data, ok := f.accounts[key]
	if !ok {
		return nil, errors.New("account not found")
	}
	return data, nil
}

func (f *fakeChain) SendAndConfirm(_ context.Context, ixs []solana.Instruction, _ []solana.PublicKey) (chain.Confirmation, error) {
	f.sent = append(f.sent, ixs)
	if f.sendErr != nil {
		return chain.Confirmation{}, f.sendErr
	}
	return chain.Confirmation{Slot: 42}, nil
}

func TestVenueClosePosition(t *testing.T) {
	b := NewBuilder(DefaultProgramID, 0)
	authority := solana.NewWallet().PublicKey()
	user, err := b.PDAs().User(authority, 0)
	require.NoError(t, err)
	fc := &fakeChain{accounts: map[solana.PublicKey][]byte{
		user: userAccount(map[int][2]int64{0: {-500_000_000, 75_000_000}}, nil),
	}}
	venue, err := NewVenue(b, fc, authority, VenueConfig{Market: "SOL-PERP", ComputeUnits: 200_000}, nil)
	require.NoError(t, err)

	_, err = venue.ClosePosition(context.Background())
	require.NoError(t, err)
	require.Len(t, fc.sent, 1)
	ixs := fc.sent[0]
	require.Len(t, ixs, 2)
	assert.Equal(t, instruction.ComputeBudgetProgramID, ixs[0].ProgramID())
	data, _ := ixs[1].Data()
	assert.Equal(t, byte(directionLong), data[10])
	assert.Equal(t, uint64(500_000_000), binary.LittleEndian.Uint64(data[12:20]))
	assert.Equal(t, byte(1), data[30])
}

func TestVenueCloseFlat(t *testing.T) {
	b := NewBuilder(DefaultProgramID, 0)
	authority := solana.NewWallet().PublicKey()
	user, _ := b.PDAs().User(authority, 0)
	fc := &fakeChain{accounts: map[solana.PublicKey][]byte{user: userAccount(nil, nil)}}
	venue, err := NewVenue(b, fc, authority, VenueConfig{Market: "SOL-PERP"}, nil)
	require.NoError(t, err)
	_, err = venue.ClosePosition(context.Background())
	assert.ErrorIs(t, err, ErrNoPosition)
	assert.Empty(t, fc.sent)
}

func TestFundingFeed(t *testing.T) {
	b := NewBuilder(DefaultProgramID, 0)
	key, err := b.PDAs().PerpMarket(0)
	require.NoError(t, err)
	data := make([]byte, 600)
	binary.LittleEndian.PutUint64(data[perpMarketLastFundingRateOffset:], uint64(int64(150_000_000)))
	feed, err := NewFundingFeed(b, &fakeChain{accounts: map[solana.PublicKey][]byte{key: data}}, "SOL-PERP")
	require.NoError(t, err)
	rate, err := feed.FundingRateHourly(context.Background(), 150)
	require.NoError(t, err)
	assert.InDelta(t, 0.001, rate, 1e-12)
}
