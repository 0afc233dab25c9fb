package drift

import (
	"encoding/binary"
	"errors"
	"math"
)

const (
	userPerpPositionsOffset = 8 + 32 + 32 + 32 + 8*40
	perpPositionSize        = 96
	perpPositionSlots       = 8

	perpMarketLastFundingRateOffset = 480
)

var ErrAccountTooShort = errors.New("account data too short")

// Position is one perp position decoded from the user account. Base is
// signed, negative for shorts.
type Position struct {
	MarketIndex uint16
	Base        float64
	Quote       float64
	QuoteEntry  float64
	SettledPnL  float64
}

func (p Position) IsZero() bool { return p.Base == 0 }

func (p Position) EntryPrice() float64 {
	if p.Base == 0 {
		return 0
	}
	return math.Abs(p.QuoteEntry / p.Base)
}

// UnrealizedPnL marks the position at price.
func (p Position) UnrealizedPnL(price float64) float64 {
	return p.Base*price + p.Quote
}

// DecodePerpPosition finds the position for marketIndex in a user account.
// A missing slot is a flat position, not an error.
func DecodePerpPosition(data []byte, marketIndex uint16) (Position, error) {
	if len(data) < userPerpPositionsOffset+perpPositionSize*perpPositionSlots {
		return Position{}, ErrAccountTooShort
	}
	for i := 0; i < perpPositionSlots; i++ {
		off := userPerpPositionsOffset + i*perpPositionSize
		slot := data[off : off+perpPositionSize]
		base := int64(binary.LittleEndian.Uint64(slot[8:16]))
		idx := binary.LittleEndian.Uint16(slot[92:94])
		if idx != marketIndex || base == 0 {
			continue
		}
		return Position{
			MarketIndex: idx,
			Base:        float64(base) / BasePrecision,
			Quote:       float64(int64(binary.LittleEndian.Uint64(slot[16:24]))) / QuotePrecision,
			QuoteEntry:  float64(int64(binary.LittleEndian.Uint64(slot[32:40]))) / QuotePrecision,
			SettledPnL:  float64(int64(binary.LittleEndian.Uint64(slot[56:64]))) / QuotePrecision,
		}, nil
	}
	return Position{MarketIndex: marketIndex}, nil
}

// DecodeLastFundingRate returns the market's last hourly funding payment in
// quote per base unit.
func DecodeLastFundingRate(data []byte) (float64, error) {
	if len(data) < perpMarketLastFundingRateOffset+8 {
		return 0, ErrAccountTooShort
	}
	raw := int64(binary.LittleEndian.Uint64(data[perpMarketLastFundingRateOffset:]))
	return float64(raw) / FundingRatePrecision, nil
}
