package drift

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

var DefaultProgramID = solana.MustPublicKeyFromBase58("dRiftyHA39MWEi3m9aunc5MzRF1JYuBsbn6VPcn33UH")

const (
	BasePrecision        = 1e9
	PricePrecision       = 1e6
	QuotePrecision       = 1e6
	FundingRatePrecision = 1e9

	quoteSpotMarketIndex = 0
)

type Market struct {
	Name   string
	Index  uint16
	Oracle solana.PublicKey
}

var quoteOracle = solana.MustPublicKeyFromBase58("9VCioxmni2gDLv11qufWzT3RDERhQE4iY5Gf7NTfYyAV")

var markets = map[string]Market{
	"SOL-PERP": {Name: "SOL-PERP", Index: 0, Oracle: solana.MustPublicKeyFromBase58("3m6i4RFWEDw2Ft4tFHPJtYgmpPe21k56M3FHeWYrgGBz")},
	"BTC-PERP": {Name: "BTC-PERP", Index: 1, Oracle: solana.MustPublicKeyFromBase58("35MbvS1Juz2wf7GsyHrkCw8yfKciRLxVpEhfZDZFrB4R")},
	"ETH-PERP": {Name: "ETH-PERP", Index: 2, Oracle: solana.MustPublicKeyFromBase58("93FG52TzNKCnMiasV14Ba34BYcHDb9p4zK4GjZnLwqWR")},
}

func LookupMarket(name string) (Market, error) {
	m, ok := markets[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return Market{}, fmt.Errorf("unknown perp market %q", name)
	}
	return m, nil
}

// PDAs derives the program accounts an order touches.
type PDAs struct {
	program solana.PublicKey
}

func (p PDAs) derive(seeds ...[]byte) (solana.PublicKey, error) {
	key, _, err := solana.FindProgramAddress(seeds, p.program)
	return key, err
}

func (p PDAs) State() (solana.PublicKey, error) {
	return p.derive([]byte("drift_state"))
}

func (p PDAs) User(authority solana.PublicKey, subAccount uint16) (solana.PublicKey, error) {
	return p.derive([]byte("user"), authority.Bytes(), u16(subAccount))
}

func (p PDAs) UserStats(authority solana.PublicKey) (solana.PublicKey, error) {
	return p.derive([]byte("user_stats"), authority.Bytes())
}

func (p PDAs) PerpMarket(index uint16) (solana.PublicKey, error) {
	return p.derive([]byte("perp_market"), u16(index))
}

func (p PDAs) SpotMarket(index uint16) (solana.PublicKey, error) {
	return p.derive([]byte("spot_market"), u16(index))
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}
