package jupiter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

// PriceFeed reads USD prices from the aggregator's price endpoint.
type PriceFeed struct {
	http *resty.Client
	mint solana.PublicKey
	now  func() time.Time
}

func NewPriceFeed(priceURL string, mint solana.PublicKey, timeout time.Duration) *PriceFeed {
	return &PriceFeed{
		http: resty.New().SetBaseURL(strings.TrimSuffix(priceURL, "/")).SetTimeout(timeout),
		mint: mint,
		now:  time.Now,
	}
}

// Price returns the mint's USD price and the time it was observed.
func (p *PriceFeed) Price(ctx context.Context) (float64, time.Time, error) {
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParam("ids", p.mint.String()).
		Get("")
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("jupiter price: %w", err)
	}
	if resp.IsError() {
		return 0, time.Time{}, fmt.Errorf("jupiter price: http %d: %s", resp.StatusCode(), truncate(resp.Body()))
	}
	field := gjson.GetBytes(resp.Body(), "data."+p.mint.String()+".price")
	if !field.Exists() {
		return 0, time.Time{}, fmt.Errorf("jupiter price: no price for %s", p.mint)
	}
	price, err := strconv.ParseFloat(field.String(), 64)
	if err != nil || price <= 0 {
		return 0, time.Time{}, fmt.Errorf("jupiter price: invalid price %q", field.String())
	}
	return price, p.now(), nil
}
