package jito

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

var (
	ErrRejected      = errors.New("bundle rejected")
	ErrUnknownRegion = errors.New("unknown block engine region")
)

const (
	StateLanded  = "landed"
	StateFailed  = "failed"
	StateInvalid = "invalid"
	StatePending = "pending"
	StateUnknown = "unknown"
)

var regionHosts = map[string]string{
	"mainnet":   "mainnet.block-engine.jito.wtf",
	"amsterdam": "amsterdam.mainnet.block-engine.jito.wtf",
	"frankfurt": "frankfurt.mainnet.block-engine.jito.wtf",
	"ny":        "ny.mainnet.block-engine.jito.wtf",
	"slc":       "slc.mainnet.block-engine.jito.wtf",
	"tokyo":     "tokyo.mainnet.block-engine.jito.wtf",
}

// DefaultTipAccounts are the published tip receivers, used until the
// block engine has been asked for its current list.
var DefaultTipAccounts = []solana.PublicKey{
	solana.MustPublicKeyFromBase58("96gYZGLnJYVFmbjzopPSU6QiEV5fGqZNyN9nmNhvrZU5"),
	solana.MustPublicKeyFromBase58("HFqU5x63VTqvQss8hp11i4wVV8bD44PvwucfZ2bU7gRe"),
	solana.MustPublicKeyFromBase58("Cw8CFyM9FkoMi7K7Crf6HNQqf4uEMzpKw6QNghXLvLkY"),
	solana.MustPublicKeyFromBase58("ADaUMid9yfUytqMBgopwjb2DTLSokTSzL1zt6iGPaS49"),
	solana.MustPublicKeyFromBase58("DfXygSm4jCyNCybVYYK6DwvWqjKee8pbDmJGcLWNDXjh"),
	solana.MustPublicKeyFromBase58("ADuUkR4vqLUMWXxW9gh6D6L8pMSawimctcNZ5pGwDcEt"),
	solana.MustPublicKeyFromBase58("DttWaMuVvTiduZRnguLF7jNxTgiMBZ1hyAumKUiL2KRL"),
	solana.MustPublicKeyFromBase58("3AVi9Tg9Uo68tJfuvoKvqKNWKkC5wPdSSdeBnizKZ6jT"),
}

// RegionURL returns the JSON-RPC base URL of a block engine region.
func RegionURL(region string) (string, error) {
	host, ok := regionHosts[strings.ToLower(strings.TrimSpace(region))]
	if !ok {
		return "", fmt.Errorf("%q: %w", region, ErrUnknownRegion)
	}
	return "https://" + host + "/api/v1", nil
}

type Client struct {
	http *resty.Client
	log  *zap.Logger
	id   atomic.Uint64
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimSuffix(baseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		log: log,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

func (c *Client) call(ctx context.Context, path, method string, params ...any) (gjson.Result, error) {
	if params == nil {
		params = []any{}
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(rpcRequest{JSONRPC: "2.0", ID: c.id.Add(1), Method: method, Params: params}).
		Post(path)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("jito %s: %w", method, err)
	}
	body := resp.Body()
	if rpcErr := gjson.GetBytes(body, "error"); rpcErr.Exists() && rpcErr.Type != gjson.Null {
		return gjson.Result{}, fmt.Errorf("jito %s: %s (code %d): %w",
			method, rpcErr.Get("message").String(), rpcErr.Get("code").Int(), ErrRejected)
	}
	if resp.IsError() {
		return gjson.Result{}, fmt.Errorf("jito %s: http %d: %s", method, resp.StatusCode(), string(body))
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("jito %s: invalid json response", method)
	}
	return gjson.GetBytes(body, "result"), nil
}

// SendBundle submits base64 encoded transactions and returns the bundle id.
func (c *Client) SendBundle(ctx context.Context, txs []string) (string, error) {
	if len(txs) == 0 {
		return "", fmt.Errorf("empty bundle: %w", ErrRejected)
	}
	result, err := c.call(ctx, "/bundles", "sendBundle", txs, map[string]string{"encoding": "base64"})
	if err != nil {
		return "", err
	}
	id := result.String()
	if id == "" {
		return "", fmt.Errorf("jito sendBundle: empty bundle id: %w", ErrRejected)
	}
	c.log.Debug("bundle sent", zap.String("bundle_id", id), zap.Int("transactions", len(txs)))
	return id, nil
}

type Status struct {
	State string
	Slot  uint64
	Err   string
}

// BundleStatus reports the block engine's view of a bundle, consulting the
// in-flight index first and the landed index second.
func (c *Client) BundleStatus(ctx context.Context, bundleID string) (Status, error) {
	inflight, err := c.call(ctx, "/getInflightBundleStatuses", "getInflightBundleStatuses", []string{bundleID})
	if err != nil {
		return Status{}, err
	}
	if entry := inflight.Get("value.0"); entry.Exists() {
		st := Status{
			State: strings.ToLower(entry.Get("status").String()),
			Slot:  entry.Get("landed_slot").Uint(),
		}
		if st.State != StateLanded || st.Slot != 0 {
			return st, nil
		}
	}
	landed, err := c.call(ctx, "/getBundleStatuses", "getBundleStatuses", []string{bundleID})
	if err != nil {
		return Status{}, err
	}
	entry := landed.Get("value.0")
	if !entry.Exists() || entry.Type == gjson.Null {
		return Status{State: StateUnknown}, nil
	}
	st := Status{State: StateLanded, Slot: entry.Get("slot").Uint()}
	if txErr := entry.Get("err.Err"); txErr.Exists() {
		st.State = StateFailed
		st.Err = txErr.Raw
	}
	return st, nil
}

func (c *Client) TipAccounts(ctx context.Context) ([]solana.PublicKey, error) {
	result, err := c.call(ctx, "/getTipAccounts", "getTipAccounts")
	if err != nil {
		return nil, err
	}
	var raw []string
	if err := json.Unmarshal([]byte(result.Raw), &raw); err != nil {
		return nil, fmt.Errorf("decode tip accounts: %w", err)
	}
	out := make([]solana.PublicKey, 0, len(raw))
	for _, s := range raw {
		key, err := solana.PublicKeyFromBase58(s)
		if err != nil {
			return nil, fmt.Errorf("tip account %q: %w", s, err)
		}
		out = append(out, key)
	}
	if len(out) == 0 {
		return nil, errors.New("block engine returned no tip accounts")
	}
	return out, nil
}
