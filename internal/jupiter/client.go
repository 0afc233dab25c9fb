package jupiter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

var ErrNoRoute = errors.New("no swap route")

type Client struct {
	http *resty.Client
	log  *zap.Logger
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimSuffix(baseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		log: log,
	}
}

type QuoteRequest struct {
	InputMint   solana.PublicKey
	OutputMint  solana.PublicKey
	Amount      uint64
	SlippageBps int
}

type Quote struct {
	InputMint      string
	OutputMint     string
	InAmount       uint64
	OutAmount      uint64
	MinOutAmount   uint64
	SlippageBps    int
	PriceImpactPct float64
	ContextSlot    uint64

	// raw is echoed back verbatim to swap-instructions.
	raw json.RawMessage
}

type wireQuote struct {
	InputMint            string `json:"inputMint"`
	OutputMint           string `json:"outputMint"`
	InAmount             string `json:"inAmount"`
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	SlippageBps          int    `json:"slippageBps"`
	PriceImpactPct       string `json:"priceImpactPct"`
	ContextSlot          uint64 `json:"contextSlot"`
	Error                string `json:"error"`
}

func (c *Client) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if req.Amount == 0 {
		return nil, errors.New("quote amount must be > 0")
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"inputMint":   req.InputMint.String(),
			"outputMint":  req.OutputMint.String(),
			"amount":      strconv.FormatUint(req.Amount, 10),
			"slippageBps": strconv.Itoa(req.SlippageBps),
		}).
		Get("/quote")
	if err != nil {
		return nil, fmt.Errorf("jupiter quote: %w", err)
	}
	body := resp.Body()
	if resp.IsError() {
		return nil, fmt.Errorf("jupiter quote: http %d: %s", resp.StatusCode(), truncate(body))
	}
	var w wireQuote
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("decode quote: %w", err)
	}
	if w.Error != "" {
		return nil, fmt.Errorf("jupiter quote: %s: %w", w.Error, ErrNoRoute)
	}
	q := &Quote{
		InputMint:   w.InputMint,
		OutputMint:  w.OutputMint,
		SlippageBps: w.SlippageBps,
		ContextSlot: w.ContextSlot,
		raw:         append(json.RawMessage(nil), body...),
	}
	if q.InAmount, err = parseAmount(w.InAmount); err != nil {
		return nil, fmt.Errorf("quote inAmount: %w", err)
	}
	if q.OutAmount, err = parseAmount(w.OutAmount); err != nil {
		return nil, fmt.Errorf("quote outAmount: %w", err)
	}
	q.MinOutAmount, _ = parseAmount(w.OtherAmountThreshold)
	q.PriceImpactPct, _ = strconv.ParseFloat(w.PriceImpactPct, 64)
	if q.OutAmount == 0 {
		return nil, ErrNoRoute
	}
	c.log.Debug("jupiter quote",
		zap.String("input_mint", q.InputMint),
		zap.String("output_mint", q.OutputMint),
		zap.Uint64("in_amount", q.InAmount),
		zap.Uint64("out_amount", q.OutAmount),
		zap.Float64("price_impact_pct", q.PriceImpactPct),
	)
	return q, nil
}

// SwapInstructions is the instruction set for one swap. Compute budget
// instructions returned by the aggregator are dropped; the bundle sets its
// own.
type SwapInstructions struct {
	Setup        []solana.Instruction
	Swap         solana.Instruction
	Cleanup      []solana.Instruction
	LookupTables []solana.PublicKey
}

func (s *SwapInstructions) All() []solana.Instruction {
	out := make([]solana.Instruction, 0, len(s.Setup)+1+len(s.Cleanup))
	out = append(out, s.Setup...)
	if s.Swap != nil {
		out = append(out, s.Swap)
	}
	return append(out, s.Cleanup...)
}

type wireAccount struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"isSigner"`
	IsWritable bool   `json:"isWritable"`
}

type wireInstruction struct {
	ProgramID string        `json:"programId"`
	Accounts  []wireAccount `json:"accounts"`
	Data      string        `json:"data"`
}

type wireSwapInstructions struct {
	SetupInstructions           []wireInstruction `json:"setupInstructions"`
	SwapInstruction             *wireInstruction  `json:"swapInstruction"`
	CleanupInstruction          *wireInstruction  `json:"cleanupInstruction"`
	OtherInstructions           []wireInstruction `json:"otherInstructions"`
	AddressLookupTableAddresses []string          `json:"addressLookupTableAddresses"`
	Error                       string            `json:"error"`
}

type swapInstructionsRequest struct {
	QuoteResponse    json.RawMessage `json:"quoteResponse"`
	UserPublicKey    string          `json:"userPublicKey"`
	WrapAndUnwrapSol bool            `json:"wrapAndUnwrapSol"`
}

func (c *Client) SwapInstructions(ctx context.Context, quote *Quote, user solana.PublicKey) (*SwapInstructions, error) {
	if quote == nil || len(quote.raw) == 0 {
		return nil, errors.New("swap instructions require a quote")
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(swapInstructionsRequest{
			QuoteResponse: quote.raw,
			UserPublicKey: user.String(),
			// Spot stays as the wrapped token so it never mixes with gas SOL.
			WrapAndUnwrapSol: false,
		}).
		Post("/swap-instructions")
	if err != nil {
		return nil, fmt.Errorf("jupiter swap-instructions: %w", err)
	}
	body := resp.Body()
	if resp.IsError() {
		return nil, fmt.Errorf("jupiter swap-instructions: http %d: %s", resp.StatusCode(), truncate(body))
	}
	// Decoded by hand so a response without a JSON content type still parses.
	var w wireSwapInstructions
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("decode swap-instructions: %w", err)
	}
	if w.Error != "" {
		return nil, fmt.Errorf("jupiter swap-instructions: %s", w.Error)
	}
	if w.SwapInstruction == nil {
		return nil, errors.New("jupiter swap-instructions: missing swapInstruction")
	}
	out := &SwapInstructions{}
	for i, raw := range w.SetupInstructions {
		ix, err := raw.decode()
		if err != nil {
			return nil, fmt.Errorf("setup instruction %d: %w", i, err)
		}
		out.Setup = append(out.Setup, ix)
	}
	if out.Swap, err = w.SwapInstruction.decode(); err != nil {
		return nil, fmt.Errorf("swap instruction: %w", err)
	}
	if w.CleanupInstruction != nil {
		ix, err := w.CleanupInstruction.decode()
		if err != nil {
			return nil, fmt.Errorf("cleanup instruction: %w", err)
		}
		out.Cleanup = append(out.Cleanup, ix)
	}
	for i, raw := range w.OtherInstructions {
		ix, err := raw.decode()
		if err != nil {
			return nil, fmt.Errorf("other instruction %d: %w", i, err)
		}
		out.Cleanup = append(out.Cleanup, ix)
	}
	for _, addr := range w.AddressLookupTableAddresses {
		key, err := solana.PublicKeyFromBase58(addr)
		if err != nil {
			return nil, fmt.Errorf("lookup table %q: %w", addr, err)
		}
		out.LookupTables = append(out.LookupTables, key)
	}
	return out, nil
}

func (w wireInstruction) decode() (solana.Instruction, error) {
	program, err := solana.PublicKeyFromBase58(w.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("program id %q: %w", w.ProgramID, err)
	}
	data, err := base64.StdEncoding.DecodeString(w.Data)
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	metas := make(solana.AccountMetaSlice, 0, len(w.Accounts))
	for _, acc := range w.Accounts {
		key, err := solana.PublicKeyFromBase58(acc.Pubkey)
		if err != nil {
			return nil, fmt.Errorf("account %q: %w", acc.Pubkey, err)
		}
		metas = append(metas, solana.NewAccountMeta(key, acc.IsWritable, acc.IsSigner))
	}
	return solana.NewInstruction(program, metas, data), nil
}

func parseAmount(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

func truncate(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max])
	}
	return string(body)
}
