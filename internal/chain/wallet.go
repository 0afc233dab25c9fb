package chain

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// WalletBalance reports the native and token balances of the signing wallet.
type WalletBalance struct {
	client *Client
}

func NewWalletBalance(c *Client) *WalletBalance {
	return &WalletBalance{client: c}
}

func (w *WalletBalance) SOL(ctx context.Context) (float64, error) {
	out, err := w.client.rpc.GetBalance(ctx, w.client.Payer(), w.client.cfg.Commitment)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return float64(out.Value) / float64(solana.LAMPORTS_PER_SOL), nil
}

// Token returns the UI amount held in the wallet's associated token account
// for mint. A missing account reads as zero.
func (w *WalletBalance) Token(ctx context.Context, mint solana.PublicKey) (float64, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(w.client.Payer(), mint)
	if err != nil {
		return 0, fmt.Errorf("associated token address: %w", err)
	}
	out, err := w.client.rpc.GetTokenAccountBalance(ctx, ata, w.client.cfg.Commitment)
	if err != nil {
		if isMissingAccount(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("token balance %s: %w", mint, err)
	}
	if out == nil || out.Value == nil {
		return 0, nil
	}
	v, err := strconv.ParseFloat(out.Value.UiAmountString, 64)
	if err != nil {
		return 0, fmt.Errorf("parse token amount %q: %w", out.Value.UiAmountString, err)
	}
	return v, nil
}

func isMissingAccount(err error) bool {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		// -32602: invalid param, returned for accounts that do not exist.
		return rpcErr.Code == -32602
	}
	return false
}
