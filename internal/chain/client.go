package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

var (
	ErrSimulationFailed  = errors.New("simulation failed")
	ErrTransactionFailed = errors.New("transaction failed on chain")
	ErrConfirmTimeout    = errors.New("confirmation timed out")
	ErrAccountNotFound   = errors.New("account not found")
)

const lookupTableHeaderSize = 56

type Confirmation struct {
	Signature solana.Signature
	Slot      uint64
}

type Blockhash struct {
	Hash                 solana.Hash
	LastValidBlockHeight uint64
	Slot                 uint64
	FetchedAt            time.Time
}

type SimulationError struct {
	Err  any
	Logs []string
}

func (e *SimulationError) Error() string {
	if len(e.Logs) == 0 {
		return fmt.Sprintf("%v: %v", ErrSimulationFailed, e.Err)
	}
	return fmt.Sprintf("%v: %v (last log: %s)", ErrSimulationFailed, e.Err, e.Logs[len(e.Logs)-1])
}

func (e *SimulationError) Unwrap() error { return ErrSimulationFailed }

type Config struct {
	Timeout      time.Duration
	PollInterval time.Duration
	Commitment   rpc.CommitmentType
}

// Client signs with a single wallet key and talks to one RPC endpoint.
type Client struct {
	rpc    *rpc.Client
	signer solana.PrivateKey
	cfg    Config
	log    *zap.Logger
}

func New(endpoint string, signer solana.PrivateKey, cfg Config, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{rpc: rpc.New(endpoint), signer: signer, cfg: cfg, log: log}
}

func (c *Client) Payer() solana.PublicKey { return c.signer.PublicKey() }

func (c *Client) LatestBlockhash(ctx context.Context) (Blockhash, error) {
	out, err := c.rpc.GetLatestBlockhash(ctx, c.cfg.Commitment)
	if err != nil {
		return Blockhash{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	if out == nil || out.Value == nil {
		return Blockhash{}, errors.New("get latest blockhash: empty response")
	}
	return Blockhash{
		Hash:                 out.Value.Blockhash,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
		Slot:                 out.Context.Slot,
		FetchedAt:            time.Now(),
	}, nil
}

func (c *Client) Slot(ctx context.Context) (uint64, error) {
	slot, err := c.rpc.GetSlot(ctx, c.cfg.Commitment)
	if err != nil {
		return 0, fmt.Errorf("get slot: %w", err)
	}
	return slot, nil
}

// Ping measures one getSlot round trip.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.Slot(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (c *Client) AccountData(ctx context.Context, key solana.PublicKey) ([]byte, error) {
	out, err := c.rpc.GetAccountInfoWithOpts(ctx, key, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: c.cfg.Commitment,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, key)
		}
		return nil, fmt.Errorf("get account %s: %w", key, err)
	}
	if out == nil || out.Value == nil || out.Value.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, key)
	}
	return out.Value.Data.GetBinary(), nil
}

// LookupTables resolves address lookup tables into the map the transaction
// compiler expects.
func (c *Client) LookupTables(ctx context.Context, keys []solana.PublicKey) (map[solana.PublicKey]solana.PublicKeySlice, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	out := make(map[solana.PublicKey]solana.PublicKeySlice, len(keys))
	for _, key := range keys {
		data, err := c.AccountData(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("lookup table: %w", err)
		}
		addrs, err := DecodeLookupTable(data)
		if err != nil {
			return nil, fmt.Errorf("lookup table %s: %w", key, err)
		}
		out[key] = addrs
	}
	return out, nil
}

func DecodeLookupTable(data []byte) (solana.PublicKeySlice, error) {
	if len(data) < lookupTableHeaderSize {
		return nil, fmt.Errorf("lookup table data too short: %d bytes", len(data))
	}
	body := data[lookupTableHeaderSize:]
	if len(body)%solana.PublicKeyLength != 0 {
		return nil, fmt.Errorf("lookup table body not aligned: %d bytes", len(body))
	}
	out := make(solana.PublicKeySlice, 0, len(body)/solana.PublicKeyLength)
	for i := 0; i < len(body); i += solana.PublicKeyLength {
		out = append(out, solana.PublicKeyFromBytes(body[i:i+solana.PublicKeyLength]))
	}
	return out, nil
}

// BuildTransaction compiles and signs ixs with the wallet as fee payer.
func (c *Client) BuildTransaction(ixs []solana.Instruction, tables map[solana.PublicKey]solana.PublicKeySlice, blockhash solana.Hash) (*solana.Transaction, error) {
	opts := []solana.TransactionOption{solana.TransactionPayer(c.Payer())}
	if len(tables) > 0 {
		opts = append(opts, solana.TransactionAddressTables(tables))
	}
	tx, err := solana.NewTransaction(ixs, blockhash, opts...)
	if err != nil {
		return nil, fmt.Errorf("compile transaction: %w", err)
	}
	payer := c.Payer()
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer) {
			return &c.signer
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return tx, nil
}

func (c *Client) Simulate(ctx context.Context, tx *solana.Transaction) error {
	out, err := c.rpc.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		SigVerify:  false,
		Commitment: c.cfg.Commitment,
	})
	if err != nil {
		return fmt.Errorf("simulate: %w", err)
	}
	if out != nil && out.Value != nil && out.Value.Err != nil {
		return &SimulationError{Err: out.Value.Err, Logs: out.Value.Logs}
	}
	return nil
}

func (c *Client) Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: c.cfg.Commitment,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("send transaction: %w", err)
	}
	return sig, nil
}

// ConfirmSignature polls until sig reaches the configured commitment, fails,
// or the timeout passes.
func (c *Client) ConfirmSignature(ctx context.Context, sig solana.Signature) (Confirmation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		out, err := c.rpc.GetSignatureStatuses(ctx, false, sig)
		if err != nil {
			c.log.Debug("signature status poll failed", zap.String("signature", sig.String()), zap.Error(err))
		} else if out != nil && len(out.Value) > 0 && out.Value[0] != nil {
			status := out.Value[0]
			if status.Err != nil {
				return Confirmation{}, fmt.Errorf("%w: %s: %v", ErrTransactionFailed, sig, status.Err)
			}
			if reached(status.ConfirmationStatus, c.cfg.Commitment) {
				return Confirmation{Signature: sig, Slot: status.Slot}, nil
			}
		}
		select {
		case <-ctx.Done():
			return Confirmation{}, fmt.Errorf("%w: %s", ErrConfirmTimeout, sig)
		case <-ticker.C:
		}
	}
}

func reached(status rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	switch status {
	case rpc.ConfirmationStatusFinalized:
		return true
	case rpc.ConfirmationStatusConfirmed:
		return want != rpc.CommitmentFinalized
	case rpc.ConfirmationStatusProcessed:
		return want == rpc.CommitmentProcessed
	}
	return false
}

// SendAndConfirm builds, signs, sends and confirms ixs as one transaction.
func (c *Client) SendAndConfirm(ctx context.Context, ixs []solana.Instruction, lookupTables []solana.PublicKey) (Confirmation, error) {
	tables, err := c.LookupTables(ctx, lookupTables)
	if err != nil {
		return Confirmation{}, err
	}
	bh, err := c.LatestBlockhash(ctx)
	if err != nil {
		return Confirmation{}, err
	}
	tx, err := c.BuildTransaction(ixs, tables, bh.Hash)
	if err != nil {
		return Confirmation{}, err
	}
	sig, err := c.Send(ctx, tx)
	if err != nil {
		return Confirmation{}, err
	}
	c.log.Debug("transaction sent", zap.String("signature", sig.String()))
	return c.ConfirmSignature(ctx, sig)
}

// IsRPCError reports whether err came from the transport rather than from
// transaction execution.
func IsRPCError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSimulationFailed) || errors.Is(err, ErrTransactionFailed) || errors.Is(err, ErrConfirmTimeout) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rpc") || strings.Contains(msg, "connection") || strings.Contains(msg, "eof") || strings.Contains(msg, "status code")
}
