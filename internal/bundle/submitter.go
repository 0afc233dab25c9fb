package bundle

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"dn-hedge-bot/internal/chain"
	"dn-hedge-bot/internal/jito"
	"dn-hedge-bot/internal/metrics"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

type SubmissionStatus string

const (
	Landed  SubmissionStatus = "LANDED"
	Failed  SubmissionStatus = "FAILED"
	Dropped SubmissionStatus = "DROPPED"
	Timeout SubmissionStatus = "TIMEOUT"
)

// invalidPollsBeforeDrop is how many consecutive "invalid" answers the block
// engine must give before a bundle counts as dropped. A freshly sent bundle
// can briefly be unknown to the status index.
const invalidPollsBeforeDrop = 3

type ChainRPC interface {
	LatestBlockhash(ctx context.Context) (chain.Blockhash, error)
	LookupTables(ctx context.Context, keys []solana.PublicKey) (map[solana.PublicKey]solana.PublicKeySlice, error)
	BuildTransaction(ixs []solana.Instruction, tables map[solana.PublicKey]solana.PublicKeySlice, blockhash solana.Hash) (*solana.Transaction, error)
	Simulate(ctx context.Context, tx *solana.Transaction) error
	Slot(ctx context.Context) (uint64, error)
}

type BlockEngine interface {
	SendBundle(ctx context.Context, txs []string) (string, error)
	BundleStatus(ctx context.Context, bundleID string) (jito.Status, error)
}

type Config struct {
	ConfirmTimeout  time.Duration
	PollInterval    time.Duration
	BlockhashMaxAge time.Duration
}

type SubmissionResult struct {
	BundleID      string
	Status        SubmissionStatus
	Signatures    []solana.Signature
	SubmittedSlot uint64
	ConfirmedSlot uint64
	Latency       time.Duration
	// Simulated is set when the bundle never left the process because the
	// dry run failed.
	Simulated bool
	Err       error
}

func (r SubmissionResult) Landed() bool { return r.Status == Landed }

type Stats struct {
	Submitted           uint64
	Landed              uint64
	Failed              uint64
	Dropped             uint64
	TimedOut            uint64
	SimulationFailures  uint64
	ConsecutiveFailures uint64
}

type Submitter struct {
	chain   ChainRPC
	engine  BlockEngine
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.Mutex
	blockhash chain.Blockhash

	submitted   atomic.Uint64
	landed      atomic.Uint64
	failed      atomic.Uint64
	dropped     atomic.Uint64
	timedOut    atomic.Uint64
	simFailures atomic.Uint64
	consecutive atomic.Uint64
}

func NewSubmitter(c ChainRPC, engine BlockEngine, cfg Config, log *zap.Logger, m *metrics.Metrics) *Submitter {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BlockhashMaxAge <= 0 {
		cfg.BlockhashMaxAge = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Submitter{chain: c, engine: engine, cfg: cfg, log: log, metrics: metrics.OrNoop(m), now: time.Now}
}

// Blockhash returns the cached blockhash, fetching a new one once the cached
// value is older than BlockhashMaxAge.
func (s *Submitter) Blockhash(ctx context.Context) (solana.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.blockhash.FetchedAt.IsZero() && s.now().Sub(s.blockhash.FetchedAt) < s.cfg.BlockhashMaxAge {
		return s.blockhash.Hash, nil
	}
	bh, err := s.chain.LatestBlockhash(ctx)
	if err != nil {
		return solana.Hash{}, err
	}
	bh.FetchedAt = s.now()
	s.blockhash = bh
	return bh.Hash, nil
}

func (s *Submitter) invalidateBlockhash() {
	s.mu.Lock()
	s.blockhash = chain.Blockhash{}
	s.mu.Unlock()
}

// SubmitAndConfirm packs ixs into one transaction, optionally dry-runs it,
// sends it as a bundle and polls until it lands, fails, is dropped or the
// confirm timeout passes. Only TIMEOUT leaves the chain outcome unknown.
func (s *Submitter) SubmitAndConfirm(ctx context.Context, ixs []solana.Instruction, lookupTables []solana.PublicKey, simulateFirst bool) SubmissionResult {
	start := s.now()
	res := s.submitAndConfirm(ctx, ixs, lookupTables, simulateFirst)
	res.Latency = s.now().Sub(start)
	s.record(res)
	return res
}

func (s *Submitter) submitAndConfirm(ctx context.Context, ixs []solana.Instruction, lookupTables []solana.PublicKey, simulateFirst bool) SubmissionResult {
	if len(ixs) == 0 {
		return SubmissionResult{Status: Failed, Err: errors.New("no instructions to submit")}
	}
	tables, err := s.chain.LookupTables(ctx, lookupTables)
	if err != nil {
		return SubmissionResult{Status: Failed, Err: err}
	}
	hash, err := s.Blockhash(ctx)
	if err != nil {
		return SubmissionResult{Status: Failed, Err: err}
	}
	tx, err := s.chain.BuildTransaction(ixs, tables, hash)
	if err != nil {
		return SubmissionResult{Status: Failed, Err: err}
	}
	res := SubmissionResult{Signatures: append([]solana.Signature(nil), tx.Signatures...)}

	if simulateFirst {
		if err := s.chain.Simulate(ctx, tx); err != nil {
			s.log.Warn("bundle simulation failed", zap.Error(err))
			res.Status = Failed
			res.Simulated = true
			res.Err = err
			return res
		}
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		res.Status = Failed
		res.Err = fmt.Errorf("serialize transaction: %w", err)
		return res
	}
	if slot, err := s.chain.Slot(ctx); err == nil {
		res.SubmittedSlot = slot
	}
	id, err := s.engine.SendBundle(ctx, []string{base64.StdEncoding.EncodeToString(raw)})
	if err != nil {
		s.invalidateBlockhash()
		res.Status = Failed
		res.Err = err
		return res
	}
	res.BundleID = id
	s.submitted.Add(1)
	s.metrics.BundlesSubmitted.Inc()
	s.log.Info("bundle submitted",
		zap.String("bundle_id", id),
		zap.Int("instructions", len(ixs)),
		zap.Uint64("slot", res.SubmittedSlot),
	)
	return s.poll(ctx, res)
}

func (s *Submitter) poll(ctx context.Context, res SubmissionResult) SubmissionResult {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	invalid := 0
	for {
		select {
		case <-ctx.Done():
			res.Status = Timeout
			res.Err = fmt.Errorf("bundle %s: %w", res.BundleID, ctx.Err())
			return res
		case <-ticker.C:
		}
		st, err := s.engine.BundleStatus(ctx, res.BundleID)
		if err != nil {
			s.log.Debug("bundle status poll failed", zap.String("bundle_id", res.BundleID), zap.Error(err))
			continue
		}
		switch st.State {
		case jito.StateLanded:
			res.Status = Landed
			res.ConfirmedSlot = st.Slot
			return res
		case jito.StateFailed:
			res.Status = Failed
			res.Err = fmt.Errorf("bundle %s failed: %s", res.BundleID, st.Err)
			return res
		case jito.StateInvalid:
			invalid++
			if invalid >= invalidPollsBeforeDrop {
				s.invalidateBlockhash()
				res.Status = Dropped
				res.Err = fmt.Errorf("bundle %s dropped by block engine", res.BundleID)
				return res
			}
		default:
			invalid = 0
		}
	}
}

func (s *Submitter) record(res SubmissionResult) {
	fields := []zap.Field{
		zap.String("bundle_id", res.BundleID),
		zap.String("status", string(res.Status)),
		zap.Duration("latency", res.Latency),
	}
	switch {
	case res.Status == Landed:
		s.landed.Add(1)
		s.consecutive.Store(0)
		s.metrics.BundlesLanded.Inc()
		s.log.Info("bundle landed", append(fields, zap.Uint64("slot", res.ConfirmedSlot))...)
		return
	case res.Simulated:
		s.simFailures.Add(1)
		return
	case res.Status == Timeout:
		s.timedOut.Add(1)
		s.metrics.BundlesTimedOut.Inc()
	case res.Status == Dropped:
		s.dropped.Add(1)
		s.metrics.BundlesFailed.Inc()
	default:
		s.failed.Add(1)
		s.metrics.BundlesFailed.Inc()
	}
	s.consecutive.Add(1)
	s.log.Warn("bundle not landed", append(fields, zap.Error(res.Err))...)
}

func (s *Submitter) Stats() Stats {
	return Stats{
		Submitted:           s.submitted.Load(),
		Landed:              s.landed.Load(),
		Failed:              s.failed.Load(),
		Dropped:             s.dropped.Load(),
		TimedOut:            s.timedOut.Load(),
		SimulationFailures:  s.simFailures.Load(),
		ConsecutiveFailures: s.consecutive.Load(),
	}
}

// Degraded reports whether the last threshold submissions all failed to land.
func (s *Submitter) Degraded(threshold int) bool {
	return threshold > 0 && s.consecutive.Load() >= uint64(threshold)
}
