package exec

import (
	"context"
	"errors"
	"strings"
	"time"

	"dn-hedge-bot/internal/chain"
	"dn-hedge-bot/internal/jito"
	"dn-hedge-bot/internal/jupiter"
)

type Status string

const (
	StatusSuccess     Status = "SUCCESS"
	StatusPartialFill Status = "PARTIAL_FILL"
	StatusFailed      Status = "FAILED"
	StatusTimeout     Status = "TIMEOUT"
	StatusCancelled   Status = "CANCELLED"
	StatusSimulated   Status = "SIMULATED"
)

// ErrorKind classifies why an attempt did not succeed. Kinds are ordered by
// severity; RecoveryFailed means exposure is left open.
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindGateBlocked         ErrorKind = "GATE_BLOCKED"
	KindKillSwitch          ErrorKind = "KILL_SWITCH"
	KindAttemptInFlight     ErrorKind = "ATTEMPT_IN_FLIGHT"
	KindBuildFailed         ErrorKind = "BUILD_FAILED"
	KindSimulationFailed    ErrorKind = "SIMULATION_FAILED"
	KindBundleRejected      ErrorKind = "BUNDLE_REJECTED"
	KindBundleDropped       ErrorKind = "BUNDLE_DROPPED"
	KindInsufficientBalance ErrorKind = "INSUFFICIENT_BALANCE"
	KindRPCError            ErrorKind = "RPC_ERROR"
	KindConfirmationTimeout ErrorKind = "CONFIRMATION_TIMEOUT"
	KindPartialFill         ErrorKind = "PARTIAL_FILL"
	KindRecoveryFailed      ErrorKind = "RECOVERY_FAILED"
	KindUnknown             ErrorKind = "UNKNOWN"
)

var severity = map[ErrorKind]int{
	KindGateBlocked:         1,
	KindKillSwitch:          2,
	KindAttemptInFlight:     3,
	KindBuildFailed:         4,
	KindSimulationFailed:    5,
	KindBundleRejected:      6,
	KindBundleDropped:       7,
	KindInsufficientBalance: 8,
	KindRPCError:            9,
	KindUnknown:             9,
	KindConfirmationTimeout: 10,
	KindPartialFill:         11,
	KindRecoveryFailed:      12,
}

func (k ErrorKind) Severity() int { return severity[k] }

// FundsMoved reports whether an error of this kind can follow a state
// change on chain.
func (k ErrorKind) FundsMoved() bool {
	return k.Severity() >= KindConfirmationTimeout.Severity()
}

// Classify maps a collaborator error onto an ErrorKind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, chain.ErrSimulationFailed):
		return KindSimulationFailed
	case errors.Is(err, chain.ErrConfirmTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindConfirmationTimeout
	case errors.Is(err, jito.ErrRejected):
		return KindBundleRejected
	case errors.Is(err, jupiter.ErrNoRoute):
		return KindBuildFailed
	case strings.Contains(strings.ToLower(err.Error()), "insufficient"):
		return KindInsufficientBalance
	case chain.IsRPCError(err):
		return KindRPCError
	}
	return KindUnknown
}

// Result is the outcome of one leg, bundle or recovery trade.
type Result struct {
	Success bool
	Status  Status

	TxID     string
	BundleID string

	FillPrice       float64
	FillAmount      float64
	RequestedAmount float64

	FeeUSD      float64
	GasSOL      float64
	TipLamports uint64
	SlippageBps int

	ErrorKind ErrorKind
	Message   string

	Venue   string
	Latency time.Duration
}

func Failure(kind ErrorKind, venue, message string) Result {
	status := StatusFailed
	switch kind {
	case KindConfirmationTimeout:
		status = StatusTimeout
	case KindPartialFill:
		status = StatusPartialFill
	case KindGateBlocked, KindKillSwitch, KindAttemptInFlight:
		status = StatusCancelled
	}
	return Result{Status: status, ErrorKind: kind, Message: message, Venue: venue}
}

// FromError builds a failed Result from a collaborator error.
func FromError(venue string, err error) Result {
	return Failure(Classify(err), venue, err.Error())
}

// NetCost is the USD cost of the trade excluding gas, which is paid in SOL.
func (r Result) NetCost() float64 {
	return r.FeeUSD + r.FillPrice*r.FillAmount*float64(r.SlippageBps)/10_000
}

// FillRatio is filled over requested, or 0 when nothing was requested.
func (r Result) FillRatio() float64 {
	if r.RequestedAmount <= 0 {
		return 0
	}
	return r.FillAmount / r.RequestedAmount
}
