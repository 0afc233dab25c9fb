package bundle

import (
	"time"

	"github.com/google/uuid"
)

type TradeStatus string

const (
	Pending   TradeStatus = "PENDING"
	Submitted TradeStatus = "SUBMITTED"
	Confirmed TradeStatus = "CONFIRMED"
	Rejected  TradeStatus = "FAILED"
	Partial   TradeStatus = "PARTIAL"
)

// SyncTradeBundle tracks one attempt's bundle from build to verification.
type SyncTradeBundle struct {
	ID            string
	Instructions  int
	TipLamports   uint64
	BundleID      string
	Status        TradeStatus
	SubmittedSlot uint64
	ConfirmedSlot uint64
	CreatedAt     time.Time
}

func NewSyncTradeBundle(instructions int, tipLamports uint64, now time.Time) *SyncTradeBundle {
	return &SyncTradeBundle{
		ID:           uuid.NewString(),
		Instructions: instructions,
		TipLamports:  tipLamports,
		Status:       Pending,
		CreatedAt:    now,
	}
}

// Apply folds a submission outcome into the record. A timeout leaves the
// bundle SUBMITTED until verification decides what happened.
func (b *SyncTradeBundle) Apply(res SubmissionResult) {
	b.BundleID = res.BundleID
	b.SubmittedSlot = res.SubmittedSlot
	switch res.Status {
	case Landed:
		b.Status = Confirmed
		b.ConfirmedSlot = res.ConfirmedSlot
	case Timeout:
		b.Status = Submitted
	default:
		b.Status = Rejected
	}
}

// MarkPartial records that verification found only one leg executed.
func (b *SyncTradeBundle) MarkPartial() { b.Status = Partial }

// MarkConfirmed records that verification found both legs executed, e.g.
// after a timeout whose bundle did land.
func (b *SyncTradeBundle) MarkConfirmed(slot uint64) {
	b.Status = Confirmed
	if slot > 0 {
		b.ConfirmedSlot = slot
	}
}

func (b *SyncTradeBundle) IsAtomic() bool {
	return b.Status == Confirmed && b.ConfirmedSlot > 0
}

func (b *SyncTradeBundle) NeedsRollback() bool {
	return b.Status == Partial
}
