package chain

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// SlotWatcher tracks the newest slot seen on the slot subscription and when
// it arrived.
type SlotWatcher struct {
	stream *Stream
	now    func() time.Time

	mu       sync.RWMutex
	slot     uint64
	observed time.Time
}

func NewSlotWatcher(stream *Stream) *SlotWatcher {
	stream.Subscribe("slotSubscribe")
	return &SlotWatcher{stream: stream, now: time.Now}
}

func (w *SlotWatcher) Run(ctx context.Context) error {
	return w.stream.Run(ctx, w.handle)
}

func (w *SlotWatcher) handle(raw json.RawMessage) {
	if !gjson.ValidBytes(raw) || gjson.GetBytes(raw, "method").String() != "slotNotification" {
		return
	}
	slot := gjson.GetBytes(raw, "params.result.slot")
	if !slot.Exists() {
		return
	}
	w.Observe(slot.Uint())
}

// Observe records slot if it is newer than the last one.
func (w *SlotWatcher) Observe(slot uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if slot < w.slot {
		return
	}
	w.slot = slot
	w.observed = w.now()
}

func (w *SlotWatcher) Last() (uint64, time.Time) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.slot, w.observed
}
