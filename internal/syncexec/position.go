package syncexec

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"dn-hedge-bot/internal/neutral"
	"dn-hedge-bot/internal/recovery"
	"dn-hedge-bot/internal/state"
	"dn-hedge-bot/internal/timescale"
)

const positionKey = "position:current"

// Position returns the last committed hedge. ok is false while flat.
func (c *Coordinator) Position() (neutral.DeltaPosition, bool) {
	p := c.position.Load()
	if p == nil {
		return neutral.DeltaPosition{}, false
	}
	return *p, true
}

// Restore reloads the committed hedge persisted by a previous run.
func (c *Coordinator) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	var pos neutral.DeltaPosition
	ok, err := state.LoadJSON(ctx, c.store, positionKey, &pos)
	if err != nil {
		return fmt.Errorf("restore position: %w", err)
	}
	if !ok || pos.IsFlat(c.cfg.DustThreshold) {
		return nil
	}
	c.position.Store(&pos)
	c.log.Info("restored position",
		zap.Float64("spot_qty", pos.SpotQty),
		zap.Float64("perp_qty", pos.PerpQty),
		zap.Float64("drift_pct", pos.DriftPct),
	)
	return nil
}

// commit publishes the observed post-trade holdings as the hedge. It is
// the only writer of the committed position.
func (c *Coordinator) commit(ctx context.Context, st recovery.PositionState, price float64) {
	prev, _ := c.Position()
	spotEntry := prev.SpotEntryPrice
	if st.SpotBalance > prev.SpotQty && st.SpotBalance > 0 {
		added := st.SpotBalance - prev.SpotQty
		spotEntry = (prev.SpotQty*prev.SpotEntryPrice + added*price) / st.SpotBalance
	}
	pos := neutral.BuildPosition(st.SpotBalance, st.PerpSize, price, spotEntry, st.PerpEntryPrice, c.now())

	if pos.IsFlat(c.cfg.DustThreshold) {
		c.position.Store(nil)
		if c.store != nil {
			if err := c.store.Delete(ctx, positionKey); err != nil {
				c.log.Warn("failed to clear persisted position", zap.Error(err))
			}
		}
		c.log.Info("position flat")
	} else {
		c.position.Store(&pos)
		if c.store != nil {
			if err := state.SaveJSON(ctx, c.store, positionKey, pos); err != nil {
				c.log.Warn("failed to persist position", zap.Error(err))
			}
		}
		c.log.Info("position committed",
			zap.Float64("spot_qty", pos.SpotQty),
			zap.Float64("perp_qty", pos.PerpQty),
			zap.Float64("drift_pct", pos.DriftPct),
		)
	}

	if c.ledger != nil {
		c.ledger.RecordPosition(timescale.PositionRecord{
			Time:         pos.Timestamp,
			Source:       "commit",
			SpotQty:      pos.SpotQty,
			PerpQty:      pos.PerpQty,
			SpotValueUSD: pos.SpotValueUSD,
			PerpValueUSD: pos.PerpValueUSD,
			NetDeltaUSD:  pos.NetDeltaUSD(),
			DriftPct:     pos.DriftPct,
			Price:        price,
		})
	}
}

// Sync commits whatever the wallet and perp account hold right now. It is
// used at startup to adopt a hedge that was opened by a previous run whose
// persisted position was lost.
func (c *Coordinator) Sync(ctx context.Context) error {
	if !c.busy.CompareAndSwap(false, true) {
		return errors.New("attempt in flight")
	}
	defer c.busy.Store(false)
	price, _, err := c.price.Price(ctx)
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	st, err := c.recovery.Capture(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	c.commit(ctx, st, price)
	return nil
}
