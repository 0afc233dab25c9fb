package app

import (
	"context"
	"fmt"

	"dn-hedge-bot/internal/alerts"

	"go.uber.org/zap"
)

// reconcile brings the committed hedge in line with the chain before any
// loop starts. Snapshots left by an attempt that was interrupted mid-flight
// are analyzed and reported; the holdings are then adopted as-is so drift
// monitoring can correct any one-sided exposure through a rebalance.
func (a *App) reconcile(ctx context.Context) error {
	if a.jito != nil && a.factory != nil {
		a.refreshTipAccounts(ctx)
	}
	if err := a.hedger.Restore(ctx); err != nil {
		return err
	}
	_, restored := a.hedger.Position()

	interrupted := a.reviewInterrupted(ctx)
	if restored && interrupted == 0 {
		return nil
	}
	if err := a.hedger.Sync(ctx); err != nil {
		return fmt.Errorf("sync position: %w", err)
	}
	if pos, ok := a.hedger.Position(); ok {
		a.log.Info("adopted on-chain position",
			zap.Float64("spot_qty", pos.SpotQty),
			zap.Float64("perp_qty", pos.PerpQty),
			zap.Float64("drift_pct", pos.DriftPct),
		)
	}
	return nil
}

func (a *App) reviewInterrupted(ctx context.Context) int {
	if a.recovery == nil {
		return 0
	}
	keys, err := a.recovery.Pending(ctx)
	if err != nil {
		a.log.Warn("failed to list interrupted attempts", zap.Error(err))
		return 0
	}
	reviewed := 0
	for _, key := range keys {
		analysis, err := a.recovery.AnalyzePostTrade(ctx, key)
		if err != nil {
			a.log.Warn("interrupted attempt analysis failed", zap.String("snapshot", key), zap.Error(err))
			continue
		}
		reviewed++
		a.log.Warn("interrupted attempt found",
			zap.String("snapshot", key),
			zap.String("fill_type", string(analysis.FillType)),
			zap.Float64("spot_delta", analysis.SpotDelta),
			zap.Float64("perp_delta", analysis.PerpDelta),
			zap.Float64("net_exposure", analysis.NetExposure),
		)
		if analysis.RecoveryNeeded {
			alerts.Notify(ctx, a.alerts, a.log, fmt.Sprintf(
				"interrupted attempt %s left one-sided exposure (%s, net %.6f). Holdings adopted; drift monitor will rebalance.",
				key, analysis.FillType, analysis.NetExposure,
			))
		}
	}
	return reviewed
}
