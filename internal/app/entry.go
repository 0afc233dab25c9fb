package app

import (
	"context"
	"time"

	"dn-hedge-bot/internal/neutral"
	"dn-hedge-bot/internal/syncexec"

	"go.uber.org/zap"
)

func (a *App) entryLoop(ctx context.Context) error {
	ticker := time.NewTicker(entryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.entryTick(ctx, time.Now())
		}
	}
}

// entryTick opens a hedge when funding pays for it. It reuses the market
// state the drift monitor already read instead of fetching again.
func (a *App) entryTick(ctx context.Context, now time.Time) {
	if a.isPaused() || a.hedger.State() != syncexec.StateIdle {
		return
	}
	market := a.monitor.Market()
	if maxAge := a.cfg.Safety.MaxPriceAge; maxAge > 0 && market.Age(now) > maxAge {
		a.log.Debug("entry skipped: market state stale", zap.Duration("age", market.Age(now)))
		return
	}
	_, hedged := a.hedger.Position()
	decision := neutral.ShouldHedge(a.cfg.Strategy.NotionalUSD, market.FundingRateHourly, a.hedgePolicy(), neutral.HedgeState{
		Hedged:      hedged,
		LastCloseAt: a.lastClose(),
	}, now)
	if !decision.ShouldHedge {
		a.log.Debug("entry skipped", zap.String("reason", decision.Reason))
		return
	}
	a.log.Info("entering hedge", zap.String("reason", decision.Reason), zap.Float64("usd", decision.HedgeUSD))
	res := a.hedger.Open(ctx, decision.HedgeUSD)
	if !res.Success {
		a.log.Warn("entry attempt did not open a hedge",
			zap.String("error_kind", string(res.ErrorKind)),
			zap.String("message", res.Message),
		)
	}
}

func (a *App) hedgePolicy() neutral.HedgePolicy {
	return neutral.HedgePolicy{
		MinFundingRateHourly: a.cfg.Strategy.MinFundingRateHourly,
		HedgeRatio:           a.cfg.Strategy.HedgeRatio,
		MinHedgeUSD:          a.cfg.Strategy.MinHedgeUSD,
		Cooldown:             a.cfg.Strategy.HedgeCooldown,
	}
}
