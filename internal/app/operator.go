package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dn-hedge-bot/internal/alerts"
	"dn-hedge-bot/internal/exec"
	"dn-hedge-bot/internal/neutral"

	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID     int64     `json:"update_id"`
	Time         time.Time `json:"time"`
	Action       string    `json:"action"`
	Command      string    `json:"command"`
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	ChatID       int64     `json:"chat_id"`
	PausedBefore bool      `json:"paused_before"`
	PausedAfter  bool      `json:"paused_after"`
	Success      *bool     `json:"success,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	TxID         string    `json:"tx_id,omitempty"`
}

func (a *App) operatorLoop(ctx context.Context) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return nil
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}

	offset := a.loadOperatorOffset(ctx)
	for {
		if ctx.Err() != nil {
			return nil
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Group chats address commands as /status@botname.
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(), nil
	case "pause", "resume":
		before := a.isPaused()
		after := a.setPaused(cmd == "pause")
		a.auditOperatorEvent(ctx, a.auditEvent(meta, cmd, before, after))
		switch {
		case after && !before:
			return "trading paused", nil
		case after:
			return "trading already paused", nil
		case before:
			return "trading resumed", nil
		default:
			return "trading already active", nil
		}
	case "open":
		return a.operatorOpen(ctx, args, meta)
	case "close":
		paused := a.isPaused()
		res := a.hedger.Close(ctx)
		if res.Success {
			a.markClosed(time.Now())
		}
		event := a.auditEvent(meta, "close", paused, paused)
		recordResult(&event, res)
		a.auditOperatorEvent(ctx, event)
		return describeResult("close", res), nil
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) operatorOpen(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	usd := a.cfg.Strategy.NotionalUSD
	if len(args) > 0 {
		parsed, err := strconv.ParseFloat(strings.TrimPrefix(args[0], "$"), 64)
		if err != nil {
			return "", fmt.Errorf("open: %w", err)
		}
		usd = parsed
	}
	if usd <= 0 {
		return "", errors.New("open requires a positive USD notional")
	}
	paused := a.isPaused()
	res := a.hedger.Open(ctx, usd)
	event := a.auditEvent(meta, "open", paused, paused)
	recordResult(&event, res)
	a.auditOperatorEvent(ctx, event)
	return describeResult(fmt.Sprintf("open $%.2f", usd), res), nil
}

func (a *App) operatorStatus() string {
	lines := []string{
		fmt.Sprintf("state: %s", a.hedger.State()),
		fmt.Sprintf("paused: %t", a.isPaused()),
	}
	if pos, ok := a.hedger.Position(); ok {
		lines = append(lines,
			fmt.Sprintf("spot: %.6f ($%.2f)", pos.SpotQty, pos.SpotValueUSD),
			fmt.Sprintf("perp: %.6f ($%.2f)", pos.PerpQty, pos.PerpValueUSD),
			fmt.Sprintf("drift: %.3f%%", pos.DriftPct),
		)
	} else {
		lines = append(lines, "position: flat")
	}
	if a.monitor != nil {
		mkt := a.monitor.Market()
		stats := a.monitor.Stats()
		lines = append(lines,
			fmt.Sprintf("price: %.4f", mkt.Price),
			fmt.Sprintf("funding: %.5f%%/h (%.1f%% APR)", mkt.FundingRateHourly*100, neutral.AnnualizedPct(mkt.FundingRateHourly)),
			fmt.Sprintf("monitor: ticks=%d signals=%d errors=%d avg_drift=%.3f%% max_drift=%.3f%%",
				stats.Ticks, stats.SignalsEmitted, stats.Errors, stats.AvgDriftPct, stats.MaxDriftPct),
		)
	}
	if last := a.lastClose(); !last.IsZero() {
		lines = append(lines, fmt.Sprintf("last_close: %s", last.UTC().Format(time.RFC3339)))
	}
	return strings.Join(lines, "\n")
}

func describeResult(action string, res exec.Result) string {
	if res.Success {
		if res.TxID != "" {
			return fmt.Sprintf("%s done (tx %s)", action, res.TxID)
		}
		return action + " done"
	}
	if res.ErrorKind == exec.KindNone {
		return fmt.Sprintf("%s skipped: %s", action, res.Message)
	}
	return fmt.Sprintf("%s failed [%s]: %s", action, res.ErrorKind, res.Message)
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - hedge, market and monitor status",
		"/pause - stop automatic entries and rebalances",
		"/resume - resume automatic trading",
		"/open [usd] - open a hedge (default: strategy notional)",
		"/close - unwind spot and perp",
	}, "\n")
}

func (a *App) auditEvent(meta operatorMeta, action string, pausedBefore, pausedAfter bool) operatorAuditEvent {
	return operatorAuditEvent{
		UpdateID:     meta.UpdateID,
		Time:         time.Now().UTC(),
		Action:       action,
		Command:      meta.Raw,
		UserID:       meta.UserID,
		Username:     meta.Username,
		ChatID:       meta.ChatID,
		PausedBefore: pausedBefore,
		PausedAfter:  pausedAfter,
	}
}

func recordResult(event *operatorAuditEvent, res exec.Result) {
	ok := res.Success
	event.Success = &ok
	event.ErrorKind = string(res.ErrorKind)
	event.TxID = res.TxID
}

func (a *App) logOperatorError(err error) {
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	if a.store == nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", time.Now().UTC().UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.store.Set(ctx, key, string(payload))
}
