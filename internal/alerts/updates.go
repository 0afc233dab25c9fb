package alerts

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      *Chat  `json:"chat"`
	Text      string `json:"text"`
}

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type Chat struct {
	ID int64 `json:"id"`
}

type updatesResult struct {
	OK          bool     `json:"ok"`
	Description string   `json:"description"`
	Result      []Update `json:"result"`
}

// GetUpdates long-polls the bot API for messages at or after offset. The
// request is held open for up to wait.
func (t *Telegram) GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]Update, error) {
	if !t.enabled {
		return nil, nil
	}
	if t.token == "" {
		return nil, errors.New("telegram token is required")
	}
	seconds := int(wait / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	var result updatesResult
	resp, err := t.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"offset":          strconv.FormatInt(offset, 10),
			"timeout":         strconv.Itoa(seconds),
			"allowed_updates": `["message"]`,
		}).
		SetResult(&result).
		SetError(&result).
		Get("/bot" + t.token + "/getUpdates")
	if err != nil {
		return nil, fmt.Errorf("telegram updates: %w", err)
	}
	if resp.IsError() || !result.OK {
		return nil, fmt.Errorf("telegram updates failed: http %d: %s", resp.StatusCode(), strings.TrimSpace(result.Description))
	}
	return result.Result, nil
}
