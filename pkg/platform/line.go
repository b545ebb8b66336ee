package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/seobaike/remotegate/pkg/identity"
)

const lineMaxTextLen = 5000

// Line adapts LINE Messaging API webhooks and the reply/push endpoints.
type Line struct {
	accessToken string
	baseURL     string
	client      *http.Client
}

func NewLine(accessToken, baseURL string, client *http.Client) *Line {
	if baseURL == "" {
		baseURL = "https://api.line.me"
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Line{accessToken: accessToken, baseURL: baseURL, client: client}
}

func (l *Line) Platform() identity.Platform { return identity.PlatformLine }

type lineWebhook struct {
	Events []struct {
		Type       string `json:"type"`
		ReplyToken string `json:"replyToken"`
		Timestamp  int64  `json:"timestamp"`
		Source     *struct {
			UserID string `json:"userId"`
		} `json:"source"`
		Message *struct {
			ID   string `json:"id"`
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"message"`
	} `json:"events"`
}

// Normalize maps the first text event to a Message. Non-text events
// (stickers, follows, unsends) return nil without error.
func (l *Line) Normalize(body []byte) (*Message, error) {
	var hook lineWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("decode line webhook: %w", err)
	}
	if len(hook.Events) == 0 {
		return nil, nil
	}
	event := hook.Events[0]
	if event.Type != "message" || event.Message == nil || event.Message.Type != "text" {
		return nil, nil
	}
	out := &Message{
		Platform:          identity.PlatformLine,
		PlatformMessageID: event.Message.ID,
		Text:              event.Message.Text,
		Timestamp:         time.UnixMilli(event.Timestamp).UTC(),
		ReplyToken:        event.ReplyToken,
	}
	if event.Source != nil {
		out.PlatformUserID = event.Source.UserID
	}
	return out, nil
}

func (l *Line) Reply(ctx context.Context, msg *Message, text string) error {
	if msg.ReplyToken == "" {
		// Reply tokens are single use and short lived; fall back to push.
		return l.Push(ctx, msg.PlatformUserID, text)
	}
	return l.post(ctx, "/v2/bot/message/reply", map[string]any{
		"replyToken": msg.ReplyToken,
		"messages":   []map[string]string{{"type": "text", "text": truncate(text, lineMaxTextLen)}},
	})
}

func (l *Line) Push(ctx context.Context, platformUserID, text string) error {
	if platformUserID == "" {
		return fmt.Errorf("line push: empty user id")
	}
	return l.post(ctx, "/v2/bot/message/push", map[string]any{
		"to":       platformUserID,
		"messages": []map[string]string{{"type": "text", "text": truncate(text, lineMaxTextLen)}},
	})
}

func (l *Line) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("line send: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("line send: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.accessToken)
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("line send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("line send: status %d", resp.StatusCode)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
