package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/seobaike/remotegate/pkg/identity"
)

const telegramMaxTextLen = 4096

// Telegram adapts Telegram Bot API webhooks and sendMessage delivery.
type Telegram struct {
	botToken string
	baseURL  string
	client   *http.Client
}

// NewTelegram builds the adapter. baseURL overrides the Bot API host
// for tests; empty means the production endpoint.
func NewTelegram(botToken, baseURL string, client *http.Client) *Telegram {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Telegram{botToken: botToken, baseURL: baseURL, client: client}
}

func (t *Telegram) Platform() identity.Platform { return identity.PlatformTelegram }

type telegramUpdate struct {
	Message *struct {
		MessageID int64  `json:"message_id"`
		Text      string `json:"text"`
		Date      int64  `json:"date"`
		From      *struct {
			ID        int64  `json:"id"`
			Username  string `json:"username"`
			FirstName string `json:"first_name"`
		} `json:"from"`
		Chat *struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

// Normalize maps an update to a Message. Non-text updates (callbacks,
// joins, edits) return nil without error.
func (t *Telegram) Normalize(body []byte) (*Message, error) {
	var update telegramUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, fmt.Errorf("decode telegram update: %w", err)
	}
	msg := update.Message
	if msg == nil || msg.Text == "" {
		return nil, nil
	}
	out := &Message{
		Platform:          identity.PlatformTelegram,
		PlatformMessageID: strconv.FormatInt(msg.MessageID, 10),
		Text:              msg.Text,
		Timestamp:         time.Unix(msg.Date, 0).UTC(),
	}
	if msg.From != nil {
		out.PlatformUserID = strconv.FormatInt(msg.From.ID, 10)
		out.DisplayName = msg.From.Username
		if out.DisplayName == "" {
			out.DisplayName = msg.From.FirstName
		}
	}
	if msg.Chat != nil {
		out.ChatID = strconv.FormatInt(msg.Chat.ID, 10)
	}
	return out, nil
}

func (t *Telegram) Reply(ctx context.Context, msg *Message, text string) error {
	if msg.ChatID == "" {
		return fmt.Errorf("telegram reply: message has no chat id")
	}
	return t.send(ctx, msg.ChatID, text)
}

func (t *Telegram) Push(ctx context.Context, platformUserID, text string) error {
	// Direct messages use the user id as the chat id.
	return t.send(ctx, platformUserID, text)
}

func (t *Telegram) send(ctx context.Context, chatID, text string) error {
	if len(text) > telegramMaxTextLen {
		text = text[:telegramMaxTextLen]
	}
	payload, err := json.Marshal(map[string]string{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram send: status %d", resp.StatusCode)
	}
	return nil
}
