package platform

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seobaike/remotegate/pkg/identity"
)

func TestTelegramNormalize(t *testing.T) {
	body := []byte(`{
		"update_id": 1,
		"message": {
			"message_id": 42,
			"date": 1756608000,
			"text": "/status",
			"from": {"id": 55001, "username": "somchai"},
			"chat": {"id": -100123}
		}
	}`)
	msg, err := NewTelegram("token", "", nil).Normalize(body)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, identity.PlatformTelegram, msg.Platform)
	assert.Equal(t, "55001", msg.PlatformUserID)
	assert.Equal(t, "/status", msg.Text)
	assert.Equal(t, "-100123", msg.ChatID)
	assert.Equal(t, "somchai", msg.DisplayName)
}

func TestTelegramNormalizeIgnoresNonText(t *testing.T) {
	adapter := NewTelegram("token", "", nil)

	msg, err := adapter.Normalize([]byte(`{"update_id": 1, "callback_query": {"id": "x"}}`))
	require.NoError(t, err)
	assert.Nil(t, msg)

	msg, err = adapter.Normalize([]byte(`{"message": {"message_id": 2, "sticker": {}}}`))
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestTelegramNormalizeBadJSON(t *testing.T) {
	_, err := NewTelegram("token", "", nil).Normalize([]byte("{not json"))
	assert.Error(t, err)
}

func TestTelegramReply(t *testing.T) {
	var gotPath string
	var gotPayload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotPayload))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	adapter := NewTelegram("bot-token", srv.URL, srv.Client())
	err := adapter.Reply(context.Background(), &Message{ChatID: "-100123"}, "queued")
	require.NoError(t, err)
	assert.Equal(t, "/botbot-token/sendMessage", gotPath)
	assert.Equal(t, "-100123", gotPayload["chat_id"])
	assert.Equal(t, "queued", gotPayload["text"])
}

func TestTelegramReplyWithoutChatFails(t *testing.T) {
	err := NewTelegram("token", "", nil).Reply(context.Background(), &Message{}, "hi")
	assert.Error(t, err)
}

func TestLineNormalize(t *testing.T) {
	body := []byte(`{
		"events": [{
			"type": "message",
			"replyToken": "token123",
			"timestamp": 1756608000000,
			"source": {"userId": "U9001"},
			"message": {"id": "m1", "type": "text", "text": "狀態"}
		}]
	}`)
	msg, err := NewLine("secret", "", nil).Normalize(body)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, identity.PlatformLine, msg.Platform)
	assert.Equal(t, "U9001", msg.PlatformUserID)
	assert.Equal(t, "狀態", msg.Text)
	assert.Equal(t, "token123", msg.ReplyToken)
}

func TestLineNormalizeIgnoresStickers(t *testing.T) {
	body := []byte(`{"events": [{"type": "message", "message": {"id": "m1", "type": "sticker"}}]}`)
	msg, err := NewLine("secret", "", nil).Normalize(body)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestLineReplyUsesToken(t *testing.T) {
	var gotPath, gotAuth string
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotPayload))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	adapter := NewLine("access-token", srv.URL, srv.Client())
	err := adapter.Reply(context.Background(), &Message{ReplyToken: "token123"}, "queued")
	require.NoError(t, err)
	assert.Equal(t, "/v2/bot/message/reply", gotPath)
	assert.Equal(t, "Bearer access-token", gotAuth)
	assert.Equal(t, "token123", gotPayload["replyToken"])
}

func TestLineReplyFallsBackToPush(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	adapter := NewLine("access-token", srv.URL, srv.Client())
	err := adapter.Reply(context.Background(), &Message{PlatformUserID: "U9001"}, "queued")
	require.NoError(t, err)
	assert.Equal(t, "/v2/bot/message/push", gotPath)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	tg := NewTelegram("token", "", nil)
	reg.RegisterNormalizer(tg)
	reg.RegisterReplier(tg)

	n, err := reg.Normalizer(identity.PlatformTelegram)
	require.NoError(t, err)
	assert.Equal(t, identity.PlatformTelegram, n.Platform())

	_, err = reg.Replier(identity.PlatformLine)
	assert.ErrorIs(t, err, ErrUnknownPlatform)
	assert.Equal(t, []identity.Platform{identity.PlatformTelegram}, reg.Platforms())
}
