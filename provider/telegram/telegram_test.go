package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interactive-solutions/go-dispatch"
	"github.com/interactive-solutions/go-dispatch/storage/memory"
)

func TestCheckResolvesSubscribers(t *testing.T) {
	store := memory.NewStore()
	store.AddSubscriber("bot", "alice", dispatch.Subscriber{ChatId: 42, Active: true})
	store.AddSubscriber("bot", "bob", dispatch.Subscriber{ChatId: 43, Active: false})

	driver, err := NewDriver("123:abc", "bot", store)
	require.NoError(t, err)

	address, code, err := driver.Check(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "", code)
	assert.Equal(t, "42", address)

	_, code, err = driver.Check(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, dispatch.CodeUnsubscribed, code)

	_, code, err = driver.Check(context.Background(), "carol")
	require.NoError(t, err)
	assert.Equal(t, dispatch.CodeUnresolvedChat, code)
}

func TestSendRendersAndPosts(t *testing.T) {
	var payload map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bot123:abc/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":77,"date":0,"chat":{"id":42,"type":"private"}}}`))
	}))
	defer server.Close()

	driver, err := NewDriver("123:abc", "bot", memory.NewStore(), SetApiUrl(server.URL))
	require.NoError(t, err)
	defer driver.Close()

	id, err := driver.Send(context.Background(), &dispatch.Dispatch{
		Op: dispatch.Op{
			Recipient: "42",
			Params:    map[string]interface{}{"name": "Alice"},
		},
		Template: dispatch.Template{TextBody: "Hi {{ .name }}"},
	}, dispatch.NewRenderer(nil))
	require.NoError(t, err)

	assert.Equal(t, "77", id)
	assert.Equal(t, "Hi Alice", payload["text"])
	assert.Equal(t, "42", payload["chat_id"])
}

func TestSendFailsOnApiError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`))
	}))
	defer server.Close()

	driver, err := NewDriver("123:abc", "bot", memory.NewStore(), SetApiUrl(server.URL))
	require.NoError(t, err)

	_, err = driver.Send(context.Background(), &dispatch.Dispatch{
		Op:       dispatch.Op{Recipient: "42"},
		Template: dispatch.Template{TextBody: "Hi"},
	}, dispatch.NewRenderer(nil))
	require.Error(t, err)

	perr, ok := err.(*dispatch.ProviderError)
	require.True(t, ok)
	assert.Equal(t, "403", perr.Code)
}
