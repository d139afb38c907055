package elks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interactive-solutions/go-dispatch"
)

func TestSendReturnsProviderId(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "u", user)
		assert.Equal(t, "p", pass)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "Acme", r.PostForm.Get("from"))
		assert.Equal(t, "+46701234567", r.PostForm.Get("to"))
		assert.Equal(t, "hello", r.PostForm.Get("message"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"s70df59406a1b4643b96f3f91e0bfb7b0","status":"created"}`))
	}))
	defer server.Close()

	transport := New46ElksClient("Acme", "u", "p", SetEndpoint(server.URL))

	id, err := transport.Send(context.Background(), "", "+46701234567", "hello")
	require.NoError(t, err)
	assert.Equal(t, "s70df59406a1b4643b96f3f91e0bfb7b0", id)
}

func TestSendMapsRejectionToProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("Invalid to number"))
	}))
	defer server.Close()

	transport := New46ElksClient("Acme", "u", "p", SetEndpoint(server.URL))

	_, err := transport.Send(context.Background(), "", "+46701234567", "hello")

	perr, ok := err.(*dispatch.ProviderError)
	require.True(t, ok)
	assert.Equal(t, "403", perr.Code)
	assert.Equal(t, "Invalid to number", perr.Description)
}

func TestDriverFactoryRequiresSecrets(t *testing.T) {
	factory := NewDriverFactory()

	_, err := factory(context.Background(), dispatch.Credential{Name: "elks", Secrets: map[string]string{"username": "u"}})
	assert.Error(t, err)

	driver, err := factory(context.Background(), dispatch.Credential{
		Name:    "elks",
		Secrets: map[string]string{"username": "u", "password": "p"},
	})
	require.NoError(t, err)

	address, code, err := driver.Check(context.Background(), "0046 70-123 45 67")
	require.NoError(t, err)
	assert.Equal(t, "", code)
	assert.Equal(t, "+46701234567", address)
}
