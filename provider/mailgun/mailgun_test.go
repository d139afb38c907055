package mailgun

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interactive-solutions/go-dispatch"
)

func TestDriverSendsThroughMailgun(t *testing.T) {
	var form map[string][]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/mg.example.com/messages"))
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			form = r.MultipartForm.Value
		} else {
			require.NoError(t, r.ParseForm())
			form = r.PostForm
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"<20240301.1@mg.example.com>","message":"Queued. Thank you."}`))
	}))
	defer server.Close()

	driver, err := NewDriverFactory()(context.Background(), dispatch.Credential{
		Name: "mailgun",
		Secrets: map[string]string{
			"domain":   "mg.example.com",
			"api_key":  "key",
			"from":     "Acme <noreply@example.com>",
			"api_base": server.URL + "/v3",
		},
	})
	require.NoError(t, err)

	address, code, err := driver.Check(context.Background(), "Alice <alice@example.com>")
	require.NoError(t, err)
	require.Equal(t, "", code)
	assert.Equal(t, "alice@example.com", address)

	id, err := driver.Send(context.Background(), &dispatch.Dispatch{
		Op: dispatch.Op{
			Recipient: address,
			Params:    map[string]interface{}{"name": "Alice"},
		},
		Template: dispatch.Template{
			Subject:  "Hello {{ .name }}",
			TextBody: "Hi {{ .name }}",
		},
	}, dispatch.NewRenderer(nil))
	require.NoError(t, err)

	assert.Equal(t, "<20240301.1@mg.example.com>", id)
	assert.Equal(t, []string{"Hello Alice"}, form["subject"])
	assert.Equal(t, []string{"Acme <noreply@example.com>"}, form["from"])
	assert.Equal(t, []string{"alice@example.com"}, form["to"])
}

func TestDriverFactoryRequiresSecrets(t *testing.T) {
	_, err := NewDriverFactory()(context.Background(), dispatch.Credential{Name: "mailgun"})
	assert.Error(t, err)
}
