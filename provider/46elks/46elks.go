package elks

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/interactive-solutions/go-dispatch"
)

const elksApi = "https://api.46elks.com/a1/sms"

type ElksOption func(e *elks)

// SetEndpoint overrides the 46elks sms endpoint.
func SetEndpoint(endpoint string) ElksOption {
	return func(e *elks) {
		e.endpoint = endpoint
	}
}

func SetHttpClient(client *retryablehttp.Client) ElksOption {
	return func(e *elks) {
		e.client = client
	}
}

// Elks in an implementation for 46elks
type elks struct {
	client   *retryablehttp.Client
	endpoint string

	from string

	username string
	password string
}

type elksResponse struct {
	Id     string `json:"id"`
	Status string `json:"status"`
}

func New46ElksClient(from, username, password string, options ...ElksOption) dispatch.SmsTransport {
	client := retryablehttp.NewClient()
	client.Logger = nil

	e := &elks{
		client:   client,
		endpoint: elksApi,

		from:     from,
		username: username,
		password: password,
	}

	for _, option := range options {
		option(e)
	}

	return e
}

func (e *elks) Send(ctx context.Context, from, number, message string) (string, error) {
	if from == "" {
		from = e.from
	}

	body := url.Values{
		"from":    {from},
		"to":      {number},
		"message": {message},
	}.Encode()

	req, err := retryablehttp.NewRequest(http.MethodPost, e.endpoint, bytes.NewReader([]byte(body)))
	if err != nil {
		return "", err
	}

	req = req.WithContext(ctx)
	req.SetBasicAuth(e.username, e.password)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	req.Header.Set("User-Agent", dispatch.UserAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "Failed to read 46elks response")
	}

	if resp.StatusCode >= 300 || resp.StatusCode <= 199 {
		return "", &dispatch.ProviderError{
			Code:        strconv.Itoa(resp.StatusCode),
			Description: strings.TrimSpace(string(data)),
		}
	}

	var parsed elksResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", errors.Wrap(err, "Failed to decode 46elks response")
	}

	return parsed.Id, nil
}

// NewDriverFactory builds sms drivers from credentials carrying the secrets
// username and password, and optionally from.
func NewDriverFactory(options ...ElksOption) dispatch.DriverFactory {
	return func(ctx context.Context, credential dispatch.Credential) (dispatch.Driver, error) {
		username, err := credential.Secret("username")
		if err != nil {
			return nil, err
		}

		password, err := credential.Secret("password")
		if err != nil {
			return nil, err
		}

		return dispatch.NewSmsDriver(New46ElksClient(credential.Secrets["from"], username, password, options...)), nil
	}
}
