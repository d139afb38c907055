// Package whatsapp sends pre-approved template messages through the
// WhatsApp Business Cloud API.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/interactive-solutions/go-dispatch"
)

const graphApi = "https://graph.facebook.com/v19.0"

type WhatsappOption func(d *driver)

// SetEndpoint overrides the graph api base url.
func SetEndpoint(endpoint string) WhatsappOption {
	return func(d *driver) {
		d.endpoint = strings.TrimRight(endpoint, "/")
	}
}

func SetHttpClient(client *retryablehttp.Client) WhatsappOption {
	return func(d *driver) {
		d.client = client
	}
}

type driver struct {
	client   *retryablehttp.Client
	endpoint string

	phoneNumberId string
	accessToken   string
}

type language struct {
	Code string `json:"code"`
}

type parameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type component struct {
	Type       string      `json:"type"`
	Parameters []parameter `json:"parameters"`
}

type template struct {
	Name       string      `json:"name"`
	Language   language    `json:"language"`
	Components []component `json:"components,omitempty"`
}

type messageRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Template         template `json:"template"`
}

type messageResponse struct {
	Messages []struct {
		Id string `json:"id"`
	} `json:"messages"`

	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func NewDriver(phoneNumberId, accessToken string, options ...WhatsappOption) dispatch.Driver {
	client := retryablehttp.NewClient()
	client.Logger = nil

	d := &driver{
		client:        client,
		endpoint:      graphApi,
		phoneNumberId: phoneNumberId,
		accessToken:   accessToken,
	}

	for _, option := range options {
		option(d)
	}

	return d
}

// Check accepts E.164 numbers and addresses them without the leading plus.
func (d *driver) Check(ctx context.Context, recipient string) (string, string, error) {
	number, ok := dispatch.NormalizePhone(recipient)
	if !ok {
		return "", dispatch.CodeMalformed, nil
	}

	return strings.TrimPrefix(number, "+"), "", nil
}

func (d *driver) Send(ctx context.Context, dispatchable *dispatch.Dispatch, renderer dispatch.Renderer) (string, error) {
	tpl := dispatchable.Template
	if tpl.TemplateRef == "" {
		return "", &dispatch.ProviderError{Code: dispatch.CodeMissingTemplate, Description: "campaign has no template reference"}
	}

	locale := tpl.Locale
	if locale == "" {
		locale = "en"
	}

	payload := messageRequest{
		MessagingProduct: "whatsapp",
		To:               dispatchable.Recipient,
		Type:             "template",
		Template: template{
			Name:     tpl.TemplateRef,
			Language: language{Code: locale},
		},
	}

	if params := bodyParameters(dispatchable.Params); len(params) > 0 {
		payload.Template.Components = []component{{Type: "body", Parameters: params}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/%s/messages", d.endpoint, d.phoneNumberId)

	req, err := retryablehttp.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	req = req.WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+d.accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", dispatch.UserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "Failed to read whatsapp response")
	}

	var parsed messageResponse
	if err := json.Unmarshal(data, &parsed); err != nil && resp.StatusCode < 300 {
		return "", errors.Wrap(err, "Failed to decode whatsapp response")
	}

	if parsed.Error != nil {
		return "", &dispatch.ProviderError{Code: strconv.Itoa(parsed.Error.Code), Description: parsed.Error.Message}
	}

	if resp.StatusCode >= 300 || resp.StatusCode <= 199 {
		return "", &dispatch.ProviderError{Code: strconv.Itoa(resp.StatusCode), Description: strings.TrimSpace(string(data))}
	}

	if len(parsed.Messages) == 0 {
		return "", errors.New("Whatsapp response carried no message id")
	}

	return parsed.Messages[0].Id, nil
}

func (d *driver) Close() error {
	d.client.HTTPClient.CloseIdleConnections()
	return nil
}

// bodyParameters orders params by key, the order template placeholders
// {{1}}, {{2}}, ... are filled in.
func bodyParameters(params map[string]interface{}) []parameter {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := make([]parameter, 0, len(keys))
	for _, k := range keys {
		out = append(out, parameter{Type: "text", Text: fmt.Sprint(params[k])})
	}

	return out
}

// NewDriverFactory builds business drivers from credentials carrying the
// secrets phone_number_id and access_token.
func NewDriverFactory(options ...WhatsappOption) dispatch.DriverFactory {
	return func(ctx context.Context, credential dispatch.Credential) (dispatch.Driver, error) {
		phoneNumberId, err := credential.Secret("phone_number_id")
		if err != nil {
			return nil, err
		}

		accessToken, err := credential.Secret("access_token")
		if err != nil {
			return nil, err
		}

		opts := options
		if endpoint := credential.Secrets["endpoint"]; endpoint != "" {
			opts = append([]WhatsappOption{SetEndpoint(endpoint)}, options...)
		}

		return NewDriver(phoneNumberId, accessToken, opts...), nil
	}
}
