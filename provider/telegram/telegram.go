// Package telegram sends campaign messages through a Telegram bot.
// Recipients are application level identifiers that the subscriber
// directory maps to the chat the bot talks to.
package telegram

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	tele "gopkg.in/telebot.v4"

	"github.com/interactive-solutions/go-dispatch"
)

const defaultApi = "https://api.telegram.org"

type TelegramOption func(d *driver)

// SetApiUrl points the bot at another Bot API server.
func SetApiUrl(url string) TelegramOption {
	return func(d *driver) {
		d.url = url
	}
}

func SetHttpClient(client *http.Client) TelegramOption {
	return func(d *driver) {
		d.client = client
	}
}

// SetParseMode sets how Telegram parses rendered message text.
func SetParseMode(mode tele.ParseMode) TelegramOption {
	return func(d *driver) {
		d.parseMode = mode
	}
}

type driver struct {
	bot         *tele.Bot
	credential  string
	subscribers dispatch.SubscriberDirectory

	url       string
	client    *http.Client
	parseMode tele.ParseMode
}

func NewDriver(token, credential string, subscribers dispatch.SubscriberDirectory, options ...TelegramOption) (dispatch.Driver, error) {
	d := &driver{
		credential:  credential,
		subscribers: subscribers,
		url:         defaultApi,
		client:      &http.Client{Timeout: 10 * time.Second},
	}

	for _, option := range options {
		option(d)
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     d.url,
		Client:  d.client,
		Offline: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create telegram bot")
	}

	d.bot = bot
	return d, nil
}

// Check resolves the recipient to its chat id. Recipients without an active
// subscription are rejected for this attempt.
func (d *driver) Check(ctx context.Context, recipient string) (string, string, error) {
	sub, err := d.subscribers.Subscriber(ctx, d.credential, recipient)
	if errors.Cause(err) == dispatch.SubscriberNotFoundErr {
		return "", dispatch.CodeUnresolvedChat, nil
	}

	if err != nil {
		return "", "", err
	}

	if !sub.Active {
		return "", dispatch.CodeUnsubscribed, nil
	}

	return strconv.FormatInt(sub.ChatId, 10), "", nil
}

func (d *driver) Send(ctx context.Context, dispatchable *dispatch.Dispatch, renderer dispatch.Renderer) (string, error) {
	chatId, err := strconv.ParseInt(dispatchable.Recipient, 10, 64)
	if err != nil {
		return "", &dispatch.ProviderError{Code: dispatch.CodeUnresolvedChat, Description: err.Error()}
	}

	text, err := renderer.Text(dispatchable.Template.TextBody, dispatchable.Params)
	if err != nil {
		return "", &dispatch.ProviderError{Code: dispatch.CodeRenderFailed, Description: err.Error()}
	}

	var opts []interface{}
	if d.parseMode != "" {
		opts = append(opts, d.parseMode)
	}

	msg, err := d.bot.Send(tele.ChatID(chatId), text, opts...)
	if err != nil {
		return "", providerError(err)
	}

	return strconv.Itoa(msg.ID), nil
}

func (d *driver) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

func providerError(err error) error {
	var terr *tele.Error
	if errors.As(err, &terr) {
		return &dispatch.ProviderError{Code: strconv.Itoa(terr.Code), Description: terr.Description}
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &dispatch.ProviderError{Code: strconv.Itoa(http.StatusTooManyRequests), Description: flood.Error()}
	}

	return errors.Wrap(err, "Failed to send telegram message")
}

// NewDriverFactory builds telegram drivers from credentials carrying the
// secret token.
func NewDriverFactory(subscribers dispatch.SubscriberDirectory, options ...TelegramOption) dispatch.DriverFactory {
	return func(ctx context.Context, credential dispatch.Credential) (dispatch.Driver, error) {
		token, err := credential.Secret("token")
		if err != nil {
			return nil, err
		}

		opts := options
		if url := credential.Secrets["api_url"]; url != "" {
			opts = append([]TelegramOption{SetApiUrl(url)}, options...)
		}

		return NewDriver(token, credential.Name, subscribers, opts...)
	}
}
