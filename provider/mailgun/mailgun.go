package mailgun

import (
	"context"
	"strconv"

	"github.com/mailgun/mailgun-go/v3"
	"github.com/pkg/errors"

	"github.com/interactive-solutions/go-dispatch"
)

type MailgunOption func(t *mailgunTransport)

func SetFrom(from string) MailgunOption {
	return func(t *mailgunTransport) {
		t.from = from
	}
}

func SetReplyTo(replyTo string) MailgunOption {
	return func(t *mailgunTransport) {
		t.replyTo = replyTo
	}
}

// SetTags tags every message, which makes campaigns filterable in the
// mailgun dashboard.
func SetTags(tags ...string) MailgunOption {
	return func(t *mailgunTransport) {
		t.tags = tags
	}
}

type mailgunTransport struct {
	mg mailgun.Mailgun

	from    string
	replyTo string
	tags    []string
}

func NewMailgunTransport(mailgunClient mailgun.Mailgun, options ...MailgunOption) dispatch.EmailTransport {
	t := &mailgunTransport{
		mg: mailgunClient,
	}

	for _, option := range options {
		option(t)
	}

	return t
}

func (t *mailgunTransport) Send(ctx context.Context, from, email, subject, textBody, htmlBody string) (string, error) {
	if from == "" {
		from = t.from
	}

	msg := t.mg.NewMessage(from, subject, textBody, email)
	if htmlBody != "" {
		msg.SetHtml(htmlBody)
	}

	if len(t.tags) > 0 {
		if err := msg.AddTag(t.tags...); err != nil {
			return "", errors.Wrap(err, "Failed to add tags")
		}
	}

	if t.replyTo != "" {
		msg.SetReplyTo(t.replyTo)
	}

	_, id, err := t.mg.Send(ctx, msg)
	if err != nil {
		var unexpected *mailgun.UnexpectedResponseError
		if errors.As(err, &unexpected) {
			return "", &dispatch.ProviderError{
				Code:        strconv.Itoa(unexpected.Actual),
				Description: string(unexpected.Data),
			}
		}

		return "", errors.Wrap(err, "Failed to send message")
	}

	return id, nil
}

// NewDriverFactory builds email drivers from credentials carrying the
// secrets domain and api_key, and optionally from, reply_to and api_base.
func NewDriverFactory(options ...MailgunOption) dispatch.DriverFactory {
	return func(ctx context.Context, credential dispatch.Credential) (dispatch.Driver, error) {
		domain, err := credential.Secret("domain")
		if err != nil {
			return nil, err
		}

		apiKey, err := credential.Secret("api_key")
		if err != nil {
			return nil, err
		}

		mg := mailgun.NewMailgun(domain, apiKey)
		if base := credential.Secrets["api_base"]; base != "" {
			mg.SetAPIBase(base)
		}

		opts := append([]MailgunOption{
			SetFrom(credential.Secrets["from"]),
			SetReplyTo(credential.Secrets["reply_to"]),
		}, options...)

		return dispatch.NewEmailDriver(NewMailgunTransport(mg, opts...)), nil
	}
}
