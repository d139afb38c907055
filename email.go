package dispatch

import (
	"context"
	"net/mail"

	"github.com/pkg/errors"
)

// EmailTransport delivers a rendered email. An empty from uses the
// transport's configured sender.
type EmailTransport interface {
	Send(ctx context.Context, from, email, subject, textBody, htmlBody string) (string, error)
}

type emailDriver struct {
	transport EmailTransport
}

// NewEmailDriver adapts an email transport to the channel driver interface.
func NewEmailDriver(transport EmailTransport) Driver {
	return &emailDriver{transport: transport}
}

func (d *emailDriver) Check(ctx context.Context, recipient string) (string, string, error) {
	addr, err := mail.ParseAddress(recipient)
	if err != nil {
		return "", CodeMalformed, nil
	}

	return addr.Address, "", nil
}

func (d *emailDriver) Send(ctx context.Context, dispatch *Dispatch, renderer Renderer) (string, error) {
	subject, text, html, err := renderer.Render(dispatch.Template, dispatch.Params)
	if err != nil {
		return "", &ProviderError{Code: CodeRenderFailed, Description: err.Error()}
	}

	id, err := d.transport.Send(ctx, dispatch.Template.Sender, dispatch.Recipient, subject, text, html)
	if err != nil {
		return "", errors.Wrapf(err, "Failed to send email to %s", dispatch.Recipient)
	}

	return id, nil
}

func (d *emailDriver) Close() error {
	return nil
}
