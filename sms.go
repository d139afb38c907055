package dispatch

import (
	"context"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// NormalizePhone strips common separators and validates E.164 form.
func NormalizePhone(number string) (string, bool) {
	n := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(number))
	if strings.HasPrefix(n, "00") {
		n = "+" + n[2:]
	}

	return n, e164.MatchString(n)
}

type SmsTransport interface {
	Send(ctx context.Context, from, number, message string) (string, error)
}

type smsDriver struct {
	transport SmsTransport
}

// NewSmsDriver adapts an sms transport to the channel driver interface.
func NewSmsDriver(transport SmsTransport) Driver {
	return &smsDriver{transport: transport}
}

func (d *smsDriver) Check(ctx context.Context, recipient string) (string, string, error) {
	number, ok := NormalizePhone(recipient)
	if !ok {
		return "", CodeMalformed, nil
	}

	return number, "", nil
}

func (d *smsDriver) Send(ctx context.Context, dispatch *Dispatch, renderer Renderer) (string, error) {
	message, err := renderer.Text(dispatch.Template.TextBody, dispatch.Params)
	if err != nil {
		return "", &ProviderError{Code: CodeRenderFailed, Description: err.Error()}
	}

	id, err := d.transport.Send(ctx, dispatch.Template.Sender, dispatch.Recipient, message)
	if err != nil {
		return "", errors.Wrap(err, "Failed to send sms")
	}

	return id, nil
}

func (d *smsDriver) Close() error {
	return nil
}
