package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

type Channel string

const (
	ChannelEmail    Channel = "EMAIL"
	ChannelSms      Channel = "SMS"
	ChannelTelegram Channel = "TELEGRAM"
	ChannelBusiness Channel = "BUSINESS"
)

func ParseChannel(s string) (Channel, error) {
	switch c := Channel(strings.ToUpper(strings.TrimSpace(s))); c {
	case ChannelEmail, ChannelSms, ChannelTelegram, ChannelBusiness:
		return c, nil
	}

	return "", errors.Wrapf(UnknownChannelErr, "channel %q", s)
}

// Credential is a named set of provider secrets. One credential is shared
// by every campaign that references it by name.
type Credential struct {
	Name    string            `json:"name"`
	Channel Channel           `json:"channel"`
	Secrets map[string]string `json:"-"`
}

// Secret returns the named secret or an error naming the missing key.
func (c Credential) Secret(key string) (string, error) {
	v, ok := c.Secrets[key]
	if !ok || v == "" {
		return "", errors.Errorf("Credential %s is missing secret %q", c.Name, key)
	}

	return v, nil
}

// Driver is a credential-bound channel client. It is created when a job is
// claimed and closed when the worker is done with the job.
type Driver interface {
	// Check resolves the channel address of a recipient at enqueue time.
	// A non-empty code rejects the recipient for this attempt.
	Check(ctx context.Context, recipient string) (address string, code string, err error)

	// Send renders and hands a single dispatch to the provider.
	Send(ctx context.Context, dispatch *Dispatch, renderer Renderer) (providerMessageId string, err error)

	Close() error
}

// DriverFactory builds a driver for a credential.
type DriverFactory func(ctx context.Context, credential Credential) (Driver, error)

// ProviderError is a send failure carrying the provider's own error code.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %s: %s", e.Code, e.Description)
}

// outcomeFromError turns a send failure into the data recorded on the op.
func outcomeFromError(err error) Outcome {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return Outcome{
			Status:           StatusError,
			ErrorCode:        perr.Code,
			ErrorDescription: perr.Description,
		}
	}

	return Outcome{
		Status:           StatusError,
		ErrorCode:        CodeSendFailed,
		ErrorDescription: err.Error(),
	}
}
