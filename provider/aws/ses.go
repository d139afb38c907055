package provider

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ses"
	"github.com/aws/aws-sdk-go/service/ses/sesiface"
	"github.com/pkg/errors"

	"github.com/interactive-solutions/go-dispatch"
)

type sesTransport struct {
	ses sesiface.SESAPI

	from    string
	charset string
}

func NewSesTransport(sess *session.Session, from string) dispatch.EmailTransport {
	return NewSesTransportWithClient(ses.New(sess), from)
}

func NewSesTransportWithClient(client sesiface.SESAPI, from string) dispatch.EmailTransport {
	return &sesTransport{
		ses:     client,
		from:    from,
		charset: "UTF-8",
	}
}

func (transport *sesTransport) Send(ctx context.Context, from, email, subject, textBody, htmlBody string) (string, error) {
	if from == "" {
		from = transport.from
	}

	body := &ses.Body{
		Text: &ses.Content{
			Charset: aws.String(transport.charset),
			Data:    aws.String(textBody),
		},
	}

	if htmlBody != "" {
		body.Html = &ses.Content{
			Charset: aws.String(transport.charset),
			Data:    aws.String(htmlBody),
		}
	}

	input := &ses.SendEmailInput{
		Destination: &ses.Destination{
			ToAddresses: []*string{
				aws.String(email),
			},
		},
		Message: &ses.Message{
			Body: body,
			Subject: &ses.Content{
				Charset: aws.String(transport.charset),
				Data:    aws.String(subject),
			},
		},

		Source: aws.String(from),
	}

	out, err := transport.ses.SendEmailWithContext(ctx, input)
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok {
			return "", &dispatch.ProviderError{Code: aerr.Code(), Description: aerr.Message()}
		}

		return "", errors.Wrap(err, "Failed to send email through ses")
	}

	return aws.StringValue(out.MessageId), nil
}

// NewDriverFactory builds email drivers from credentials carrying region
// and from, and optionally static access_key_id and secret_access_key.
// Without static keys the default aws credential chain is used.
func NewDriverFactory() dispatch.DriverFactory {
	return func(ctx context.Context, credential dispatch.Credential) (dispatch.Driver, error) {
		region, err := credential.Secret("region")
		if err != nil {
			return nil, err
		}

		from, err := credential.Secret("from")
		if err != nil {
			return nil, err
		}

		config := &aws.Config{
			Region: aws.String(region),
		}

		if id := credential.Secrets["access_key_id"]; id != "" {
			config.Credentials = credentials.NewStaticCredentials(id, credential.Secrets["secret_access_key"], "")
		}

		if endpoint := credential.Secrets["endpoint"]; endpoint != "" {
			config.Endpoint = aws.String(endpoint)
		}

		sess, err := session.NewSession(config)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to create aws session")
		}

		return dispatch.NewEmailDriver(NewSesTransport(sess, from)), nil
	}
}
