package bootstrap

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ses"
	"github.com/aws/aws-sdk-go/service/ses/sesiface"

	"github.com/careflow-go/pkg/faults"
)

// SESMailer sends invitation emails through Amazon SES.
type SESMailer struct {
	client sesiface.SESAPI
	sender string
}

func NewSESMailer(region, sender string) (*SESMailer, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, faults.Newf(faults.Unknown, "create SES session: %v", err)
	}
	return &SESMailer{client: ses.New(sess), sender: sender}, nil
}

// NewSESMailerWithClient injects a client, used by tests.
func NewSESMailerWithClient(client sesiface.SESAPI, sender string) *SESMailer {
	return &SESMailer{client: client, sender: sender}
}

func (m *SESMailer) Send(ctx context.Context, to, subject, htmlBody string) error {
	_, err := m.client.SendEmailWithContext(ctx, &ses.SendEmailInput{
		Source: aws.String(m.sender),
		Destination: &ses.Destination{
			ToAddresses: []*string{aws.String(to)},
		},
		Message: &ses.Message{
			Subject: &ses.Content{Charset: aws.String("UTF-8"), Data: aws.String(subject)},
			Body: &ses.Body{
				Html: &ses.Content{Charset: aws.String("UTF-8"), Data: aws.String(htmlBody)},
			},
		},
	})
	if err != nil {
		return classifySESError(err, to)
	}
	return nil
}

// classifySESError separates bad addresses from provider outages so the
// retry policy only burns attempts on the latter.
func classifySESError(err error, to string) error {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case ses.ErrCodeMessageRejected, ses.ErrCodeMailFromDomainNotVerifiedException,
			ses.ErrCodeConfigurationSetDoesNotExistException:
			return faults.Newf(faults.Validation, "email to %s rejected: %s", to, aerr.Message())
		}
		if strings.Contains(aerr.Code(), "Throttling") {
			return faults.Newf(faults.RateLimited, "SES throttled sending to %s", to)
		}
	}
	return faults.Newf(faults.Transient, "send email to %s: %v", to, err)
}
