package email

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/mail"

	"notify-dispatch/internal/common/errors"
	"notify-dispatch/internal/common/logger"
	"notify-dispatch/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// SESService is the subset of the SES client used here, for mocking.
type SESService interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESChannel sends HTML email through Amazon SES.
type SESChannel struct {
	client SESService
	from   string
	logger logger.Logger
}

func NewSESChannel(client SESService, from string, log logger.Logger) *SESChannel {
	return &SESChannel{
		client: client,
		from:   from,
		logger: log.WithFields(map[string]interface{}{"channel": models.ChannelEmail, "provider": "ses"}),
	}
}

func (c *SESChannel) Send(ctx context.Context, address, title, body string) error {
	to, err := parseAddress(address)
	if err != nil {
		return err
	}

	out, err := c.client.SendEmail(ctx, &ses.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(title), Charset: aws.String("UTF-8")},
			Body: &types.Body{
				Html: &types.Content{Data: aws.String(body), Charset: aws.String("UTF-8")},
				Text: &types.Content{Data: aws.String(plainText(body)), Charset: aws.String("UTF-8")},
			},
		},
		Source: aws.String(c.from),
	})
	if err != nil {
		return errors.NewDeliveryError(string(models.ChannelEmail), !isPermanentSESError(err), err)
	}

	c.logger.Debug("email sent", map[string]interface{}{
		"messageId": aws.ToString(out.MessageId),
	})
	return nil
}

func isPermanentSESError(err error) bool {
	var rejected *types.MessageRejected
	var unverified *types.MailFromDomainNotVerifiedException
	var missingSet *types.ConfigurationSetDoesNotExistException
	return stderrors.As(err, &rejected) || stderrors.As(err, &unverified) || stderrors.As(err, &missingSet)
}

// parseAddress validates a single RFC 5322 address.
func parseAddress(address string) (string, error) {
	parsed, err := mail.ParseAddress(address)
	if err != nil {
		return "", errors.NewDeliveryError(string(models.ChannelEmail), false, fmt.Errorf("invalid email address %q: %w", address, err))
	}
	return parsed.Address, nil
}
