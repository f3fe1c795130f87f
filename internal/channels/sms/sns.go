package sms

import (
	"context"
	stderrors "errors"
	"fmt"
	"regexp"
	"strings"

	"notify-dispatch/internal/common/errors"
	"notify-dispatch/internal/common/logger"
	"notify-dispatch/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SMS bodies longer than this are split by carriers into several billed parts.
const maxMessageLength = 1600

var e164 = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

type SNSService interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSChannel sends text messages through Amazon SNS direct publish.
type SNSChannel struct {
	client   SNSService
	senderID string
	logger   logger.Logger
}

func NewSNSChannel(client SNSService, senderID string, log logger.Logger) *SNSChannel {
	return &SNSChannel{
		client:   client,
		senderID: senderID,
		logger:   log.WithFields(map[string]interface{}{"channel": models.ChannelSMS}),
	}
}

func (c *SNSChannel) Send(ctx context.Context, address, title, body string) error {
	phone := strings.ReplaceAll(strings.TrimSpace(address), " ", "")
	if !e164.MatchString(phone) {
		return errors.NewDeliveryError(string(models.ChannelSMS), false, fmt.Errorf("phone number %q is not E.164", address))
	}

	text := body
	if title != "" {
		text = title + "\n" + body
	}
	if r := []rune(text); len(r) > maxMessageLength {
		text = string(r[:maxMessageLength-1]) + "…"
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(phone),
		Message:     aws.String(text),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String("Transactional")},
		},
	}
	if c.senderID != "" {
		input.MessageAttributes["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType: aws.String("String"), StringValue: aws.String(c.senderID),
		}
	}

	out, err := c.client.Publish(ctx, input)
	if err != nil {
		return errors.NewDeliveryError(string(models.ChannelSMS), !isPermanentSNSError(err), err)
	}
	c.logger.Debug("sms published", map[string]interface{}{"messageId": aws.ToString(out.MessageId)})
	return nil
}

func isPermanentSNSError(err error) bool {
	var invalid *types.InvalidParameterException
	var invalidValue *types.InvalidParameterValueException
	return stderrors.As(err, &invalid) || stderrors.As(err, &invalidValue)
}
