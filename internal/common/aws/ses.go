package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/ses"
)

// NewSESClient builds an SES client for the email channel.
func NewSESClient(ctx context.Context, region string) (*ses.Client, error) {
	cfg, err := LoadConfig(ctx, region)
	if err != nil {
		return nil, err
	}
	return ses.NewFromConfig(cfg), nil
}
