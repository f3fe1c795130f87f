package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// NewSNSClient builds an SNS client for the SMS channel.
func NewSNSClient(ctx context.Context, region string) (*sns.Client, error) {
	cfg, err := LoadConfig(ctx, region)
	if err != nil {
		return nil, err
	}
	return sns.NewFromConfig(cfg), nil
}
