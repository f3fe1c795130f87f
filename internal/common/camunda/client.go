// internal/common/camunda/client.go
package camunda

import (
	"context"
	"fmt"
	"strings"
	"time"

	"notify-dispatch/internal/common/config"
	"notify-dispatch/internal/common/errors"

	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"
)

// Client wraps the Zeebe gRPC client with retry on transient failures.
type Client struct {
	client zbc.Client
	config *ClientConfig
}

type ClientConfig struct {
	GatewayAddress         string
	UsePlaintextConnection bool
	ConnectionTimeout      time.Duration
	RetryConfig            *RetryConfig
}

type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

var DefaultRetryConfig = &RetryConfig{
	MaxRetries: 3,
	BaseDelay:  1 * time.Second,
	MaxDelay:   10 * time.Second,
}

// ConfigFrom maps the camunda config section. Timeout is in milliseconds.
func ConfigFrom(cfg config.CamundaConfig) *ClientConfig {
	timeout := config.GetDuration(cfg.Timeout)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ClientConfig{
		GatewayAddress:         cfg.BrokerAddress,
		UsePlaintextConnection: true, // TLS terminates at the gateway sidecar
		ConnectionTimeout:      timeout,
		RetryConfig:            DefaultRetryConfig,
	}
}

// NewClientWithConfig connects and verifies the broker topology.
func NewClientWithConfig(cfg *ClientConfig) (*Client, error) {
	if cfg.RetryConfig == nil {
		cfg.RetryConfig = DefaultRetryConfig
	}

	zeebeClient, err := zbc.NewClient(&zbc.ClientConfig{
		GatewayAddress:         cfg.GatewayAddress,
		UsePlaintextConnection: cfg.UsePlaintextConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Zeebe client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectionTimeout)
	defer cancel()

	if _, err := zeebeClient.NewTopologyCommand().Send(ctx); err != nil {
		zeebeClient.Close()
		return nil, fmt.Errorf("failed to connect to Zeebe broker at %s: %w", cfg.GatewayAddress, err)
	}

	return &Client{client: zeebeClient, config: cfg}, nil
}

// GetClient returns the raw Zeebe client for job workers.
func (c *Client) GetClient() zbc.Client {
	return c.client
}

func (c *Client) Close() error {
	return c.client.Close()
}

// ExecuteWithRetry runs commandFunc with exponential backoff. Only
// transient errors (timeouts, connection issues) are retried.
func ExecuteWithRetry(
	ctx context.Context,
	retry *RetryConfig,
	commandFunc func(context.Context) error,
	operationName string,
) error {
	if retry == nil {
		retry = DefaultRetryConfig
	}
	var lastErr error

	for attempt := 0; attempt <= retry.MaxRetries; attempt++ {
		err := commandFunc(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryableZeebeError(err) || attempt == retry.MaxRetries {
			return mapZeebeError(err, operationName, attempt)
		}

		delay := retry.BaseDelay * time.Duration(1<<attempt)
		if delay > retry.MaxDelay {
			delay = retry.MaxDelay
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("operation %s cancelled after %d attempts: %w", operationName, attempt+1, ctx.Err())
		}
	}

	return fmt.Errorf("operation %s failed after %d retries: %w", operationName, retry.MaxRetries, lastErr)
}

func isRetryableZeebeError(err error) bool {
	msg := strings.ToLower(err.Error())
	retryablePhrases := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"deadline exceeded",
		"unavailable",
		"unreachable",
		"broken pipe",
		"resource_exhausted",
	}
	for _, phrase := range retryablePhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// mapZeebeError converts Zeebe errors into StandardErrors.
func mapZeebeError(err error, operation string, attempt int) error {
	msg := fmt.Sprintf("Zeebe operation '%s' failed", operation)
	if attempt > 0 {
		msg += fmt.Sprintf(" after %d retries", attempt)
	}

	if strings.Contains(strings.ToLower(err.Error()), "not found") {
		return errors.NewResourceNotFoundError("zeebe", fmt.Sprintf("%s: %s", msg, err.Error()))
	}
	return errors.NewInternalError(msg, err)
}

// HealthCheck asks the broker for its topology.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.ConnectionTimeout)
	defer cancel()

	if _, err := c.client.NewTopologyCommand().Send(ctx); err != nil {
		return fmt.Errorf("zeebe health check failed: %w", err)
	}
	return nil
}
