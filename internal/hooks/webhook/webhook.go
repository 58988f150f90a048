package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"resty.dev/v3"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/trenchcoat-sh/deploypulse/internal/model"
)

// ErrNoURL is returned when no webhook URL is configured
var ErrNoURL = errors.New("webhook URL is not configured")

// Config holds configuration for the webhook publisher
type Config struct {
	URL              string
	Username         string
	Version          string        // Shown in the embed footer
	Timeout          time.Duration // Per attempt
	RetryCount       int
	RetryWaitTime    time.Duration
	RetryMaxWaitTime time.Duration
}

// DefaultConfig returns the default webhook configuration
func DefaultConfig() Config {
	return Config{
		Username:         "deploypulse",
		Timeout:          10 * time.Second,
		RetryCount:       3,
		RetryWaitTime:    1 * time.Second,
		RetryMaxWaitTime: 5 * time.Second,
	}
}

// Publisher posts updates to a chat webhook
type Publisher struct {
	client *resty.Client
	config Config
}

// NewPublisher creates a webhook publisher. Failed attempts (transport
// errors, 429 and 5xx responses) are retried with backoff up to RetryCount
// times; after that the update is dropped by the caller.
func NewPublisher(config Config) (*Publisher, error) {
	if config.URL == "" {
		return nil, ErrNoURL
	}

	client := resty.New().
		SetTimeout(config.Timeout).
		SetRetryCount(config.RetryCount).
		SetRetryWaitTime(config.RetryWaitTime).
		SetRetryMaxWaitTime(config.RetryMaxWaitTime).
		SetAllowNonIdempotentRetry(true)

	return &Publisher{client: client, config: config}, nil
}

// Publish sends an update to the webhook
func (p *Publisher) Publish(ctx context.Context, update model.Update) error {
	logger := log.FromContext(ctx)

	payload, err := NewPayload(update, p.config.Username, p.config.Version)
	if err != nil {
		return fmt.Errorf("failed to build webhook payload: %w", err)
	}

	logger.V(1).Info("Posting update to webhook",
		"batchID", update.ID,
		"priority", update.Priority.String(),
		"commits", update.Commits,
	)

	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(p.config.URL)

	if err != nil {
		return fmt.Errorf("failed to send update to webhook: %w", err)
	}

	if !resp.IsSuccess() {
		logger.Error(nil, "Webhook returned error",
			"statusCode", resp.StatusCode(),
			"status", resp.Status(),
			"body", resp.String(),
			"batchID", update.ID,
		)
		return fmt.Errorf("webhook returned error status %d: %s", resp.StatusCode(), resp.String())
	}

	logger.Info("Update posted to webhook",
		"batchID", update.ID,
		"statusCode", resp.StatusCode(),
	)

	return nil
}

// Close releases idle connections
func (p *Publisher) Close() error {
	return p.client.Close()
}
