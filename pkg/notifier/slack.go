// Package notifier delivers report payloads.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/DrSkyle/certcheck/pkg/report"
	"github.com/cenkalti/backoff/v4"
)

// Sink delivers a payload somewhere.
type Sink interface {
	Send(ctx context.Context, p report.Payload) error
}

// DeliveryError means the alert could not be delivered. It is the only error
// that fails a run.
type DeliveryError struct {
	Sink       string
	StatusCode int // last HTTP status, 0 if no response was received
	Attempts   int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("deliver to %s failed after %d attempt(s) (status %d): %v", e.Sink, e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("deliver to %s failed after %d attempt(s): %v", e.Sink, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// SlackClient posts payloads to a Slack incoming webhook.
type SlackClient struct {
	WebhookURL string
	Channel    string // Optional: Override the payload channel

	HTTPClient    *http.Client
	MaxRetries    uint64
	RetryInterval time.Duration
}

// NewSlackClient initializes the Slack integration.
func NewSlackClient(webhookURL string, channel string) *SlackClient {
	return &SlackClient{
		WebhookURL:    webhookURL,
		Channel:       channel,
		HTTPClient:    &http.Client{Timeout: 10 * time.Second},
		MaxRetries:    4,
		RetryInterval: 500 * time.Millisecond,
	}
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("received status %d from slack", e.code)
	}
	return fmt.Sprintf("received status %d from slack: %s", e.code, e.body)
}

func (e *statusError) HTTPStatusCode() int { return e.code }

// Send posts p. Server errors and 429 are retried with exponential backoff;
// other client errors fail immediately.
func (s *SlackClient) Send(ctx context.Context, p report.Payload) error {
	if s.WebhookURL == "" {
		return &DeliveryError{Sink: "slack", Err: errors.New("no webhook configured")}
	}
	if s.Channel != "" {
		p.Channel = s.Channel
	}

	body, err := json.Marshal(p)
	if err != nil {
		return &DeliveryError{Sink: "slack", Err: fmt.Errorf("failed to marshal slack payload: %w", err)}
	}

	attempts := 0
	lastStatus := 0
	op := func() error {
		attempts++
		status, err := s.post(ctx, body)
		lastStatus = status
		if err == nil {
			return nil
		}
		if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(s.backOff(), s.MaxRetries), ctx)); err != nil {
		return &DeliveryError{Sink: "slack", StatusCode: lastStatus, Attempts: attempts, Err: err}
	}
	return nil
}

func (s *SlackClient) post(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (s *SlackClient) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if s.RetryInterval > 0 {
		b.InitialInterval = s.RetryInterval
	}
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = time.Minute
	return b
}
