package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	requestTimeout = 5 * time.Second
	maxAttempts    = 3
)

// Sender posts events to webhook endpoints.
type Sender struct {
	client *http.Client
	wait   time.Duration
}

// NewSender creates a Sender. A nil client uses a 5s timeout.
func NewSender(client *http.Client) *Sender {
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	return &Sender{client: client, wait: time.Second}
}

// Send posts an event to a webhook endpoint. Network failures and 5xx
// answers are retried with exponential backoff until ctx is done or
// maxAttempts is reached; 4xx answers fail at once.
func (s *Sender) Send(ctx context.Context, cfg Config, event Event) error {
	body, err := FormatPayload(cfg.Format, event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.wait
	b.MaxInterval = 5 * s.wait

	_, err = backoff.Retry(ctx, func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
		if err != nil {
			return 0, backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return 0, err
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp.StatusCode, nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return resp.StatusCode, backoff.Permanent(fmt.Errorf("webhook rejected: HTTP %d", resp.StatusCode))
		}
		return resp.StatusCode, fmt.Errorf("webhook server error: HTTP %d", resp.StatusCode)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxAttempts), backoff.WithMaxElapsedTime(0))

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Unwrap()
	}
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	return nil
}
