package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/ppiankov/approvalgate/internal/decision"
)

// Emitter posts approval.decisioned events to a receiver.
type Emitter struct {
	url     string
	secret  string
	client  *http.Client
	logger  *zap.Logger
	retries uint
	delay   time.Duration
}

// NewEmitter targets url (the receiver's /v1/events). A nil client uses a
// 5s timeout.
func NewEmitter(url, secret string, client *http.Client, logger *zap.Logger) *Emitter {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{url: url, secret: secret, client: client, logger: logger, retries: 3, delay: 500 * time.Millisecond}
}

// EventFor renders a decided approval as an event.
func EventFor(a decision.Approval) Event {
	ev := Event{Type: EventDecisioned, ApprovalID: a.ID, Status: a.Status, Decision: a.Decision, OccurredAt: time.Now().UTC()}
	if a.DecidedAt != nil {
		ev.OccurredAt = *a.DecidedAt
	}
	return ev
}

// Send delivers ev, retrying 5xx and network failures.
func (e *Emitter) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if e.secret != "" {
			req.Header.Set(SignatureHeader, Sign(e.secret, body))
		}
		resp, err := e.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 500:
			return struct{}{}, fmt.Errorf("receiver returned %d", resp.StatusCode)
		case resp.StatusCode >= 300:
			return struct{}{}, backoff.Permanent(fmt.Errorf("receiver rejected event: HTTP %d", resp.StatusCode))
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewConstantBackOff(e.delay)), backoff.WithMaxTries(e.retries))
	return err
}

// Hook returns an ApprovalService decision hook that emits in the
// background.
func (e *Emitter) Hook() func(decision.Approval) {
	return func(a decision.Approval) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := e.Send(ctx, EventFor(a)); err != nil {
				e.logger.Warn("approval event delivery failed",
					zap.String("ticket_id", a.ID),
					zap.String("url", e.url),
					zap.Error(err))
			}
		}()
	}
}
