package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// deliveryTimeout bounds one event delivery, retries included.
const deliveryTimeout = 30 * time.Second

// Notifier receives governance events.
type Notifier interface {
	Notify(event Event)
}

// Dispatcher fans out events to matching webhook configurations.
type Dispatcher struct {
	configs []Config
	sender  *Sender
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty (callers should nil-check).
func NewDispatcher(configs []Config, logger *zap.Logger) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{configs: configs, sender: NewSender(nil), logger: logger}
}

// Notify sends the event to all webhooks whose Events list matches
// event.Type. Delivery runs in goroutines and never blocks the caller.
func (d *Dispatcher) Notify(event Event) {
	for _, cfg := range d.configs {
		if !matches(cfg.Events, event) {
			continue
		}
		d.wg.Add(1)
		go func(cfg Config) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
			defer cancel()
			if err := d.sender.Send(ctx, cfg, event); err != nil {
				d.logger.Warn("notification failed",
					zap.String("url", cfg.URL),
					zap.String("type", event.Type),
					zap.String("run_id", event.RunID),
					zap.Error(err))
			}
		}(cfg)
	}
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func matches(events []string, event Event) bool {
	if len(events) == 0 {
		return true
	}
	for _, e := range events {
		if e == event.Type {
			return true
		}
	}
	return false
}
