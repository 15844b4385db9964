package outbox

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

const (
	defaultBatchSize       = 100
	defaultPollInterval    = time.Second
	defaultMaxAttempts     = 5
	defaultStaleProcessing = 2 * time.Minute
)

// Publisher is the broker-facing dependency of the Dispatcher.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte, messageID string) error
}

// Dispatcher drains the outbox on a fixed interval and publishes entries to
// the broker, preserving per-aggregate creation order.
type Dispatcher struct {
	store           Store
	publisher       Publisher
	batchSize       int
	pollInterval    time.Duration
	maxAttempts     int
	staleProcessing time.Duration
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithPollInterval overrides the default 1s drain interval.
func WithPollInterval(d time.Duration) Option {
	return func(dis *Dispatcher) {
		if d > 0 {
			dis.pollInterval = d
		}
	}
}

// WithBatchSize overrides the default batch of 100 entries per flush.
func WithBatchSize(n int) Option {
	return func(dis *Dispatcher) {
		if n > 0 {
			dis.batchSize = n
		}
	}
}

// WithMaxAttempts overrides the default 5 publish attempts before an entry is
// dead-lettered.
func WithMaxAttempts(n int) Option {
	return func(dis *Dispatcher) {
		if n > 0 {
			dis.maxAttempts = n
		}
	}
}

// NewDispatcher creates a relay over the given store and publisher.
func NewDispatcher(store Store, publisher Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:           store,
		publisher:       publisher,
		batchSize:       defaultBatchSize,
		pollInterval:    defaultPollInterval,
		maxAttempts:     defaultMaxAttempts,
		staleProcessing: defaultStaleProcessing,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run drains the outbox until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.FlushOnce(ctx); err != nil {
				log.Printf("level=error component=outbox_dispatcher msg=\"flush failed\" err=%v", err)
			}
		}
	}
}

// FlushOnce claims one batch and publishes it. Once an entry for an aggregate
// fails, every later claimed entry for that aggregate is released untouched so
// creation order is never violated.
func (d *Dispatcher) FlushOnce(ctx context.Context) error {
	entries, err := d.store.ClaimPublishable(ctx, d.batchSize, int(d.staleProcessing.Seconds()))
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	blocked := make(map[uuid.UUID]bool)
	for _, entry := range entries {
		if blocked[entry.AggregateID] {
			if err := d.store.ReleaseHeld(ctx, entry.ID); err != nil {
				log.Printf("level=error component=outbox_dispatcher msg=\"release held entry failed\" entry_id=%d err=%v", entry.ID, err)
			}
			continue
		}

		if pubErr := d.publisher.Publish(ctx, entry.Exchange, entry.RoutingKey, entry.Payload, entry.EventID.String()); pubErr != nil {
			blocked[entry.AggregateID] = true
			d.handlePublishFailure(ctx, entry, pubErr)
			continue
		}

		if err := d.store.MarkPublished(ctx, entry.ID); err != nil {
			log.Printf("level=error component=outbox_dispatcher msg=\"mark published failed\" entry_id=%d err=%v", entry.ID, err)
		}
	}
	return nil
}

func (d *Dispatcher) handlePublishFailure(ctx context.Context, entry Entry, pubErr error) {
	if entry.Attempts >= d.maxAttempts {
		log.Printf("level=error component=outbox_dispatcher msg=\"entry dead-lettered after max attempts\" entry_id=%d event_type=%s aggregate_id=%s attempts=%d err=%v",
			entry.ID, entry.EventType, entry.AggregateID, entry.Attempts, pubErr)
		if err := d.store.MarkDeadLetter(ctx, entry.ID, pubErr.Error()); err != nil {
			log.Printf("level=error component=outbox_dispatcher msg=\"mark dead-letter failed\" entry_id=%d err=%v", entry.ID, err)
		}
		return
	}

	retryAfter := retryDelaySeconds(entry.Attempts)
	log.Printf("level=warn component=outbox_dispatcher msg=\"publish failed; scheduling retry\" entry_id=%d event_type=%s attempt=%d retry_after_s=%d err=%v",
		entry.ID, entry.EventType, entry.Attempts, retryAfter, pubErr)
	if err := d.store.Release(ctx, entry.ID, retryAfter, pubErr.Error()); err != nil {
		log.Printf("level=error component=outbox_dispatcher msg=\"release entry failed\" entry_id=%d err=%v", entry.ID, err)
	}
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	if attempt > 8 {
		attempt = 8
	}
	delay := 1 << attempt
	if delay > 300 {
		return 300
	}
	return delay
}
