/**
 * @description
 * This package implements the transactional-outbox relay shared by every
 * service in the platform. Domain logic appends events to the `event_outbox`
 * table inside the same database transaction as the state change that produced
 * them; the Dispatcher drains the table on a timer and publishes to RabbitMQ.
 *
 * @notes
 * - Delivery is at-least-once: an entry is marked published only after the
 *   broker accepted it, so a crash between publish and mark yields a redeliver.
 * - Per-aggregate ordering holds across batches: the claim query never returns
 *   an entry while an earlier-created entry for the same aggregate is still
 *   unpublished, and within a flush a publish failure blocks every later entry
 *   for that aggregate.
 * - An entry that exhausts its publish attempts is dead-lettered for operator
 *   attention, never silently dropped.
 */

package outbox

import (
	"context"

	"github.com/google/uuid"
)

// Entry statuses as persisted in the event_outbox table.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusPublished  = "published"
	StatusDeadLetter = "dead_letter"
)

// Entry is one not-yet-published domain event. Entries are created by domain
// logic (via the store's transactional append) and mutated only by the relay.
type Entry struct {
	ID            int64
	AggregateType string
	AggregateID   uuid.UUID
	EventID       uuid.UUID
	EventType     string
	Exchange      string
	RoutingKey    string
	Payload       []byte
	Attempts      int
}

// Store is the persistence contract the Dispatcher drains. The pgx
// implementation lives in internal/store.
type Store interface {
	// ClaimPublishable marks up to limit publishable entries as processing and
	// returns them in creation order. Entries whose aggregate has an
	// earlier-created unpublished entry are not returned. Entries stuck in
	// processing longer than staleAfterSeconds are reclaimed.
	ClaimPublishable(ctx context.Context, limit int, staleAfterSeconds int) ([]Entry, error)

	// MarkPublished finalizes a successfully published entry.
	MarkPublished(ctx context.Context, id int64) error

	// Release returns a failed entry to pending, scheduling the next attempt
	// after retryAfterSeconds and recording the failure reason.
	Release(ctx context.Context, id int64, retryAfterSeconds int, reason string) error

	// ReleaseHeld returns an entry to pending without counting the claim as an
	// attempt, used when an entry was blocked by an earlier sibling's failure.
	ReleaseHeld(ctx context.Context, id int64) error

	// MarkDeadLetter routes an entry that exhausted its attempts to the
	// dead-letter path requiring operator attention.
	MarkDeadLetter(ctx context.Context, id int64, reason string) error
}
