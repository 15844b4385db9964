/**
 * @description
 * This file defines the persistence contracts for the trip-orchestration
 * service and the transaction-scoped helpers shared by every repository in the
 * platform: the outbox append and the saga-step idempotency insert. Both are
 * `Tx` helpers so callers can compose them with their own writes inside a
 * single atomic unit of work.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/swiftride/trip-platform/internal/domain"
)

// ErrStepAlreadyDone indicates the saga step was already executed for this
// trip. Consumers treat it as a successful no-op: the triggering delivery is a
// replay and its effects must not be applied twice.
var ErrStepAlreadyDone = errors.New("saga step already executed")

// TripRepository persists the Trip aggregate. Every mutation that produces
// domain events writes the events to the outbox in the same transaction.
type TripRepository interface {
	Create(ctx context.Context, trip *domain.Trip, events ...domain.Envelope) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Trip, error)

	// Update applies the in-memory trip state under an optimistic version
	// check. A version mismatch returns domain.ErrConcurrentModification and
	// the caller must re-fetch before deciding whether to retry.
	Update(ctx context.Context, trip *domain.Trip, expectedVersion int64, events ...domain.Envelope) error

	// UpdateWithStep is Update plus an insert-once saga-step record in the
	// same transaction; it returns ErrStepAlreadyDone without touching the
	// trip when the step was already executed.
	UpdateWithStep(ctx context.Context, trip *domain.Trip, expectedVersion int64, stepName string, eventID uuid.UUID, events ...domain.Envelope) error
}

// OfferRepository persists driver offers for auditing and resolution.
type OfferRepository interface {
	CreateBatch(ctx context.Context, offers []*domain.DriverOffer) error
	Get(ctx context.Context, id uuid.UUID) (*domain.DriverOffer, error)

	// ResolveAccepted marks the winning offer ACCEPTED and expires every other
	// open offer for the same trip in one transaction.
	ResolveAccepted(ctx context.Context, offerID uuid.UUID) error
	MarkRejected(ctx context.Context, offerID uuid.UUID) error

	// ExpireOpenForTrip closes all still-pending offers for a trip, returning
	// how many were expired.
	ExpireOpenForTrip(ctx context.Context, tripID uuid.UUID) (int, error)

	// SweepExpired expires pending offers past their deadline platform-wide.
	// It runs from the housekeeping cron.
	SweepExpired(ctx context.Context) (int, error)
}

// EnqueueEventTx appends a domain event envelope to the outbox inside the
// caller's transaction. The event becomes visible to the relay only when the
// surrounding transaction commits, so state change and event are atomic.
func EnqueueEventTx(ctx context.Context, tx pgx.Tx, env domain.Envelope, exchange, routingKey string) error {
	blob, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO event_outbox (aggregate_type, aggregate_id, event_id, event_type, exchange, routing_key, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
	`, env.AggregateType, env.AggregateID, env.EventID, env.EventType, exchange, routingKey, string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

// InsertSagaStepTx records that a saga step ran for a trip, inside the
// caller's transaction. The (trip_id, step_name) primary key makes the insert
// single-execution: a conflict means a replayed delivery and yields
// ErrStepAlreadyDone.
func InsertSagaStepTx(ctx context.Context, tx pgx.Tx, tripID uuid.UUID, stepName string, eventID uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		INSERT INTO saga_steps (trip_id, step_name, status, event_id)
		VALUES ($1, $2, 'done', $3)
		ON CONFLICT (trip_id, step_name) DO NOTHING
	`, tripID, stepName, eventID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStepAlreadyDone
	}
	return nil
}
