/**
 * @description
 * This file contains the trip-orchestration service's reactions in the
 * trip-completion saga: recording the calculated fare, finalizing the trip on
 * EarningsUpdated, and compensating on PaymentFailed. Handlers are consumer
 * callbacks in the shape the RabbitMQ consumer expects: returning true acks
 * the delivery, false requeues it.
 *
 * @notes
 * - Delivery is at-least-once, so every handler is idempotent: the saga-step
 *   insert inside the trip update transaction short-circuits replays. A
 *   suppressed duplicate is logged and acked, never an error.
 * - Malformed payloads are acked to drop: they cannot succeed on redelivery.
 */

package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/swiftride/trip-platform/internal/domain"
	"github.com/swiftride/trip-platform/internal/store"
)

// Saga step names owned by the trip-orchestration service.
const (
	stepFareRecorded  = "trip.fare_recorded"
	stepFinalize      = "trip.finalize"
	stepPaymentFailed = "trip.payment_failed"
)

const handlerTimeout = 30 * time.Second

// SagaReactions holds the orchestration-side event handlers.
type SagaReactions struct {
	trips store.TripRepository
}

// NewSagaReactions creates the handler set.
func NewSagaReactions(trips store.TripRepository) *SagaReactions {
	return &SagaReactions{trips: trips}
}

// HandleFareCalculated records the pricing participant's fare on the
// aggregate.
func (r *SagaReactions) HandleFareCalculated(body []byte) bool {
	env, payload, ok := decode[domain.FareCalculatedEvent](body, domain.EventFareCalculated)
	if !ok {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	trip, err := r.trips.Get(ctx, payload.TripID)
	if err != nil {
		return r.handleLookupFailure(payload.TripID.String(), env.EventType, err)
	}

	trip.SetFare(payload.FareAmount, payload.Currency)
	err = r.trips.UpdateWithStep(ctx, trip, trip.Version, stepFareRecorded, env.EventID)
	return r.finishStep(trip.ID.String(), stepFareRecorded, err)
}

// HandleEarningsUpdated closes the saga: the driver has been credited, so the
// trip moves to its terminal success state PAYMENT_PROCESSED.
func (r *SagaReactions) HandleEarningsUpdated(body []byte) bool {
	env, payload, ok := decode[domain.EarningsUpdatedEvent](body, domain.EventEarningsUpdated)
	if !ok {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	trip, err := r.trips.Get(ctx, payload.TripID)
	if err != nil {
		return r.handleLookupFailure(payload.TripID.String(), env.EventType, err)
	}
	if trip.Status == domain.StatusPaymentProcessed {
		return true
	}

	expected := trip.Version
	if err := trip.TransitionTo(domain.StatusPaymentProcessed); err != nil {
		log.Printf("level=error component=trip_saga msg=\"cannot finalize trip\" trip_id=%s status=%s err=%v", trip.ID, trip.Status, err)
		return true
	}
	err = r.trips.UpdateWithStep(ctx, trip, expected, stepFinalize, env.EventID)
	return r.finishStep(trip.ID.String(), stepFinalize, err)
}

// HandlePaymentFailed is the compensation path: the physical trip already
// happened, so the lifecycle is not reverted. The trip stays TRIP_COMPLETED
// and is flagged for payment retry or manual intervention.
func (r *SagaReactions) HandlePaymentFailed(body []byte) bool {
	env, payload, ok := decode[domain.PaymentFailedEvent](body, domain.EventPaymentFailed)
	if !ok {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	trip, err := r.trips.Get(ctx, payload.TripID)
	if err != nil {
		return r.handleLookupFailure(payload.TripID.String(), env.EventType, err)
	}

	expected := trip.Version
	if err := trip.MarkPaymentFailed(payload.Reason); err != nil {
		log.Printf("level=error component=trip_saga msg=\"cannot flag payment failure\" trip_id=%s status=%s err=%v", trip.ID, trip.Status, err)
		return true
	}
	err = r.trips.UpdateWithStep(ctx, trip, expected, stepPaymentFailed, env.EventID)
	if err == nil {
		log.Printf("level=warn component=trip_saga msg=\"trip flagged payment-failed\" trip_id=%s reason=%q", trip.ID, payload.Reason)
	}
	return r.finishStep(trip.ID.String(), stepPaymentFailed, err)
}

func (r *SagaReactions) finishStep(tripID, step string, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrStepAlreadyDone):
		log.Printf("level=info component=trip_saga msg=\"duplicate event suppressed\" trip_id=%s step=%s", tripID, step)
		return true
	case errors.Is(err, domain.ErrConcurrentModification):
		// Another writer advanced the trip; requeue and re-read on redelivery.
		log.Printf("level=warn component=trip_saga msg=\"version conflict; re-queuing\" trip_id=%s step=%s", tripID, step)
		return false
	default:
		log.Printf("level=error component=trip_saga msg=\"step failed; re-queuing\" trip_id=%s step=%s err=%v", tripID, step, err)
		return false
	}
}

func (r *SagaReactions) handleLookupFailure(tripID, eventType string, err error) bool {
	if errors.Is(err, domain.ErrTripNotFound) {
		log.Printf("level=error component=trip_saga msg=\"event references unknown trip; dropping\" trip_id=%s event_type=%s", tripID, eventType)
		return true
	}
	log.Printf("level=error component=trip_saga msg=\"trip lookup failed; re-queuing\" trip_id=%s event_type=%s err=%v", tripID, eventType, err)
	return false
}

// decode wraps domain.DecodeEvent with drop logging. ok=false means the
// delivery should be acked to drop, since redelivery cannot fix it.
func decode[T any](body []byte, wantType string) (domain.Envelope, T, bool) {
	env, payload, err := domain.DecodeEvent[T](body, wantType)
	if err != nil {
		log.Printf("level=error component=trip_saga msg=\"undecodable event; dropping\" want=%s err=%v", wantType, err)
		return env, payload, false
	}
	return env, payload, true
}
