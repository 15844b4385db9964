/**
 * @description
 * This file defines the domain events exchanged between the trip-orchestration
 * service and the saga participants, together with the envelope every event is
 * wrapped in before it enters the outbox.
 *
 * @notes
 * - Every envelope carries a unique event id plus the producing aggregate's
 *   type and id. Consumers use the (aggregate id, step) pair for idempotency
 *   bookkeeping; delivery is at-least-once, so duplicates must be tolerated.
 * - Routing keys are published on the shared durable topic exchange
 *   `swiftride.events`. Consumers rely on in-aggregate ordering only.
 */

package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventsExchange is the durable topic exchange all domain events publish to.
const EventsExchange = "swiftride.events"

// Routing keys for the trip lifecycle and the completion saga.
const (
	EventTripRequested    = "trip.requested"
	EventTripMatched      = "trip.matched"
	EventMatchFailed      = "trip.match_failed"
	EventTripAccepted     = "trip.accepted"
	EventTripStarted      = "trip.started"
	EventTripCompleted    = "trip.completed"
	EventTripCancelled    = "trip.cancelled"
	EventDriverReleased   = "driver.released"
	EventFareCalculated   = "fare.calculated"
	EventPaymentProcessed = "payment.processed"
	EventPaymentFailed    = "payment.failed"
	EventEarningsUpdated  = "earnings.updated"
)

// AggregateTrip is the aggregate type recorded on trip-produced events.
const AggregateTrip = "trip"

// Envelope wraps a domain event payload with the identity fields consumers
// need for idempotency and ordering.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a payload, assigning a fresh event id.
func NewEnvelope(eventType, aggregateType string, aggregateID uuid.UUID, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.New(),
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		OccurredAt:    time.Now().UTC(),
		Payload:       raw,
	}, nil
}

// DecodeEvent unmarshals a delivery body into its envelope and typed payload,
// verifying the event type. Failures here are terminal for the delivery: a
// malformed or mistyped body cannot succeed on redelivery.
func DecodeEvent[T any](body []byte, wantType string) (Envelope, T, error) {
	var env Envelope
	var payload T
	if err := json.Unmarshal(body, &env); err != nil {
		return env, payload, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.EventType != wantType {
		return env, payload, fmt.Errorf("unexpected event type %q, want %q", env.EventType, wantType)
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return env, payload, fmt.Errorf("malformed %s payload: %w", wantType, err)
	}
	return env, payload, nil
}

// TripRequestedEvent announces a new trip awaiting a driver.
type TripRequestedEvent struct {
	TripID      uuid.UUID `json:"trip_id"`
	CustomerID  uuid.UUID `json:"customer_id"`
	Origin      Coord     `json:"origin"`
	Destination Coord     `json:"destination"`
}

// TripMatchedEvent announces the driver assigned to a trip.
type TripMatchedEvent struct {
	TripID   uuid.UUID `json:"trip_id"`
	DriverID uuid.UUID `json:"driver_id"`
}

// MatchFailedEvent announces that matching exhausted every radius without an
// acceptance. The customer-facing boundary notifies the requester; a fresh
// request is a new aggregate.
type MatchFailedEvent struct {
	TripID uuid.UUID `json:"trip_id"`
	Reason string    `json:"reason"`
}

// TripLifecycleEvent carries the timestamped lifecycle notifications
// (accepted, started, completed).
type TripLifecycleEvent struct {
	TripID     uuid.UUID  `json:"trip_id"`
	DriverID   *uuid.UUID `json:"driver_id,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// TripCancelledEvent announces a cancellation and who initiated it.
type TripCancelledEvent struct {
	TripID      uuid.UUID  `json:"trip_id"`
	CancelledBy string     `json:"cancelled_by"` // "customer" or "driver"
	Reason      string     `json:"reason"`
	DriverID    *uuid.UUID `json:"driver_id,omitempty"`
}

// DriverReleasedEvent is the compensation signal emitted when a trip is
// cancelled after a driver was already held.
type DriverReleasedEvent struct {
	TripID   uuid.UUID `json:"trip_id"`
	DriverID uuid.UUID `json:"driver_id"`
}

// FareCalculatedEvent is produced by the pricing participant.
type FareCalculatedEvent struct {
	TripID     uuid.UUID `json:"trip_id"`
	FareAmount int64     `json:"fare_amount"` // minor units
	Currency   string    `json:"currency"`
	DistanceM  float64   `json:"distance_m"`
}

// PaymentProcessedEvent is produced by the payment participant on capture.
type PaymentProcessedEvent struct {
	TripID         uuid.UUID `json:"trip_id"`
	TransactionRef string    `json:"transaction_ref"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
}

// PaymentFailedEvent is produced by the payment participant when the gateway
// declines the capture. It triggers compensation, never a crash.
type PaymentFailedEvent struct {
	TripID uuid.UUID `json:"trip_id"`
	Reason string    `json:"reason"`
}

// EarningsUpdatedEvent is produced by the driver-earnings participant.
type EarningsUpdatedEvent struct {
	TripID   uuid.UUID `json:"trip_id"`
	DriverID uuid.UUID `json:"driver_id"`
	Amount   int64     `json:"amount"` // minor units
	Currency string    `json:"currency"`
}
