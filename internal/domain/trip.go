/**
 * @description
 * This file defines the Trip aggregate and its state machine. The Trip is the
 * authoritative record of a single ride from request through payment, and every
 * status change must pass through the transition table defined here.
 *
 * @notes
 * - Fare amounts are stored as `int64` in the smallest currency unit to avoid
 *   floating-point inaccuracies with financial data.
 * - The `Version` field backs optimistic concurrency: the store only applies an
 *   update when the caller's expected version matches, so two racing transitions
 *   from the same version can never both succeed.
 */

package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status enumerates the trip lifecycle states.
type Status string

const (
	StatusRequested        Status = "REQUESTED"
	StatusMatching         Status = "MATCHING"
	StatusAccepted         Status = "ACCEPTED"
	StatusDriverArriving   Status = "DRIVER_ARRIVING"
	StatusTripStarted      Status = "TRIP_STARTED"
	StatusTripCompleted    Status = "TRIP_COMPLETED"
	StatusPaymentProcessed Status = "PAYMENT_PROCESSED"
	StatusCancelled        Status = "CANCELLED"
	StatusMatchFailed      Status = "MATCH_FAILED"
)

var (
	// ErrInvalidTransition indicates an illegal state change was attempted. The
	// caller must not retry the same transition; it should re-read current state.
	ErrInvalidTransition = errors.New("invalid trip state transition")

	// ErrConcurrentModification indicates an optimistic-lock conflict. The caller
	// must re-fetch the trip and decide whether the operation still applies.
	ErrConcurrentModification = errors.New("trip was modified concurrently")

	// ErrOfferSuperseded indicates a driver acceptance lost the resolution race
	// (another driver was assigned first, or the trip left MATCHING). It is a
	// business outcome, not a fault, and is never retried.
	ErrOfferSuperseded = errors.New("offer superseded")

	// ErrNoCandidates indicates the candidate index returned no drivers for a
	// matching round. It is a business outcome, not a fault.
	ErrNoCandidates = errors.New("no candidate drivers found")

	// ErrTripNotFound indicates the requested trip does not exist.
	ErrTripNotFound = errors.New("trip not found")
)

// Coord is a WGS84 latitude/longitude pair.
type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Trip is the aggregate root for a single ride.
type Trip struct {
	ID                   uuid.UUID  `json:"id"`
	CustomerID           uuid.UUID  `json:"customer_id"`
	DriverID             *uuid.UUID `json:"driver_id,omitempty"`
	Origin               Coord      `json:"origin"`
	Destination          Coord      `json:"destination"`
	Status               Status     `json:"status"`
	FareAmount           *int64     `json:"fare_amount,omitempty"` // minor units
	FareCurrency         *string    `json:"fare_currency,omitempty"`
	PaymentFailed        bool       `json:"payment_failed"`
	PaymentFailureReason *string    `json:"payment_failure_reason,omitempty"`
	Version              int64      `json:"version"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// NewTrip creates a trip in REQUESTED state at version 1.
func NewTrip(customerID uuid.UUID, origin, destination Coord) *Trip {
	now := time.Now().UTC()
	return &Trip{
		ID:          uuid.New(),
		CustomerID:  customerID,
		Origin:      origin,
		Destination: destination,
		Status:      StatusRequested,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// legalTransitions is the full transition table. Any (from, to) pair absent
// from this table is illegal.
var legalTransitions = map[Status][]Status{
	StatusRequested:      {StatusMatching, StatusCancelled},
	StatusMatching:       {StatusAccepted, StatusMatchFailed, StatusCancelled},
	StatusAccepted:       {StatusDriverArriving, StatusCancelled},
	StatusDriverArriving: {StatusTripStarted, StatusCancelled},
	StatusTripStarted:    {StatusTripCompleted},
	StatusTripCompleted:  {StatusPaymentProcessed},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// driverRequired lists the states in which a driver must be assigned. Outside
// these states the driver id must be nil.
var driverRequired = map[Status]bool{
	StatusAccepted:         true,
	StatusDriverArriving:   true,
	StatusTripStarted:      true,
	StatusTripCompleted:    true,
	StatusPaymentProcessed: true,
}

// DriverAssignmentValid checks the aggregate invariant: the driver id is set
// if and only if the trip is in a post-acceptance state.
func (t *Trip) DriverAssignmentValid() bool {
	if driverRequired[t.Status] {
		return t.DriverID != nil
	}
	return t.DriverID == nil
}

// TransitionTo applies a status change after validating it against the
// transition table and the driver-assignment invariant. It mutates the trip in
// memory only; the store persists it under the version check.
func (t *Trip) TransitionTo(to Status) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	prev := t.Status
	t.Status = to
	if !t.DriverAssignmentValid() {
		t.Status = prev
		return fmt.Errorf("%w: %s -> %s requires driver assignment consistency", ErrInvalidTransition, prev, to)
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// AssignDriver records the winning driver and moves the trip to ACCEPTED.
func (t *Trip) AssignDriver(driverID uuid.UUID) error {
	if t.Status != StatusMatching {
		return fmt.Errorf("%w: cannot assign driver in state %s", ErrInvalidTransition, t.Status)
	}
	t.DriverID = &driverID
	if err := t.TransitionTo(StatusAccepted); err != nil {
		t.DriverID = nil
		return err
	}
	return nil
}

// MarkPaymentFailed flags a completed trip whose payment capture failed. The
// trip stays in TRIP_COMPLETED: the physical ride already happened, so the
// lifecycle never reverts; the flag routes it to retry or manual intervention.
func (t *Trip) MarkPaymentFailed(reason string) error {
	if t.Status != StatusTripCompleted {
		return fmt.Errorf("%w: payment failure only applies to a completed trip, got %s", ErrInvalidTransition, t.Status)
	}
	t.PaymentFailed = true
	t.PaymentFailureReason = &reason
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// SetFare records the calculated fare on the aggregate.
func (t *Trip) SetFare(amount int64, currency string) {
	t.FareAmount = &amount
	t.FareCurrency = &currency
	t.UpdatedAt = time.Now().UTC()
}

// Terminal reports whether the trip can no longer change lifecycle state.
func (t *Trip) Terminal() bool {
	switch t.Status {
	case StatusPaymentProcessed, StatusCancelled, StatusMatchFailed:
		return true
	}
	return false
}
