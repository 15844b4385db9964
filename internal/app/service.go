/**
 * @description
 * This file contains the core application logic of the trip-orchestration
 * service: creating trips, driving lifecycle transitions, and handing new
 * trips to the matching engine. Every state change that produces a domain
 * event is persisted together with its outbox entry in one transaction.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/swiftride/trip-platform/internal/domain"
	"github.com/swiftride/trip-platform/internal/match"
	"github.com/swiftride/trip-platform/internal/store"
)

// Service orchestrates the trip lifecycle.
type Service struct {
	trips  store.TripRepository
	offers store.OfferRepository
	engine *match.Engine

	// matchCtx bounds background matching runs; it is the service's run
	// context so in-flight searches stop on shutdown.
	matchCtx context.Context
}

// NewService creates the orchestration service. matchCtx is the long-lived
// context background matching runs inherit from.
func NewService(matchCtx context.Context, trips store.TripRepository, offers store.OfferRepository, engine *match.Engine) *Service {
	return &Service{
		trips:    trips,
		offers:   offers,
		engine:   engine,
		matchCtx: matchCtx,
	}
}

// RequestTrip creates a trip in REQUESTED state, emits TripRequested, and
// starts the matching search in the background.
func (s *Service) RequestTrip(ctx context.Context, customerID uuid.UUID, origin, destination domain.Coord) (*domain.Trip, error) {
	trip := domain.NewTrip(customerID, origin, destination)

	env, err := domain.NewEnvelope(domain.EventTripRequested, domain.AggregateTrip, trip.ID, domain.TripRequestedEvent{
		TripID:      trip.ID,
		CustomerID:  customerID,
		Origin:      origin,
		Destination: destination,
	})
	if err != nil {
		return nil, err
	}
	if err := s.trips.Create(ctx, trip, env); err != nil {
		return nil, err
	}

	go func() {
		if err := s.engine.Run(s.matchCtx, trip.ID); err != nil {
			log.Printf("level=error component=trip_service msg=\"matching run failed\" trip_id=%s err=%v", trip.ID, err)
		}
	}()

	return trip, nil
}

// GetTrip returns the current aggregate state.
func (s *Service) GetTrip(ctx context.Context, tripID uuid.UUID) (*domain.Trip, error) {
	return s.trips.Get(ctx, tripID)
}

// AcceptOffer resolves a driver acceptance through the matching engine.
func (s *Service) AcceptOffer(ctx context.Context, offerID uuid.UUID) (*domain.Trip, error) {
	return s.engine.Accept(ctx, offerID)
}

// RejectOffer records a driver rejection.
func (s *Service) RejectOffer(ctx context.Context, offerID uuid.UUID) error {
	return s.engine.Reject(ctx, offerID)
}

// DriverArriving acknowledges the assigned driver is en route.
func (s *Service) DriverArriving(ctx context.Context, tripID uuid.UUID) (*domain.Trip, error) {
	return s.transition(ctx, tripID, domain.StatusDriverArriving, "")
}

// StartTrip confirms pickup and emits TripStarted.
func (s *Service) StartTrip(ctx context.Context, tripID uuid.UUID) (*domain.Trip, error) {
	return s.transition(ctx, tripID, domain.StatusTripStarted, domain.EventTripStarted)
}

// CompleteTrip confirms drop-off and emits TripCompleted, which triggers the
// completion saga (pricing -> payment -> earnings).
func (s *Service) CompleteTrip(ctx context.Context, tripID uuid.UUID) (*domain.Trip, error) {
	return s.transition(ctx, tripID, domain.StatusTripCompleted, domain.EventTripCompleted)
}

func (s *Service) transition(ctx context.Context, tripID uuid.UUID, to domain.Status, eventType string) (*domain.Trip, error) {
	trip, err := s.trips.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}

	expected := trip.Version
	if err := trip.TransitionTo(to); err != nil {
		return nil, err
	}

	var events []domain.Envelope
	if eventType != "" {
		env, err := domain.NewEnvelope(eventType, domain.AggregateTrip, trip.ID, domain.TripLifecycleEvent{
			TripID:     trip.ID,
			DriverID:   trip.DriverID,
			OccurredAt: time.Now().UTC(),
		})
		if err != nil {
			return nil, err
		}
		events = append(events, env)
	}

	if err := s.trips.Update(ctx, trip, expected, events...); err != nil {
		return nil, err
	}
	return trip, nil
}

// CancelTrip cancels a trip on behalf of the customer or the driver. Legal
// only before the ride starts. When a driver was already held, the same
// transaction additionally emits DriverReleased so the held driver goes back
// into rotation even though the happy-path completion events never fire.
func (s *Service) CancelTrip(ctx context.Context, tripID uuid.UUID, cancelledBy, reason string) (*domain.Trip, error) {
	if cancelledBy != "customer" && cancelledBy != "driver" {
		return nil, fmt.Errorf("cancelled_by must be customer or driver, got %q", cancelledBy)
	}

	trip, err := s.trips.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}

	expected := trip.Version
	heldDriver := trip.DriverID
	trip.DriverID = nil
	if err := trip.TransitionTo(domain.StatusCancelled); err != nil {
		trip.DriverID = heldDriver
		return nil, err
	}

	cancelled, err := domain.NewEnvelope(domain.EventTripCancelled, domain.AggregateTrip, trip.ID, domain.TripCancelledEvent{
		TripID:      trip.ID,
		CancelledBy: cancelledBy,
		Reason:      reason,
		DriverID:    heldDriver,
	})
	if err != nil {
		return nil, err
	}
	events := []domain.Envelope{cancelled}

	if heldDriver != nil {
		released, err := domain.NewEnvelope(domain.EventDriverReleased, domain.AggregateTrip, trip.ID, domain.DriverReleasedEvent{
			TripID:   trip.ID,
			DriverID: *heldDriver,
		})
		if err != nil {
			return nil, err
		}
		events = append(events, released)
	}

	if err := s.trips.Update(ctx, trip, expected, events...); err != nil {
		return nil, err
	}

	if expired, err := s.offers.ExpireOpenForTrip(ctx, tripID); err != nil {
		log.Printf("level=warn component=trip_service msg=\"expire offers on cancel failed\" trip_id=%s err=%v", tripID, err)
	} else if expired > 0 {
		log.Printf("level=info component=trip_service msg=\"expired open offers on cancel\" trip_id=%s count=%d", tripID, expired)
	}

	return trip, nil
}
