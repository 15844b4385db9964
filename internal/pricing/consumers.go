package pricing

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/swiftride/trip-platform/internal/domain"
	"github.com/swiftride/trip-platform/internal/store"
)

// StepFareCalculated is the pricing participant's saga step name.
const StepFareCalculated = "pricing.fare_calculated"

const handlerTimeout = 30 * time.Second

// Handler processes the events the pricing participant subscribes to.
type Handler struct {
	repo       Repository
	calculator Calculator
}

// NewHandler creates the pricing event handler.
func NewHandler(repo Repository, calculator Calculator) *Handler {
	return &Handler{repo: repo, calculator: calculator}
}

// HandleTripRequested maintains the route projection pricing needs later when
// the trip completes.
func (h *Handler) HandleTripRequested(body []byte) bool {
	_, payload, err := domain.DecodeEvent[domain.TripRequestedEvent](body, domain.EventTripRequested)
	if err != nil {
		log.Printf("level=error component=pricing msg=\"undecodable event; dropping\" err=%v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if err := h.repo.UpsertRoute(ctx, Route{
		TripID:      payload.TripID,
		Origin:      payload.Origin,
		Destination: payload.Destination,
	}); err != nil {
		log.Printf("level=error component=pricing msg=\"route projection upsert failed; re-queuing\" trip_id=%s err=%v", payload.TripID, err)
		return false
	}
	return true
}

// HandleTripCompleted computes and persists the fare, emitting FareCalculated
// from the pricing outbox. Replays are suppressed by the saga-step insert.
func (h *Handler) HandleTripCompleted(body []byte) bool {
	env, payload, err := domain.DecodeEvent[domain.TripLifecycleEvent](body, domain.EventTripCompleted)
	if err != nil {
		log.Printf("level=error component=pricing msg=\"undecodable event; dropping\" err=%v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	route, err := h.repo.GetRoute(ctx, payload.TripID)
	if err != nil {
		log.Printf("level=error component=pricing msg=\"route lookup failed; re-queuing\" trip_id=%s err=%v", payload.TripID, err)
		return false
	}
	if route == nil {
		// TripRequested has not been processed yet (a requeue can reorder
		// deliveries); let the projection catch up.
		log.Printf("level=warn component=pricing msg=\"route projection missing; re-queuing\" trip_id=%s", payload.TripID)
		return false
	}

	distanceM := HaversineM(route.Origin, route.Destination)
	amount := h.calculator.Fare(distanceM)

	event, err := domain.NewEnvelope(domain.EventFareCalculated, domain.AggregateTrip, payload.TripID, domain.FareCalculatedEvent{
		TripID:     payload.TripID,
		FareAmount: amount,
		Currency:   h.calculator.Currency,
		DistanceM:  distanceM,
	})
	if err != nil {
		log.Printf("level=error component=pricing msg=\"envelope build failed; dropping\" trip_id=%s err=%v", payload.TripID, err)
		return true
	}

	err = h.repo.SaveFare(ctx, payload.TripID, amount, h.calculator.Currency, distanceM, env.EventID, event)
	switch {
	case err == nil:
		log.Printf("level=info component=pricing msg=\"fare calculated\" trip_id=%s amount=%d currency=%s distance_m=%.0f", payload.TripID, amount, h.calculator.Currency, distanceM)
		return true
	case errors.Is(err, store.ErrStepAlreadyDone):
		log.Printf("level=info component=pricing msg=\"duplicate event suppressed\" trip_id=%s step=%s", payload.TripID, StepFareCalculated)
		return true
	default:
		log.Printf("level=error component=pricing msg=\"fare persistence failed; re-queuing\" trip_id=%s err=%v", payload.TripID, err)
		return false
	}
}
