package earnings

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/swiftride/trip-platform/internal/domain"
	"github.com/swiftride/trip-platform/internal/store"
)

// StepCredit is the earnings participant's saga step name.
const StepCredit = "earnings.credit"

const handlerTimeout = 30 * time.Second

// Handler processes the events the earnings participant subscribes to.
type Handler struct {
	repo Repository

	// driverSharePercent is the driver's cut of the captured fare.
	driverSharePercent decimal.Decimal
}

// NewHandler creates the earnings event handler. sharePercent outside (0,100]
// falls back to 80.
func NewHandler(repo Repository, sharePercent float64) *Handler {
	if sharePercent <= 0 || sharePercent > 100 {
		sharePercent = 80
	}
	return &Handler{
		repo:               repo,
		driverSharePercent: decimal.NewFromFloat(sharePercent),
	}
}

// DriverShare computes the driver's cut of a captured amount in minor units.
func (h *Handler) DriverShare(amount int64) int64 {
	return decimal.NewFromInt(amount).
		Mul(h.driverSharePercent).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
}

// HandleTripMatched maintains the trip->driver projection the credit step
// needs, since PaymentProcessed does not carry the driver identity.
func (h *Handler) HandleTripMatched(body []byte) bool {
	_, payload, err := domain.DecodeEvent[domain.TripMatchedEvent](body, domain.EventTripMatched)
	if err != nil {
		log.Printf("level=error component=earnings msg=\"undecodable event; dropping\" err=%v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if err := h.repo.UpsertTripDriver(ctx, payload.TripID, payload.DriverID); err != nil {
		log.Printf("level=error component=earnings msg=\"driver projection upsert failed; re-queuing\" trip_id=%s err=%v", payload.TripID, err)
		return false
	}
	return true
}

// HandlePaymentProcessed credits the driver's share and emits EarningsUpdated.
// Replays are suppressed by the saga-step insert, so a redelivery produces
// neither a duplicate credit nor a duplicate downstream event.
func (h *Handler) HandlePaymentProcessed(body []byte) bool {
	env, payload, err := domain.DecodeEvent[domain.PaymentProcessedEvent](body, domain.EventPaymentProcessed)
	if err != nil {
		log.Printf("level=error component=earnings msg=\"undecodable event; dropping\" err=%v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	driverID, err := h.repo.GetTripDriver(ctx, payload.TripID)
	if err != nil {
		log.Printf("level=error component=earnings msg=\"driver lookup failed; re-queuing\" trip_id=%s err=%v", payload.TripID, err)
		return false
	}
	if driverID == nil {
		log.Printf("level=warn component=earnings msg=\"driver projection missing; re-queuing\" trip_id=%s", payload.TripID)
		return false
	}

	share := h.DriverShare(payload.Amount)
	event, err := domain.NewEnvelope(domain.EventEarningsUpdated, domain.AggregateTrip, payload.TripID, domain.EarningsUpdatedEvent{
		TripID:   payload.TripID,
		DriverID: *driverID,
		Amount:   share,
		Currency: payload.Currency,
	})
	if err != nil {
		log.Printf("level=error component=earnings msg=\"envelope build failed; dropping\" trip_id=%s err=%v", payload.TripID, err)
		return true
	}

	err = h.repo.Credit(ctx, payload.TripID, *driverID, share, payload.Currency, env.EventID, event)
	switch {
	case err == nil:
		log.Printf("level=info component=earnings msg=\"driver credited\" trip_id=%s driver_id=%s amount=%d", payload.TripID, driverID, share)
		return true
	case errors.Is(err, store.ErrStepAlreadyDone):
		log.Printf("level=info component=earnings msg=\"duplicate event suppressed\" trip_id=%s step=%s", payload.TripID, StepCredit)
		return true
	default:
		log.Printf("level=error component=earnings msg=\"credit persistence failed; re-queuing\" trip_id=%s err=%v", payload.TripID, err)
		return false
	}
}
