package payment

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/swiftride/trip-platform/internal/domain"
	"github.com/swiftride/trip-platform/internal/store"
)

// StepCapture is the payment participant's saga step name.
const StepCapture = "payment.capture"

const handlerTimeout = 30 * time.Second

// Handler processes FareCalculated events.
type Handler struct {
	repo    Repository
	gateway Gateway
}

// NewHandler creates the payment event handler.
func NewHandler(repo Repository, gateway Gateway) *Handler {
	return &Handler{repo: repo, gateway: gateway}
}

// HandleFareCalculated attempts the capture and persists the outcome together
// with the follow-up event. A gateway decline produces PaymentFailed (the
// saga's compensation trigger); an unreachable gateway requeues the delivery.
func (h *Handler) HandleFareCalculated(body []byte) bool {
	env, payload, err := domain.DecodeEvent[domain.FareCalculatedEvent](body, domain.EventFareCalculated)
	if err != nil {
		log.Printf("level=error component=payment msg=\"undecodable event; dropping\" err=%v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	// Check before touching the gateway: a redelivered trigger must never
	// re-charge the customer.
	done, err := h.repo.StepDone(ctx, payload.TripID)
	if err != nil {
		log.Printf("level=error component=payment msg=\"idempotency check failed; re-queuing\" trip_id=%s err=%v", payload.TripID, err)
		return false
	}
	if done {
		log.Printf("level=info component=payment msg=\"duplicate event suppressed\" trip_id=%s step=%s", payload.TripID, StepCapture)
		return true
	}

	ref, declineReason, err := h.gateway.Capture(ctx, payload.TripID, payload.FareAmount, payload.Currency)
	if err != nil {
		log.Printf("level=error component=payment msg=\"gateway unreachable; re-queuing\" trip_id=%s err=%v", payload.TripID, err)
		return false
	}

	var (
		record Record
		event  domain.Envelope
	)
	if declineReason != "" {
		record = Record{
			TripID:   payload.TripID,
			Amount:   payload.FareAmount,
			Currency: payload.Currency,
			Status:   PaymentDeclined,
			Reason:   &declineReason,
		}
		event, err = domain.NewEnvelope(domain.EventPaymentFailed, domain.AggregateTrip, payload.TripID, domain.PaymentFailedEvent{
			TripID: payload.TripID,
			Reason: declineReason,
		})
	} else {
		record = Record{
			TripID:         payload.TripID,
			TransactionRef: &ref,
			Amount:         payload.FareAmount,
			Currency:       payload.Currency,
			Status:         PaymentCaptured,
		}
		event, err = domain.NewEnvelope(domain.EventPaymentProcessed, domain.AggregateTrip, payload.TripID, domain.PaymentProcessedEvent{
			TripID:         payload.TripID,
			TransactionRef: ref,
			Amount:         payload.FareAmount,
			Currency:       payload.Currency,
		})
	}
	if err != nil {
		log.Printf("level=error component=payment msg=\"envelope build failed; dropping\" trip_id=%s err=%v", payload.TripID, err)
		return true
	}

	err = h.repo.SaveOutcome(ctx, record, env.EventID, event)
	switch {
	case err == nil:
		if declineReason != "" {
			log.Printf("level=warn component=payment msg=\"capture declined\" trip_id=%s reason=%q", payload.TripID, declineReason)
		} else {
			log.Printf("level=info component=payment msg=\"capture succeeded\" trip_id=%s ref=%s amount=%d", payload.TripID, ref, payload.FareAmount)
		}
		return true
	case errors.Is(err, store.ErrStepAlreadyDone):
		log.Printf("level=info component=payment msg=\"duplicate event suppressed\" trip_id=%s step=%s", payload.TripID, StepCapture)
		return true
	default:
		log.Printf("level=error component=payment msg=\"outcome persistence failed; re-queuing\" trip_id=%s err=%v", payload.TripID, err)
		return false
	}
}
