package payment

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/swiftride/trip-platform/internal/domain"
	"github.com/swiftride/trip-platform/internal/store"
)

type paymentRepoStub struct {
	mu sync.Mutex

	stepDone    bool
	stepDoneErr error

	saveErr    error
	saved      *Record
	savedEvent *domain.Envelope
}

func (s *paymentRepoStub) StepDone(context.Context, uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepDone, s.stepDoneErr
}

func (s *paymentRepoStub) SaveOutcome(_ context.Context, record Record, _ uuid.UUID, event domain.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = &record
	s.savedEvent = &event
	return nil
}

type countingGateway struct {
	mu       sync.Mutex
	calls    int
	declines bool
	dialErr  error
}

func (g *countingGateway) Capture(_ context.Context, tripID uuid.UUID, _ int64, _ string) (string, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.dialErr != nil {
		return "", "", g.dialErr
	}
	if g.declines {
		return "", "insufficient funds", nil
	}
	return "cap_" + tripID.String(), "", nil
}

func fareBody(t *testing.T, tripID uuid.UUID, amount int64) []byte {
	t.Helper()
	env, err := domain.NewEnvelope(domain.EventFareCalculated, domain.AggregateTrip, tripID, domain.FareCalculatedEvent{
		TripID:     tripID,
		FareAmount: amount,
		Currency:   "USD",
	})
	if err != nil {
		t.Fatalf("unexpected envelope error: %v", err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("unexpected marshal error: %v", err)
	}
	return body
}

func TestHandleFareCalculated(t *testing.T) {
	tripID := uuid.New()

	t.Run("capture success emits payment processed", func(t *testing.T) {
		repo := &paymentRepoStub{}
		gateway := &countingGateway{}
		handler := NewHandler(repo, gateway)

		if !handler.HandleFareCalculated(fareBody(t, tripID, 1250)) {
			t.Fatal("expected delivery to be acked")
		}
		if repo.saved == nil || repo.saved.Status != PaymentCaptured {
			t.Fatalf("expected captured record, got %+v", repo.saved)
		}
		if repo.saved.TransactionRef == nil || *repo.saved.TransactionRef == "" {
			t.Fatal("expected a transaction reference on capture")
		}
		if repo.savedEvent.EventType != domain.EventPaymentProcessed {
			t.Fatalf("expected %s event, got %s", domain.EventPaymentProcessed, repo.savedEvent.EventType)
		}
	})

	t.Run("gateway decline emits payment failed, not an error", func(t *testing.T) {
		repo := &paymentRepoStub{}
		gateway := &countingGateway{declines: true}
		handler := NewHandler(repo, gateway)

		if !handler.HandleFareCalculated(fareBody(t, tripID, 1250)) {
			t.Fatal("expected a decline to be acked")
		}
		if repo.saved == nil || repo.saved.Status != PaymentDeclined {
			t.Fatalf("expected declined record, got %+v", repo.saved)
		}
		if repo.savedEvent.EventType != domain.EventPaymentFailed {
			t.Fatalf("expected %s event, got %s", domain.EventPaymentFailed, repo.savedEvent.EventType)
		}
		var payload domain.PaymentFailedEvent
		if err := json.Unmarshal(repo.savedEvent.Payload, &payload); err != nil {
			t.Fatalf("unexpected decode error: %v", err)
		}
		if payload.Reason != "insufficient funds" {
			t.Fatalf("expected decline reason carried on the event, got %q", payload.Reason)
		}
	})

	t.Run("redelivery never reaches the gateway", func(t *testing.T) {
		repo := &paymentRepoStub{stepDone: true}
		gateway := &countingGateway{}
		handler := NewHandler(repo, gateway)

		if !handler.HandleFareCalculated(fareBody(t, tripID, 1250)) {
			t.Fatal("expected replay to be acked")
		}
		if gateway.calls != 0 {
			t.Fatalf("expected no gateway call on replay, got %d", gateway.calls)
		}
		if repo.saved != nil {
			t.Fatalf("expected no record on replay, got %+v", repo.saved)
		}
	})

	t.Run("lost save race is suppressed", func(t *testing.T) {
		repo := &paymentRepoStub{saveErr: store.ErrStepAlreadyDone}
		handler := NewHandler(repo, &countingGateway{})

		if !handler.HandleFareCalculated(fareBody(t, tripID, 1250)) {
			t.Fatal("expected concurrent duplicate to be acked")
		}
	})

	t.Run("unreachable gateway requeues", func(t *testing.T) {
		repo := &paymentRepoStub{}
		gateway := &countingGateway{dialErr: errors.New("connection refused")}
		handler := NewHandler(repo, gateway)

		if handler.HandleFareCalculated(fareBody(t, tripID, 1250)) {
			t.Fatal("expected an unreachable gateway to requeue the delivery")
		}
	})
}

func TestReferenceGateway(t *testing.T) {
	gateway := ReferenceGateway{}
	tripID := uuid.New()

	ref, decline, err := gateway.Capture(context.Background(), tripID, 1250, "USD")
	if err != nil || decline != "" {
		t.Fatalf("expected clean capture, got ref=%q decline=%q err=%v", ref, decline, err)
	}
	if ref == "" {
		t.Fatal("expected a transaction reference")
	}

	_, decline, err = gateway.Capture(context.Background(), tripID, 0, "USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decline == "" {
		t.Fatal("expected a decline for a non-positive amount")
	}
}
