package earnings

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/swiftride/trip-platform/internal/domain"
	"github.com/swiftride/trip-platform/internal/store"
)

type earningsRepoStub struct {
	mu      sync.Mutex
	drivers map[uuid.UUID]uuid.UUID

	creditErr     error
	credited      []int64
	creditedEvent *domain.Envelope
}

func newEarningsRepoStub() *earningsRepoStub {
	return &earningsRepoStub{drivers: make(map[uuid.UUID]uuid.UUID)}
}

func (s *earningsRepoStub) UpsertTripDriver(_ context.Context, tripID, driverID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.drivers[tripID]; !exists {
		s.drivers[tripID] = driverID
	}
	return nil
}

func (s *earningsRepoStub) GetTripDriver(_ context.Context, tripID uuid.UUID) (*uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	driverID, ok := s.drivers[tripID]
	if !ok {
		return nil, nil
	}
	return &driverID, nil
}

func (s *earningsRepoStub) Credit(_ context.Context, _ uuid.UUID, _ uuid.UUID, amount int64, _ string, _ uuid.UUID, event domain.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creditErr != nil {
		return s.creditErr
	}
	s.credited = append(s.credited, amount)
	s.creditedEvent = &event
	return nil
}

func eventBody(t *testing.T, eventType string, tripID uuid.UUID, payload interface{}) []byte {
	t.Helper()
	env, err := domain.NewEnvelope(eventType, domain.AggregateTrip, tripID, payload)
	if err != nil {
		t.Fatalf("unexpected envelope error: %v", err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("unexpected marshal error: %v", err)
	}
	return body
}

func TestDriverShare(t *testing.T) {
	tests := []struct {
		name         string
		sharePercent float64
		amount       int64
		want         int64
	}{
		{name: "default eighty percent", sharePercent: 80, amount: 1000, want: 800},
		{name: "rounds half up", sharePercent: 80, amount: 1249, want: 999},
		{name: "full share", sharePercent: 100, amount: 1250, want: 1250},
		{name: "out of range falls back to eighty", sharePercent: 120, amount: 1000, want: 800},
		{name: "zero falls back to eighty", sharePercent: 0, amount: 1000, want: 800},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler(newEarningsRepoStub(), tt.sharePercent)
			if got := handler.DriverShare(tt.amount); got != tt.want {
				t.Fatalf("DriverShare(%d) = %d, want %d", tt.amount, got, tt.want)
			}
		})
	}
}

func TestHandleTripMatchedBuildsProjection(t *testing.T) {
	repo := newEarningsRepoStub()
	handler := NewHandler(repo, 80)
	tripID := uuid.New()
	driverID := uuid.New()

	body := eventBody(t, domain.EventTripMatched, tripID, domain.TripMatchedEvent{
		TripID:   tripID,
		DriverID: driverID,
	})

	if !handler.HandleTripMatched(body) {
		t.Fatal("expected delivery to be acked")
	}
	got, err := repo.GetTripDriver(context.Background(), tripID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || *got != driverID {
		t.Fatalf("expected driver %s projected, got %v", driverID, got)
	}
}

func TestHandlePaymentProcessed(t *testing.T) {
	tripID := uuid.New()
	driverID := uuid.New()

	newBody := func(t *testing.T) []byte {
		return eventBody(t, domain.EventPaymentProcessed, tripID, domain.PaymentProcessedEvent{
			TripID:         tripID,
			TransactionRef: "cap_" + tripID.String(),
			Amount:         1250,
			Currency:       "USD",
		})
	}

	t.Run("credits the driver share", func(t *testing.T) {
		repo := newEarningsRepoStub()
		repo.drivers[tripID] = driverID
		handler := NewHandler(repo, 80)

		if !handler.HandlePaymentProcessed(newBody(t)) {
			t.Fatal("expected delivery to be acked")
		}
		if len(repo.credited) != 1 || repo.credited[0] != 1000 {
			t.Fatalf("expected one credit of 1000, got %v", repo.credited)
		}
		if repo.creditedEvent.EventType != domain.EventEarningsUpdated {
			t.Fatalf("expected %s event, got %s", domain.EventEarningsUpdated, repo.creditedEvent.EventType)
		}
		var payload domain.EarningsUpdatedEvent
		if err := json.Unmarshal(repo.creditedEvent.Payload, &payload); err != nil {
			t.Fatalf("unexpected decode error: %v", err)
		}
		if payload.DriverID != driverID || payload.Amount != 1000 {
			t.Fatalf("unexpected event payload: %+v", payload)
		}
	})

	t.Run("requeues when the projection is missing", func(t *testing.T) {
		handler := NewHandler(newEarningsRepoStub(), 80)
		if handler.HandlePaymentProcessed(newBody(t)) {
			t.Fatal("expected delivery to be requeued until the projection catches up")
		}
	})

	t.Run("suppresses replayed payment", func(t *testing.T) {
		repo := newEarningsRepoStub()
		repo.drivers[tripID] = driverID
		repo.creditErr = store.ErrStepAlreadyDone
		handler := NewHandler(repo, 80)

		if !handler.HandlePaymentProcessed(newBody(t)) {
			t.Fatal("expected replay to be acked without a second credit")
		}
		if len(repo.credited) != 0 {
			t.Fatalf("expected no credit on replay, got %v", repo.credited)
		}
	})

	t.Run("drops malformed body", func(t *testing.T) {
		handler := NewHandler(newEarningsRepoStub(), 80)
		if !handler.HandlePaymentProcessed([]byte("{nope")) {
			t.Fatal("expected malformed delivery to be acked to drop")
		}
	})
}
