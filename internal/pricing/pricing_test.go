package pricing

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/swiftride/trip-platform/internal/domain"
	"github.com/swiftride/trip-platform/internal/store"
)

func TestCalculatorFare(t *testing.T) {
	// USD cents: $2.50 base, $1.20 per km, $5.00 minimum.
	calc := NewCalculator("USD", 250, 120, 500)

	tests := []struct {
		name      string
		distanceM float64
		want      int64
	}{
		{name: "short hop hits the minimum", distanceM: 800, want: 500},
		{name: "exact kilometers", distanceM: 5000, want: 850},
		{name: "fractional kilometers round once at the end", distanceM: 8300, want: 1246},
		{name: "zero distance charges the minimum", distanceM: 0, want: 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := calc.Fare(tt.distanceM); got != tt.want {
				t.Fatalf("Fare(%.0f) = %d, want %d", tt.distanceM, got, tt.want)
			}
		})
	}
}

func TestHaversineM(t *testing.T) {
	tests := []struct {
		name      string
		a, b      domain.Coord
		wantM     float64
		tolerance float64
	}{
		{
			name:      "zero distance",
			a:         domain.Coord{Lat: 48.8566, Lng: 2.3522},
			b:         domain.Coord{Lat: 48.8566, Lng: 2.3522},
			wantM:     0,
			tolerance: 0.001,
		},
		{
			name:      "paris to london",
			a:         domain.Coord{Lat: 48.8566, Lng: 2.3522},
			b:         domain.Coord{Lat: 51.5074, Lng: -0.1278},
			wantM:     343500,
			tolerance: 1500,
		},
		{
			name:      "one degree of latitude",
			a:         domain.Coord{Lat: 0, Lng: 0},
			b:         domain.Coord{Lat: 1, Lng: 0},
			wantM:     111195,
			tolerance: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HaversineM(tt.a, tt.b)
			if math.Abs(got-tt.wantM) > tt.tolerance {
				t.Fatalf("HaversineM() = %.0f, want %.0f (±%.0f)", got, tt.wantM, tt.tolerance)
			}
		})
	}
}

type pricingRepoStub struct {
	mu     sync.Mutex
	routes map[uuid.UUID]Route

	saveErr    error
	savedFares []int64
	savedEvent *domain.Envelope
}

func newPricingRepoStub() *pricingRepoStub {
	return &pricingRepoStub{routes: make(map[uuid.UUID]Route)}
}

func (s *pricingRepoStub) UpsertRoute(_ context.Context, route Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.routes[route.TripID]; !exists {
		s.routes[route.TripID] = route
	}
	return nil
}

func (s *pricingRepoStub) GetRoute(_ context.Context, tripID uuid.UUID) (*Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	route, ok := s.routes[tripID]
	if !ok {
		return nil, nil
	}
	return &route, nil
}

func (s *pricingRepoStub) SaveFare(_ context.Context, _ uuid.UUID, amount int64, _ string, _ float64, _ uuid.UUID, event domain.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.savedFares = append(s.savedFares, amount)
	s.savedEvent = &event
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

func TestHandleTripRequestedBuildsProjection(t *testing.T) {
	repo := newPricingRepoStub()
	handler := NewHandler(repo, NewCalculator("USD", 250, 120, 500))
	tripID := uuid.New()

	body := eventBody(t, domain.EventTripRequested, tripID, domain.TripRequestedEvent{
		TripID:      tripID,
		CustomerID:  uuid.New(),
		Origin:      domain.Coord{Lat: 48.8566, Lng: 2.3522},
		Destination: domain.Coord{Lat: 48.8738, Lng: 2.295},
	})

	if !handler.HandleTripRequested(body) {
		t.Fatal("expected delivery to be acked")
	}
	route, err := repo.GetRoute(context.Background(), tripID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route == nil || route.Origin.Lat != 48.8566 {
		t.Fatalf("expected route projection, got %+v", route)
	}
}

func TestHandleTripCompleted(t *testing.T) {
	tripID := uuid.New()
	origin := domain.Coord{Lat: 48.8566, Lng: 2.3522}
	destination := domain.Coord{Lat: 48.8738, Lng: 2.295}

	newBody := func(t *testing.T) []byte {
		return eventBody(t, domain.EventTripCompleted, tripID, domain.TripLifecycleEvent{
			TripID:     tripID,
			OccurredAt: time.Now().UTC(),
		})
	}

	t.Run("computes fare from the projected route", func(t *testing.T) {
		repo := newPricingRepoStub()
		repo.routes[tripID] = Route{TripID: tripID, Origin: origin, Destination: destination}
		calc := NewCalculator("USD", 250, 120, 500)
		handler := NewHandler(repo, calc)

		if !handler.HandleTripCompleted(newBody(t)) {
			t.Fatal("expected delivery to be acked")
		}
		if len(repo.savedFares) != 1 {
			t.Fatalf("expected one fare saved, got %d", len(repo.savedFares))
		}
		want := calc.Fare(HaversineM(origin, destination))
		if repo.savedFares[0] != want {
			t.Fatalf("expected fare %d, got %d", want, repo.savedFares[0])
		}
		if repo.savedEvent == nil || repo.savedEvent.EventType != domain.EventFareCalculated {
			t.Fatalf("expected %s outbox event, got %+v", domain.EventFareCalculated, repo.savedEvent)
		}
	})

	t.Run("requeues when the projection is missing", func(t *testing.T) {
		repo := newPricingRepoStub()
		handler := NewHandler(repo, NewCalculator("USD", 250, 120, 500))

		if handler.HandleTripCompleted(newBody(t)) {
			t.Fatal("expected delivery to be requeued until the projection catches up")
		}
	})

	t.Run("suppresses replayed completion", func(t *testing.T) {
		repo := newPricingRepoStub()
		repo.routes[tripID] = Route{TripID: tripID, Origin: origin, Destination: destination}
		repo.saveErr = store.ErrStepAlreadyDone
		handler := NewHandler(repo, NewCalculator("USD", 250, 120, 500))

		if !handler.HandleTripCompleted(newBody(t)) {
			t.Fatal("expected replay to be acked without side effects")
		}
		if len(repo.savedFares) != 0 {
			t.Fatalf("expected no fare written on replay, got %v", repo.savedFares)
		}
	})

	t.Run("drops malformed body", func(t *testing.T) {
		handler := NewHandler(newPricingRepoStub(), NewCalculator("USD", 250, 120, 500))
		if !handler.HandleTripCompleted([]byte("{nope")) {
			t.Fatal("expected malformed delivery to be acked to drop")
		}
	})
}
