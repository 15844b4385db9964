/**
 * @description
 * This file implements the matching engine: the time-bounded search that pairs
 * a requested trip with a driver. The engine runs expanding-radius rounds
 * against the geospatial candidate index, issues concurrent time-bounded
 * offers, and resolves the first acceptance into the MATCHING -> ACCEPTED
 * transition under the trip's optimistic version check.
 *
 * @notes
 * - A round suspends on a select between the acceptance signal and the round
 *   timer, never a busy loop.
 * - Two near-simultaneous acceptances are broken by the version check: the
 *   loser's ErrConcurrentModification is reinterpreted as "offer superseded"
 *   and is not retried.
 * - A cancellation racing a round is honored because the engine re-reads the
 *   trip before every round and every acceptance re-validates MATCHING state.
 */

package match

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/swiftride/trip-platform/internal/domain"
	"github.com/swiftride/trip-platform/pkg/geoindex"
)

// TripStore is the slice of the trip repository the engine needs.
type TripStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Trip, error)
	Update(ctx context.Context, trip *domain.Trip, expectedVersion int64, events ...domain.Envelope) error
}

// OfferStore is the slice of the offer repository the engine needs.
type OfferStore interface {
	CreateBatch(ctx context.Context, offers []*domain.DriverOffer) error
	Get(ctx context.Context, id uuid.UUID) (*domain.DriverOffer, error)
	ResolveAccepted(ctx context.Context, offerID uuid.UUID) error
	MarkRejected(ctx context.Context, offerID uuid.UUID) error
	ExpireOpenForTrip(ctx context.Context, tripID uuid.UUID) (int, error)
}

// OfferNotifier dispatches an offer toward the driver-notification boundary.
// Dispatch is fire-and-forget: a notification failure only costs that driver
// the chance to accept.
type OfferNotifier interface {
	NotifyOffer(ctx context.Context, trip *domain.Trip, offer *domain.DriverOffer) error
}

// Round is one radius expansion step of the search.
type Round struct {
	RadiusM       float64
	MaxCandidates int
}

// Policy configures the search: the radius rounds and the per-offer TTL. The
// number of expansions is policy, not a hardcoded constant.
type Policy struct {
	Rounds   []Round
	OfferTTL time.Duration
}

// DefaultPolicy is the production search: 5 candidates within 2 km, then one
// expansion to 5 km, 15 second offers.
func DefaultPolicy() Policy {
	return Policy{
		Rounds: []Round{
			{RadiusM: 2000, MaxCandidates: 5},
			{RadiusM: 5000, MaxCandidates: 5},
		},
		OfferTTL: 15 * time.Second,
	}
}

// Engine runs matching rounds for trips in REQUESTED state.
type Engine struct {
	trips    TripStore
	offers   OfferStore
	index    geoindex.Index
	notifier OfferNotifier
	policy   Policy

	mu          sync.Mutex
	resolutions map[uuid.UUID]chan uuid.UUID
}

// NewEngine creates a matching engine.
func NewEngine(trips TripStore, offers OfferStore, index geoindex.Index, notifier OfferNotifier, policy Policy) *Engine {
	if len(policy.Rounds) == 0 {
		policy = DefaultPolicy()
	}
	if policy.OfferTTL <= 0 {
		policy.OfferTTL = 15 * time.Second
	}
	return &Engine{
		trips:       trips,
		offers:      offers,
		index:       index,
		notifier:    notifier,
		policy:      policy,
		resolutions: make(map[uuid.UUID]chan uuid.UUID),
	}
}

// Run executes the full search for one trip. It returns nil both on a match
// and on MATCH_FAILED; only infrastructure faults surface as errors, leaving
// the trip in its last committed state.
func (e *Engine) Run(ctx context.Context, tripID uuid.UUID) error {
	trip, err := e.trips.Get(ctx, tripID)
	if err != nil {
		return err
	}
	if trip.Status != domain.StatusRequested {
		return fmt.Errorf("%w: matching requires REQUESTED, trip %s is %s", domain.ErrInvalidTransition, tripID, trip.Status)
	}

	expected := trip.Version
	if err := trip.TransitionTo(domain.StatusMatching); err != nil {
		return err
	}
	if err := e.trips.Update(ctx, trip, expected); err != nil {
		return err
	}

	accepted := e.register(tripID)
	defer e.unregister(tripID)

	for _, round := range e.policy.Rounds {
		trip, err = e.trips.Get(ctx, tripID)
		if err != nil {
			return err
		}
		if trip.Status != domain.StatusMatching {
			// Cancelled or already accepted while we were between rounds.
			return nil
		}

		candidates, err := e.index.FindNearby(ctx, trip.Origin, round.RadiusM, round.MaxCandidates)
		if err != nil {
			return fmt.Errorf("matching round lookup (radius %.0fm): %w", round.RadiusM, err)
		}
		if len(candidates) == 0 {
			log.Printf("level=info component=matching msg=\"round empty\" trip_id=%s radius_m=%.0f", tripID, round.RadiusM)
			continue
		}

		done, err := e.runRound(ctx, trip, round, candidates, accepted)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	return e.failMatch(ctx, tripID)
}

// runRound issues offers to every candidate concurrently and waits for the
// first acceptance or the round deadline. It reports done=true when matching
// is finished (accepted, cancelled, or context gone).
func (e *Engine) runRound(ctx context.Context, trip *domain.Trip, round Round, candidates []geoindex.Candidate, accepted <-chan uuid.UUID) (bool, error) {
	offers := make([]*domain.DriverOffer, 0, len(candidates))
	for _, c := range candidates {
		offers = append(offers, domain.NewDriverOffer(trip.ID, c.DriverID, round.RadiusM, c.DistanceM, e.policy.OfferTTL))
	}
	if err := e.offers.CreateBatch(ctx, offers); err != nil {
		return false, fmt.Errorf("create offers: %w", err)
	}

	var wg conc.WaitGroup
	for _, offer := range offers {
		offer := offer
		wg.Go(func() {
			if err := e.notifier.NotifyOffer(ctx, trip, offer); err != nil {
				log.Printf("level=warn component=matching msg=\"offer dispatch failed\" trip_id=%s driver_id=%s err=%v", trip.ID, offer.DriverID, err)
			}
		})
	}
	wg.Wait()

	timer := time.NewTimer(e.policy.OfferTTL)
	defer timer.Stop()

	select {
	case driverID := <-accepted:
		log.Printf("level=info component=matching msg=\"driver accepted\" trip_id=%s driver_id=%s radius_m=%.0f", trip.ID, driverID, round.RadiusM)
		return true, nil
	case <-timer.C:
		if _, err := e.offers.ExpireOpenForTrip(ctx, trip.ID); err != nil {
			log.Printf("level=warn component=matching msg=\"expire round offers failed\" trip_id=%s err=%v", trip.ID, err)
		}
		current, err := e.trips.Get(ctx, trip.ID)
		if err != nil {
			return false, err
		}
		// A late acceptance can land between the timer firing and this read.
		return current.Status != domain.StatusMatching, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// Accept resolves a driver's acceptance of an offer. The first acceptance to
// win the trip's version check assigns the driver; all other open offers for
// the trip are expired. A losing or late acceptance returns ErrOfferSuperseded.
func (e *Engine) Accept(ctx context.Context, offerID uuid.UUID) (*domain.Trip, error) {
	offer, err := e.offers.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if !offer.Open(time.Now().UTC()) {
		return nil, domain.ErrOfferSuperseded
	}

	trip, err := e.trips.Get(ctx, offer.TripID)
	if err != nil {
		return nil, err
	}
	if trip.Status != domain.StatusMatching {
		return nil, domain.ErrOfferSuperseded
	}

	expected := trip.Version
	if err := trip.AssignDriver(offer.DriverID); err != nil {
		return nil, err
	}

	matched, err := domain.NewEnvelope(domain.EventTripMatched, domain.AggregateTrip, trip.ID, domain.TripMatchedEvent{
		TripID:   trip.ID,
		DriverID: offer.DriverID,
	})
	if err != nil {
		return nil, err
	}
	lifecycle, err := domain.NewEnvelope(domain.EventTripAccepted, domain.AggregateTrip, trip.ID, domain.TripLifecycleEvent{
		TripID:     trip.ID,
		DriverID:   trip.DriverID,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	if err := e.trips.Update(ctx, trip, expected, matched, lifecycle); err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			// Another acceptance (or a cancellation) won the race first.
			return nil, domain.ErrOfferSuperseded
		}
		return nil, err
	}

	if err := e.offers.ResolveAccepted(ctx, offerID); err != nil && !errors.Is(err, domain.ErrOfferSuperseded) {
		log.Printf("level=warn component=matching msg=\"offer resolution bookkeeping failed\" offer_id=%s err=%v", offerID, err)
	}

	e.signal(trip.ID, offer.DriverID)
	return trip, nil
}

// Reject records a driver's rejection. The round keeps waiting on its other
// offers; rejection never advances the trip state.
func (e *Engine) Reject(ctx context.Context, offerID uuid.UUID) error {
	return e.offers.MarkRejected(ctx, offerID)
}

// failMatch transitions the trip to MATCH_FAILED and emits the terminal event
// so the customer-facing boundary can notify the requester. Matching is not
// retried for this aggregate; a fresh request is a new trip.
func (e *Engine) failMatch(ctx context.Context, tripID uuid.UUID) error {
	trip, err := e.trips.Get(ctx, tripID)
	if err != nil {
		return err
	}
	if trip.Status != domain.StatusMatching {
		return nil
	}

	expected := trip.Version
	if err := trip.TransitionTo(domain.StatusMatchFailed); err != nil {
		return err
	}
	env, err := domain.NewEnvelope(domain.EventMatchFailed, domain.AggregateTrip, trip.ID, domain.MatchFailedEvent{
		TripID: trip.ID,
		Reason: "no driver accepted within the search radii",
	})
	if err != nil {
		return err
	}
	if err := e.trips.Update(ctx, trip, expected, env); err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			// A very late acceptance or cancellation beat us; their state wins.
			return nil
		}
		return err
	}
	log.Printf("level=info component=matching msg=\"match failed\" trip_id=%s", tripID)
	return nil
}

func (e *Engine) register(tripID uuid.UUID) chan uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan uuid.UUID, 1)
	e.resolutions[tripID] = ch
	return ch
}

func (e *Engine) unregister(tripID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.resolutions, tripID)
}

func (e *Engine) signal(tripID, driverID uuid.UUID) {
	e.mu.Lock()
	ch, ok := e.resolutions[tripID]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- driverID:
	default:
	}
}
