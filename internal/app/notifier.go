package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/swiftride/trip-platform/internal/domain"
	"github.com/swiftride/trip-platform/pkg/rabbitmq"
)

// Offers are ephemeral and fire-and-forget, so they bypass the outbox and
// publish straight to the driver-notification boundary.
const offerRoutingKey = "driver.offered"

// OfferNotice is the payload pushed toward the driver-notification boundary.
type OfferNotice struct {
	OfferID    uuid.UUID    `json:"offer_id"`
	TripID     uuid.UUID    `json:"trip_id"`
	DriverID   uuid.UUID    `json:"driver_id"`
	Origin     domain.Coord `json:"origin"`
	DistanceM  float64      `json:"distance_m"`
	ExpiresAt  time.Time    `json:"expires_at"`
	DispatchAt time.Time    `json:"dispatch_at"`
}

// BrokerOfferNotifier dispatches driver offers over RabbitMQ.
type BrokerOfferNotifier struct {
	publisher rabbitmq.Publisher
}

// NewBrokerOfferNotifier creates a notifier over the given publisher.
func NewBrokerOfferNotifier(publisher rabbitmq.Publisher) *BrokerOfferNotifier {
	return &BrokerOfferNotifier{publisher: publisher}
}

// NotifyOffer publishes one offer. Matching treats a failure as that driver
// missing the round, nothing more.
func (n *BrokerOfferNotifier) NotifyOffer(ctx context.Context, trip *domain.Trip, offer *domain.DriverOffer) error {
	notice := OfferNotice{
		OfferID:    offer.ID,
		TripID:     trip.ID,
		DriverID:   offer.DriverID,
		Origin:     trip.Origin,
		DistanceM:  offer.DistanceM,
		ExpiresAt:  offer.ExpiresAt,
		DispatchAt: time.Now().UTC(),
	}
	body, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	return n.publisher.Publish(ctx, domain.EventsExchange, offerRoutingKey, body, offer.ID.String())
}
