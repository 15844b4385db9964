package domain

import (
	"time"

	"github.com/google/uuid"
)

// OfferOutcome enumerates the resolution states of a driver offer.
type OfferOutcome string

const (
	OfferPending  OfferOutcome = "PENDING"
	OfferAccepted OfferOutcome = "ACCEPTED"
	OfferRejected OfferOutcome = "REJECTED"
	OfferExpired  OfferOutcome = "EXPIRED"
)

// DriverOffer is the ephemeral record of one candidate in one matching round.
// Offers are kept after resolution only as an audit trail; once a trip reaches
// ACCEPTED every other open offer for it is expired.
type DriverOffer struct {
	ID        uuid.UUID    `json:"id"`
	TripID    uuid.UUID    `json:"trip_id"`
	DriverID  uuid.UUID    `json:"driver_id"`
	RadiusM   float64      `json:"radius_m"`
	DistanceM float64      `json:"distance_m"`
	IssuedAt  time.Time    `json:"issued_at"`
	ExpiresAt time.Time    `json:"expires_at"`
	Outcome   OfferOutcome `json:"outcome"`
}

// NewDriverOffer issues an offer that expires after ttl.
func NewDriverOffer(tripID, driverID uuid.UUID, radiusM, distanceM float64, ttl time.Duration) *DriverOffer {
	now := time.Now().UTC()
	return &DriverOffer{
		ID:        uuid.New(),
		TripID:    tripID,
		DriverID:  driverID,
		RadiusM:   radiusM,
		DistanceM: distanceM,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		Outcome:   OfferPending,
	}
}

// Open reports whether the offer can still be accepted at the given instant.
func (o *DriverOffer) Open(at time.Time) bool {
	return o.Outcome == OfferPending && at.Before(o.ExpiresAt)
}
