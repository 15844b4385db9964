/**
 * @description
 * This package is the pricing participant of the trip-completion saga. It
 * consumes TripCompleted, computes the fare from the trip's route, and emits
 * FareCalculated from its own transactional outbox.
 *
 * @notes
 * - The fare formula itself is an external concern; the reference calculator
 *   here is a base fare plus a per-kilometer rate with a minimum, computed in
 *   decimal and rounded to minor currency units.
 */

package pricing

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/swiftride/trip-platform/internal/domain"
)

// Calculator prices a route. Rates are decimal to keep the arithmetic exact;
// the result is rounded to minor units (e.g. cents) once, at the end.
type Calculator struct {
	Currency    string
	BaseFare    decimal.Decimal // minor units
	RatePerKm   decimal.Decimal // minor units per km
	MinimumFare decimal.Decimal // minor units
}

// NewCalculator builds a calculator from minor-unit amounts.
func NewCalculator(currency string, baseFare, ratePerKm, minimumFare int64) Calculator {
	return Calculator{
		Currency:    currency,
		BaseFare:    decimal.NewFromInt(baseFare),
		RatePerKm:   decimal.NewFromInt(ratePerKm),
		MinimumFare: decimal.NewFromInt(minimumFare),
	}
}

// Fare computes the fare in minor units for a route distance in meters.
func (c Calculator) Fare(distanceM float64) int64 {
	km := decimal.NewFromFloat(distanceM / 1000.0)
	fare := c.BaseFare.Add(c.RatePerKm.Mul(km)).Round(0)
	if fare.LessThan(c.MinimumFare) {
		fare = c.MinimumFare
	}
	return fare.IntPart()
}

const earthRadiusM = 6371000.0

// HaversineM returns the great-circle distance between two coordinates in
// meters.
func HaversineM(a, b domain.Coord) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(h))
}
