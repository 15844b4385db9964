package pricing

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/swiftride/trip-platform/internal/domain"
	"github.com/swiftride/trip-platform/internal/store"
)

// Route is the pricing service's read-only projection of a trip's endpoints,
// built from TripRequested events. Pricing never writes back into the Trip
// aggregate.
type Route struct {
	TripID      uuid.UUID
	Origin      domain.Coord
	Destination domain.Coord
}

// Repository is the pricing participant's persistence contract.
type Repository interface {
	UpsertRoute(ctx context.Context, route Route) error
	GetRoute(ctx context.Context, tripID uuid.UUID) (*Route, error)

	// SaveFare persists the fare, the saga-step record, and the FareCalculated
	// outbox entry in one transaction. A replayed trigger returns
	// store.ErrStepAlreadyDone without side effects.
	SaveFare(ctx context.Context, tripID uuid.UUID, amount int64, currency string, distanceM float64, stepEventID uuid.UUID, event domain.Envelope) error
}

// PostgresRepository is the pgx-backed Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates the pricing repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) UpsertRoute(ctx context.Context, route Route) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO trip_routes (trip_id, origin_lat, origin_lng, dest_lat, dest_lng)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (trip_id) DO NOTHING
	`, route.TripID, route.Origin.Lat, route.Origin.Lng, route.Destination.Lat, route.Destination.Lng)
	return err
}

func (r *PostgresRepository) GetRoute(ctx context.Context, tripID uuid.UUID) (*Route, error) {
	var route Route
	route.TripID = tripID
	err := r.db.QueryRow(ctx, `
		SELECT origin_lat, origin_lng, dest_lat, dest_lng
		FROM trip_routes WHERE trip_id = $1
	`, tripID).Scan(&route.Origin.Lat, &route.Origin.Lng, &route.Destination.Lat, &route.Destination.Lng)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &route, nil
}

func (r *PostgresRepository) SaveFare(ctx context.Context, tripID uuid.UUID, amount int64, currency string, distanceM float64, stepEventID uuid.UUID, event domain.Envelope) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := store.InsertSagaStepTx(ctx, tx, tripID, StepFareCalculated, stepEventID); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO fares (trip_id, amount, currency, distance_m, calculated_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, tripID, amount, currency, distanceM)
	if err != nil {
		return err
	}

	if err := store.EnqueueEventTx(ctx, tx, event, domain.EventsExchange, event.EventType); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
