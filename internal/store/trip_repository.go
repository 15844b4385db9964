package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/swiftride/trip-platform/internal/domain"
)

// PostgresTripRepository is the pgx-backed TripRepository.
type PostgresTripRepository struct {
	db *pgxpool.Pool
}

// NewPostgresTripRepository creates a trip repository over the given pool.
func NewPostgresTripRepository(db *pgxpool.Pool) *PostgresTripRepository {
	return &PostgresTripRepository{db: db}
}

const tripColumns = `
	id, customer_id, driver_id, origin_lat, origin_lng, dest_lat, dest_lng,
	status, fare_amount, fare_currency, payment_failed, payment_failure_reason,
	version, created_at, updated_at`

func (r *PostgresTripRepository) Create(ctx context.Context, trip *domain.Trip, events ...domain.Envelope) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO trips (id, customer_id, driver_id, origin_lat, origin_lng, dest_lat, dest_lng,
			status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		trip.ID,
		trip.CustomerID,
		trip.DriverID,
		trip.Origin.Lat,
		trip.Origin.Lng,
		trip.Destination.Lat,
		trip.Destination.Lng,
		trip.Status,
		trip.Version,
		trip.CreatedAt,
		trip.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trip: %w", err)
	}

	for _, env := range events {
		if err := EnqueueEventTx(ctx, tx, env, domain.EventsExchange, env.EventType); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (r *PostgresTripRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Trip, error) {
	row := r.db.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id)
	return scanTrip(row)
}

func (r *PostgresTripRepository) Update(ctx context.Context, trip *domain.Trip, expectedVersion int64, events ...domain.Envelope) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := r.updateTx(ctx, tx, trip, expectedVersion, events...); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresTripRepository) UpdateWithStep(ctx context.Context, trip *domain.Trip, expectedVersion int64, stepName string, eventID uuid.UUID, events ...domain.Envelope) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := InsertSagaStepTx(ctx, tx, trip.ID, stepName, eventID); err != nil {
		return err
	}
	if err := r.updateTx(ctx, tx, trip, expectedVersion, events...); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// updateTx applies the optimistic-concurrency write. Zero rows affected means
// either the trip vanished or another writer advanced the version; the
// follow-up existence check disambiguates the two.
func (r *PostgresTripRepository) updateTx(ctx context.Context, tx pgx.Tx, trip *domain.Trip, expectedVersion int64, events ...domain.Envelope) error {
	tag, err := tx.Exec(ctx, `
		UPDATE trips
		SET driver_id = $1,
			status = $2,
			fare_amount = $3,
			fare_currency = $4,
			payment_failed = $5,
			payment_failure_reason = $6,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $7 AND version = $8
	`,
		trip.DriverID,
		trip.Status,
		trip.FareAmount,
		trip.FareCurrency,
		trip.PaymentFailed,
		trip.PaymentFailureReason,
		trip.ID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update trip: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM trips WHERE id = $1)`, trip.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrTripNotFound
		}
		return domain.ErrConcurrentModification
	}

	trip.Version = expectedVersion + 1
	for _, env := range events {
		if err := EnqueueEventTx(ctx, tx, env, domain.EventsExchange, env.EventType); err != nil {
			return err
		}
	}
	return nil
}

func scanTrip(row pgx.Row) (*domain.Trip, error) {
	var trip domain.Trip
	err := row.Scan(
		&trip.ID,
		&trip.CustomerID,
		&trip.DriverID,
		&trip.Origin.Lat,
		&trip.Origin.Lng,
		&trip.Destination.Lat,
		&trip.Destination.Lng,
		&trip.Status,
		&trip.FareAmount,
		&trip.FareCurrency,
		&trip.PaymentFailed,
		&trip.PaymentFailureReason,
		&trip.Version,
		&trip.CreatedAt,
		&trip.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrTripNotFound
		}
		return nil, err
	}
	return &trip, nil
}
