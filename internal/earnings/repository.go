/**
 * @description
 * This package is the driver-earnings participant of the trip-completion
 * saga. It consumes PaymentProcessed, credits the driver's share of the fare,
 * and emits EarningsUpdated from its own outbox.
 *
 * @notes
 * - The assigned driver is known from the service's own projection of
 *   TripMatched events; earnings never reads the Trip aggregate directly.
 * - The unique constraint on driver_earnings.trip_id plus the saga-step
 *   insert make the credit single-execution per trip.
 */

package earnings

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/swiftride/trip-platform/internal/domain"
	"github.com/swiftride/trip-platform/internal/store"
)

// Repository is the earnings participant's persistence contract.
type Repository interface {
	UpsertTripDriver(ctx context.Context, tripID, driverID uuid.UUID) error
	GetTripDriver(ctx context.Context, tripID uuid.UUID) (*uuid.UUID, error)

	// Credit inserts the earning, bumps the driver's balance, records the
	// saga step, and enqueues EarningsUpdated in one transaction. A replayed
	// trigger returns store.ErrStepAlreadyDone without double-crediting.
	Credit(ctx context.Context, tripID, driverID uuid.UUID, amount int64, currency string, stepEventID uuid.UUID, event domain.Envelope) error
}

// PostgresRepository is the pgx-backed Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates the earnings repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) UpsertTripDriver(ctx context.Context, tripID, driverID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO trip_drivers (trip_id, driver_id)
		VALUES ($1, $2)
		ON CONFLICT (trip_id) DO UPDATE SET driver_id = EXCLUDED.driver_id
	`, tripID, driverID)
	return err
}

func (r *PostgresRepository) GetTripDriver(ctx context.Context, tripID uuid.UUID) (*uuid.UUID, error) {
	var driverID uuid.UUID
	err := r.db.QueryRow(ctx, `SELECT driver_id FROM trip_drivers WHERE trip_id = $1`, tripID).Scan(&driverID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &driverID, nil
}

func (r *PostgresRepository) Credit(ctx context.Context, tripID, driverID uuid.UUID, amount int64, currency string, stepEventID uuid.UUID, event domain.Envelope) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := store.InsertSagaStepTx(ctx, tx, tripID, StepCredit, stepEventID); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO driver_earnings (driver_id, trip_id, amount, currency, credited_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, driverID, tripID, amount, currency)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO driver_balances (driver_id, balance)
		VALUES ($1, $2)
		ON CONFLICT (driver_id) DO UPDATE SET balance = driver_balances.balance + EXCLUDED.balance
	`, driverID, amount)
	if err != nil {
		return err
	}

	if err := store.EnqueueEventTx(ctx, tx, event, domain.EventsExchange, event.EventType); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
