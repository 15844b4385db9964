package payment

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/swiftride/trip-platform/internal/domain"
	"github.com/swiftride/trip-platform/internal/store"
)

// Payment statuses persisted in the payments table.
const (
	PaymentCaptured = "captured"
	PaymentDeclined = "declined"
)

// Record is one capture attempt's outcome.
type Record struct {
	TripID         uuid.UUID
	TransactionRef *string
	Amount         int64
	Currency       string
	Status         string
	Reason         *string
}

// Repository is the payment participant's persistence contract.
type Repository interface {
	// StepDone reports whether the capture step already ran for the trip. It
	// is consulted before calling the gateway so a redelivered trigger never
	// re-charges; the transactional insert in SaveOutcome remains the
	// authoritative guard.
	StepDone(ctx context.Context, tripID uuid.UUID) (bool, error)

	// SaveOutcome persists the capture outcome, the saga-step record, and the
	// resulting event (PaymentProcessed or PaymentFailed) atomically. A
	// replayed trigger returns store.ErrStepAlreadyDone without side effects.
	SaveOutcome(ctx context.Context, record Record, stepEventID uuid.UUID, event domain.Envelope) error
}

// PostgresRepository is the pgx-backed Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates the payment repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) StepDone(ctx context.Context, tripID uuid.UUID) (bool, error) {
	var done bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM saga_steps WHERE trip_id = $1 AND step_name = $2)
	`, tripID, StepCapture).Scan(&done)
	return done, err
}

func (r *PostgresRepository) SaveOutcome(ctx context.Context, record Record, stepEventID uuid.UUID, event domain.Envelope) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := store.InsertSagaStepTx(ctx, tx, record.TripID, StepCapture, stepEventID); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO payments (trip_id, transaction_ref, amount, currency, status, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, record.TripID, record.TransactionRef, record.Amount, record.Currency, record.Status, record.Reason)
	if err != nil {
		return err
	}

	if err := store.EnqueueEventTx(ctx, tx, event, domain.EventsExchange, event.EventType); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
