package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/swiftride/trip-platform/internal/domain"
)

// ErrOfferNotFound indicates the offer does not exist.
var ErrOfferNotFound = errors.New("offer not found")

// PostgresOfferRepository is the pgx-backed OfferRepository.
type PostgresOfferRepository struct {
	db *pgxpool.Pool
}

// NewPostgresOfferRepository creates an offer repository over the given pool.
func NewPostgresOfferRepository(db *pgxpool.Pool) *PostgresOfferRepository {
	return &PostgresOfferRepository{db: db}
}

func (r *PostgresOfferRepository) CreateBatch(ctx context.Context, offers []*domain.DriverOffer) error {
	if len(offers) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, offer := range offers {
		batch.Queue(`
			INSERT INTO driver_offers (id, trip_id, driver_id, radius_m, distance_m, issued_at, expires_at, outcome)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, offer.ID, offer.TripID, offer.DriverID, offer.RadiusM, offer.DistanceM, offer.IssuedAt, offer.ExpiresAt, offer.Outcome)
	}
	results := r.db.SendBatch(ctx, batch)
	defer results.Close()
	for range offers {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert driver offer: %w", err)
		}
	}
	return nil
}

func (r *PostgresOfferRepository) Get(ctx context.Context, id uuid.UUID) (*domain.DriverOffer, error) {
	var offer domain.DriverOffer
	err := r.db.QueryRow(ctx, `
		SELECT id, trip_id, driver_id, radius_m, distance_m, issued_at, expires_at, outcome
		FROM driver_offers WHERE id = $1
	`, id).Scan(
		&offer.ID,
		&offer.TripID,
		&offer.DriverID,
		&offer.RadiusM,
		&offer.DistanceM,
		&offer.IssuedAt,
		&offer.ExpiresAt,
		&offer.Outcome,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrOfferNotFound
		}
		return nil, err
	}
	return &offer, nil
}

// ResolveAccepted closes the winning offer and expires its open siblings in a
// single transaction, even when their individual deadlines have not elapsed.
func (r *PostgresOfferRepository) ResolveAccepted(ctx context.Context, offerID uuid.UUID) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var tripID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE driver_offers SET outcome = 'ACCEPTED'
		WHERE id = $1 AND outcome = 'PENDING'
		RETURNING trip_id
	`, offerID).Scan(&tripID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ErrOfferSuperseded
		}
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE driver_offers SET outcome = 'EXPIRED'
		WHERE trip_id = $1 AND outcome = 'PENDING' AND id <> $2
	`, tripID, offerID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresOfferRepository) MarkRejected(ctx context.Context, offerID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE driver_offers SET outcome = 'REJECTED'
		WHERE id = $1 AND outcome = 'PENDING'
	`, offerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOfferSuperseded
	}
	return nil
}

func (r *PostgresOfferRepository) ExpireOpenForTrip(ctx context.Context, tripID uuid.UUID) (int, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE driver_offers SET outcome = 'EXPIRED'
		WHERE trip_id = $1 AND outcome = 'PENDING'
	`, tripID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresOfferRepository) SweepExpired(ctx context.Context) (int, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE driver_offers SET outcome = 'EXPIRED'
		WHERE outcome = 'PENDING' AND expires_at < NOW()
	`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
