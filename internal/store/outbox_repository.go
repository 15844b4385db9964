package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/swiftride/trip-platform/internal/outbox"
)

// PostgresOutboxRepository is the pgx-backed outbox.Store. Every service in
// the platform drains its own event_outbox table through this repository.
type PostgresOutboxRepository struct {
	db *pgxpool.Pool
}

// NewPostgresOutboxRepository creates an outbox repository over the given pool.
func NewPostgresOutboxRepository(db *pgxpool.Pool) *PostgresOutboxRepository {
	return &PostgresOutboxRepository{db: db}
}

// claimPublishableSQL claims due entries in creation order. The NOT EXISTS
// guard blocks an entry while ANY earlier-created entry for the same aggregate
// is still unpublished (pending or processing), not just ones currently
// mid-flight or parked. Several relays drain this table concurrently, and a
// sibling another relay has claimed under FOR UPDATE SKIP LOCKED may still
// show as ready-pending in this transaction's snapshot; a timing-qualified
// guard would let a second relay jump the queue and publish out of order.
// Dead-lettered and published siblings do not block. Entries stuck in
// processing longer than staleAfterSeconds (a crashed relay) are reclaimed.
const claimPublishableSQL = `
	WITH candidates AS (
		SELECT o.id
		FROM event_outbox o
		WHERE (
			(o.status = 'pending' AND o.next_attempt_at <= NOW())
			OR (o.status = 'processing' AND o.processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
		)
		AND NOT EXISTS (
			SELECT 1 FROM event_outbox prior
			WHERE prior.aggregate_id = o.aggregate_id
				AND prior.id < o.id
				AND prior.status IN ('pending', 'processing')
		)
		ORDER BY o.id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE event_outbox AS o
	SET status = 'processing',
		processing_started_at = NOW(),
		attempts = o.attempts + 1
	FROM candidates
	WHERE o.id = candidates.id
	RETURNING o.id, o.aggregate_type, o.aggregate_id, o.event_id, o.event_type,
		o.exchange, o.routing_key, o.payload::text, o.attempts
`

// ClaimPublishable claims up to limit entries in creation order, skipping any
// entry whose aggregate still has an earlier unpublished entry. See
// claimPublishableSQL for why the sibling guard must not be timing-qualified.
func (r *PostgresOutboxRepository) ClaimPublishable(ctx context.Context, limit int, staleAfterSeconds int) ([]outbox.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	rows, err := r.db.Query(ctx, claimPublishableSQL, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]outbox.Entry, 0, limit)
	for rows.Next() {
		var (
			entry       outbox.Entry
			payloadText string
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.AggregateType,
			&entry.AggregateID,
			&entry.EventID,
			&entry.EventType,
			&entry.Exchange,
			&entry.RoutingKey,
			&payloadText,
			&entry.Attempts,
		); err != nil {
			return nil, err
		}
		entry.Payload = []byte(payloadText)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *PostgresOutboxRepository) MarkPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (r *PostgresOutboxRepository) Release(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	return err
}

// ReleaseHeld undoes a claim for an entry that was never attempted because an
// earlier sibling failed first; the attempt counter is rolled back so holds do
// not push the entry toward the dead-letter cap.
func (r *PostgresOutboxRepository) ReleaseHeld(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending',
			next_attempt_at = NOW(),
			processing_started_at = NULL,
			attempts = GREATEST(attempts - 1, 0)
		WHERE id = $1
	`, id)
	return err
}

func (r *PostgresOutboxRepository) MarkDeadLetter(ctx context.Context, id int64, reason string) error {
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'dead_letter',
			processing_started_at = NULL,
			last_error = $2
		WHERE id = $1
	`, id, reason)
	return err
}

// DeadLetter is an operator-facing view of a dead-lettered outbox entry.
type DeadLetter struct {
	ID          int64     `json:"id"`
	AggregateID string    `json:"aggregate_id"`
	EventType   string    `json:"event_type"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error"`
	CreatedAt   time.Time `json:"created_at"`
}

// ListDeadLetters returns dead-lettered entries for the operator endpoint.
func (r *PostgresOutboxRepository) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, aggregate_id::text, event_type, attempts, COALESCE(last_error, ''), created_at
		FROM event_outbox
		WHERE status = 'dead_letter'
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	letters := make([]DeadLetter, 0, limit)
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.ID, &dl.AggregateID, &dl.EventType, &dl.Attempts, &dl.LastError, &dl.CreatedAt); err != nil {
			return nil, err
		}
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}
