/**
 * @description
 * This package is the client for the geospatial candidate index: the read-only
 * query interface the matching engine uses to find nearby available drivers.
 * The index itself is owned by the location boundary; this client queries the
 * Redis GEO set it maintains and applies the position-staleness bound.
 *
 * @notes
 * - Positions older than the configured staleness window are excluded from
 *   results even if Redis still holds them.
 * - Lookup failures are retried with exponential backoff a bounded number of
 *   times at this boundary; a persistent failure surfaces to the caller.
 */

package geoindex

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/swiftride/trip-platform/internal/domain"
)

// Candidate is one nearby driver returned by the index.
type Candidate struct {
	DriverID  uuid.UUID
	DistanceM float64
}

// Index answers "k nearest available drivers within radius" queries. Results
// are ordered by ascending distance and may be empty.
type Index interface {
	FindNearby(ctx context.Context, origin domain.Coord, radiusM float64, limit int) ([]Candidate, error)
}

const (
	driverGeoKey      = "drivers:positions"
	driverLastSeenKey = "drivers:last_seen"

	defaultStaleness  = 5 * time.Minute
	maxLookupAttempts = 3
	maxLookupElapsed  = 2 * time.Second
)

type retryDelays interface {
	NextBackOff() time.Duration
}

// retryLookup runs fn up to attempts times, waiting out the next backoff
// interval between failures. No delay follows the final attempt; the last
// error is returned as-is. Cancellation during a delay wins over retrying.
func retryLookup(ctx context.Context, delays retryDelays, attempts int, fn func() error) error {
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delays.NextBackOff()):
		}
	}
	return err
}

// RedisIndex implements Index over a Redis GEO set, plus the write path used
// by the location-ingestion boundary and by tests.
type RedisIndex struct {
	client    redis.UniversalClient
	staleness time.Duration
}

// NewRedisIndex creates an index client. A non-positive staleness window falls
// back to the 5 minute default.
func NewRedisIndex(client redis.UniversalClient, staleness time.Duration) *RedisIndex {
	if staleness <= 0 {
		staleness = defaultStaleness
	}
	return &RedisIndex{client: client, staleness: staleness}
}

// FindNearby queries the GEO set for up to limit drivers within radiusM meters
// of origin, dropping entries whose position is older than the staleness
// window. Transient lookup errors are retried a bounded number of times.
func (idx *RedisIndex) FindNearby(ctx context.Context, origin domain.Coord, radiusM float64, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = 5
	}

	// The matching engine runs lookups on its round cadence; a Redis outage
	// must surface within the deadline rather than stall the round.
	lookupCtx, cancel := context.WithTimeout(ctx, maxLookupElapsed)
	defer cancel()

	var locations []redis.GeoLocation
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = 100 * time.Millisecond
	err := retryLookup(lookupCtx, backoffCfg, maxLookupAttempts, func() error {
		var lookupErr error
		locations, lookupErr = idx.client.GeoSearchLocation(lookupCtx, driverGeoKey, &redis.GeoSearchLocationQuery{
			GeoSearchQuery: redis.GeoSearchQuery{
				Longitude:  origin.Lng,
				Latitude:   origin.Lat,
				Radius:     radiusM,
				RadiusUnit: "m",
				Sort:       "ASC",
				Count:      limit,
			},
			WithDist: true,
		}).Result()
		return lookupErr
	})
	if err != nil {
		return nil, fmt.Errorf("geo index lookup: %w", err)
	}
	if len(locations) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(locations))
	for _, loc := range locations {
		names = append(names, loc.Name)
	}
	lastSeen, err := idx.client.HMGet(ctx, driverLastSeenKey, names...).Result()
	if err != nil {
		return nil, fmt.Errorf("geo index freshness lookup: %w", err)
	}

	cutoff := time.Now().Add(-idx.staleness).Unix()
	candidates := make([]Candidate, 0, len(locations))
	for i, loc := range locations {
		if !fresh(lastSeen[i], cutoff) {
			continue
		}
		driverID, parseErr := uuid.Parse(loc.Name)
		if parseErr != nil {
			continue
		}
		candidates = append(candidates, Candidate{DriverID: driverID, DistanceM: loc.Dist})
	}
	return candidates, nil
}

// UpdatePosition records a driver's current position and freshness timestamp.
func (idx *RedisIndex) UpdatePosition(ctx context.Context, driverID uuid.UUID, pos domain.Coord) error {
	pipe := idx.client.TxPipeline()
	pipe.GeoAdd(ctx, driverGeoKey, &redis.GeoLocation{
		Name:      driverID.String(),
		Longitude: pos.Lng,
		Latitude:  pos.Lat,
	})
	pipe.HSet(ctx, driverLastSeenKey, driverID.String(), time.Now().Unix())
	_, err := pipe.Exec(ctx)
	return err
}

// Remove takes a driver out of the index (went offline or was assigned).
func (idx *RedisIndex) Remove(ctx context.Context, driverID uuid.UUID) error {
	pipe := idx.client.TxPipeline()
	pipe.ZRem(ctx, driverGeoKey, driverID.String())
	pipe.HDel(ctx, driverLastSeenKey, driverID.String())
	_, err := pipe.Exec(ctx)
	return err
}

// ReapStale deletes drivers whose last position report predates the staleness
// window. It runs from the housekeeping cron, not the query path.
func (idx *RedisIndex) ReapStale(ctx context.Context) (int, error) {
	entries, err := idx.client.HGetAll(ctx, driverLastSeenKey).Result()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-idx.staleness).Unix()
	reaped := 0
	for name, raw := range entries {
		ts, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil || ts < cutoff {
			pipe := idx.client.TxPipeline()
			pipe.ZRem(ctx, driverGeoKey, name)
			pipe.HDel(ctx, driverLastSeenKey, name)
			if _, execErr := pipe.Exec(ctx); execErr == nil {
				reaped++
			}
		}
	}
	return reaped, nil
}

func fresh(raw interface{}, cutoff int64) bool {
	s, ok := raw.(string)
	if !ok {
		return false
	}
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return false
	}
	return ts >= cutoff
}
