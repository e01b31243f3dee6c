package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/blureserve/seat-engine/reserve"
)

// SeatSource is what CachedCatalog reads through to.
type SeatSource interface {
	SeatExists(ctx context.Context, id reserve.SeatID) (bool, error)
	Seat(ctx context.Context, id reserve.SeatID) (reserve.Seat, error)
}

// CachedCatalog caches seat lookups in Redis. Seats are never deleted, so
// only hits are cached. Availability is never cached. Redis errors fall
// back to the source.
type CachedCatalog struct {
	source SeatSource
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	log    zerolog.Logger
}

const DefaultCacheTTL = 5 * time.Minute

func NewCachedCatalog(source SeatSource, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *CachedCatalog {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedCatalog{
		source: source,
		rdb:    rdb,
		ttl:    ttl,
		prefix: "blureserve:seat:",
		log:    log.With().Str("component", "seat_cache").Logger(),
	}
}

func (c *CachedCatalog) key(id reserve.SeatID) string { return c.prefix + string(id) }

func (c *CachedCatalog) SeatExists(ctx context.Context, id reserve.SeatID) (bool, error) {
	if _, ok := c.readCache(ctx, id); ok {
		return true, nil
	}
	seat, err := c.source.Seat(ctx, id)
	if reserve.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.writeCache(ctx, seat)
	return true, nil
}

func (c *CachedCatalog) Seat(ctx context.Context, id reserve.SeatID) (reserve.Seat, error) {
	if seat, ok := c.readCache(ctx, id); ok {
		return seat, nil
	}
	seat, err := c.source.Seat(ctx, id)
	if err != nil {
		return reserve.Seat{}, err
	}
	c.writeCache(ctx, seat)
	return seat, nil
}

// Invalidate drops a cached seat.
func (c *CachedCatalog) Invalidate(ctx context.Context, id reserve.SeatID) error {
	return c.rdb.Del(ctx, c.key(id)).Err()
}

type cachedSeat struct {
	ID     string `json:"id"`
	Number int    `json:"seat_number"`
}

func (c *CachedCatalog) readCache(ctx context.Context, id reserve.SeatID) (reserve.Seat, bool) {
	raw, err := c.rdb.Get(ctx, c.key(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn().Err(err).Str("seat_id", string(id)).Msg("seat cache read failed")
		}
		return reserve.Seat{}, false
	}
	var cs cachedSeat
	if err := json.Unmarshal(raw, &cs); err != nil {
		c.log.Warn().Err(err).Str("seat_id", string(id)).Msg("seat cache entry corrupt")
		return reserve.Seat{}, false
	}
	return reserve.Seat{ID: reserve.SeatID(cs.ID), Number: cs.Number}, true
}

func (c *CachedCatalog) writeCache(ctx context.Context, seat reserve.Seat) {
	raw, err := json.Marshal(cachedSeat{ID: string(seat.ID), Number: seat.Number})
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, c.key(seat.ID), raw, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("seat_id", string(seat.ID)).Msg("seat cache write failed")
	}
}
