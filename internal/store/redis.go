package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/pnl-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Each cached position list is stored under a generation number that every
// commit bumps. A reader records the generation before loading from the
// primary and writes its result under that generation, so a load that
// raced a commit lands on a key nobody reads any more.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Transact(ctx context.Context, key model.Key, fn TxFunc) error {
	if err := s.primary.Transact(ctx, key, fn); err != nil {
		return err
	}
	// Retire the current generation; next read will re-populate.
	genKey := positionsGenKey(key.UserID, key.Mode)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		if s.ttl > 0 {
			// Outlives every entry written under an older generation.
			pipe.Expire(ctx, genKey, 2*s.ttl)
		}
		return nil
	})
	if err != nil {
		// The ledger committed; the cached list stays stale until its TTL.
		slog.Warn("position cache invalidation failed", "user", key.UserID, "mode", key.Mode, "err", err)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListPositions(ctx context.Context, userID string, mode model.Mode) ([]model.Position, error) {
	gen, err := s.rdb.Get(ctx, positionsGenKey(userID, mode)).Int64()
	if err != nil && err != redis.Nil {
		return s.primary.ListPositions(ctx, userID, mode)
	}
	cacheKey := positionsKey(userID, mode, gen)

	data, err := s.rdb.Get(ctx, cacheKey).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositions(ctx, userID, mode)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, cacheKey, data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

// GetLedgerState is not cached: the lot queue changes on every fill and
// hydration must see the committed state.
func (s *CachedStore) GetLedgerState(ctx context.Context, key model.Key) (LedgerState, error) {
	return s.primary.GetLedgerState(ctx, key)
}

func (s *CachedStore) GetFills(ctx context.Context, key model.Key) ([]model.Fill, error) {
	return s.primary.GetFills(ctx, key)
}

func (s *CachedStore) GetRealizedRecords(ctx context.Context, key model.Key) ([]model.RealizedPnLRecord, error) {
	return s.primary.GetRealizedRecords(ctx, key)
}

// RedisHistoryStore keeps each PnL series as one JSON document with a TTL,
// so an idle user's history expires on its own.
type RedisHistoryStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisHistoryStore creates a Redis-backed history store.
func NewRedisHistoryStore(rdb *redis.Client, ttl time.Duration) *RedisHistoryStore {
	return &RedisHistoryStore{rdb: rdb, ttl: ttl}
}

func (h *RedisHistoryStore) SaveHistory(ctx context.Context, userID string, mode model.Mode, points []model.PnLPoint) error {
	data, err := json.Marshal(points)
	if err != nil {
		return err
	}
	return h.rdb.Set(ctx, historyKey(userID, mode), data, h.ttl).Err()
}

func (h *RedisHistoryStore) LoadHistory(ctx context.Context, userID string, mode model.Mode) ([]model.PnLPoint, error) {
	data, err := h.rdb.Get(ctx, historyKey(userID, mode)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var points []model.PnLPoint
	if err := json.Unmarshal(data, &points); err != nil {
		return nil, err
	}
	return points, nil
}
