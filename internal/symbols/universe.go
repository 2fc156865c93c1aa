// Package symbols provides the authoritative list of symbols that currently
// require streaming.
package symbols

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klinefleet/klinefleet/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Source yields the full desired symbol universe for one reconciliation pass.
type Source interface {
	ActiveSymbols(ctx context.Context) ([]string, error)
}

const universeCacheKey = "klinefleet:symbol_universe"

// UniverseSource reads the active symbol list from Postgres with a short-TTL
// Redis cache in front. The reconciler runs on an interval measured in
// minutes, so a cache TTL below that interval only smooths out bursts of
// manual reconciliations, it never hides universe changes for a full pass.
type UniverseSource struct {
	pool   store.DatabasePool
	redis  *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

type cachedUniverse struct {
	Symbols  []string  `json:"symbols"`
	CachedAt time.Time `json:"cached_at"`
}

// NewUniverseSource creates a universe source. The redis client may be nil,
// in which case every call goes straight to the database.
func NewUniverseSource(pool store.DatabasePool, redisClient *redis.Client, ttl time.Duration, logger *logrus.Logger) *UniverseSource {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &UniverseSource{
		pool:   pool,
		redis:  redisClient,
		ttl:    ttl,
		logger: logger,
	}
}

// ActiveSymbols returns every symbol marked active, cache first.
func (u *UniverseSource) ActiveSymbols(ctx context.Context) ([]string, error) {
	if cached, ok := u.fromCache(ctx); ok {
		return cached, nil
	}

	symbols, err := u.fromDatabase(ctx)
	if err != nil {
		return nil, err
	}

	u.toCache(ctx, symbols)
	return symbols, nil
}

func (u *UniverseSource) fromDatabase(ctx context.Context) ([]string, error) {
	rows, err := u.pool.Query(ctx, `SELECT symbol FROM symbols WHERE is_active = true ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, fmt.Errorf("failed to scan symbol row: %w", err)
		}
		symbols = append(symbols, symbol)
	}
	return symbols, rows.Err()
}

func (u *UniverseSource) fromCache(ctx context.Context) ([]string, bool) {
	if u.redis == nil {
		return nil, false
	}

	data, err := u.redis.Get(ctx, universeCacheKey).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		u.logger.WithError(err).Warn("Failed to read symbol universe from cache")
		return nil, false
	}

	var entry cachedUniverse
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		u.logger.WithError(err).Warn("Failed to decode cached symbol universe")
		return nil, false
	}

	return entry.Symbols, true
}

func (u *UniverseSource) toCache(ctx context.Context, symbols []string) {
	if u.redis == nil {
		return
	}

	entry := cachedUniverse{Symbols: symbols, CachedAt: time.Now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	if err := u.redis.Set(ctx, universeCacheKey, data, u.ttl).Err(); err != nil {
		u.logger.WithError(err).Warn("Failed to cache symbol universe")
	}
}
