package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/klinefleet/klinefleet/internal/models"
)

// KlineStore persists closed candlesticks. Inserts are idempotent on
// (symbol, interval, open_time) because the stream is at-least-once: an agent
// rotating a connection, or the manager re-issuing an assignment, can replay
// candles that were already written.
type KlineStore struct {
	pool DatabasePool
}

// NewKlineStore creates a new kline store.
func NewKlineStore(pool DatabasePool) *KlineStore {
	return &KlineStore{pool: pool}
}

const insertKlineQuery = `
	INSERT INTO klines (symbol, interval, open_time, close_time, open, high, low, close, volume, trade_count, quote_volume, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (symbol, interval, open_time)
	DO UPDATE SET
		close_time = EXCLUDED.close_time,
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume,
		trade_count = EXCLUDED.trade_count,
		quote_volume = EXCLUDED.quote_volume`

// Insert writes a single kline.
func (s *KlineStore) Insert(ctx context.Context, kline *models.Kline) error {
	_, err := s.pool.Exec(ctx, insertKlineQuery,
		kline.Symbol, kline.Interval, kline.OpenTime, kline.CloseTime,
		kline.Open, kline.High, kline.Low, kline.Close,
		kline.Volume, kline.TradeCount, kline.QuoteVolume, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert kline %s/%s: %w", kline.Symbol, kline.Interval, err)
	}
	return nil
}

// InsertBatch writes a slice of klines in one round trip.
func (s *KlineStore) InsertBatch(ctx context.Context, klines []*models.Kline) error {
	if len(klines) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for _, kline := range klines {
		batch.Queue(insertKlineQuery,
			kline.Symbol, kline.Interval, kline.OpenTime, kline.CloseTime,
			kline.Open, kline.High, kline.Low, kline.Close,
			kline.Volume, kline.TradeCount, kline.QuoteVolume, now)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer func() {
		_ = results.Close()
	}()

	for range klines {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert kline batch: %w", err)
		}
	}
	return nil
}

// DeleteOlderThan removes klines past the retention window and reports how
// many rows were deleted.
func (s *KlineStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM klines WHERE open_time < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old klines: %w", err)
	}
	return tag.RowsAffected(), nil
}
