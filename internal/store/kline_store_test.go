package store

import (
	"context"
	"testing"
	"time"

	"github.com/klinefleet/klinefleet/internal/models"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKline(symbol string, openTime time.Time) *models.Kline {
	return &models.Kline{
		Symbol:      symbol,
		Interval:    "1m",
		OpenTime:    openTime,
		CloseTime:   openTime.Add(time.Minute),
		Open:        decimal.RequireFromString("16568.00"),
		High:        decimal.RequireFromString("16574.00"),
		Low:         decimal.RequireFromString("16567.30"),
		Close:       decimal.RequireFromString("16573.50"),
		Volume:      decimal.RequireFromString("12.115"),
		TradeCount:  322,
		QuoteVolume: decimal.RequireFromString("200773.46"),
	}
}

// klineArgs is the full insert argument list; created_at is a wildcard.
func klineArgs(kline *models.Kline) []interface{} {
	return []interface{}{
		kline.Symbol, kline.Interval, kline.OpenTime, kline.CloseTime,
		kline.Open, kline.High, kline.Low, kline.Close,
		kline.Volume, kline.TradeCount, kline.QuoteVolume, pgxmock.AnyArg(),
	}
}

func TestKlineStore_Insert(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	kline := newTestKline("BTCUSDT", time.Now().UTC().Truncate(time.Minute))
	mockPool.ExpectExec("INSERT INTO klines").
		WithArgs(klineArgs(kline)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := NewKlineStore(mockPool)
	err = store.Insert(context.Background(), kline)

	assert.NoError(t, err)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestKlineStore_Insert_Error(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	kline := newTestKline("BTCUSDT", time.Now().UTC())
	mockPool.ExpectExec("INSERT INTO klines").
		WithArgs(klineArgs(kline)...).
		WillReturnError(assert.AnError)

	store := NewKlineStore(mockPool)
	err = store.Insert(context.Background(), kline)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "BTCUSDT/1m")
}

func TestKlineStore_InsertBatch(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	openTime := time.Now().UTC().Truncate(time.Minute)
	klines := []*models.Kline{
		newTestKline("BTCUSDT", openTime),
		newTestKline("ETHUSDT", openTime),
	}

	batch := mockPool.ExpectBatch()
	batch.ExpectExec("INSERT INTO klines").WithArgs(klineArgs(klines[0])...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	batch.ExpectExec("INSERT INTO klines").WithArgs(klineArgs(klines[1])...).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := NewKlineStore(mockPool)
	err = store.InsertBatch(context.Background(), klines)

	assert.NoError(t, err)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestKlineStore_InsertBatch_Empty(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	store := NewKlineStore(mockPool)
	err = store.InsertBatch(context.Background(), nil)

	// No round trip for an empty batch.
	assert.NoError(t, err)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestKlineStore_DeleteOlderThan(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	cutoff := time.Now().UTC().Add(-72 * time.Hour)
	mockPool.ExpectExec("DELETE FROM klines").
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 42))

	store := NewKlineStore(mockPool)
	deleted, err := store.DeleteOlderThan(context.Background(), cutoff)

	assert.NoError(t, err)
	assert.Equal(t, int64(42), deleted)
}
