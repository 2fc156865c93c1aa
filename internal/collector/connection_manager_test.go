package collector

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klinefleet/klinefleet/internal/exchange"
	"github.com/klinefleet/klinefleet/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSubscription records keepalive pings and closes.
type fakeSubscription struct {
	pings  int64
	closes int64
}

func (f *fakeSubscription) Ping(ctx context.Context) error {
	atomic.AddInt64(&f.pings, 1)
	return nil
}

func (f *fakeSubscription) Close() error {
	atomic.AddInt64(&f.closes, 1)
	return nil
}

// fakeTransport counts subscriptions and keeps the handlers so tests can
// drive kline delivery and stream failure.
type fakeTransport struct {
	mu         sync.Mutex
	subscribed []string
	onKline    map[string]exchange.KlineHandler
	onError    map[string]exchange.ErrorHandler
	subs       map[string]*fakeSubscription
	failDial   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		onKline: make(map[string]exchange.KlineHandler),
		onError: make(map[string]exchange.ErrorHandler),
		subs:    make(map[string]*fakeSubscription),
	}
}

func (f *fakeTransport) Subscribe(ctx context.Context, symbol, interval string, onKline exchange.KlineHandler, onError exchange.ErrorHandler) (exchange.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failDial {
		return nil, assert.AnError
	}

	name := exchange.StreamName(symbol, interval)
	sub := &fakeSubscription{}
	f.subscribed = append(f.subscribed, name)
	f.onKline[name] = onKline
	f.onError[name] = onError
	f.subs[name] = sub
	return sub, nil
}

func (f *fakeTransport) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribed)
}

func (f *fakeTransport) failStream(symbol, interval string) {
	f.mu.Lock()
	handler := f.onError[exchange.StreamName(symbol, interval)]
	f.mu.Unlock()
	if handler != nil {
		handler(assert.AnError)
	}
}

func (f *fakeTransport) deliver(symbol, interval string, kline models.Kline) {
	f.mu.Lock()
	handler := f.onKline[exchange.StreamName(symbol, interval)]
	f.mu.Unlock()
	if handler != nil {
		handler(kline)
	}
}

// fakeSink records persisted klines.
type fakeSink struct {
	mu      sync.Mutex
	inserts []models.Kline
}

func (f *fakeSink) Insert(ctx context.Context, kline *models.Kline) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts = append(f.inserts, *kline)
	return nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestManager(t *testing.T, transport exchange.Transport, sink KlineSink, cfg ConnectionManagerConfig) *ConnectionManager {
	t.Helper()
	manager := NewConnectionManager(transport, sink, cfg, quietLogger())
	t.Cleanup(manager.Stop)
	return manager
}

func TestConnectionManager_AddStream_Idempotent(t *testing.T) {
	transport := newFakeTransport()
	manager := newTestManager(t, transport, nil, ConnectionManagerConfig{
		MaxSymbols:             10,
		Intervals:              []string{"1m"},
		SubscriptionsPerSecond: 100,
	})

	assert.True(t, manager.AddStream("BTCUSDT", "1m"))
	assert.True(t, manager.AddStream("BTCUSDT", "1m"))

	// The second call is a no-op against the live handle.
	assert.Equal(t, 1, transport.subscribeCount())
}

func TestConnectionManager_AddStream_CapacityRejection(t *testing.T) {
	transport := newFakeTransport()
	manager := newTestManager(t, transport, nil, ConnectionManagerConfig{
		MaxSymbols:             2,
		Intervals:              []string{"1m"},
		SubscriptionsPerSecond: 100,
	})

	assert.True(t, manager.AddStream("BTCUSDT", "1m"))
	assert.True(t, manager.AddStream("ETHUSDT", "1m"))
	assert.False(t, manager.AddStream("SOLUSDT", "1m"))

	// A held symbol still accepts further intervals at capacity.
	assert.True(t, manager.AddStream("BTCUSDT", "5m"))
}

func TestConnectionManager_AddStream_DialFailure(t *testing.T) {
	transport := newFakeTransport()
	transport.failDial = true
	manager := newTestManager(t, transport, nil, ConnectionManagerConfig{
		MaxSymbols:             10,
		Intervals:              []string{"1m"},
		SubscriptionsPerSecond: 100,
	})

	assert.False(t, manager.AddStream("BTCUSDT", "1m"))
	assert.Empty(t, manager.Symbols())
}

func TestConnectionManager_AddSymbolStreams_FanoutAndSkip(t *testing.T) {
	transport := newFakeTransport()
	manager := newTestManager(t, transport, nil, ConnectionManagerConfig{
		MaxSymbols:             10,
		Intervals:              []string{"1m", "5m", "1h"},
		SubscriptionsPerSecond: 100,
	})

	first := manager.AddSymbolStreams("BTCUSDT")
	assert.Equal(t, 3, first.AddedCount)
	assert.Zero(t, first.SkippedCount)
	assert.Zero(t, first.FailedCount)

	// Re-adding the symbol skips every live interval stream.
	second := manager.AddSymbolStreams("BTCUSDT")
	assert.Zero(t, second.AddedCount)
	assert.Equal(t, 3, second.SkippedCount)
	assert.Equal(t, 3, transport.subscribeCount())
}

func TestConnectionManager_RemoveStream(t *testing.T) {
	transport := newFakeTransport()
	manager := newTestManager(t, transport, nil, ConnectionManagerConfig{
		MaxSymbols:             10,
		Intervals:              []string{"1m"},
		SubscriptionsPerSecond: 100,
	})

	require.True(t, manager.AddStream("BTCUSDT", "1m"))
	assert.True(t, manager.RemoveStream("BTCUSDT", "1m"))
	assert.False(t, manager.RemoveStream("BTCUSDT", "1m"))
	assert.Empty(t, manager.Symbols())

	sub := transport.subs[exchange.StreamName("BTCUSDT", "1m")]
	assert.Equal(t, int64(1), atomic.LoadInt64(&sub.closes))
}

func TestConnectionManager_ErrorCallbackThenSweep(t *testing.T) {
	transport := newFakeTransport()
	manager := newTestManager(t, transport, nil, ConnectionManagerConfig{
		MaxSymbols:             10,
		Intervals:              []string{"1m"},
		SubscriptionsPerSecond: 100,
	})

	require.True(t, manager.AddStream("BTCUSDT", "1m"))
	transport.failStream("BTCUSDT", "1m")

	// The dead handle survives until the sweep, then disappears.
	manager.Sweep()
	assert.Empty(t, manager.Symbols())

	// The failed stream can be re-added afterwards.
	assert.True(t, manager.AddStream("BTCUSDT", "1m"))
	assert.Equal(t, 2, transport.subscribeCount())
}

func TestConnectionManager_GetConnectionStatus(t *testing.T) {
	transport := newFakeTransport()
	manager := newTestManager(t, transport, nil, ConnectionManagerConfig{
		MaxSymbols:             10,
		Intervals:              []string{"1m", "5m"},
		SubscriptionsPerSecond: 100,
	})

	manager.AddSymbolStreams("BTCUSDT")
	manager.AddSymbolStreams("ETHUSDT")

	status := manager.GetConnectionStatus()
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, status.Symbols)
	// Connection count is symbols times interval fanout.
	assert.Equal(t, 4, status.ConnectionCount)
}

func TestConnectionManager_SubscriptionRateLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("timing-sensitive")
	}

	transport := newFakeTransport()
	manager := newTestManager(t, transport, nil, ConnectionManagerConfig{
		MaxSymbols:             10,
		Intervals:              []string{"1m"},
		SubscriptionsPerSecond: 2,
	})

	start := time.Now()
	for i, symbol := range []string{"S1USDT", "S2USDT", "S3USDT", "S4USDT"} {
		require.True(t, manager.AddStream(symbol, "1m"), "stream %d", i)
	}
	elapsed := time.Since(start)

	// Only the first subscription is free; the other three are paced at the
	// 2/sec budget, 500ms apart. A limiter that let an opening burst through
	// would finish in about half this time.
	assert.GreaterOrEqual(t, elapsed, 1400*time.Millisecond)
}

func TestConnectionManager_KlineDelivery(t *testing.T) {
	transport := newFakeTransport()
	sink := &fakeSink{}
	manager := newTestManager(t, transport, sink, ConnectionManagerConfig{
		MaxSymbols:             10,
		Intervals:              []string{"1m"},
		SubscriptionsPerSecond: 100,
	})

	require.True(t, manager.AddStream("BTCUSDT", "1m"))
	transport.deliver("BTCUSDT", "1m", models.Kline{Symbol: "BTCUSDT", Interval: "1m"})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.inserts, 1)
	assert.Equal(t, "BTCUSDT", sink.inserts[0].Symbol)
}

func TestConnectionManager_RotateAging(t *testing.T) {
	transport := newFakeTransport()
	manager := newTestManager(t, transport, nil, ConnectionManagerConfig{
		MaxSymbols:             10,
		Intervals:              []string{"1m"},
		SubscriptionsPerSecond: 100,
		ConnectionMaxAge:       time.Hour,
		RotationCheckInterval:  time.Minute,
	})

	require.True(t, manager.AddStream("BTCUSDT", "1m"))

	// Backdate the handle into the rotation window.
	manager.mu.Lock()
	for _, handle := range manager.streams {
		handle.createdAt = time.Now().Add(-59 * time.Minute)
	}
	manager.mu.Unlock()

	manager.rotateAging()

	// The stream was closed and reopened with a fresh handle.
	assert.Equal(t, 2, transport.subscribeCount())
	assert.Equal(t, []string{"BTCUSDT"}, manager.Symbols())
	for _, conn := range manager.Connections() {
		assert.Less(t, time.Since(conn.CreatedAt), time.Minute)
	}
}

func TestConnectionManager_PingAllMarksDeadInactive(t *testing.T) {
	transport := newFakeTransport()
	manager := newTestManager(t, transport, nil, ConnectionManagerConfig{
		MaxSymbols:             10,
		Intervals:              []string{"1m"},
		SubscriptionsPerSecond: 100,
	})

	require.True(t, manager.AddStream("BTCUSDT", "1m"))
	manager.pingAll()

	sub := transport.subs[exchange.StreamName("BTCUSDT", "1m")]
	assert.Equal(t, int64(1), atomic.LoadInt64(&sub.pings))
}
