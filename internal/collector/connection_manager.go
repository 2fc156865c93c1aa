package collector

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/klinefleet/klinefleet/internal/exchange"
	"github.com/klinefleet/klinefleet/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// KlineSink receives every closed candle read off a stream. *store.KlineStore
// satisfies it directly.
type KlineSink interface {
	Insert(ctx context.Context, kline *models.Kline) error
}

// ConnectionManagerConfig carries the stream lifecycle policy.
type ConnectionManagerConfig struct {
	// MaxSymbols bounds the distinct symbols this agent will hold; the
	// stream count is MaxSymbols × len(Intervals).
	MaxSymbols int
	// Intervals is the fanout: every assigned symbol gets one stream per
	// interval.
	Intervals []string
	// SubscriptionsPerSecond is the global budget for opening new streams.
	// The pace is hard: subscriptions beyond the first are spaced evenly,
	// with no opening burst.
	SubscriptionsPerSecond int
	// ConnectionMaxAge is the hard lifetime of one websocket connection;
	// the upstream venue disconnects anything older than 24h, so rotation
	// must beat it.
	ConnectionMaxAge      time.Duration
	RotationCheckInterval time.Duration
	KeepaliveInterval     time.Duration
	SweepInterval         time.Duration
}

type streamKey struct {
	symbol   string
	interval string
}

// streamHandle is one live subscription. isActive flips false on a transport
// error callback; the sweep then closes and removes the handle.
type streamHandle struct {
	symbol    string
	interval  string
	createdAt time.Time
	isActive  bool
	sub       exchange.Subscription
}

// ConnectionManager owns the set of active (symbol, interval) streams for one
// agent process. All registry mutation happens under a single mutex scoped to
// this instance; no network call is ever made while holding it.
type ConnectionManager struct {
	transport exchange.Transport
	sink      KlineSink
	config    ConnectionManagerConfig
	logger    *logrus.Logger
	limiter   *rate.Limiter

	mu      sync.Mutex
	streams map[streamKey]*streamHandle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConnectionManager creates the manager. Background sweeps start with
// Start.
func NewConnectionManager(transport exchange.Transport, sink KlineSink, cfg ConnectionManagerConfig, logger *logrus.Logger) *ConnectionManager {
	if cfg.MaxSymbols <= 0 {
		cfg.MaxSymbols = 100
	}
	if len(cfg.Intervals) == 0 {
		cfg.Intervals = []string{"1m"}
	}
	if cfg.SubscriptionsPerSecond <= 0 {
		cfg.SubscriptionsPerSecond = 10
	}
	if cfg.ConnectionMaxAge <= 0 {
		cfg.ConnectionMaxAge = 23 * time.Hour
	}
	if cfg.RotationCheckInterval <= 0 {
		cfg.RotationCheckInterval = time.Hour
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 3 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionManager{
		transport: transport,
		sink:      sink,
		config:    cfg,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Limit(cfg.SubscriptionsPerSecond), 1),
		streams:   make(map[streamKey]*streamHandle),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the rotation, keepalive and sweep loops.
func (cm *ConnectionManager) Start() {
	cm.wg.Add(3)
	go cm.rotationLoop()
	go cm.keepaliveLoop()
	go cm.sweepLoop()
	cm.logger.WithFields(logrus.Fields{
		"max_symbols": cm.config.MaxSymbols,
		"intervals":   cm.config.Intervals,
	}).Info("Connection manager started")
}

// Stop closes every stream and halts the background loops.
func (cm *ConnectionManager) Stop() {
	cm.cancel()
	cm.wg.Wait()

	cm.mu.Lock()
	handles := make([]*streamHandle, 0, len(cm.streams))
	for _, handle := range cm.streams {
		handles = append(handles, handle)
	}
	cm.streams = make(map[streamKey]*streamHandle)
	cm.mu.Unlock()

	for _, handle := range handles {
		_ = handle.sub.Close()
	}
	cm.logger.Info("Connection manager stopped")
}

// AddStream opens one (symbol, interval) stream. Idempotent: a live,
// unexpired handle for the key makes this a successful no-op, which is what
// lets the manager retry or re-issue assignments freely. Returns false on
// capacity rejection or subscription failure; failures never raise.
func (cm *ConnectionManager) AddStream(symbol, interval string) bool {
	key := streamKey{symbol: symbol, interval: interval}

	cm.mu.Lock()
	if cm.hasLiveLocked(key) {
		cm.mu.Unlock()
		return true
	}
	if !cm.hasCapacityLocked(symbol) {
		cm.mu.Unlock()
		cm.logger.WithField("symbol", symbol).Warn("Rejecting stream, symbol capacity reached")
		return false
	}
	cm.mu.Unlock()

	// Enforce the global per-second subscription budget. Wait blocks for the
	// remainder of the current window once the budget is spent.
	if err := cm.limiter.Wait(cm.ctx); err != nil {
		return false
	}

	sub, err := cm.transport.Subscribe(cm.ctx, symbol, interval,
		cm.handleKline,
		func(err error) { cm.markInactive(key) },
	)
	if err != nil {
		// Rollback is trivial here: nothing was registered and the transport
		// closes its own half-open connection on a failed dial.
		cm.logger.WithError(err).WithFields(logrus.Fields{
			"symbol":   symbol,
			"interval": interval,
		}).Warn("Failed to open stream")
		return false
	}

	cm.mu.Lock()
	// Re-validate after the suspension: a concurrent caller may have built
	// the same stream, or consumed the last symbol slot, while we dialed.
	if cm.hasLiveLocked(key) {
		cm.mu.Unlock()
		_ = sub.Close()
		return true
	}
	if !cm.hasCapacityLocked(symbol) {
		cm.mu.Unlock()
		_ = sub.Close()
		return false
	}
	if stale, ok := cm.streams[key]; ok {
		// A dead handle for the same key must leave before its replacement
		// is registered.
		delete(cm.streams, key)
		defer func() { _ = stale.sub.Close() }()
	}
	cm.streams[key] = &streamHandle{
		symbol:    symbol,
		interval:  interval,
		createdAt: time.Now(),
		isActive:  true,
		sub:       sub,
	}
	cm.mu.Unlock()

	return true
}

// AddSymbolStreams opens one stream per configured interval for the symbol.
// The batch never fails atomically: partial success is expected and reported.
func (cm *ConnectionManager) AddSymbolStreams(symbol string) models.SymbolResult {
	result := models.SymbolResult{Symbol: symbol}

	for _, interval := range cm.config.Intervals {
		key := streamKey{symbol: symbol, interval: interval}

		cm.mu.Lock()
		live := cm.hasLiveLocked(key)
		cm.mu.Unlock()
		if live {
			result.SkippedCount++
			continue
		}

		if cm.AddStream(symbol, interval) {
			result.AddedCount++
		} else {
			result.FailedCount++
		}
	}

	if result.FailedCount > 0 {
		result.Error = "one or more interval streams failed to open"
	}
	return result
}

// RemoveStream closes and removes the handle if present; idempotent.
func (cm *ConnectionManager) RemoveStream(symbol, interval string) bool {
	key := streamKey{symbol: symbol, interval: interval}

	cm.mu.Lock()
	handle, ok := cm.streams[key]
	if ok {
		delete(cm.streams, key)
	}
	cm.mu.Unlock()

	if !ok {
		return false
	}
	_ = handle.sub.Close()
	cm.logger.WithFields(logrus.Fields{
		"symbol":   symbol,
		"interval": interval,
	}).Info("Removed stream")
	return true
}

// GetConnectionStatus sweeps dead handles first, then reports the distinct
// symbol set and the derived connection count (symbols × fanout).
func (cm *ConnectionManager) GetConnectionStatus() models.StatusResponse {
	cm.Sweep()

	symbols := cm.Symbols()
	return models.StatusResponse{
		Status:          "ok",
		ConnectionCount: len(symbols) * len(cm.config.Intervals),
		Symbols:         symbols,
	}
}

// Symbols returns the distinct symbols with at least one registered handle.
func (cm *ConnectionManager) Symbols() []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	seen := make(map[string]struct{})
	for key := range cm.streams {
		seen[key.symbol] = struct{}{}
	}
	symbols := make([]string, 0, len(seen))
	for symbol := range seen {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// Connections lists every handle for the introspection endpoint.
func (cm *ConnectionManager) Connections() []models.ConnectionInfo {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	connections := make([]models.ConnectionInfo, 0, len(cm.streams))
	for _, handle := range cm.streams {
		connections = append(connections, models.ConnectionInfo{
			Symbol:    handle.symbol,
			Interval:  handle.interval,
			CreatedAt: handle.createdAt,
			IsActive:  handle.isActive,
		})
	}
	sort.Slice(connections, func(i, j int) bool {
		if connections[i].Symbol == connections[j].Symbol {
			return connections[i].Interval < connections[j].Interval
		}
		return connections[i].Symbol < connections[j].Symbol
	})
	return connections
}

// Sweep closes and removes every inactive or expired handle.
func (cm *ConnectionManager) Sweep() {
	now := time.Now()

	cm.mu.Lock()
	var removed []*streamHandle
	for key, handle := range cm.streams {
		if handle.isActive && now.Sub(handle.createdAt) < cm.config.ConnectionMaxAge {
			continue
		}
		delete(cm.streams, key)
		removed = append(removed, handle)
	}
	cm.mu.Unlock()

	for _, handle := range removed {
		_ = handle.sub.Close()
		cm.logger.WithFields(logrus.Fields{
			"symbol":   handle.symbol,
			"interval": handle.interval,
			"age":      now.Sub(handle.createdAt).String(),
		}).Info("Swept dead or expired stream")
	}
}

func (cm *ConnectionManager) hasLiveLocked(key streamKey) bool {
	handle, ok := cm.streams[key]
	if !ok {
		return false
	}
	return handle.isActive && time.Since(handle.createdAt) < cm.config.ConnectionMaxAge
}

// hasCapacityLocked checks the distinct-symbol bound. Fanout streams are
// derived from the symbol count, not counted separately.
func (cm *ConnectionManager) hasCapacityLocked(symbol string) bool {
	seen := make(map[string]struct{})
	for key := range cm.streams {
		seen[key.symbol] = struct{}{}
	}
	if _, held := seen[symbol]; held {
		return true
	}
	return len(seen) < cm.config.MaxSymbols
}

func (cm *ConnectionManager) markInactive(key streamKey) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if handle, ok := cm.streams[key]; ok {
		handle.isActive = false
	}
}

func (cm *ConnectionManager) handleKline(kline models.Kline) {
	if cm.sink == nil {
		return
	}
	if err := cm.sink.Insert(cm.ctx, &kline); err != nil {
		cm.logger.WithError(err).WithFields(logrus.Fields{
			"symbol":   kline.Symbol,
			"interval": kline.Interval,
		}).Warn("Failed to persist kline")
	}
}

// rotationLoop proactively replaces any handle within one rotation window of
// the hard age limit. Close-then-reopen is fine: AddStream is idempotent and
// the reconciler re-issues anything that slips through.
func (cm *ConnectionManager) rotationLoop() {
	defer cm.wg.Done()
	ticker := time.NewTicker(cm.config.RotationCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.ctx.Done():
			return
		case <-ticker.C:
			cm.rotateAging()
		}
	}
}

func (cm *ConnectionManager) rotateAging() {
	now := time.Now()
	rotateAfter := cm.config.ConnectionMaxAge - cm.config.RotationCheckInterval
	if rotateAfter < 0 {
		rotateAfter = 0
	}

	cm.mu.Lock()
	var aging []streamKey
	for key, handle := range cm.streams {
		if now.Sub(handle.createdAt) >= rotateAfter {
			aging = append(aging, key)
		}
	}
	cm.mu.Unlock()

	for _, key := range aging {
		cm.logger.WithFields(logrus.Fields{
			"symbol":   key.symbol,
			"interval": key.interval,
		}).Info("Rotating aging stream")
		cm.RemoveStream(key.symbol, key.interval)
		if !cm.AddStream(key.symbol, key.interval) {
			cm.logger.WithFields(logrus.Fields{
				"symbol":   key.symbol,
				"interval": key.interval,
			}).Warn("Rotation reopen failed, awaiting reconciler retry")
		}
	}
}

// keepaliveLoop pings every active connection so idle streams are not
// dropped by intermediaries.
func (cm *ConnectionManager) keepaliveLoop() {
	defer cm.wg.Done()
	ticker := time.NewTicker(cm.config.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.ctx.Done():
			return
		case <-ticker.C:
			cm.pingAll()
		}
	}
}

func (cm *ConnectionManager) pingAll() {
	cm.mu.Lock()
	targets := make(map[streamKey]exchange.Subscription, len(cm.streams))
	for key, handle := range cm.streams {
		if handle.isActive {
			targets[key] = handle.sub
		}
	}
	cm.mu.Unlock()

	for key, sub := range targets {
		pingCtx, cancel := context.WithTimeout(cm.ctx, 10*time.Second)
		if err := sub.Ping(pingCtx); err != nil {
			cm.markInactive(key)
		}
		cancel()
	}
}

func (cm *ConnectionManager) sweepLoop() {
	defer cm.wg.Done()
	ticker := time.NewTicker(cm.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.ctx.Done():
			return
		case <-ticker.C:
			cm.Sweep()
		}
	}
}
