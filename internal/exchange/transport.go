// Package exchange opens long-lived websocket streams against the upstream
// venue and delivers closed candlesticks to a handler. The wire schema is
// fixed and decoded in exactly one place (wire.go); there is no runtime shape
// sniffing of upstream payloads.
package exchange

import (
	"context"

	"github.com/klinefleet/klinefleet/internal/models"
)

// KlineHandler receives each closed candlestick read from a stream.
type KlineHandler func(kline models.Kline)

// ErrorHandler is invoked once when a stream's read loop dies. The connection
// manager uses it to mark the handle inactive; errors are never raised as
// panics into the caller of Subscribe.
type ErrorHandler func(err error)

// Transport opens one subscription per (symbol, interval).
type Transport interface {
	Subscribe(ctx context.Context, symbol, interval string, onKline KlineHandler, onError ErrorHandler) (Subscription, error)
}

// Subscription is a live stream handle for a single (symbol, interval).
type Subscription interface {
	// Ping sends a transport-level keepalive frame.
	Ping(ctx context.Context) error
	// Close tears the connection down. Idempotent.
	Close() error
}
