package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

// WSTransport opens one websocket connection per (symbol, interval)
// subscription against a Binance-style raw stream endpoint. Dedicated
// connections keep stream failure domains independent: a dead connection
// takes down exactly one handle, which the connection manager's sweep then
// removes and the reconciler re-issues.
type WSTransport struct {
	baseURL     string
	dialTimeout time.Duration
	logger      *logrus.Logger
}

// NewWSTransport creates a websocket transport rooted at baseURL
// (e.g. "wss://stream.binance.com:9443/ws").
func NewWSTransport(baseURL string, dialTimeout time.Duration, logger *logrus.Logger) *WSTransport {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &WSTransport{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		dialTimeout: dialTimeout,
		logger:      logger,
	}
}

// StreamName builds the raw stream path for a (symbol, interval) pair.
func StreamName(symbol, interval string) string {
	return fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval)
}

// Subscribe dials the stream endpoint and starts the read loop. On any dial
// failure the half-open connection is closed and an error is returned; no
// partial subscription survives a failed call.
func (t *WSTransport) Subscribe(ctx context.Context, symbol, interval string, onKline KlineHandler, onError ErrorHandler) (Subscription, error) {
	streamURL := fmt.Sprintf("%s/%s", t.baseURL, StreamName(symbol, interval))

	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", streamURL, err)
	}

	subCtx, subCancel := context.WithCancel(ctx)
	sub := &wsSubscription{
		symbol:   symbol,
		interval: interval,
		conn:     conn,
		cancel:   subCancel,
		logger:   t.logger,
	}

	go sub.readLoop(subCtx, onKline, onError)

	t.logger.WithFields(logrus.Fields{
		"symbol":   symbol,
		"interval": interval,
	}).Debug("Opened kline stream")

	return sub, nil
}

type wsSubscription struct {
	symbol   string
	interval string
	conn     *websocket.Conn
	cancel   context.CancelFunc
	closed   sync.Once
	logger   *logrus.Logger
}

// readLoop reads until the connection dies or the subscription is closed.
// Transport errors surface through onError exactly once; a deliberate Close
// does not fire the error callback.
func (s *wsSubscription) readLoop(ctx context.Context, onKline KlineHandler, onError ErrorHandler) {
	for {
		msgType, data, err := s.conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			s.logger.WithError(err).WithFields(logrus.Fields{
				"symbol":   s.symbol,
				"interval": s.interval,
			}).Warn("Kline stream read failed")
			if onError != nil {
				onError(fmt.Errorf("stream %s/%s: %w", s.symbol, s.interval, err))
			}
			return
		}

		if msgType != websocket.MessageText {
			continue
		}

		kline, closedCandle, err := decodeKlineEvent(data)
		if err != nil {
			s.logger.WithError(err).WithField("symbol", s.symbol).Warn("Dropping undecodable stream message")
			continue
		}
		if !closedCandle || kline.Symbol == "" {
			continue
		}

		if onKline != nil {
			onKline(kline)
		}
	}
}

func (s *wsSubscription) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *wsSubscription) Close() error {
	var err error
	s.closed.Do(func() {
		s.cancel()
		err = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
	})
	return err
}

var _ Transport = (*WSTransport)(nil)
