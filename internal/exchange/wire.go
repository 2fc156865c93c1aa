package exchange

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/klinefleet/klinefleet/internal/models"
	"github.com/shopspring/decimal"
)

// klineEvent is the upstream kline stream payload:
//
//	{
//	  "e": "kline", "E": 1672515782136, "s": "BTCUSDT",
//	  "k": {
//	    "t": 1672515780000, "T": 1672515839999, "s": "BTCUSDT", "i": "1m",
//	    "o": "16568.00", "c": "16573.50", "h": "16574.00", "l": "16567.30",
//	    "v": "12.115", "n": 322, "q": "200773.46", "x": false
//	  }
//	}
//
// Only the fields below are read; everything else on the wire is ignored.
type klineEvent struct {
	EventType string       `json:"e"`
	EventTime int64        `json:"E"`
	Symbol    string       `json:"s"`
	Kline     klinePayload `json:"k"`
}

type klinePayload struct {
	OpenTime    int64  `json:"t"`
	CloseTime   int64  `json:"T"`
	Symbol      string `json:"s"`
	Interval    string `json:"i"`
	Open        string `json:"o"`
	Close       string `json:"c"`
	High        string `json:"h"`
	Low         string `json:"l"`
	Volume      string `json:"v"`
	TradeCount  int64  `json:"n"`
	QuoteVolume string `json:"q"`
	IsClosed    bool   `json:"x"`
}

// decodeKlineEvent parses one raw stream message. The returned bool reports
// whether the candle is closed; open candles are intermediate updates and are
// not persisted.
func decodeKlineEvent(data []byte) (models.Kline, bool, error) {
	var event klineEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return models.Kline{}, false, fmt.Errorf("failed to decode stream message: %w", err)
	}

	if event.EventType != "kline" {
		return models.Kline{}, false, nil
	}

	open, err := decimal.NewFromString(event.Kline.Open)
	if err != nil {
		return models.Kline{}, false, fmt.Errorf("invalid open price %q: %w", event.Kline.Open, err)
	}
	high, err := decimal.NewFromString(event.Kline.High)
	if err != nil {
		return models.Kline{}, false, fmt.Errorf("invalid high price %q: %w", event.Kline.High, err)
	}
	low, err := decimal.NewFromString(event.Kline.Low)
	if err != nil {
		return models.Kline{}, false, fmt.Errorf("invalid low price %q: %w", event.Kline.Low, err)
	}
	closePrice, err := decimal.NewFromString(event.Kline.Close)
	if err != nil {
		return models.Kline{}, false, fmt.Errorf("invalid close price %q: %w", event.Kline.Close, err)
	}
	volume, err := decimal.NewFromString(event.Kline.Volume)
	if err != nil {
		return models.Kline{}, false, fmt.Errorf("invalid volume %q: %w", event.Kline.Volume, err)
	}
	quoteVolume, err := decimal.NewFromString(event.Kline.QuoteVolume)
	if err != nil {
		return models.Kline{}, false, fmt.Errorf("invalid quote volume %q: %w", event.Kline.QuoteVolume, err)
	}

	kline := models.Kline{
		Symbol:      event.Kline.Symbol,
		Interval:    event.Kline.Interval,
		OpenTime:    time.UnixMilli(event.Kline.OpenTime).UTC(),
		CloseTime:   time.UnixMilli(event.Kline.CloseTime).UTC(),
		Open:        open,
		High:        high,
		Low:         low,
		Close:       closePrice,
		Volume:      volume,
		TradeCount:  event.Kline.TradeCount,
		QuoteVolume: quoteVolume,
	}

	return kline, event.Kline.IsClosed, nil
}
