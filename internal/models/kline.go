package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kline represents one closed candlestick for a (symbol, interval) pair.
type Kline struct {
	Symbol      string          `json:"symbol" db:"symbol"`
	Interval    string          `json:"interval" db:"interval"`
	OpenTime    time.Time       `json:"open_time" db:"open_time"`
	CloseTime   time.Time       `json:"close_time" db:"close_time"`
	Open        decimal.Decimal `json:"open" db:"open"`
	High        decimal.Decimal `json:"high" db:"high"`
	Low         decimal.Decimal `json:"low" db:"low"`
	Close       decimal.Decimal `json:"close" db:"close"`
	Volume      decimal.Decimal `json:"volume" db:"volume"`
	TradeCount  int64           `json:"trade_count" db:"trade_count"`
	QuoteVolume decimal.Decimal `json:"quote_volume" db:"quote_volume"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}
