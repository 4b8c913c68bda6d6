package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// TRADES ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// FillEvent is a decoded fill from a market's event queue.
type FillEvent struct {
	Market    string          `json:"market"`
	Sequence  uint64          `json:"sequence"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	PriceLots decimal.Decimal `json:"price_lots"`
	SizeLots  decimal.Decimal `json:"size_lots"`
	Maker     bool            `json:"maker"`
	Taker     bool            `json:"taker"`
	OrderID   string          `json:"order_id"`
	Owner     string          `json:"owner"`
	Slot      uint64          `json:"slot"`
	Timestamp time.Time       `json:"timestamp"`
}

// Trade is a persisted fill. (Market, Sequence) identifies it.
type Trade struct {
	FillEvent
}

// Key returns the identity key used for idempotent upserts.
func (t Trade) Key() string {
	return fmt.Sprintf("%s|%d", t.Market, t.Sequence)
}

// Candle is an OHLCV aggregate for one (market, timeframe, bucket).
type Candle struct {
	Market        string          `json:"market"`
	Timeframe     string          `json:"timeframe"`
	BucketStart   time.Time       `json:"bucket_start"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Close         decimal.Decimal `json:"close"`
	Volume        decimal.Decimal `json:"volume"`
	Trades        int64           `json:"trades"`
	FirstSequence uint64          `json:"first_sequence"`
	LastSequence  uint64          `json:"last_sequence"`
}

// Key returns the identity key used for idempotent upserts.
func (c Candle) Key() string {
	return fmt.Sprintf("%s|%s|%d", c.Market, c.Timeframe, c.BucketStart.Unix())
}

// Validate checks the OHLC relationships of the candle.
func (c Candle) Validate() error {
	if c.Market == "" || c.Timeframe == "" {
		return fmt.Errorf("candle market and timeframe are required")
	}
	if c.High.LessThan(c.Low) {
		return fmt.Errorf("high %s below low %s", c.High, c.Low)
	}
	if c.Open.GreaterThan(c.High) || c.Open.LessThan(c.Low) {
		return fmt.Errorf("open %s outside [%s, %s]", c.Open, c.Low, c.High)
	}
	if c.Close.GreaterThan(c.High) || c.Close.LessThan(c.Low) {
		return fmt.Errorf("close %s outside [%s, %s]", c.Close, c.Low, c.High)
	}
	if c.Volume.IsNegative() {
		return fmt.Errorf("negative volume %s", c.Volume)
	}
	return nil
}
