package models

import (
	"github.com/shopspring/decimal"
)

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////// ORDER BOOK //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// PriceLevel aggregates every resting order at one price.
type PriceLevel struct {
	Price      decimal.Decimal `json:"price"`
	PriceLots  uint64          `json:"price_lots"`
	Size       decimal.Decimal `json:"size"`
	SizeLots   uint64          `json:"size_lots"`
	OrderCount int             `json:"order_count"`
}

// Equal compares two levels at the same price.
func (l PriceLevel) Equal(o PriceLevel) bool {
	return l.PriceLots == o.PriceLots && l.SizeLots == o.SizeLots && l.OrderCount == o.OrderCount
}

// OrderBookSnapshot is the full level set of one side.
// Bids are sorted descending and asks ascending by price.
type OrderBookSnapshot struct {
	Market  string       `json:"market"`
	Side    Side         `json:"side"`
	Levels  []PriceLevel `json:"levels"`
	Version uint64       `json:"version"`
}

// OrderBookDiff holds the level changes between two versions of one side.
type OrderBookDiff struct {
	Market          string       `json:"market"`
	Side            Side         `json:"side"`
	Added           []PriceLevel `json:"added,omitempty"`
	Removed         []PriceLevel `json:"removed,omitempty"`
	Changed         []PriceLevel `json:"changed,omitempty"`
	PreviousVersion uint64       `json:"previous_version"`
	Version         uint64       `json:"version"`
}

// Empty reports whether the diff carries no change.
func (d OrderBookDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}
