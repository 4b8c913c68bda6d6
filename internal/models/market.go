package models

import (
	"time"
)

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// MARKETS ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Market describes one order-book market and the accounts that carry its state.
type Market struct {
	ID            string `json:"id" yaml:"id"`
	Address       string `json:"address" yaml:"market_address"`
	BaseMint      string `json:"base_mint,omitempty" yaml:"base_mint"`
	QuoteMint     string `json:"quote_mint,omitempty" yaml:"quote_mint"`
	Bids          string `json:"bids" yaml:"bids"`
	Asks          string `json:"asks" yaml:"asks"`
	EventQueue    string `json:"event_queue" yaml:"event_queue"`
	BaseDecimals  uint8  `json:"base_decimals" yaml:"base_decimals"`
	QuoteDecimals uint8  `json:"quote_decimals" yaml:"quote_decimals"`
	BaseLotSize   uint64 `json:"base_lot_size" yaml:"base_lot_size"`
	QuoteLotSize  uint64 `json:"quote_lot_size" yaml:"quote_lot_size"`
}

// Addresses returns the tracked account addresses of the market keyed by role.
func (m Market) Addresses() map[AccountRole]string {
	return map[AccountRole]string{
		RoleBids:       m.Bids,
		RoleAsks:       m.Asks,
		RoleEventQueue: m.EventQueue,
	}
}

// Resolved reports whether every account address and lot size is known.
func (m Market) Resolved() bool {
	return m.Bids != "" && m.Asks != "" && m.EventQueue != "" &&
		m.BaseLotSize > 0 && m.QuoteLotSize > 0
}

// AccountRole classifies a tracked account.
type AccountRole string

const (
	RoleBids       AccountRole = "bids"
	RoleAsks       AccountRole = "asks"
	RoleEventQueue AccountRole = "event_queue"
)

// Side returns the book side served by the role. Event queues have no side.
func (r AccountRole) Side() (Side, bool) {
	switch r {
	case RoleBids:
		return SideBid, true
	case RoleAsks:
		return SideAsk, true
	default:
		return "", false
	}
}

// Side of an order or fill.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// RawAccountUpdate is a single account notification as delivered by the stream.
type RawAccountUpdate struct {
	Address    string
	MarketID   string
	Role       AccountRole
	Data       []byte
	Slot       uint64
	ReceivedAt time.Time
}
