package router

import (
	"time"

	"dexflow/config"
	"dexflow/internal/candle"
)

// Options tune the router and its market workers.
type Options struct {
	InboxSize    int
	DrainTimeout time.Duration
	// MakerOnly keeps only the maker side of each fill. Every match is
	// recorded twice in the event queue, once per side.
	MakerOnly    bool
	RecentTrades int
	Depth        int
	Timeframes   []candle.Timeframe
}

// OptionsFromConfig reads the router, candle and order book sections.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	tfs, err := candle.ParseTimeframes(cfg.Candles.Timeframes)
	if err != nil {
		return Options{}, err
	}
	return Options{
		InboxSize:    cfg.Router.InboxSize,
		DrainTimeout: cfg.Router.DrainTimeout,
		MakerOnly:    cfg.Router.MakerOnly,
		RecentTrades: cfg.Router.RecentTrades,
		Depth:        cfg.Orderbook.Depth,
		Timeframes:   tfs,
	}, nil
}

func (o Options) withDefaults() Options {
	if o.InboxSize <= 0 {
		o.InboxSize = 256
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 5 * time.Second
	}
	if o.RecentTrades <= 0 {
		o.RecentTrades = 100
	}
	return o
}
