package router

import (
	"context"
	"time"

	"dexflow/internal/candle"
	"dexflow/internal/codec"
	"dexflow/internal/metrics"
	"dexflow/internal/models"
	"dexflow/internal/orderbook"
	"dexflow/internal/publisher"
	"dexflow/internal/sequence"
	"dexflow/internal/storage"
	"dexflow/logger"
)

// Summary is the payload published on <market>.summary after new trades.
type Summary struct {
	Market       string          `json:"market"`
	Slot         uint64          `json:"slot"`
	LastTrade    models.Trade    `json:"last_trade"`
	Trades       []models.Trade  `json:"trades"`
	RecentTrades []models.Trade  `json:"recent_trades"`
	Candles      []models.Candle `json:"candles"`
}

// worker owns every piece of mutable state of one market. Only its run
// goroutine touches it.
type worker struct {
	market  models.Market
	opts    Options
	conv    *codec.Converter
	tracker *sequence.Tracker
	candles *candle.Aggregator
	book    *orderbook.State
	recent  []models.Trade
	slots   map[models.AccountRole]uint64

	inbox chan models.RawAccountUpdate
	store storage.Gateway
	pub   publisher.Publisher
	log   *logger.Entry
}

func newWorker(m models.Market, store storage.Gateway, pub publisher.Publisher, opts Options) (*worker, error) {
	conv, err := codec.NewConverter(m)
	if err != nil {
		return nil, err
	}
	return &worker{
		market:  m,
		opts:    opts,
		conv:    conv,
		tracker: sequence.NewTracker(),
		candles: candle.NewAggregator(m.ID, opts.Timeframes),
		book:    orderbook.NewState(m.ID, opts.Depth),
		recent:  make([]models.Trade, 0, opts.RecentTrades),
		slots:   make(map[models.AccountRole]uint64, 3),
		inbox:   make(chan models.RawAccountUpdate, opts.InboxSize),
		store:   store,
		pub:     pub,
		log:     logger.GetLogger().WithComponent("market_worker").WithField("market", m.ID),
	}, nil
}

func (w *worker) Len() int { return len(w.inbox) }
func (w *worker) Cap() int { return cap(w.inbox) }

// run handles updates until the inbox is closed, then flushes open candles.
// Once ctx is cancelled the remaining updates are discarded.
func (w *worker) run(ctx context.Context) {
	skipped := 0
	for upd := range w.inbox {
		if ctx.Err() != nil {
			skipped++
			continue
		}
		w.handle(ctx, upd)
	}
	if skipped > 0 {
		w.log.WithField("skipped", skipped).Warn("updates discarded at shutdown")
	}
	w.flushCandles(ctx)
}

func (w *worker) handle(ctx context.Context, upd models.RawAccountUpdate) {
	metrics.ObserveAccountUpdate(w.market.ID, string(upd.Role))
	start := time.Now()

	switch upd.Role {
	case models.RoleEventQueue:
		w.handleEventQueue(ctx, upd)
	case models.RoleBids, models.RoleAsks:
		w.handleSlab(ctx, upd)
	default:
		w.log.WithField("role", string(upd.Role)).Warn("update with unknown role ignored")
		return
	}

	if d := time.Since(start); d > 250*time.Millisecond {
		logger.LogPerformanceEntry(w.log, "market_worker", "handle_"+string(upd.Role), d, logger.Fields{"slot": upd.Slot})
	}
}

func (w *worker) decodeFailed(upd models.RawAccountUpdate, err error) {
	metrics.ObserveDecodeError(w.market.ID, string(upd.Role))
	w.log.WithError(err).WithFields(logger.Fields{
		"role":    string(upd.Role),
		"address": upd.Address,
		"slot":    upd.Slot,
		"bytes":   len(upd.Data),
	}).Warn("account decode failed, update dropped")
}

func (w *worker) warnEntries(upd models.RawAccountUpdate, warnings []codec.Warning) {
	for _, wn := range warnings {
		w.log.WithFields(logger.Fields{
			"role":   string(upd.Role),
			"slot":   upd.Slot,
			"index":  wn.Index,
			"reason": wn.Reason,
		}).Warn("skipped malformed entry")
	}
}

func (w *worker) handleEventQueue(ctx context.Context, upd models.RawAccountUpdate) {
	q, err := codec.DecodeEventQueue(upd.Data)
	if err != nil {
		w.decodeFailed(upd, err)
		return
	}
	w.warnEntries(upd, q.Warnings)

	res := w.tracker.Filter(w.market.ID, q)
	if d := res.Discontinuity; d != nil {
		metrics.ObserveDiscontinuity(w.market.ID, string(d.Kind))
		w.log.WithError(d).WithFields(logger.Fields{
			"kind":      string(d.Kind),
			"watermark": d.Watermark,
			"min_seq":   d.MinSeq,
			"max_seq":   d.MaxSeq,
		}).Warn("event sequence discontinuity, fills may have been missed")
	}
	if len(res.Events) == 0 {
		return
	}

	ts := upd.ReceivedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	fills, warnings := w.conv.Fills(res.Events, upd.Slot, ts)
	w.warnEntries(upd, warnings)

	trades := make([]models.Trade, 0, len(fills))
	for _, f := range fills {
		if w.opts.MakerOnly && !f.Maker {
			continue
		}
		trades = append(trades, models.Trade{FillEvent: f})
	}
	if len(trades) == 0 {
		return
	}
	metrics.ObserveFills(w.market.ID, len(trades))

	for _, t := range trades {
		if err := w.store.UpsertTrade(ctx, t); err != nil {
			w.log.WithError(err).WithField("sequence", t.Sequence).Error("trade not persisted")
		}
		cu := w.candles.Add(t)
		if len(cu.Late) > 0 {
			w.log.WithFields(logger.Fields{
				"sequence":   t.Sequence,
				"timeframes": cu.Late,
			}).Debug("trade older than current candle, not aggregated")
		}
		for _, c := range cu.Finalized {
			w.persistCandle(ctx, c)
		}
		w.remember(t)
	}

	w.publish(ctx, publisher.TypeSummary, publisher.SummaryChannel(w.market.ID), Summary{
		Market:       w.market.ID,
		Slot:         upd.Slot,
		LastTrade:    trades[len(trades)-1],
		Trades:       trades,
		RecentTrades: w.recentTrades(),
		Candles:      w.candles.Current(),
	})
}

func (w *worker) persistCandle(ctx context.Context, c models.Candle) {
	if err := w.store.UpsertCandle(ctx, c); err != nil {
		w.log.WithError(err).WithFields(logger.Fields{
			"timeframe":    c.Timeframe,
			"bucket_start": c.BucketStart,
		}).Error("candle not persisted")
	}
}

// remember appends t to the recent trade list, keeping the newest entries.
func (w *worker) remember(t models.Trade) {
	if len(w.recent) == w.opts.RecentTrades {
		copy(w.recent, w.recent[1:])
		w.recent = w.recent[:len(w.recent)-1]
	}
	w.recent = append(w.recent, t)
}

// recentTrades returns the recent trades newest first.
func (w *worker) recentTrades() []models.Trade {
	out := make([]models.Trade, len(w.recent))
	for i, t := range w.recent {
		out[len(out)-1-i] = t
	}
	return out
}

func (w *worker) handleSlab(ctx context.Context, upd models.RawAccountUpdate) {
	side, _ := upd.Role.Side()
	if last, ok := w.slots[upd.Role]; ok && upd.Slot < last {
		metrics.EmitDropMetric(nil, metrics.DropMetricStaleSlot, w.market.ID, string(upd.Role), "market_worker")
		return
	}

	slab, err := codec.DecodeSlab(upd.Data, side)
	if err != nil {
		w.decodeFailed(upd, err)
		return
	}
	w.warnEntries(upd, slab.Warnings)
	w.slots[upd.Role] = upd.Slot

	change, err := w.book.Apply(side, w.conv.Levels(slab.Orders, w.opts.Depth), upd.Slot)
	if err != nil {
		w.log.WithError(err).Error("order book update rejected")
		return
	}
	if !change.Publishable() {
		return
	}

	channel := publisher.OrderbookChannel(w.market.ID)
	if change.Snapshot != nil {
		w.publish(ctx, publisher.TypeOrderbookSnapshot, channel, change.Snapshot)
		return
	}
	w.publish(ctx, publisher.TypeOrderbookDiff, channel, change.Diff)
}

func (w *worker) publish(ctx context.Context, typ, channel string, data interface{}) {
	payload, err := publisher.NewEnvelope(typ, w.market.ID, channel, data).Encode()
	if err != nil {
		w.log.WithError(err).Error("payload not encoded")
		return
	}
	if err := w.pub.Publish(ctx, channel, payload); err != nil {
		w.log.WithError(err).WithFields(logger.Fields{
			"channel": channel,
			"type":    typ,
		}).Error("publish failed, event dropped")
	}
}

// flushCandles persists every open candle.
func (w *worker) flushCandles(ctx context.Context) {
	open := w.candles.Flush()
	for _, c := range open {
		w.persistCandle(ctx, c)
	}
	if len(open) > 0 {
		w.log.WithField("candles", len(open)).Info("open candles flushed")
	}
}

