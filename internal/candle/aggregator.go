package candle

import (
	"dexflow/internal/models"
)

type openCandle struct {
	bucket int64
	candle models.Candle
}

// Update is the effect of one trade on the aggregator.
type Update struct {
	// Finalized holds candles closed by this trade, one per timeframe at most.
	Finalized []models.Candle
	// Late lists the timeframes whose current bucket is newer than the trade.
	Late []string
}

// Aggregator folds one market's trades into OHLCV candles for each timeframe.
// It is owned by a single market worker and is not safe for concurrent use.
type Aggregator struct {
	market     string
	timeframes []Timeframe
	current    map[string]*openCandle
}

func NewAggregator(market string, timeframes []Timeframe) *Aggregator {
	return &Aggregator{
		market:     market,
		timeframes: timeframes,
		current:    make(map[string]*openCandle, len(timeframes)),
	}
}

// Add folds a trade into every timeframe. A trade in a later bucket finalizes
// the current candle and opens a new one. Empty buckets are never produced.
func (a *Aggregator) Add(t models.Trade) Update {
	var upd Update
	for _, tf := range a.timeframes {
		bucket := tf.Bucket(t.Timestamp)
		cur, ok := a.current[tf.Name]

		switch {
		case !ok:
			a.current[tf.Name] = a.open(tf, bucket, t)
		case bucket == cur.bucket:
			c := &cur.candle
			if t.Price.GreaterThan(c.High) {
				c.High = t.Price
			}
			if t.Price.LessThan(c.Low) {
				c.Low = t.Price
			}
			c.Close = t.Price
			c.Volume = c.Volume.Add(t.Size)
			c.Trades++
			c.LastSequence = t.Sequence
		case bucket > cur.bucket:
			upd.Finalized = append(upd.Finalized, cur.candle)
			a.current[tf.Name] = a.open(tf, bucket, t)
		default:
			upd.Late = append(upd.Late, tf.Name)
		}
	}
	return upd
}

func (a *Aggregator) open(tf Timeframe, bucket int64, t models.Trade) *openCandle {
	return &openCandle{
		bucket: bucket,
		candle: models.Candle{
			Market:        a.market,
			Timeframe:     tf.Name,
			BucketStart:   tf.Start(bucket),
			Open:          t.Price,
			High:          t.Price,
			Low:           t.Price,
			Close:         t.Price,
			Volume:        t.Size,
			Trades:        1,
			FirstSequence: t.Sequence,
			LastSequence:  t.Sequence,
		},
	}
}

// Current returns the in-progress candles, shortest timeframe first.
func (a *Aggregator) Current() []models.Candle {
	out := make([]models.Candle, 0, len(a.current))
	for _, tf := range a.timeframes {
		if cur, ok := a.current[tf.Name]; ok {
			out = append(out, cur.candle)
		}
	}
	return out
}

// Flush returns the in-progress candles and forgets them.
func (a *Aggregator) Flush() []models.Candle {
	out := a.Current()
	a.current = make(map[string]*openCandle, len(a.timeframes))
	return out
}
