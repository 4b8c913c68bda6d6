package candle

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexflow/internal/models"
)

var epoch = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func trade(seq uint64, offset time.Duration, price, size string) models.Trade {
	return models.Trade{FillEvent: models.FillEvent{
		Market:    "SOL-USDC",
		Sequence:  seq,
		Price:     decimal.RequireFromString(price),
		Size:      decimal.RequireFromString(size),
		Timestamp: epoch.Add(offset),
	}}
}

func mustTimeframes(t *testing.T, names ...string) []Timeframe {
	t.Helper()
	tfs, err := ParseTimeframes(names)
	require.NoError(t, err)
	return tfs
}

func TestAggregatorOneMinuteCandle(t *testing.T) {
	agg := NewAggregator("SOL-USDC", mustTimeframes(t, "1m"))

	assert.Empty(t, agg.Add(trade(1, 10*time.Second, "100", "1")).Finalized)
	assert.Empty(t, agg.Add(trade(2, 40*time.Second, "105", "2")).Finalized)

	upd := agg.Add(trade(3, 70*time.Second, "99", "1"))
	require.Len(t, upd.Finalized, 1)
	c := upd.Finalized[0]
	assert.Equal(t, epoch, c.BucketStart)
	assert.Equal(t, "1m", c.Timeframe)
	assert.True(t, c.Open.Equal(decimal.NewFromInt(100)))
	assert.True(t, c.Close.Equal(decimal.NewFromInt(105)))
	assert.True(t, c.High.Equal(decimal.NewFromInt(105)))
	assert.True(t, c.Low.Equal(decimal.NewFromInt(100)))
	assert.True(t, c.Volume.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, int64(2), c.Trades)
	assert.Equal(t, uint64(1), c.FirstSequence)
	assert.Equal(t, uint64(2), c.LastSequence)
	require.NoError(t, c.Validate())

	cur := agg.Current()
	require.Len(t, cur, 1)
	assert.Equal(t, epoch.Add(time.Minute), cur[0].BucketStart)
}

func TestAggregatorCandleInvariantsWithinBucket(t *testing.T) {
	agg := NewAggregator("SOL-USDC", mustTimeframes(t, "1h"))
	prices := []string{"10", "12.5", "9.75", "11", "10.2"}
	total := decimal.Zero
	for i, p := range prices {
		agg.Add(trade(uint64(i), time.Duration(i)*time.Minute, p, "0.5"))
		total = total.Add(decimal.RequireFromString("0.5"))
	}

	cur := agg.Flush()
	require.Len(t, cur, 1)
	c := cur[0]
	assert.True(t, c.Open.Equal(decimal.RequireFromString("10")))
	assert.True(t, c.Close.Equal(decimal.RequireFromString("10.2")))
	assert.True(t, c.High.Equal(decimal.RequireFromString("12.5")))
	assert.True(t, c.Low.Equal(decimal.RequireFromString("9.75")))
	assert.True(t, c.Volume.Equal(total))
	assert.Empty(t, agg.Current())
}

func TestAggregatorSkipsEmptyBuckets(t *testing.T) {
	agg := NewAggregator("SOL-USDC", mustTimeframes(t, "1m", "5m"))
	agg.Add(trade(1, 0, "1", "1"))

	upd := agg.Add(trade(2, 30*time.Minute, "2", "1"))
	require.Len(t, upd.Finalized, 2)
	assert.Equal(t, "1m", upd.Finalized[0].Timeframe)
	assert.Equal(t, "5m", upd.Finalized[1].Timeframe)

	cur := agg.Current()
	require.Len(t, cur, 2)
	assert.Equal(t, epoch.Add(30*time.Minute), cur[0].BucketStart)
}

func TestAggregatorReportsLateTrades(t *testing.T) {
	agg := NewAggregator("SOL-USDC", mustTimeframes(t, "1m", "1h"))
	agg.Add(trade(1, 5*time.Minute, "10", "1"))

	upd := agg.Add(trade(2, time.Minute, "50", "1"))
	assert.Equal(t, []string{"1m"}, upd.Late)
	assert.Empty(t, upd.Finalized)

	cur := agg.Current()
	assert.True(t, cur[0].High.Equal(decimal.NewFromInt(10)))
	assert.True(t, cur[1].High.Equal(decimal.NewFromInt(50)))
}

func TestParseTimeframes(t *testing.T) {
	tfs, err := ParseTimeframes([]string{"1d", "1m", "1m", "4h"})
	require.NoError(t, err)
	names := make([]string, len(tfs))
	for i, tf := range tfs {
		names[i] = tf.Name
	}
	assert.Equal(t, []string{"1m", "4h", "1d"}, names)

	_, err = ParseTimeframes([]string{"7m"})
	assert.Error(t, err)

	tfs, err = ParseTimeframes(nil)
	require.NoError(t, err)
	assert.Len(t, tfs, len(DefaultTimeframes))
}

func TestTimeframeBucketBoundaries(t *testing.T) {
	tf, err := ParseTimeframe("15m")
	require.NoError(t, err)
	ts := time.Date(2024, 3, 1, 10, 44, 59, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC), tf.Start(tf.Bucket(ts)))
	assert.Equal(t, tf.Bucket(ts)+1, tf.Bucket(ts.Add(time.Second)))
}
