package candle

import (
	"fmt"
	"sort"
	"time"
)

// Timeframe is a named candle width.
type Timeframe struct {
	Name     string
	Duration time.Duration
}

var supported = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// DefaultTimeframes are used when none are configured.
var DefaultTimeframes = []string{"1m", "15m", "4h", "1d"}

// ParseTimeframe resolves a name such as "5m" or "1h".
func ParseTimeframe(name string) (Timeframe, error) {
	d, ok := supported[name]
	if !ok {
		return Timeframe{}, fmt.Errorf("unsupported timeframe %q", name)
	}
	return Timeframe{Name: name, Duration: d}, nil
}

// ParseTimeframes resolves and de-duplicates names, shortest first.
func ParseTimeframes(names []string) ([]Timeframe, error) {
	if len(names) == 0 {
		names = DefaultTimeframes
	}
	seen := make(map[string]struct{}, len(names))
	out := make([]Timeframe, 0, len(names))
	for _, n := range names {
		if _, dup := seen[n]; dup {
			continue
		}
		tf, err := ParseTimeframe(n)
		if err != nil {
			return nil, err
		}
		seen[n] = struct{}{}
		out = append(out, tf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Duration < out[j].Duration })
	return out, nil
}

// Bucket returns floor(ts / duration) counted from the Unix epoch.
func (tf Timeframe) Bucket(ts time.Time) int64 {
	secs := int64(tf.Duration / time.Second)
	u := ts.Unix()
	b := u / secs
	if u < 0 && u%secs != 0 {
		b--
	}
	return b
}

// Start returns the UTC start time of bucket.
func (tf Timeframe) Start(bucket int64) time.Time {
	return time.Unix(bucket*int64(tf.Duration/time.Second), 0).UTC()
}
