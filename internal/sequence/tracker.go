package sequence

import (
	"errors"
	"fmt"

	"dexflow/internal/codec"
)

// ErrDiscontinuity matches every *Discontinuity through errors.Is.
var ErrDiscontinuity = errors.New("sequence discontinuity")

// DiscontinuityKind tells how the event queue broke continuity.
type DiscontinuityKind string

const (
	// KindGap means entries between the watermark and the oldest buffered
	// entry were overwritten before they could be read.
	KindGap DiscontinuityKind = "gap"
	// KindReset means the queue moved backward by more than its capacity,
	// so the watermark no longer describes this queue.
	KindReset DiscontinuityKind = "reset"
)

// Discontinuity reports possible data loss for one market.
type Discontinuity struct {
	Market    string
	Kind      DiscontinuityKind
	Watermark uint64
	MinSeq    uint64
	MaxSeq    uint64
}

func (d *Discontinuity) Error() string {
	return fmt.Sprintf("market %s: sequence %s: watermark %d, buffer [%d, %d]",
		d.Market, d.Kind, d.Watermark, d.MinSeq, d.MaxSeq)
}

func (d *Discontinuity) Is(target error) bool {
	return target == ErrDiscontinuity
}

// Result is the outcome of filtering one decoded buffer.
type Result struct {
	Events        []codec.Event
	Previous      uint64
	Watermark     uint64
	First         bool
	Discontinuity *Discontinuity
}

// Tracker holds the last processed sequence number per market. It is not safe
// for concurrent use; each market worker owns its own tracker.
type Tracker struct {
	watermarks map[string]uint64
}

func NewTracker() *Tracker {
	return &Tracker{watermarks: make(map[string]uint64)}
}

// Watermark returns the watermark of market and whether one has been set.
func (t *Tracker) Watermark(market string) (uint64, bool) {
	w, ok := t.watermarks[market]
	return w, ok
}

// Set forces the watermark of market.
func (t *Tracker) Set(market string, watermark uint64) {
	t.watermarks[market] = watermark
}

// Filter returns the buffered entries newer than the market's watermark and
// advances the watermark to the newest sequence in the buffer.
//
// The first buffer seen for a market is replayed in full. A gap between the
// watermark and the oldest entry, or a backward move larger than the ring
// capacity, is reported as a Discontinuity; in both cases the whole buffer is
// accepted. A smaller backward move is a stale redelivery and yields nothing.
// The backward move is measured from the watermark to the buffer's newest
// sequence, not its oldest: a buffer whose newest entry lies within one ring
// of the watermark could have been read before the watermark was reached.
func (t *Tracker) Filter(market string, q *codec.EventQueue) Result {
	prev, seen := t.watermarks[market]
	res := Result{Previous: prev, Watermark: prev, First: !seen}

	if q.Empty() {
		return res
	}
	minSeq, maxSeq := q.MinSeq(), q.MaxSeq()

	switch {
	case !seen:
		res.Events = q.Events

	case maxSeq < prev:
		if prev-maxSeq <= uint64(q.Capacity) {
			return res
		}
		res.Discontinuity = &Discontinuity{Market: market, Kind: KindReset, Watermark: prev, MinSeq: minSeq, MaxSeq: maxSeq}
		res.Events = q.Events

	case minSeq > prev+1:
		res.Discontinuity = &Discontinuity{Market: market, Kind: KindGap, Watermark: prev, MinSeq: minSeq, MaxSeq: maxSeq}
		res.Events = q.Events

	default:
		res.Events = q.After(prev)
	}

	t.watermarks[market] = maxSeq
	res.Watermark = maxSeq
	return res
}
