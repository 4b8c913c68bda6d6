package sequence

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexflow/internal/codec"
	"dexflow/internal/codec/codectest"
)

func queue(t *testing.T, capacity int, seqNum uint64, n int) *codec.EventQueue {
	t.Helper()
	events := make([]codectest.Event, n)
	for i := range events {
		events[i] = codectest.MakerFill(false, 1_000_000, 10_000_000)
	}
	q, err := codec.DecodeEventQueue(codectest.EventQueue(capacity, 0, seqNum, events))
	require.NoError(t, err)
	return q
}

func seqs(events []codec.Event) []uint64 {
	out := make([]uint64, len(events))
	for i, ev := range events {
		out[i] = ev.Seq
	}
	return out
}

func TestFilterEmitsOnlyNewEntries(t *testing.T) {
	tr := NewTracker()
	tr.Set("m", 4)

	q := queue(t, 8, 7, 2)
	res := tr.Filter("m", q)
	assert.Equal(t, []uint64{5, 6}, seqs(res.Events))
	assert.Equal(t, uint64(6), res.Watermark)
	assert.Nil(t, res.Discontinuity)

	res = tr.Filter("m", q)
	assert.Empty(t, res.Events)
	w, ok := tr.Watermark("m")
	assert.True(t, ok)
	assert.Equal(t, uint64(6), w)
}

func TestFilterIncreasingBuffersEmitEachEntryOnce(t *testing.T) {
	tr := NewTracker()
	var got []uint64
	for seqNum := uint64(3); seqNum <= 20; seqNum += 3 {
		n := int(seqNum)
		if n > 5 {
			n = 5
		}
		res := tr.Filter("m", queue(t, 5, seqNum, n))
		require.Nil(t, res.Discontinuity)
		got = append(got, seqs(res.Events)...)
	}
	want := make([]uint64, 0, 18)
	for s := uint64(0); s < 18; s++ {
		want = append(want, s)
	}
	assert.Equal(t, want, got)
}

func TestFilterFirstObservationReplaysBuffer(t *testing.T) {
	tr := NewTracker()
	res := tr.Filter("m", queue(t, 4, 100, 3))
	assert.True(t, res.First)
	assert.Equal(t, []uint64{97, 98, 99}, seqs(res.Events))
	assert.Equal(t, uint64(99), res.Watermark)
}

func TestFilterGapAcceptsBufferWithWarning(t *testing.T) {
	tr := NewTracker()
	tr.Set("m", 10)

	res := tr.Filter("m", queue(t, 4, 30, 4))
	require.NotNil(t, res.Discontinuity)
	assert.Equal(t, KindGap, res.Discontinuity.Kind)
	assert.True(t, errors.Is(res.Discontinuity, ErrDiscontinuity))
	assert.Equal(t, []uint64{26, 27, 28, 29}, seqs(res.Events))
	assert.Equal(t, uint64(29), res.Watermark)
}

func TestFilterResetReplaysBuffer(t *testing.T) {
	tr := NewTracker()
	tr.Set("m", 500)

	res := tr.Filter("m", queue(t, 4, 3, 3))
	require.NotNil(t, res.Discontinuity)
	assert.Equal(t, KindReset, res.Discontinuity.Kind)
	assert.Equal(t, []uint64{0, 1, 2}, seqs(res.Events))
	assert.Equal(t, uint64(2), res.Watermark)
}

func TestFilterStaleRedeliveryYieldsNothing(t *testing.T) {
	tr := NewTracker()
	tr.Set("m", 12)

	res := tr.Filter("m", queue(t, 8, 11, 4))
	assert.Nil(t, res.Discontinuity)
	assert.Empty(t, res.Events)
	w, _ := tr.Watermark("m")
	assert.Equal(t, uint64(12), w)
}

func TestFilterResetMeasuredFromNewestEntry(t *testing.T) {
	tr := NewTracker()
	tr.Set("m", 100)

	// Oldest entry 93 is further than one ring behind, newest 96 is not.
	res := tr.Filter("m", queue(t, 4, 97, 4))
	assert.Nil(t, res.Discontinuity)
	assert.Empty(t, res.Events)

	res = tr.Filter("m", queue(t, 4, 96, 4))
	require.NotNil(t, res.Discontinuity)
	assert.Equal(t, KindReset, res.Discontinuity.Kind)
	assert.Equal(t, []uint64{92, 93, 94, 95}, seqs(res.Events))
}

func TestFilterEmptyQueue(t *testing.T) {
	tr := NewTracker()
	res := tr.Filter("m", queue(t, 4, 0, 0))
	assert.Empty(t, res.Events)
	_, ok := tr.Watermark("m")
	assert.False(t, ok)
}

func TestFilterKeepsMarketsApart(t *testing.T) {
	tr := NewTracker()
	tr.Set("a", 5)
	res := tr.Filter("b", queue(t, 4, 3, 3))
	assert.True(t, res.First)
	assert.Len(t, res.Events, 3)
	w, _ := tr.Watermark("a")
	assert.Equal(t, uint64(5), w)
}
