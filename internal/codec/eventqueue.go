package codec

import (
	"fmt"
	"time"

	"dexflow/internal/models"
)

const (
	eventQueueLayout = "event queue"

	// head, count and seq_num follow the account flags.
	eventQueueHeaderLen = 24
	eventLen            = 88
	bodyOffset          = headPaddingLen + accountFlagLen
)

// Event flag bits.
const (
	EventFill         uint8 = 1 << 0
	EventOut          uint8 = 1 << 1
	EventBid          uint8 = 1 << 2
	EventMaker        uint8 = 1 << 3
	EventReleaseFunds uint8 = 1 << 4
)

// Event is one raw entry of the event queue ring.
type Event struct {
	Seq               uint64
	Flags             uint8
	OwnerSlot         uint8
	FeeTier           uint8
	NativeQtyReleased uint64
	NativeQtyPaid     uint64
	NativeFeeOrRebate uint64
	OrderID           string
	Owner             PublicKey
	ClientOrderID     uint64
}

func (e Event) IsFill() bool  { return e.Flags&EventFill != 0 }
func (e Event) IsOut() bool   { return e.Flags&EventOut != 0 }
func (e Event) IsBid() bool   { return e.Flags&EventBid != 0 }
func (e Event) IsMaker() bool { return e.Flags&EventMaker != 0 }

// Side is the side of the order that produced the event.
func (e Event) Side() models.Side {
	if e.IsBid() {
		return models.SideBid
	}
	return models.SideAsk
}

func (e Event) validate() error {
	fill, out := e.IsFill(), e.IsOut()
	switch {
	case fill && out:
		return fmt.Errorf("flags %#x mark both fill and out", e.Flags)
	case !fill && !out:
		return fmt.Errorf("flags %#x mark neither fill nor out", e.Flags)
	case fill && e.Flags&EventReleaseFunds != 0:
		return fmt.Errorf("flags %#x release funds on a fill", e.Flags)
	}
	return nil
}

// EventQueue is a decoded event queue account. Events are ordered oldest first.
type EventQueue struct {
	AccountFlags uint64
	Head         uint64
	Count        uint64
	SeqNum       uint64
	Capacity     int
	Events       []Event
	Warnings     []Warning
}

// MinSeq is the sequence number of the oldest entry still held by the ring.
func (q *EventQueue) MinSeq() uint64 {
	return q.SeqNum - q.Count
}

// MaxSeq is the sequence number of the newest entry, or MinSeq-1 when empty.
func (q *EventQueue) MaxSeq() uint64 {
	return q.SeqNum - 1
}

// Empty reports whether the ring holds no entries.
func (q *EventQueue) Empty() bool {
	return q.Count == 0
}

// DecodeEventQueue decodes an event queue account. Entries with an invalid
// flag combination are skipped and reported in Warnings.
func DecodeEventQueue(data []byte) (*EventQueue, error) {
	flags, body, err := unwrapAccount(eventQueueLayout, data, FlagInitialized|FlagEventQueue)
	if err != nil {
		return nil, err
	}
	if len(body) < eventQueueHeaderLen {
		return nil, decodeErr(eventQueueLayout, bodyOffset, "header needs %d bytes, have %d", eventQueueHeaderLen, len(body))
	}

	q := &EventQueue{
		AccountFlags: flags,
		Head:         le.Uint64(body[0:]),
		Count:        le.Uint64(body[8:]),
		SeqNum:       le.Uint64(body[16:]),
	}
	ring := body[eventQueueHeaderLen:]
	q.Capacity = len(ring) / eventLen

	switch {
	case q.Capacity == 0:
		return nil, decodeErr(eventQueueLayout, bodyOffset+eventQueueHeaderLen, "ring has no room for a single event")
	case q.Count > uint64(q.Capacity):
		return nil, decodeErr(eventQueueLayout, bodyOffset+8, "count %d exceeds capacity %d", q.Count, q.Capacity)
	case q.Head >= uint64(q.Capacity):
		return nil, decodeErr(eventQueueLayout, bodyOffset, "head %d outside capacity %d", q.Head, q.Capacity)
	case q.Count > q.SeqNum:
		return nil, decodeErr(eventQueueLayout, bodyOffset+16, "count %d exceeds seq_num %d", q.Count, q.SeqNum)
	}

	q.Events = make([]Event, 0, q.Count)
	first := q.MinSeq()
	for i := uint64(0); i < q.Count; i++ {
		slot := int((q.Head + i) % uint64(q.Capacity))
		ev := decodeEvent(ring[slot*eventLen : (slot+1)*eventLen])
		ev.Seq = first + i
		if err := ev.validate(); err != nil {
			q.Warnings = append(q.Warnings, Warning{Index: slot, Reason: fmt.Sprintf("seq %d: %v", ev.Seq, err)})
			continue
		}
		q.Events = append(q.Events, ev)
	}
	return q, nil
}

func decodeEvent(b []byte) Event {
	return Event{
		Flags:             b[0],
		OwnerSlot:         b[1],
		FeeTier:           b[2],
		NativeQtyReleased: le.Uint64(b[8:]),
		NativeQtyPaid:     le.Uint64(b[16:]),
		NativeFeeOrRebate: le.Uint64(b[24:]),
		OrderID:           u128String(b[32:48]),
		Owner:             readKey(b[48:80]),
		ClientOrderID:     le.Uint64(b[80:]),
	}
}

// FillsAfter converts the fill entries with a sequence above watermark into
// FillEvents. Fills whose quantities cannot be priced are skipped with a warning.
func (q *EventQueue) FillsAfter(conv *Converter, watermark uint64, slot uint64, ts time.Time) ([]models.FillEvent, []Warning) {
	return conv.Fills(q.After(watermark), slot, ts)
}

// After returns the entries with a sequence above watermark, oldest first.
func (q *EventQueue) After(watermark uint64) []Event {
	out := make([]Event, 0, len(q.Events))
	for _, ev := range q.Events {
		if ev.Seq > watermark {
			out = append(out, ev)
		}
	}
	return out
}

// DecodeFills decodes an event queue account and returns the fills newer than
// watermark together with every entry-level warning.
func DecodeFills(data []byte, conv *Converter, watermark uint64, slot uint64, ts time.Time) ([]models.FillEvent, []Warning, error) {
	q, err := DecodeEventQueue(data)
	if err != nil {
		return nil, nil, err
	}
	fills, warnings := q.FillsAfter(conv, watermark, slot, ts)
	return fills, append(q.Warnings, warnings...), nil
}
