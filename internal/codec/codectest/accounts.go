// Package codectest encodes program accounts for tests.
package codectest

import (
	"encoding/binary"
	"sort"
)

var le = binary.LittleEndian

const (
	FlagInitialized uint64 = 1 << 0
	FlagMarket      uint64 = 1 << 1
	FlagEventQueue  uint64 = 1 << 4
	FlagBids        uint64 = 1 << 5
	FlagAsks        uint64 = 1 << 6

	EventFill  uint8 = 1 << 0
	EventOut   uint8 = 1 << 1
	EventBid   uint8 = 1 << 2
	EventMaker uint8 = 1 << 3
)

func wrap(flags uint64, body []byte) []byte {
	out := make([]byte, 0, 5+8+len(body)+7)
	out = append(out, "serum"...)
	out = le.AppendUint64(out, flags)
	out = append(out, body...)
	return append(out, "padding"...)
}

// Event is one event queue entry.
type Event struct {
	Flags         uint8
	OwnerSlot     uint8
	Released      uint64
	Paid          uint64
	FeeOrRebate   uint64
	OrderID       uint64
	Owner         [32]byte
	ClientOrderID uint64
}

// MakerFill returns a maker fill. base and quote are native token amounts.
func MakerFill(bid bool, base, quote uint64) Event {
	ev := Event{Flags: EventFill | EventMaker}
	if bid {
		ev.Flags |= EventBid
		ev.Released, ev.Paid = base, quote
	} else {
		ev.Paid, ev.Released = base, quote
	}
	return ev
}

// TakerFill returns the taker side of a fill with no fee charged.
func TakerFill(bid bool, base, quote uint64) Event {
	ev := MakerFill(bid, base, quote)
	ev.Flags &^= EventMaker
	return ev
}

// Out returns an order removal entry.
func Out(bid bool) Event {
	ev := Event{Flags: EventOut}
	if bid {
		ev.Flags |= EventBid
	}
	return ev
}

// EventQueue encodes an event queue account with the given ring capacity.
// events are laid out starting at head; seqNum is the total number of events
// ever pushed, so the last entry gets sequence seqNum-1.
func EventQueue(capacity int, head, seqNum uint64, events []Event) []byte {
	body := make([]byte, 24+capacity*88)
	le.PutUint64(body[0:], head)
	le.PutUint64(body[8:], uint64(len(events)))
	le.PutUint64(body[16:], seqNum)
	for i, ev := range events {
		slot := (int(head) + i) % capacity
		b := body[24+slot*88 : 24+(slot+1)*88]
		b[0] = ev.Flags
		b[1] = ev.OwnerSlot
		le.PutUint64(b[8:], ev.Released)
		le.PutUint64(b[16:], ev.Paid)
		le.PutUint64(b[24:], ev.FeeOrRebate)
		le.PutUint64(b[32:], ev.OrderID)
		copy(b[48:80], ev.Owner[:])
		le.PutUint64(b[80:], ev.ClientOrderID)
	}
	return wrap(FlagInitialized|FlagEventQueue, body)
}

// Order is one resting order to place in a slab.
type Order struct {
	PriceLots uint64
	Quantity  uint64
	Seq       uint64
	Owner     [32]byte
}

// Slab encodes a bids or asks account holding orders as a binary tree.
// spare appends that many free nodes after the tree.
func Slab(bids bool, orders []Order, spare int) []byte {
	sorted := append([]Order(nil), orders...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].PriceLots != sorted[j].PriceLots {
			return sorted[i].PriceLots < sorted[j].PriceLots
		}
		return sorted[i].Seq < sorted[j].Seq
	})

	var nodes [][]byte
	var build func(lo, hi int) uint32
	build = func(lo, hi int) uint32 {
		idx := uint32(len(nodes))
		n := make([]byte, 72)
		nodes = append(nodes, n)
		if hi-lo == 1 {
			o := sorted[lo]
			le.PutUint32(n[0:], 2)
			le.PutUint64(n[8:], o.Seq)
			le.PutUint64(n[16:], o.PriceLots)
			copy(n[24:56], o.Owner[:])
			le.PutUint64(n[56:], o.Quantity)
			return idx
		}
		mid := (lo + hi) / 2
		le.PutUint32(n[0:], 1)
		left := build(lo, mid)
		right := build(mid, hi)
		le.PutUint32(n[24:], left)
		le.PutUint32(n[28:], right)
		return idx
	}
	if len(sorted) > 0 {
		build(0, len(sorted))
	}
	for i := 0; i < spare; i++ {
		n := make([]byte, 72)
		le.PutUint32(n[0:], 3)
		nodes = append(nodes, n)
	}

	body := make([]byte, 32, 32+len(nodes)*72)
	le.PutUint64(body[0:], uint64(len(nodes)-spare))
	le.PutUint32(body[20:], 0)
	le.PutUint64(body[24:], uint64(len(sorted)))
	for _, n := range nodes {
		body = append(body, n...)
	}

	flags := FlagInitialized | FlagAsks
	if bids {
		flags = FlagInitialized | FlagBids
	}
	return wrap(flags, body)
}

// SlabRoot overwrites the root index of an encoded slab account.
func SlabRoot(data []byte, root uint32) {
	le.PutUint32(data[13+20:], root)
}

// SlabLeafCount overwrites the declared leaf count of an encoded slab account.
func SlabLeafCount(data []byte, count uint64) {
	le.PutUint64(data[13+24:], count)
}

// SlabChild overwrites one child pointer of the inner node at index node.
func SlabChild(data []byte, node uint32, child int, to uint32) {
	off := 13 + 32 + int(node)*72 + 24 + child*4
	le.PutUint32(data[off:], to)
}

// MarketState describes the fields written into a market account.
type MarketState struct {
	OwnAddress   [32]byte
	BaseMint     [32]byte
	QuoteMint    [32]byte
	EventQueue   [32]byte
	Bids         [32]byte
	Asks         [32]byte
	BaseLotSize  uint64
	QuoteLotSize uint64
}

// Market encodes a market account.
func Market(m MarketState) []byte {
	words := make([]byte, 46*8)
	put := func(i int, k [32]byte) { copy(words[(i-1)*8:], k[:]) }
	put(1, m.OwnAddress)
	put(6, m.BaseMint)
	put(10, m.QuoteMint)
	put(31, m.EventQueue)
	put(35, m.Bids)
	put(39, m.Asks)
	le.PutUint64(words[42*8:], m.BaseLotSize)
	le.PutUint64(words[43*8:], m.QuoteLotSize)
	return wrap(FlagInitialized|FlagMarket, words)
}

// Key returns a deterministic 32-byte key filled with b.
func Key(b byte) [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = b
	}
	return k
}

// Mint encodes an initialized SPL token mint with the given decimals.
func Mint(decimals uint8) []byte {
	b := make([]byte, 82)
	b[44] = decimals
	b[45] = 1
	return b
}
