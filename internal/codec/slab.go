package codec

import (
	"fmt"

	"dexflow/internal/models"
)

const (
	slabLayout    = "slab"
	slabHeaderLen = 32
	slabNodeLen   = 72
)

// Node tags.
const (
	tagUninitialized uint32 = 0
	tagInner         uint32 = 1
	tagLeaf          uint32 = 2
	tagFree          uint32 = 3
	tagLastFree      uint32 = 4
)

// SlabHeader is the fixed header in front of the node arena.
type SlabHeader struct {
	BumpIndex    uint64
	FreeListLen  uint64
	FreeListHead uint32
	Root         uint32
	LeafCount    uint64
}

// Order is one resting order read from a slab leaf.
type Order struct {
	PriceLots     uint64
	Quantity      uint64
	OrderID       string
	Owner         PublicKey
	OwnerSlot     uint8
	FeeTier       uint8
	ClientOrderID uint64
}

// Slab is the decoded order tree of one book side. Orders are sorted best
// price first: descending for bids, ascending for asks.
type Slab struct {
	AccountFlags uint64
	Side         models.Side
	Header       SlabHeader
	NodeCount    int
	Orders       []Order
	Warnings     []Warning
}

// arena addresses nodes by index into the raw account bytes.
type arena []byte

func (a arena) offset(i uint32) int { return slabHeaderLen + int(i)*slabNodeLen }

func (a arena) tag(i uint32) uint32 { return le.Uint32(a[a.offset(i):]) }

func (a arena) children(i uint32) (uint32, uint32) {
	off := a.offset(i)
	return le.Uint32(a[off+24:]), le.Uint32(a[off+28:])
}

func (a arena) leaf(i uint32) Order {
	off := a.offset(i)
	return Order{
		OwnerSlot:     a[off+4],
		FeeTier:       a[off+5],
		OrderID:       u128String(a[off+8 : off+24]),
		PriceLots:     le.Uint64(a[off+16:]),
		Owner:         readKey(a[off+24 : off+56]),
		Quantity:      le.Uint64(a[off+56:]),
		ClientOrderID: le.Uint64(a[off+64:]),
	}
}

// DecodeSlab decodes a bids or asks account. The tree is walked in place using
// node indices into the account bytes; no node structures are allocated.
func DecodeSlab(data []byte, side models.Side) (*Slab, error) {
	var required uint64
	switch side {
	case models.SideBid:
		required = FlagInitialized | FlagBids
	case models.SideAsk:
		required = FlagInitialized | FlagAsks
	default:
		return nil, decodeErr(slabLayout, -1, "unknown side %q", side)
	}

	flags, body, err := unwrapAccount(slabLayout, data, required)
	if err != nil {
		return nil, err
	}
	if len(body) < slabHeaderLen {
		return nil, decodeErr(slabLayout, bodyOffset, "header needs %d bytes, have %d", slabHeaderLen, len(body))
	}

	s := &Slab{
		AccountFlags: flags,
		Side:         side,
		Header: SlabHeader{
			BumpIndex:    le.Uint64(body[0:]),
			FreeListLen:  le.Uint64(body[8:]),
			FreeListHead: le.Uint32(body[16:]),
			Root:         le.Uint32(body[20:]),
			LeafCount:    le.Uint64(body[24:]),
		},
		NodeCount: (len(body) - slabHeaderLen) / slabNodeLen,
	}

	if s.Header.LeafCount > uint64(s.NodeCount) {
		return nil, decodeErr(slabLayout, bodyOffset+24, "leaf count %d exceeds %d nodes", s.Header.LeafCount, s.NodeCount)
	}
	if s.Header.LeafCount == 0 {
		return s, nil
	}
	if int(s.Header.Root) >= s.NodeCount {
		return nil, decodeErr(slabLayout, bodyOffset+20, "root %d outside %d nodes", s.Header.Root, s.NodeCount)
	}

	s.walk(arena(body[:slabHeaderLen+s.NodeCount*slabNodeLen]))
	if uint64(len(s.Orders)) != s.Header.LeafCount {
		s.Warnings = append(s.Warnings, Warning{
			Index:  int(s.Header.Root),
			Reason: fmt.Sprintf("walked %d leaves, header declares %d", len(s.Orders), s.Header.LeafCount),
		})
	}
	return s, nil
}

// walk visits leaves in price order with an explicit stack. Each node is
// visited at most once so a corrupted tree cannot loop.
func (s *Slab) walk(a arena) {
	visited := make([]bool, s.NodeCount)
	stack := []uint32{s.Header.Root}
	s.Orders = make([]Order, 0, s.Header.LeafCount)

	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if int(i) >= s.NodeCount {
			s.Warnings = append(s.Warnings, Warning{Index: int(i), Reason: "child index outside arena"})
			continue
		}
		if visited[i] {
			s.Warnings = append(s.Warnings, Warning{Index: int(i), Reason: "node reached twice"})
			continue
		}
		visited[i] = true

		switch tag := a.tag(i); tag {
		case tagInner:
			lo, hi := a.children(i)
			// The stack is LIFO: push the side to visit last first.
			if s.Side == models.SideBid {
				stack = append(stack, lo, hi)
			} else {
				stack = append(stack, hi, lo)
			}
		case tagLeaf:
			s.Orders = append(s.Orders, a.leaf(i))
		case tagFree, tagLastFree, tagUninitialized:
			s.Warnings = append(s.Warnings, Warning{Index: int(i), Reason: fmt.Sprintf("unexpected tag %d in tree", tag)})
		default:
			s.Warnings = append(s.Warnings, Warning{Index: int(i), Reason: fmt.Sprintf("unknown tag %d", tag)})
		}
	}
}
