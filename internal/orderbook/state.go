package orderbook

import (
	"fmt"
	"sort"

	"dexflow/internal/models"
)

// Change is what applying one side snapshot produced. Exactly one of Snapshot
// and Diff is set; a diff may be empty when nothing moved.
type Change struct {
	Snapshot *models.OrderBookSnapshot
	Diff     *models.OrderBookDiff
}

// Publishable reports whether the change carries anything for subscribers.
func (c Change) Publishable() bool {
	return c.Snapshot != nil || (c.Diff != nil && !c.Diff.Empty())
}

type side struct {
	levels  []models.PriceLevel
	version uint64
}

// State holds the current price levels of one market. It is owned by a single
// market worker and is not safe for concurrent use.
type State struct {
	market string
	depth  int
	sides  map[models.Side]*side
}

// NewState creates an empty book. depth caps the levels kept per side; zero
// keeps every level.
func NewState(market string, depth int) *State {
	return &State{
		market: market,
		depth:  depth,
		sides:  make(map[models.Side]*side, 2),
	}
}

// Apply replaces the levels of one side and returns the full snapshot on the
// first observation of that side, or the diff against the previous levels.
// Levels with equal prices are merged and the result is sorted best first.
func (s *State) Apply(sd models.Side, levels []models.PriceLevel, version uint64) (Change, error) {
	if sd != models.SideBid && sd != models.SideAsk {
		return Change{}, fmt.Errorf("unknown side %q", sd)
	}
	next := normalize(sd, levels, s.depth)

	prev, ok := s.sides[sd]
	s.sides[sd] = &side{levels: next, version: version}

	if !ok {
		return Change{Snapshot: &models.OrderBookSnapshot{
			Market:  s.market,
			Side:    sd,
			Levels:  copyLevels(next),
			Version: version,
		}}, nil
	}

	d := diff(prev.levels, next)
	d.Market = s.market
	d.Side = sd
	d.PreviousVersion = prev.version
	d.Version = version
	return Change{Diff: &d}, nil
}

// Snapshot returns a copy of the current levels of one side.
func (s *State) Snapshot(sd models.Side) (models.OrderBookSnapshot, bool) {
	cur, ok := s.sides[sd]
	if !ok {
		return models.OrderBookSnapshot{}, false
	}
	return models.OrderBookSnapshot{
		Market:  s.market,
		Side:    sd,
		Levels:  copyLevels(cur.levels),
		Version: cur.version,
	}, true
}

// Reset forgets one side so the next Apply yields a full snapshot.
func (s *State) Reset(sd models.Side) {
	delete(s.sides, sd)
}

func better(sd models.Side, a, b uint64) bool {
	if sd == models.SideBid {
		return a > b
	}
	return a < b
}

func normalize(sd models.Side, levels []models.PriceLevel, depth int) []models.PriceLevel {
	merged := make(map[uint64]int, len(levels))
	out := make([]models.PriceLevel, 0, len(levels))
	for _, l := range levels {
		if i, ok := merged[l.PriceLots]; ok {
			out[i].SizeLots += l.SizeLots
			out[i].Size = out[i].Size.Add(l.Size)
			out[i].OrderCount += l.OrderCount
			continue
		}
		merged[l.PriceLots] = len(out)
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool { return better(sd, out[i].PriceLots, out[j].PriceLots) })
	if depth > 0 && len(out) > depth {
		out = out[:depth]
	}
	return out
}

// diff matches levels by price. Each output list keeps book order.
func diff(prev, next []models.PriceLevel) models.OrderBookDiff {
	var d models.OrderBookDiff
	prevBy := make(map[uint64]models.PriceLevel, len(prev))
	for _, l := range prev {
		prevBy[l.PriceLots] = l
	}
	for _, l := range next {
		old, ok := prevBy[l.PriceLots]
		switch {
		case !ok:
			d.Added = append(d.Added, l)
		case !old.Equal(l):
			d.Changed = append(d.Changed, l)
		}
		delete(prevBy, l.PriceLots)
	}
	for _, l := range prev {
		if _, gone := prevBy[l.PriceLots]; gone {
			d.Removed = append(d.Removed, l)
		}
	}
	return d
}

func copyLevels(levels []models.PriceLevel) []models.PriceLevel {
	out := make([]models.PriceLevel, len(levels))
	copy(out, levels)
	return out
}
