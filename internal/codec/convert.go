package codec

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"dexflow/internal/models"
)

// Converter turns native token amounts and lot counts of one market into
// human readable prices and sizes.
type Converter struct {
	market      models.Market
	baseFactor  decimal.Decimal
	quoteFactor decimal.Decimal
	baseLot     decimal.Decimal
	quoteLot    decimal.Decimal
}

// NewConverter builds a converter from the market's decimals and lot sizes.
func NewConverter(m models.Market) (*Converter, error) {
	if m.BaseLotSize == 0 || m.QuoteLotSize == 0 {
		return nil, fmt.Errorf("market %s: lot sizes must be non-zero", m.ID)
	}
	return &Converter{
		market:      m,
		baseFactor:  tokenFactor(m.BaseDecimals),
		quoteFactor: tokenFactor(m.QuoteDecimals),
		baseLot:     decimal.NewFromInt(int64(m.BaseLotSize)),
		quoteLot:    decimal.NewFromInt(int64(m.QuoteLotSize)),
	}, nil
}

func tokenFactor(decimals uint8) decimal.Decimal {
	return decimal.New(1, int32(decimals))
}

func u64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// Price converts a price in lots to a quote-per-base price.
func (c *Converter) Price(lots uint64) decimal.Decimal {
	return u64(lots).Mul(c.quoteLot).Mul(c.baseFactor).Div(c.baseLot.Mul(c.quoteFactor))
}

// Quantity converts a size in base lots to base units.
func (c *Converter) Quantity(lots uint64) decimal.Decimal {
	return u64(lots).Mul(c.baseLot).Div(c.baseFactor)
}

// Fill prices one fill event. Fees are backed out so the price is the one the
// orders matched at.
func (c *Converter) Fill(ev Event, slot uint64, ts time.Time) (models.FillEvent, error) {
	if !ev.IsFill() {
		return models.FillEvent{}, fmt.Errorf("seq %d is not a fill", ev.Seq)
	}

	paid := u64(ev.NativeQtyPaid)
	released := u64(ev.NativeQtyReleased)
	fee := u64(ev.NativeFeeOrRebate)

	// Bids pay quote and receive base; asks pay base and receive quote.
	// Makers earn a rebate, takers pay a fee.
	var quote, base decimal.Decimal
	if ev.IsBid() {
		base = released
		if ev.IsMaker() {
			quote = paid.Add(fee)
		} else {
			quote = paid.Sub(fee)
		}
	} else {
		base = paid
		if ev.IsMaker() {
			quote = released.Sub(fee)
		} else {
			quote = released.Add(fee)
		}
	}
	if base.IsZero() {
		return models.FillEvent{}, fmt.Errorf("seq %d has zero base quantity", ev.Seq)
	}
	if quote.IsNegative() {
		return models.FillEvent{}, fmt.Errorf("seq %d has fee above quote quantity", ev.Seq)
	}

	price := quote.Mul(c.baseFactor).Div(c.quoteFactor.Mul(base))
	size := base.Div(c.baseFactor)

	return models.FillEvent{
		Market:    c.market.ID,
		Sequence:  ev.Seq,
		Side:      ev.Side(),
		Price:     price,
		Size:      size,
		PriceLots: price.Mul(c.quoteFactor).Mul(c.baseLot).Div(c.baseFactor.Mul(c.quoteLot)).Round(0),
		SizeLots:  base.Div(c.baseLot).Floor(),
		Maker:     ev.IsMaker(),
		Taker:     !ev.IsMaker(),
		OrderID:   ev.OrderID,
		Owner:     ev.Owner.String(),
		Slot:      slot,
		Timestamp: ts,
	}, nil
}

// Fills prices every fill entry in order. Out entries are ignored and fills
// that cannot be priced are reported as warnings.
func (c *Converter) Fills(events []Event, slot uint64, ts time.Time) ([]models.FillEvent, []Warning) {
	var (
		fills    []models.FillEvent
		warnings []Warning
	)
	for i, ev := range events {
		if !ev.IsFill() {
			continue
		}
		fill, err := c.Fill(ev, slot, ts)
		if err != nil {
			warnings = append(warnings, Warning{Index: i, Reason: err.Error()})
			continue
		}
		fills = append(fills, fill)
	}
	return fills, warnings
}

// Levels aggregates price-sorted orders into at most depth price levels.
// A depth of zero keeps every level.
func (c *Converter) Levels(orders []Order, depth int) []models.PriceLevel {
	levels := make([]models.PriceLevel, 0, depth)
	for _, o := range orders {
		n := len(levels)
		if n > 0 && levels[n-1].PriceLots == o.PriceLots {
			levels[n-1].SizeLots += o.Quantity
			levels[n-1].OrderCount++
			continue
		}
		if depth > 0 && n == depth {
			break
		}
		levels = append(levels, models.PriceLevel{PriceLots: o.PriceLots, SizeLots: o.Quantity, OrderCount: 1})
	}
	for i := range levels {
		levels[i].Price = c.Price(levels[i].PriceLots)
		levels[i].Size = c.Quantity(levels[i].SizeLots)
	}
	return levels
}
