package storage

import (
	"context"
	"errors"

	"dexflow/internal/models"
)

// Multi writes to every gateway in order. A failing gateway does not stop
// the writes to the others; the errors are joined.
type Multi struct {
	gateways []Gateway
}

func NewMulti(gateways ...Gateway) *Multi {
	return &Multi{gateways: gateways}
}

func (m *Multi) UpsertTrade(ctx context.Context, t models.Trade) error {
	var errs []error
	for _, g := range m.gateways {
		if err := g.UpsertTrade(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) UpsertCandle(ctx context.Context, c models.Candle) error {
	var errs []error
	for _, g := range m.gateways {
		if err := g.UpsertCandle(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for _, g := range m.gateways {
		if err := g.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
