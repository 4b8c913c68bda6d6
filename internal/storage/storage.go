// Package storage persists trades and candles.
package storage

import (
	"context"
	"errors"
	"fmt"

	"dexflow/config"
	"dexflow/internal/models"
	"dexflow/internal/retry"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("storage closed")

// Gateway persists trades and candles. UpsertTrade is idempotent on
// (market, sequence) and UpsertCandle on (market, timeframe, bucket start).
// The S3 archive holds this only within one object; see Archive.
type Gateway interface {
	UpsertTrade(ctx context.Context, t models.Trade) error
	UpsertCandle(ctx context.Context, c models.Candle) error
	Close() error
}

// Discard accepts and drops every write.
type Discard struct{}

func (Discard) UpsertTrade(context.Context, models.Trade) error   { return nil }
func (Discard) UpsertCandle(context.Context, models.Candle) error { return nil }
func (Discard) Close() error                                      { return nil }

// New builds the gateway described by cfg: the primary store picked by the
// driver, the S3 archive when enabled, both behind a retrying wrapper.
func New(ctx context.Context, cfg config.StorageConfig, version string) (Gateway, error) {
	var stores []Gateway

	switch cfg.Driver {
	case config.DriverPostgres:
		pg, err := NewPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		stores = append(stores, pg)
	case config.DriverSQLite:
		lite, err := NewSQLite(cfg.DSN)
		if err != nil {
			return nil, err
		}
		stores = append(stores, lite)
	case config.DriverNone, "":
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}

	if cfg.Archive.Enabled {
		arch, err := NewArchive(ctx, cfg.Archive, cfg.Retry, version)
		if err != nil {
			closeAll(stores)
			return nil, err
		}
		if err := arch.Start(ctx); err != nil {
			closeAll(stores)
			return nil, err
		}
		stores = append(stores, arch)
	}

	var gw Gateway
	switch len(stores) {
	case 0:
		return Discard{}, nil
	case 1:
		gw = stores[0]
	default:
		gw = NewMulti(stores...)
	}
	return NewRetrying(gw, retry.FromConfig(cfg.Retry)), nil
}

func closeAll(stores []Gateway) {
	for _, s := range stores {
		_ = s.Close()
	}
}
