package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/lib/pq"

	"dexflow/internal/models"
	"dexflow/logger"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS trades (
	market      TEXT           NOT NULL,
	sequence    NUMERIC(20, 0) NOT NULL,
	side        TEXT           NOT NULL,
	price       NUMERIC        NOT NULL,
	size        NUMERIC        NOT NULL,
	price_lots  NUMERIC        NOT NULL,
	size_lots   NUMERIC        NOT NULL,
	maker       BOOLEAN        NOT NULL,
	order_id    TEXT           NOT NULL,
	owner       TEXT           NOT NULL,
	slot        NUMERIC(20, 0) NOT NULL,
	ts          TIMESTAMPTZ    NOT NULL,
	PRIMARY KEY (market, sequence)
);
CREATE TABLE IF NOT EXISTS candles (
	market          TEXT           NOT NULL,
	timeframe       TEXT           NOT NULL,
	bucket_start    TIMESTAMPTZ    NOT NULL,
	open            NUMERIC        NOT NULL,
	high            NUMERIC        NOT NULL,
	low             NUMERIC        NOT NULL,
	close           NUMERIC        NOT NULL,
	volume          NUMERIC        NOT NULL,
	trades          BIGINT         NOT NULL,
	first_sequence  NUMERIC(20, 0) NOT NULL,
	last_sequence   NUMERIC(20, 0) NOT NULL,
	PRIMARY KEY (market, timeframe, bucket_start)
);`

const upsertTradeSQL = `
INSERT INTO trades (market, sequence, side, price, size, price_lots, size_lots, maker, order_id, owner, slot, ts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (market, sequence) DO UPDATE SET
	side=EXCLUDED.side, price=EXCLUDED.price, size=EXCLUDED.size,
	price_lots=EXCLUDED.price_lots, size_lots=EXCLUDED.size_lots, maker=EXCLUDED.maker,
	order_id=EXCLUDED.order_id, owner=EXCLUDED.owner, slot=EXCLUDED.slot, ts=EXCLUDED.ts`

const upsertCandleSQL = `
INSERT INTO candles (market, timeframe, bucket_start, open, high, low, close, volume, trades, first_sequence, last_sequence)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (market, timeframe, bucket_start) DO UPDATE SET
	open=EXCLUDED.open, high=EXCLUDED.high, low=EXCLUDED.low, close=EXCLUDED.close,
	volume=EXCLUDED.volume, trades=EXCLUDED.trades,
	first_sequence=EXCLUDED.first_sequence, last_sequence=EXCLUDED.last_sequence`

// Postgres stores trades and candles through lib/pq.
type Postgres struct {
	db  *sql.DB
	log *logger.Entry
}

// NewPostgres connects to dsn and creates the tables when missing.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := &Postgres{db: db, log: logger.GetLogger().WithComponent("postgres")}
	if err := p.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	p.log.Info("postgres store ready")
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, postgresSchema); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		return nil
	})
}

// executeWithTransaction runs fn in a transaction, rolling back when it fails.
func (p *Postgres) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (p *Postgres) UpsertTrade(ctx context.Context, t models.Trade) error {
	_, err := p.db.ExecContext(ctx, upsertTradeSQL,
		t.Market, strconv.FormatUint(t.Sequence, 10), string(t.Side),
		t.Price, t.Size, t.PriceLots, t.SizeLots, t.Maker,
		t.OrderID, t.Owner, strconv.FormatUint(t.Slot, 10), t.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("upsert trade %s: %w", t.Key(), err)
	}
	return nil
}

func (p *Postgres) UpsertCandle(ctx context.Context, c models.Candle) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid candle %s: %w", c.Key(), err)
	}
	_, err := p.db.ExecContext(ctx, upsertCandleSQL,
		c.Market, c.Timeframe, c.BucketStart.UTC(),
		c.Open, c.High, c.Low, c.Close, c.Volume, c.Trades,
		strconv.FormatUint(c.FirstSequence, 10), strconv.FormatUint(c.LastSequence, 10))
	if err != nil {
		return fmt.Errorf("upsert candle %s: %w", c.Key(), err)
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
