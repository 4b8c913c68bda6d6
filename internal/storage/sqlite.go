package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"dexflow/internal/models"
)

// tradeRow is the sqlite layout of a trade. Decimals are kept as text.
type tradeRow struct {
	Market    string `gorm:"primaryKey"`
	Sequence  uint64 `gorm:"primaryKey;autoIncrement:false"`
	Side      string
	Price     string
	Size      string
	PriceLots string
	SizeLots  string
	Maker     bool
	OrderID   string
	Owner     string
	Slot      uint64
	Timestamp time.Time `gorm:"index"`
}

func (tradeRow) TableName() string { return "trades" }

type candleRow struct {
	Market        string    `gorm:"primaryKey"`
	Timeframe     string    `gorm:"primaryKey"`
	BucketStart   time.Time `gorm:"primaryKey"`
	Open          string
	High          string
	Low           string
	Close         string
	Volume        string
	Trades        int64
	FirstSequence uint64
	LastSequence  uint64
}

func (candleRow) TableName() string { return "candles" }

// SQLite stores trades and candles in a local file through gorm.
type SQLite struct {
	db *gorm.DB
}

// NewSQLite opens or creates the database at path.
func NewSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&tradeRow{}, &candleRow{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) UpsertTrade(ctx context.Context, t models.Trade) error {
	row := tradeRow{
		Market:    t.Market,
		Sequence:  t.Sequence,
		Side:      string(t.Side),
		Price:     t.Price.String(),
		Size:      t.Size.String(),
		PriceLots: t.PriceLots.String(),
		SizeLots:  t.SizeLots.String(),
		Maker:     t.Maker,
		OrderID:   t.OrderID,
		Owner:     t.Owner,
		Slot:      t.Slot,
		Timestamp: t.Timestamp.UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "market"}, {Name: "sequence"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert trade %s: %w", t.Key(), err)
	}
	return nil
}

func (s *SQLite) UpsertCandle(ctx context.Context, c models.Candle) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid candle %s: %w", c.Key(), err)
	}
	row := candleRow{
		Market:        c.Market,
		Timeframe:     c.Timeframe,
		BucketStart:   c.BucketStart.UTC(),
		Open:          c.Open.String(),
		High:          c.High.String(),
		Low:           c.Low.String(),
		Close:         c.Close.String(),
		Volume:        c.Volume.String(),
		Trades:        c.Trades,
		FirstSequence: c.FirstSequence,
		LastSequence:  c.LastSequence,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "market"}, {Name: "timeframe"}, {Name: "bucket_start"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert candle %s: %w", c.Key(), err)
	}
	return nil
}

// Trades returns the stored trades of market ordered by sequence.
func (s *SQLite) Trades(ctx context.Context, market string) ([]models.Trade, error) {
	var rows []tradeRow
	if err := s.db.WithContext(ctx).Where("market = ?", market).Order("sequence").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	out := make([]models.Trade, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.Trade{FillEvent: models.FillEvent{
			Market:    r.Market,
			Sequence:  r.Sequence,
			Side:      models.Side(r.Side),
			Price:     parseDecimal(r.Price),
			Size:      parseDecimal(r.Size),
			PriceLots: parseDecimal(r.PriceLots),
			SizeLots:  parseDecimal(r.SizeLots),
			Maker:     r.Maker,
			OrderID:   r.OrderID,
			Owner:     r.Owner,
			Slot:      r.Slot,
			Timestamp: r.Timestamp.UTC(),
		}})
	}
	return out, nil
}

// Candles returns the stored candles of one market and timeframe ordered by bucket.
func (s *SQLite) Candles(ctx context.Context, market, timeframe string) ([]models.Candle, error) {
	var rows []candleRow
	err := s.db.WithContext(ctx).
		Where("market = ? AND timeframe = ?", market, timeframe).
		Order("bucket_start").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	out := make([]models.Candle, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.Candle{
			Market:        r.Market,
			Timeframe:     r.Timeframe,
			BucketStart:   r.BucketStart.UTC(),
			Open:          parseDecimal(r.Open),
			High:          parseDecimal(r.High),
			Low:           parseDecimal(r.Low),
			Close:         parseDecimal(r.Close),
			Volume:        parseDecimal(r.Volume),
			Trades:        r.Trades,
			FirstSequence: r.FirstSequence,
			LastSequence:  r.LastSequence,
		})
	}
	return out, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
