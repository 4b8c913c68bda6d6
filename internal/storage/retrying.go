package storage

import (
	"context"
	"errors"
	"time"

	"dexflow/internal/metrics"
	"dexflow/internal/models"
	"dexflow/internal/retry"
	"dexflow/logger"
)

// Retrying retries failed writes with exponential backoff. Writes against a
// closed gateway are not retried.
type Retrying struct {
	next   Gateway
	policy retry.Policy
	log    *logger.Entry
}

func NewRetrying(next Gateway, policy retry.Policy) *Retrying {
	return &Retrying{
		next:   next,
		policy: policy,
		log:    logger.GetLogger().WithComponent("storage"),
	}
}

func (r *Retrying) UpsertTrade(ctx context.Context, t models.Trade) error {
	err := r.do(ctx, "trade", t.Key(), func(ctx context.Context) error {
		return r.next.UpsertTrade(ctx, t)
	})
	metrics.ObservePersist("trade", err)
	return err
}

func (r *Retrying) UpsertCandle(ctx context.Context, c models.Candle) error {
	err := r.do(ctx, "candle", c.Key(), func(ctx context.Context) error {
		return r.next.UpsertCandle(ctx, c)
	})
	metrics.ObservePersist("candle", err)
	return err
}

func (r *Retrying) Close() error {
	return r.next.Close()
}

func (r *Retrying) do(ctx context.Context, kind, key string, fn func(context.Context) error) error {
	return retry.Do(ctx, r.policy, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, ErrClosed) {
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, delay time.Duration, err error) {
		r.log.WithError(err).WithFields(logger.Fields{
			"kind":    kind,
			"key":     key,
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn("write failed, retrying")
	})
}
