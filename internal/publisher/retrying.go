package publisher

import (
	"context"
	"time"

	"dexflow/internal/metrics"
	"dexflow/internal/retry"
	"dexflow/logger"
)

// Retrying retries failed publishes with exponential backoff.
type Retrying struct {
	next   Publisher
	policy retry.Policy
	log    *logger.Entry
}

func NewRetrying(next Publisher, policy retry.Policy) *Retrying {
	return &Retrying{
		next:   next,
		policy: policy,
		log:    logger.GetLogger().WithComponent("publisher"),
	}
}

func (r *Retrying) Publish(ctx context.Context, channel string, payload []byte) error {
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		return r.next.Publish(ctx, channel, payload)
	}, func(attempt int, delay time.Duration, err error) {
		r.log.WithError(err).WithFields(logger.Fields{
			"channel": channel,
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn("publish failed, retrying")
	})
	metrics.ObservePublish(channelKind(channel), err)
	if err == nil {
		logger.IncrementPublish(len(payload))
	}
	return err
}

func (r *Retrying) Close() error {
	return r.next.Close()
}
