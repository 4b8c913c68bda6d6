package channel

import (
	"context"
	"sync"

	"dexflow/internal/metrics"
	"dexflow/internal/models"
	"dexflow/logger"
)

type UpdateStats struct {
	Sent    int64
	Dropped int64
}

// Updates carries raw account notifications from the stream to the router.
type Updates struct {
	C chan models.RawAccountUpdate

	stats      UpdateStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewUpdates(bufferSize int) *Updates {
	log := logger.GetLogger()
	u := &Updates{
		C:   make(chan models.RawAccountUpdate, bufferSize),
		log: log,
	}

	log.WithComponent("update_channel").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("update channel initialized")

	return u
}

// Close closes the channel once. Senders must have stopped.
func (u *Updates) Close() {
	u.closeOnce.Do(func() {
		close(u.C)
		u.log.WithComponent("update_channel").Info("update channel closed")
	})
}

func (u *Updates) Len() int { return len(u.C) }
func (u *Updates) Cap() int { return cap(u.C) }

// Send blocks until the update is queued or ctx is done. An update abandoned
// because of cancellation counts as dropped.
func (u *Updates) Send(ctx context.Context, upd models.RawAccountUpdate) bool {
	select {
	case u.C <- upd:
		u.incrementSent()
		return true
	default:
	}

	select {
	case u.C <- upd:
		u.incrementSent()
		return true
	case <-ctx.Done():
		u.incrementDropped()
		metrics.EmitDropMetric(u.log, metrics.DropMetricAccountUpdate, upd.MarketID, string(upd.Role), "update_channel")
		return false
	}
}

// TrySend queues the update only if there is room.
func (u *Updates) TrySend(upd models.RawAccountUpdate) bool {
	select {
	case u.C <- upd:
		u.incrementSent()
		return true
	default:
		u.incrementDropped()
		metrics.EmitDropMetric(u.log, metrics.DropMetricAccountUpdate, upd.MarketID, string(upd.Role), "update_channel_full")
		return false
	}
}

func (u *Updates) incrementSent() {
	u.statsMutex.Lock()
	u.stats.Sent++
	u.statsMutex.Unlock()
}

func (u *Updates) incrementDropped() {
	u.statsMutex.Lock()
	u.stats.Dropped++
	u.statsMutex.Unlock()
}

func (u *Updates) GetStats() UpdateStats {
	u.statsMutex.RLock()
	defer u.statsMutex.RUnlock()
	return u.stats
}
