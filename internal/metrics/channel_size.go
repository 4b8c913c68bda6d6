package metrics

import (
	"context"
	"sort"
	"time"

	"dexflow/logger"
)

// Buffer is anything with a bounded queue worth watching.
type Buffer interface {
	Len() int
	Cap() int
}

// StartChannelSizeMetrics emits a <name>_buffer_length gauge for each buffer
// every interval until ctx is cancelled. A non-positive interval means one
// second.
func StartChannelSizeMetrics(ctx context.Context, buffers map[string]Buffer, interval time.Duration) {
	if !IsFeatureEnabled(FeatureChannelSize) || len(buffers) == 0 {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	names := make([]string, 0, len(buffers))
	for name, b := range buffers {
		if b != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				emitBufferSizes(log, names, buffers)
			}
		}
	}()
}

func emitBufferSizes(log *logger.Log, names []string, buffers map[string]Buffer) {
	for _, name := range names {
		b := buffers[name]
		EmitMetric(log, "channel_buffers", name+"_buffer_length", b.Len(), "gauge", logger.Fields{
			"buffer":   name,
			"capacity": b.Cap(),
		})
	}
}
