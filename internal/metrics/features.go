package metrics

import (
	"strings"
	"sync/atomic"

	"dexflow/config"
)

// Feature gates a family of metrics.
type Feature string

const (
	// FeatureChannelSize covers buffer occupancy gauges.
	FeatureChannelSize Feature = "channel_size"
)

var channelSizeEnabled atomic.Bool

func init() {
	channelSizeEnabled.Store(true)
}

// Configure applies the metrics section of the configuration.
func Configure(cfg config.MetricsConfig) {
	channelSizeEnabled.Store(cfg.ChannelSize)
}

func IsFeatureEnabled(f Feature) bool {
	switch f {
	case FeatureChannelSize:
		return channelSizeEnabled.Load()
	default:
		return true
	}
}

// featureForMetric maps a metric name to the feature that gates it.
func featureForMetric(name string) (Feature, bool) {
	if strings.HasSuffix(name, "_buffer_length") {
		return FeatureChannelSize, true
	}
	return "", false
}
