// Registers dexflow_* counters plus the go_* and process_* collectors and
// serves them on the configured address under /metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dexflow/logger"
)

// Results used as label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

var (
	once     sync.Once
	registry = prometheus.NewRegistry()

	accountUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dexflow_account_updates_total",
		Help: "Account notifications routed to a market worker",
	}, []string{"market", "role"})

	decodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dexflow_decode_errors_total",
		Help: "Account payloads that failed to decode",
	}, []string{"market", "role"})

	fillsAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dexflow_fills_total",
		Help: "Fills accepted past the sequence watermark",
	}, []string{"market"})

	discontinuities = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dexflow_sequence_discontinuities_total",
		Help: "Event queue gaps and resets",
	}, []string{"market", "kind"})

	publishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dexflow_publish_total",
		Help: "Publish attempts by payload type and result",
	}, []string{"type", "result"})

	persists = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dexflow_persist_total",
		Help: "Persistence operations by record kind and result",
	}, []string{"kind", "result"})

	reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dexflow_stream_reconnects_total",
		Help: "Stream reconnect attempts",
	})

	streamConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dexflow_stream_connected",
		Help: "1 while the account stream is connected",
	})

	drops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dexflow_dropped_total",
		Help: "Updates dropped before reaching a market worker",
	}, []string{"reason", "market"})
)

func init() {
	registry.MustRegister(
		accountUpdates, decodeErrors, fillsAccepted, discontinuities,
		publishes, persists, reconnects, streamConnected, drops,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Init starts the metrics endpoint once and mirrors drop metrics into
// dexflow_dropped_total. The returned server is nil on later calls.
func Init(addr string) *http.Server {
	var srv *http.Server
	once.Do(func() {
		RegisterMetricHandler(countDrop)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.GetLogger().WithComponent("metrics").WithError(err).Error("metrics server failed")
			}
		}()
		logger.GetLogger().WithComponent("metrics").WithField("addr", addr).Info("serving prometheus metrics")
	})
	return srv
}

// Shutdown stops a server returned by Init.
func Shutdown(ctx context.Context, srv *http.Server) {
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.GetLogger().WithComponent("metrics").WithError(err).Warn("metrics server shutdown")
	}
}

// countDrop turns drop metrics emitted through EmitDropMetric into counter
// increments.
func countDrop(m Metric) {
	if m.Component != dropComponent {
		return
	}
	market, _ := m.Fields["market"].(string)
	drops.WithLabelValues(m.Name, market).Inc()
}

func ObserveAccountUpdate(market, role string) {
	accountUpdates.WithLabelValues(market, role).Inc()
}

func ObserveDecodeError(market, role string) {
	decodeErrors.WithLabelValues(market, role).Inc()
	EmitMetric(nil, "router", "decode_errors", 1, "counter", logger.Fields{"market": market, "role": role})
}

func ObserveFills(market string, n int) {
	if n <= 0 {
		return
	}
	fillsAccepted.WithLabelValues(market).Add(float64(n))
	logger.IncrementFills(n)
}

func ObserveDiscontinuity(market, kind string) {
	discontinuities.WithLabelValues(market, kind).Inc()
	EmitMetric(nil, "router", "sequence_discontinuities", 1, "counter", logger.Fields{"market": market, "kind": kind})
}

func ObservePublish(payloadType string, err error) {
	if err != nil {
		publishes.WithLabelValues(payloadType, ResultError).Inc()
		EmitMetric(nil, "publisher", "publish_failures", 1, "counter", logger.Fields{"type": payloadType})
		return
	}
	publishes.WithLabelValues(payloadType, ResultOK).Inc()
}

func ObservePersist(kind string, err error) {
	if err != nil {
		persists.WithLabelValues(kind, ResultError).Inc()
		EmitMetric(nil, "storage", "persist_failures", 1, "counter", logger.Fields{"kind": kind})
		return
	}
	persists.WithLabelValues(kind, ResultOK).Inc()
	logger.IncrementStoreWrite(1)
}

func ObserveReconnect(attempt int) {
	reconnects.Inc()
	EmitMetric(nil, "subscription", "reconnects", 1, "counter", logger.Fields{"attempt": attempt})
}

func SetStreamConnected(connected bool) {
	if connected {
		streamConnected.Set(1)
		return
	}
	streamConnected.Set(0)
}
