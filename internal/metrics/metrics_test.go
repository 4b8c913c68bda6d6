package metrics

import (
	"errors"
	"sync"
	"testing"

	"dexflow/logger"
)

func TestReportRouter(t *testing.T) {
	ReportRouter(logger.GetLogger(), RouterStats{Routed: 3, Markets: 1, InboxLen: 1, InboxCap: 8})
	ReportRouter(logger.GetLogger(), RouterStats{InboxDropped: 1})
}

func TestReportWriterEmitsCounters(t *testing.T) {
	resetMetricHandlers()

	var mu sync.Mutex
	names := map[string]bool{}
	id := RegisterMetricHandler(func(m Metric) {
		mu.Lock()
		names[m.Name] = true
		mu.Unlock()
	})
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	ReportWriter(logger.GetLogger(), "archive", WriterStats{BatchesWritten: 2, FilesWritten: 2, BytesWritten: 10, ErrorsCount: 1})

	mu.Lock()
	defer mu.Unlock()
	for _, n := range []string{"batches_written", "files_written", "bytes_written", "errors_count", "error_rate"} {
		if !names[n] {
			t.Fatalf("metric %s not emitted: %v", n, names)
		}
	}
}

type fakeBuffer struct{ n, c int }

func (b fakeBuffer) Len() int { return b.n }
func (b fakeBuffer) Cap() int { return b.c }

func TestEmitBufferSizes(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 4)
	id := RegisterMetricHandler(func(m Metric) { events <- m })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	buffers := map[string]Buffer{"updates": fakeBuffer{n: 3, c: 10}}
	emitBufferSizes(logger.GetLogger(), []string{"updates"}, buffers)

	m := <-events
	if m.Name != "updates_buffer_length" || m.Value != 3 || m.Fields["capacity"] != 10 {
		t.Fatalf("unexpected metric: %+v", m)
	}
}

// sample reads one series from the registry. Labels are given sorted by label name.
func sample(t *testing.T, name string, labels ...string) float64 {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			pairs := m.GetLabel()
			if len(pairs) != len(labels) {
				continue
			}
			for i, p := range pairs {
				if p.GetValue() != labels[i] {
					continue series
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func TestObserveCounters(t *testing.T) {
	before := sample(t, "dexflow_fills_total", "TEST-M")
	ObserveFills("TEST-M", 2)
	ObserveFills("TEST-M", 0)
	if got := sample(t, "dexflow_fills_total", "TEST-M"); got != before+2 {
		t.Fatalf("fills = %v, want %v", got, before+2)
	}

	okBefore := sample(t, "dexflow_publish_total", ResultOK, "summary")
	errBefore := sample(t, "dexflow_publish_total", ResultError, "summary")
	ObservePublish("summary", nil)
	ObservePublish("summary", errors.New("boom"))
	if got := sample(t, "dexflow_publish_total", ResultOK, "summary"); got != okBefore+1 {
		t.Fatalf("ok publishes = %v", got)
	}
	if got := sample(t, "dexflow_publish_total", ResultError, "summary"); got != errBefore+1 {
		t.Fatalf("failed publishes = %v", got)
	}

	SetStreamConnected(true)
	if sample(t, "dexflow_stream_connected") != 1 {
		t.Fatalf("stream gauge not set")
	}
	SetStreamConnected(false)
	if sample(t, "dexflow_stream_connected") != 0 {
		t.Fatalf("stream gauge not cleared")
	}
}

func TestDropMetricsReachPrometheus(t *testing.T) {
	resetMetricHandlers()
	id := RegisterMetricHandler(countDrop)
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	before := sample(t, "dexflow_dropped_total", "DROP-M", string(DropMetricRouterInbox))
	EmitDropMetric(nil, DropMetricRouterInbox, "DROP-M", "bids", "router")
	EmitMetric(nil, "router", string(DropMetricRouterInbox), 1, "counter", logger.Fields{"market": "DROP-M"})

	if got := sample(t, "dexflow_dropped_total", "DROP-M", string(DropMetricRouterInbox)); got != before+1 {
		t.Fatalf("dropped = %v, want %v", got, before+1)
	}
}
