package metrics

import (
	"sync"
	"time"

	"dexflow/logger"
)

// Metric is one emitted measurement as seen by registered handlers. Fields
// holds only the caller supplied fields.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

// MetricHandler runs synchronously on the emitting goroutine.
type MetricHandler func(Metric)

type MetricHandlerID uint64

type handlerSet struct {
	mu       sync.RWMutex
	next     MetricHandlerID
	handlers map[MetricHandlerID]MetricHandler
}

var handlers = newHandlerSet()

func newHandlerSet() *handlerSet {
	return &handlerSet{handlers: make(map[MetricHandlerID]MetricHandler)}
}

func (s *handlerSet) add(h MetricHandler) MetricHandlerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.handlers[s.next] = h
	return s.next
}

func (s *handlerSet) remove(id MetricHandlerID) {
	s.mu.Lock()
	delete(s.handlers, id)
	s.mu.Unlock()
}

func (s *handlerSet) snapshot() []MetricHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MetricHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		out = append(out, h)
	}
	return out
}

// RegisterMetricHandler returns zero for a nil handler.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}
	return handlers.add(handler)
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id != 0 {
		handlers.remove(id)
	}
}

// recordMetric logs the metric and fans it out to handlers. It reports false
// for unnamed metrics and metrics whose feature is switched off.
func recordMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) (Metric, bool) {
	if name == "" {
		return Metric{}, false
	}
	if f, ok := featureForMetric(name); ok && !IsFeatureEnabled(f) {
		return Metric{}, false
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	m := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    make(logger.Fields, len(fields)),
	}
	logFields := make(logger.Fields, len(fields)+3)
	for k, v := range fields {
		m.Fields[k] = v
		logFields[k] = v
	}
	logFields["metric"] = name
	logFields["metric_type"] = metricType
	logFields["value"] = value
	log.WithComponent(component).WithFields(logFields).Info("metric")

	for _, h := range handlers.snapshot() {
		h(m)
	}
	return m, true
}
