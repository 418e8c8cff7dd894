// internal/utils/metrics.go
package utils

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector collects application metrics
type MetricsCollector struct {
	counters   map[string]*int64
	gauges     map[string]*int64
	histograms map[string]*Histogram

	mu sync.RWMutex
}

// Histogram tracks count, sum, min and max of observed values
type Histogram struct {
	count int64
	sum   int64
	min   int64
	max   int64
	mu    sync.Mutex
}

var (
	globalMetrics *MetricsCollector
	metricsOnce   sync.Once
)

// GetMetricsCollector returns the global metrics collector
func GetMetricsCollector() *MetricsCollector {
	metricsOnce.Do(func() {
		globalMetrics = NewMetricsCollector()
	})
	return globalMetrics
}

// NewMetricsCollector creates an empty collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:   make(map[string]*int64),
		gauges:     make(map[string]*int64),
		histograms: make(map[string]*Histogram),
	}
}

// slot returns the atomic cell for name, creating it on first use
func (m *MetricsCollector) slot(set map[string]*int64, name string) *int64 {
	m.mu.RLock()
	v, exists := set[name]
	m.mu.RUnlock()
	if exists {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, exists = set[name]; !exists {
		v = new(int64)
		set[name] = v
	}
	return v
}

// IncrementCounter increments a counter metric
func (m *MetricsCollector) IncrementCounter(name string) {
	atomic.AddInt64(m.slot(m.counters, name), 1)
}

// AddCounter adds a value to a counter metric
func (m *MetricsCollector) AddCounter(name string, value int64) {
	atomic.AddInt64(m.slot(m.counters, name), value)
}

// SetGauge sets a gauge metric
func (m *MetricsCollector) SetGauge(name string, value int64) {
	atomic.StoreInt64(m.slot(m.gauges, name), value)
}

// IncGauge increments a gauge metric
func (m *MetricsCollector) IncGauge(name string) {
	atomic.AddInt64(m.slot(m.gauges, name), 1)
}

// DecGauge decrements a gauge metric
func (m *MetricsCollector) DecGauge(name string) {
	atomic.AddInt64(m.slot(m.gauges, name), -1)
}

// GetGauge gets the current value of a gauge
func (m *MetricsCollector) GetGauge(name string) int64 {
	m.mu.RLock()
	v, exists := m.gauges[name]
	m.mu.RUnlock()
	if !exists {
		return 0
	}
	return atomic.LoadInt64(v)
}

// GetCounterValue gets the current value of a counter
func (m *MetricsCollector) GetCounterValue(name string) int64 {
	m.mu.RLock()
	v, exists := m.counters[name]
	m.mu.RUnlock()
	if !exists {
		return 0
	}
	return atomic.LoadInt64(v)
}

// RecordHistogram records a value in a histogram
func (m *MetricsCollector) RecordHistogram(name string, value int64) {
	m.mu.RLock()
	histogram, exists := m.histograms[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		histogram, exists = m.histograms[name]
		if !exists {
			histogram = &Histogram{min: value, max: value}
			m.histograms[name] = histogram
		}
		m.mu.Unlock()
	}

	histogram.mu.Lock()
	defer histogram.mu.Unlock()

	histogram.count++
	histogram.sum += value
	if value < histogram.min {
		histogram.min = value
	}
	if value > histogram.max {
		histogram.max = value
	}
}

// GetMetrics returns a snapshot of all metrics
func (m *MetricsCollector) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[string]int64, len(m.counters))
	for name, v := range m.counters {
		counters[name] = atomic.LoadInt64(v)
	}

	gauges := make(map[string]int64, len(m.gauges))
	for name, v := range m.gauges {
		gauges[name] = atomic.LoadInt64(v)
	}

	histograms := make(map[string]map[string]int64, len(m.histograms))
	for name, h := range m.histograms {
		h.mu.Lock()
		histograms[name] = map[string]int64{
			"count": h.count,
			"sum":   h.sum,
			"min":   h.min,
			"max":   h.max,
		}
		h.mu.Unlock()
	}

	return map[string]interface{}{
		"counters":   counters,
		"gauges":     gauges,
		"histograms": histograms,
	}
}

// EngineMetrics records conversation-engine specific metrics
type EngineMetrics struct {
	metrics *MetricsCollector
	logger  *Logger
}

// NewEngineMetrics creates engine metrics over the given collector and logger
func NewEngineMetrics(metrics *MetricsCollector, logger *Logger) *EngineMetrics {
	if metrics == nil {
		metrics = GetMetricsCollector()
	}
	if logger == nil {
		logger = GetLogger()
	}
	return &EngineMetrics{metrics: metrics, logger: logger}
}

// Collector exposes the underlying collector
func (em *EngineMetrics) Collector() *MetricsCollector {
	return em.metrics
}

// RecordTransition counts a graph transition such as submit, regenerate or swipe
func (em *EngineMetrics) RecordTransition(kind string) {
	em.metrics.IncrementCounter("graph_transitions_total")
	em.metrics.IncrementCounter("graph_transitions_" + kind)
}

// RecordRollback counts a failure rollback
func (em *EngineMetrics) RecordRollback(sessionID string, removedNodes int) {
	em.metrics.IncrementCounter("graph_rollbacks_total")
	em.metrics.AddCounter("graph_nodes_removed_total", int64(removedNodes))
	em.logger.Debug("rollback recorded", Fields{
		"session_id": sessionID,
		"removed":    removedNodes,
	})
}

// RecordContextBuild records the size of an assembled context window
func (em *EngineMetrics) RecordContextBuild(totalTokens int, overBudget bool) {
	em.metrics.IncrementCounter("context_builds_total")
	em.metrics.RecordHistogram("context_tokens", int64(totalTokens))
	if overBudget {
		em.metrics.IncrementCounter("context_over_budget_total")
	}
}

// RecordStreamIncrement counts streamed snapshots applied to a session
func (em *EngineMetrics) RecordStreamIncrement() {
	em.metrics.IncrementCounter("stream_increments_total")
}

// RecordAPIRequest records metrics for an API request
func (em *EngineMetrics) RecordAPIRequest(route, method string, statusCode int, duration time.Duration) {
	em.metrics.IncrementCounter("api_requests_total")
	em.metrics.IncrementCounter("api_requests_" + method + "_" + route)
	em.metrics.IncrementCounter("api_responses_" + strconv.Itoa(statusCode/100) + "xx")
	em.metrics.RecordHistogram("api_response_time_ms", duration.Milliseconds())
}
