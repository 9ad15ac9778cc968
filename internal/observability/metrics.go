package observability

import "sync"

// Metrics provides counters, gauges, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// DispatcherMetricsSnapshot captures dispatcher-focused runtime counters keyed
// by "engine/worker" or engine identifiers.
type DispatcherMetricsSnapshot struct {
	QueueDepth            map[string]int   `json:"queue_depth"`
	CommandsProcessed     map[string]int64 `json:"commands_processed"`
	UnknownOutcomes       map[string]int64 `json:"unknown_outcomes"`
	ThrottledMilliseconds map[string]int64 `json:"throttled_ms"`
}

// RuntimeMetrics accumulates dispatcher metrics in-memory for periodic export.
type RuntimeMetrics struct {
	mu         sync.Mutex
	dispatcher DispatcherMetricsSnapshot
}

// NewRuntimeMetrics constructs a metrics accumulator with empty maps.
func NewRuntimeMetrics() *RuntimeMetrics {
	metrics := new(RuntimeMetrics)
	metrics.dispatcher = DispatcherMetricsSnapshot{
		QueueDepth:            make(map[string]int),
		CommandsProcessed:     make(map[string]int64),
		UnknownOutcomes:       make(map[string]int64),
		ThrottledMilliseconds: make(map[string]int64),
	}
	return metrics
}

// RecordQueueDepth tracks the latest queue depth for a worker key.
func (m *RuntimeMetrics) RecordQueueDepth(worker string, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatcher.QueueDepth[worker] = depth
}

// IncrementCommandsProcessed counts a finished command for a worker key.
func (m *RuntimeMetrics) IncrementCommandsProcessed(worker string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatcher.CommandsProcessed[worker]++
}

// IncrementUnknownOutcomes counts an unresolved adapter call for an engine.
func (m *RuntimeMetrics) IncrementUnknownOutcomes(engine string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatcher.UnknownOutcomes[engine]++
}

// AddThrottledMilliseconds accumulates rate-limiter wait time for an engine.
func (m *RuntimeMetrics) AddThrottledMilliseconds(engine string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatcher.ThrottledMilliseconds[engine] += delta
}

// Snapshot copies the current dispatcher metrics state for reporting.
func (m *RuntimeMetrics) Snapshot() DispatcherMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := DispatcherMetricsSnapshot{
		QueueDepth:            make(map[string]int, len(m.dispatcher.QueueDepth)),
		CommandsProcessed:     make(map[string]int64, len(m.dispatcher.CommandsProcessed)),
		UnknownOutcomes:       make(map[string]int64, len(m.dispatcher.UnknownOutcomes)),
		ThrottledMilliseconds: make(map[string]int64, len(m.dispatcher.ThrottledMilliseconds)),
	}
	for k, v := range m.dispatcher.QueueDepth {
		snapshot.QueueDepth[k] = v
	}
	for k, v := range m.dispatcher.CommandsProcessed {
		snapshot.CommandsProcessed[k] = v
	}
	for k, v := range m.dispatcher.UnknownOutcomes {
		snapshot.UnknownOutcomes[k] = v
	}
	for k, v := range m.dispatcher.ThrottledMilliseconds {
		snapshot.ThrottledMilliseconds[k] = v
	}
	return snapshot
}
