package telemetry

import (
	"sync"
)

// Metrics is a minimal in-process counter/gauge registry backing the
// /api/metrics side-channel. It intentionally has no exporter: values are
// read back directly by the HTTP handler that serves the snapshot.
type Metrics struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]float64
}

func NewMetrics() *Metrics {
	return &Metrics{
		counters: make(map[string]int64),
		gauges:   make(map[string]float64),
	}
}

func (m *Metrics) IncCounter(name string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += delta
}

func (m *Metrics) SetGauge(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

// Snapshot returns a copy of every counter and gauge currently registered.
func (m *Metrics) Snapshot() (counters map[string]int64, gauges map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counters = make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		counters[k] = v
	}
	gauges = make(map[string]float64, len(m.gauges))
	for k, v := range m.gauges {
		gauges[k] = v
	}
	return counters, gauges
}
