package relay

import (
	"sync"
	"time"
)

// recordingMetrics keeps every counter increment and the last value of every gauge.
type recordingMetrics struct {
	mu        sync.Mutex
	counters  map[string]int
	tags      map[string][]map[string]string
	durations map[string]int
	gauges    map[string]float64
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		counters:  make(map[string]int),
		tags:      make(map[string][]map[string]string),
		durations: make(map[string]int),
		gauges:    make(map[string]float64),
	}
}

func (m *recordingMetrics) IncrementCounter(name string, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]++
	m.tags[name] = append(m.tags[name], tags)
}

func (m *recordingMetrics) RecordDuration(name string, _ time.Duration, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations[name]++
}

func (m *recordingMetrics) RecordGauge(name string, value float64, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

func (m *recordingMetrics) counter(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

func (m *recordingMetrics) tagsOf(name string) []map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]string(nil), m.tags[name]...)
}

func (m *recordingMetrics) gauge(name string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.gauges[name]
	return v, ok
}

func (m *recordingMetrics) duration(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.durations[name]
}
