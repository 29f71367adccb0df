// Package metrics provides a prometheus-backed recorder for the session
// engine's operation statistics.
package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns a registry and the metrics created against it. Histograms and
// counters are registered up front with NewHistogram/NewCounter or lazily on
// first use; the label names of a lazily created metric are fixed by the
// first observation.
type Manager struct {
	registry *prometheus.Registry

	mu         sync.RWMutex
	histograms map[string]*prometheus.HistogramVec
	counters   map[string]*prometheus.CounterVec
}

// NewManager creates a Manager with the standard process and Go runtime
// collectors already registered.
func NewManager() *Manager {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Manager{
		registry:   reg,
		histograms: make(map[string]*prometheus.HistogramVec),
		counters:   make(map[string]*prometheus.CounterVec),
	}
}

// NewHistogram registers a histogram ahead of use.
func (m *Manager) NewHistogram(name, help string, buckets []float64, labelNames ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.histograms[name]; ok {
		return
	}

	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    name,
		Help:    help,
		Buckets: buckets,
	}, labelNames)

	m.registry.MustRegister(h)
	m.histograms[name] = h
}

// NewCounter registers a counter ahead of use.
func (m *Manager) NewCounter(name, help string, labelNames ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.counters[name]; ok {
		return
	}

	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name,
		Help: help,
	}, labelNames)

	m.registry.MustRegister(c)
	m.counters[name] = c
}

// RecordHistogram observes a value. Labels are alternating name/value pairs.
func (m *Manager) RecordHistogram(_ context.Context, name string, value float64, labels ...string) {
	names, values := splitLabels(labels)

	m.mu.RLock()
	h, ok := m.histograms[name]
	m.mu.RUnlock()

	if !ok {
		m.NewHistogram(name, name, nil, names...)

		m.mu.RLock()
		h = m.histograms[name]
		m.mu.RUnlock()
	}

	h.WithLabelValues(values...).Observe(value)
}

// IncrementCounter adds one to a counter. Labels are alternating name/value
// pairs.
func (m *Manager) IncrementCounter(_ context.Context, name string, labels ...string) {
	names, values := splitLabels(labels)

	m.mu.RLock()
	c, ok := m.counters[name]
	m.mu.RUnlock()

	if !ok {
		m.NewCounter(name, name, names...)

		m.mu.RLock()
		c = m.counters[name]
		m.mu.RUnlock()
	}

	c.WithLabelValues(values...).Inc()
}

func splitLabels(labels []string) (names, values []string) {
	for i := 0; i+1 < len(labels); i += 2 {
		names = append(names, labels[i])
		values = append(values, labels[i+1])
	}

	return names, values
}

// GetHandler exposes the manager's registry in the prometheus text format.
func GetHandler(m *Manager) http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
