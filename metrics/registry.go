package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registry lazily creates prometheus collectors keyed by group and name.
// The first observation of a metric fixes its label set; all later
// observations of the same metric must use the same dimension keys.
type registry struct {
	mu         sync.Mutex
	reg        *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

var _registry = newRegistry()

func newRegistry() *registry {
	return &registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Handler exposes all metrics in prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(_registry.reg, promhttp.HandlerOpts{})
}

// fullName joins group and name into a prometheus-safe metric name.
func fullName(group, name string) string {
	r := strings.NewReplacer(".", "_", "/", "_", "-", "_")
	if group == "" {
		return r.Replace(name)
	}
	return r.Replace(group) + "_" + r.Replace(name)
}

func labelNames(dim Dimension) []string {
	if len(dim) == 0 {
		return nil
	}
	names := make([]string, 0, len(dim))
	for k := range dim {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (r *registry) counter(group, name string, dim Dimension) prometheus.Counter {
	key := fullName(group, name)

	r.mu.Lock()
	vec, ok := r.counters[key]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: key}, labelNames(dim))
		r.reg.MustRegister(vec)
		r.counters[key] = vec
	}
	r.mu.Unlock()

	return vec.With(prometheus.Labels(dim))
}

func (r *registry) gauge(group, name string, dim Dimension) prometheus.Gauge {
	key := fullName(group, name)

	r.mu.Lock()
	vec, ok := r.gauges[key]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: key}, labelNames(dim))
		r.reg.MustRegister(vec)
		r.gauges[key] = vec
	}
	r.mu.Unlock()

	return vec.With(prometheus.Labels(dim))
}

func (r *registry) histogram(group, name string, dim Dimension) prometheus.Observer {
	key := fullName(group, name)

	r.mu.Lock()
	vec, ok := r.histograms[key]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    key,
			Buckets: prometheus.DefBuckets,
		}, labelNames(dim))
		r.reg.MustRegister(vec)
		r.histograms[key] = vec
	}
	r.mu.Unlock()

	return vec.With(prometheus.Labels(dim))
}

// IncrCounterWithGroup increments a counter within a metric group.
func IncrCounterWithGroup(group, name string, v Value) {
	_registry.counter(group, name, nil).Add(float64(v))
}

// IncrCounterWithDimGroup increments a counter with dimensions.
func IncrCounterWithDimGroup(group, name string, v Value, dim Dimension) {
	_registry.counter(group, name, dim).Add(float64(v))
}

// UpdateGaugeWithGroup sets a gauge within a metric group.
func UpdateGaugeWithGroup(group, name string, v Value) {
	_registry.gauge(group, name, nil).Set(float64(v))
}

// UpdateGaugeWithDimGroup sets a gauge with dimensions.
func UpdateGaugeWithDimGroup(group, name string, v Value, dim Dimension) {
	_registry.gauge(group, name, dim).Set(float64(v))
}

// RecordStopwatchWithGroup observes the elapsed seconds since start.
func RecordStopwatchWithGroup(group, name string, start time.Time) {
	_registry.histogram(group, name, nil).Observe(time.Since(start).Seconds())
}

// RecordStopwatchWithDimGroup observes elapsed seconds with dimensions.
func RecordStopwatchWithDimGroup(group, name string, start time.Time, dim Dimension) {
	_registry.histogram(group, name, dim).Observe(time.Since(start).Seconds())
}
