// Package prom mirrors statsd metrics into a Prometheus registry so they can be scraped from /metrics.
package prom

import (
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/target/memscope/internal/observability/statsd"
)

var defaultBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800}

// Options configures a Sink.
type Options struct {
	Namespace string
	Logger    *slog.Logger
	// Buckets for timing histograms, in seconds. Defaults suit tools that run for seconds to minutes.
	Buckets []float64
}

// Sink implements statsd.Sink on top of a private Prometheus registry. Counters become
// <ns>_<name>_total, timings become histograms in seconds and gauges map one to one.
// The label set of a metric is fixed by its first use; later calls with other tag keys are dropped.
type Sink struct {
	namespace string
	buckets   []float64
	registry  *prometheus.Registry
	logger    *slog.Logger

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	labels     map[string][]string
}

var _ statsd.Sink = (*Sink)(nil)

// NewSink creates a sink with the Go runtime and process collectors registered.
func NewSink(opts Options) *Sink {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ns := sanitize(opts.Namespace)
	if ns == "" {
		ns = statsd.DefaultPrefix
	}
	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Sink{
		namespace:  ns,
		buckets:    buckets,
		registry:   reg,
		logger:     logger.With("component", "prometheus_sink"),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labels:     make(map[string][]string),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (s *Sink) Registry() *prometheus.Registry { return s.registry }

// Count adds value to the counter <ns>_<name>_total.
func (s *Sink) Count(name string, value int64, tags map[string]string) {
	if value < 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	metric := s.metricName(name) + "_total"
	keys, values, ok := s.labelsFor(metric, tags)
	if !ok {
		return
	}
	vec, found := s.counters[metric]
	if !found {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: metric, Help: "Counter " + name}, keys)
		if !s.register(metric, vec) {
			return
		}
		s.counters[metric] = vec
	}
	vec.WithLabelValues(values...).Add(float64(value))
}

// Gauge sets the gauge <ns>_<name>.
func (s *Sink) Gauge(name string, value float64, tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metric := s.metricName(name)
	keys, values, ok := s.labelsFor(metric, tags)
	if !ok {
		return
	}
	vec, found := s.gauges[metric]
	if !found {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: metric, Help: "Gauge " + name}, keys)
		if !s.register(metric, vec) {
			return
		}
		s.gauges[metric] = vec
	}
	vec.WithLabelValues(values...).Set(value)
}

// Timing observes value in the histogram <ns>_<name>_seconds.
func (s *Sink) Timing(name string, value time.Duration, tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metric := s.metricName(name) + "_seconds"
	keys, values, ok := s.labelsFor(metric, tags)
	if !ok {
		return
	}
	vec, found := s.histograms[metric]
	if !found {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metric,
			Help:    "Duration of " + name,
			Buckets: s.buckets,
		}, keys)
		if !s.register(metric, vec) {
			return
		}
		s.histograms[metric] = vec
	}
	vec.WithLabelValues(values...).Observe(value.Seconds())
}

func (s *Sink) register(metric string, c prometheus.Collector) bool {
	if err := s.registry.Register(c); err != nil {
		s.logger.Warn("prometheus register failed", "metric", metric, "error", err)
		delete(s.labels, metric)
		return false
	}
	return true
}

// labelsFor returns the sorted label keys and matching values. The first call for a metric fixes
// its label set.
func (s *Sink) labelsFor(metric string, tags map[string]string) ([]string, []string, bool) {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		if key := sanitize(k); key != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	keys = slices.Compact(keys)

	if known, ok := s.labels[metric]; ok {
		if !slices.Equal(known, keys) {
			s.logger.Debug("dropping metric with mismatched labels", "metric", metric, "labels", keys)
			return nil, nil, false
		}
	} else {
		s.labels[metric] = keys
	}

	byKey := make(map[string]string, len(tags))
	for k, v := range tags {
		byKey[sanitize(k)] = v
	}
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = byKey[k]
	}
	return keys, values, true
}

func (s *Sink) metricName(name string) string {
	return s.namespace + "_" + sanitize(name)
}

// sanitize maps a statsd name onto the Prometheus name alphabet.
func sanitize(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
