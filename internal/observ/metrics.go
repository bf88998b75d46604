package observ

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autotrader"

type registry struct {
	mu       sync.Mutex
	prom     *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hist     map[string]*prometheus.HistogramVec
}

var reg = newRegistry()

func newRegistry() *registry {
	return &registry{
		prom:     prometheus.NewRegistry(),
		counters: map[string]*prometheus.CounterVec{},
		gauges:   map[string]*prometheus.GaugeVec{},
		hist:     map[string]*prometheus.HistogramVec{},
	}
}

// labelNames returns the sorted label keys so a metric keeps a stable schema.
func labelNames(lbl map[string]string) []string {
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func vecKey(name string, keys []string) string {
	return name + "|" + strings.Join(keys, ",")
}

func (r *registry) counter(name string, keys []string) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := vecKey(name, keys)
	if v, ok := r.counters[k]; ok {
		return v
	}
	v := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: name}, keys)
	if err := r.prom.Register(v); err != nil {
		// same name with a different label set: keep it out of the exposition
		v = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: name}, keys)
	}
	r.counters[k] = v
	return v
}

func (r *registry) gauge(name string, keys []string) *prometheus.GaugeVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := vecKey(name, keys)
	if v, ok := r.gauges[k]; ok {
		return v
	}
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: name}, keys)
	if err := r.prom.Register(v); err != nil {
		v = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: name}, keys)
	}
	r.gauges[k] = v
	return v
}

func (r *registry) histogram(name string, keys []string) *prometheus.HistogramVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := vecKey(name, keys)
	if v, ok := r.hist[k]; ok {
		return v
	}
	opts := prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: name, Buckets: prometheus.DefBuckets}
	v := prometheus.NewHistogramVec(opts, keys)
	if err := r.prom.Register(v); err != nil {
		v = prometheus.NewHistogramVec(opts, keys)
	}
	r.hist[k] = v
	return v
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	if value < 0 {
		return
	}
	c, err := reg.counter(name, labelNames(labels)).GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	c.Add(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	g, err := reg.gauge(name, labelNames(labels)).GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	g.Set(value)
}

func Observe(name string, value float64, labels map[string]string) {
	h, err := reg.histogram(name, labelNames(labels)).GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	h.Observe(value)
}

// RecordDuration records a duration metric in seconds.
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_seconds", duration.Seconds(), labels)
}

// Gatherer exposes the registry, mostly for tests.
func Gatherer() prometheus.Gatherer {
	return reg.prom
}

// Handler serves the registry in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.prom, promhttp.HandlerOpts{})
}

var (
	startTime = time.Now()
	version   = "dev" // set via build flags
)

// SetVersion sets the version string reported by the CLI and control API.
func SetVersion(v string) {
	version = v
}

// Version returns the build version.
func Version() string {
	return version
}

// Uptime reports time since process start.
func Uptime() time.Duration {
	return time.Since(startTime)
}

// Health is a liveness handler.
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
