// Package metrics exposes the keyspace's runtime state as Prometheus
// metrics: gauges sampled from the store at scrape time plus counters the
// dispatcher bumps as it processes commands. It is purely observational —
// nothing here feeds back into command behavior.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mshaverdo/cachekv/log"
	"github.com/mshaverdo/cachekv/store"
)

const namespace = "cachekv"

// Collector implements prometheus.Collector over a store.Store, sampling
// its gauges fresh on every scrape so the numbers never go stale between
// commands.
type Collector struct {
	store *store.Store

	keys       *prometheus.Desc
	memBytes   *prometheus.Desc
	commands   *prometheus.CounterVec
	evictions  prometheus.Counter
	expired    prometheus.Counter
	subscribed *prometheus.Desc
}

// NewCollector builds a Collector sampling s. Register it with a
// prometheus.Registry to expose it; the dispatcher, the eviction hook and
// the sweep loop bump its counters through ObserveCommand,
// ObserveEvictions and ObserveExpired.
func NewCollector(s *store.Store) *Collector {
	return &Collector{
		store: s,
		keys: prometheus.NewDesc(
			namespace+"_keys",
			"Number of top-level keys currently in the keyspace.",
			nil, nil,
		),
		memBytes: prometheus.NewDesc(
			namespace+"_memory_bytes",
			"Tracked key and payload bytes currently held by the keyspace.",
			nil, nil,
		),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands processed, by command name and outcome.",
		}, []string{"command", "outcome"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Keys evicted to satisfy the memory cap.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_keys_total",
			Help:      "Keys removed by the periodic expiry sweep because their TTL elapsed.",
		}),
		subscribed: prometheus.NewDesc(
			namespace+"_subscriber_handles",
			"Distinct connection handles currently subscribed to at least one channel.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.keys
	ch <- c.memBytes
	ch <- c.subscribed
	c.commands.Describe(ch)
	ch <- c.evictions.Desc()
	ch <- c.expired.Desc()
}

// Collect implements prometheus.Collector, sampling the store fresh.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.keys, prometheus.GaugeValue, float64(c.store.Size()))
	ch <- prometheus.MustNewConstMetric(c.memBytes, prometheus.GaugeValue, float64(c.store.MemoryBytes()))
	ch <- prometheus.MustNewConstMetric(c.subscribed, prometheus.GaugeValue, float64(c.store.SubscriberCount()))
	c.commands.Collect(ch)
	ch <- c.evictions
	ch <- c.expired
}

// ObserveCommand records one processed command and whether it succeeded.
func (c *Collector) ObserveCommand(name string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	c.commands.WithLabelValues(name, outcome).Inc()
}

// ObserveEvictions adds n to the eviction counter.
func (c *Collector) ObserveEvictions(n int) {
	if n <= 0 {
		return
	}
	c.evictions.Add(float64(n))
}

// ObserveExpired adds n to the expired-key counter.
func (c *Collector) ObserveExpired(n int) {
	if n <= 0 {
		return
	}
	c.expired.Add(float64(n))
}

// Serve registers c on a fresh registry and serves it on addr until the
// process exits or the listener fails. Intended to run in its own
// goroutine alongside the inline and RESP listeners.
func Serve(addr string, c *Collector) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(c)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	log.Infof("metrics listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
