// Package metrics holds the prometheus counters of the client. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const Namespace = "chatline"

type Metrics struct {
	registry *prometheus.Registry

	dialAttempts *prometheus.CounterVec
	connects     *prometheus.CounterVec
	drops        *prometheus.CounterVec
	queued       *prometheus.CounterVec
	flushed      *prometheus.CounterVec
	events       *prometheus.CounterVec
	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
}

// New builds a fresh registry with the Go runtime collector and all client counters.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := &Metrics{registry: reg}
	m.dialAttempts = m.counter("realtime", "dial_attempts", "session")
	m.connects = m.counter("realtime", "connects", "session")
	m.drops = m.counter("realtime", "drops", "session")
	m.queued = m.counter("realtime", "queued_sends", "session")
	m.flushed = m.counter("realtime", "flushed_sends", "session")
	m.events = m.counter("events", "inbound", "channel", "outcome")
	m.requests = m.counter("http", "requests", "endpoint", "status")
	m.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "duration of REST calls",
	}, []string{"endpoint"})
	reg.MustRegister(m.latency)
	return m
}

func (m *Metrics) counter(subsystem, name string, labels ...string) *prometheus.CounterVec {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      fmtName(name) + "_total",
		Help:      fmt.Sprintf("%s count of /%s/%s", name, Namespace, subsystem),
	}, labels)
	m.registry.MustRegister(vec)
	return vec
}

func fmtName(in string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(in)
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) DialAttempt(session string) {
	if m != nil {
		m.dialAttempts.WithLabelValues(session).Inc()
	}
}

func (m *Metrics) Connected(session string) {
	if m != nil {
		m.connects.WithLabelValues(session).Inc()
	}
}

func (m *Metrics) Dropped(session string) {
	if m != nil {
		m.drops.WithLabelValues(session).Inc()
	}
}

func (m *Metrics) Queued(session string) {
	if m != nil {
		m.queued.WithLabelValues(session).Inc()
	}
}

func (m *Metrics) Flushed(session string) {
	if m != nil {
		m.flushed.WithLabelValues(session).Inc()
	}
}

// Event counts an inbound payload; outcome is "ok", "ignored" or "malformed".
func (m *Metrics) Event(channel, outcome string) {
	if m != nil {
		m.events.WithLabelValues(channel, outcome).Inc()
	}
}

func (m *Metrics) Request(endpoint string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(endpoint, fmt.Sprint(status)).Inc()
	m.latency.WithLabelValues(endpoint).Observe(took.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(m.registry, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Serve exposes /metrics on addr until ctx ends.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("component", "metrics").Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
