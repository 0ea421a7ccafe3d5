package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sigreer/zfcpgod/internal/zfcp"
)

// Metrics records engine operations and stream events in a private registry.
// It implements zfcp.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	events     *prometheus.CounterVec

	controllers *prometheus.GaugeVec
	disks       *prometheus.GaugeVec
}

var _ zfcp.Recorder = (*Metrics)(nil)

// NewMetrics registers the collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Engine operations by name and result",
			},
			[]string{"op", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of engine operations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Change events delivered by kind and action",
			},
			[]string{"kind", "action"},
		),
		controllers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "controllers",
				Help:      "Known controllers by state",
			},
			[]string{"state"},
		),
		disks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "disks",
				Help:      "Known disks by state",
			},
			[]string{"state"},
		),
	}

	m.registry.MustRegister(m.operations, m.duration, m.events, m.controllers, m.disks)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Operation counts one engine operation.
func (m *Metrics) Operation(op string, _ zfcp.Path, took time.Duration, err error) {
	m.operations.WithLabelValues(op, Result(err)).Inc()
	m.duration.WithLabelValues(op).Observe(took.Seconds())
}

// Event counts one delivered change event.
func (m *Metrics) Event(ev zfcp.Event) {
	m.events.WithLabelValues(string(ev.Kind), string(ev.Action)).Inc()
}

// ObserveSnapshot sets the inventory gauges from a hierarchy snapshot.
func (m *Metrics) ObserveSnapshot(s *zfcp.Snapshot) {
	m.controllers.Reset()
	for _, c := range s.Controllers() {
		m.controllers.WithLabelValues(string(c.State)).Inc()
	}
	m.disks.Reset()
	for _, d := range s.Disks() {
		m.disks.WithLabelValues(string(d.State)).Inc()
	}
}

// Result classifies an operation error for the result label.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, zfcp.ErrNotSupported):
		return "not_supported"
	case errors.Is(err, zfcp.ErrUnknownController),
		errors.Is(err, zfcp.ErrUnknownWWPN),
		errors.Is(err, zfcp.ErrUnknownLUN):
		return "unknown"
	case errors.Is(err, zfcp.ErrPreconditionFailed):
		return "precondition_failed"
	case errors.Is(err, zfcp.ErrActivationFailed):
		return "activation_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
