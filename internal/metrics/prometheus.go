// Package metrics exposes Prometheus instrumentation for negotiation,
// session lifecycle, runtime events and the message channel.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all outpost metrics.
type Registry struct {
	gatherer prometheus.Gatherer

	// Negotiation
	DemandsPublished    prometheus.Counter
	OffersReceived      prometheus.Counter
	AgreementsTotal     prometheus.Counter
	NegotiationDuration *prometheus.HistogramVec

	// Sessions
	SessionsTotal      *prometheus.CounterVec
	SessionTransitions *prometheus.CounterVec
	DestroyFailures    prometheus.Counter

	// Primary flow
	RuntimeEvents *prometheus.CounterVec
	OutputBytes   *prometheus.CounterVec

	// Message channel
	ControlMessages     *prometheus.CounterVec
	ControlSendFailures *prometheus.CounterVec

	// Provider side
	ActiveActivities prometheus.Gauge
	ProviderRequests *prometheus.CounterVec
}

// Get returns the global metrics registry backed by the default Prometheus
// registerer, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	})
	return registry
}

// NewIsolated returns a registry on its own Prometheus registry. Tests use it
// to avoid duplicate registration against the global default.
func NewIsolated() *Registry {
	reg := prometheus.NewRegistry()
	return newRegistry(reg, reg)
}

func newRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Registry {
	f := promauto.With(reg)
	r := &Registry{gatherer: gatherer}

	r.DemandsPublished = f.NewCounter(prometheus.CounterOpts{
		Name: "outpost_demands_published_total",
		Help: "Demands successfully published to the market",
	})

	r.OffersReceived = f.NewCounter(prometheus.CounterOpts{
		Name: "outpost_offers_received_total",
		Help: "Offers received for published demands",
	})

	r.AgreementsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "outpost_agreements_total",
		Help: "Offers accepted as agreements",
	})

	r.NegotiationDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outpost_negotiation_duration_seconds",
		Help:    "Time from first poll to end of negotiation",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 1500},
	}, []string{"outcome"})

	r.SessionsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "outpost_sessions_total",
		Help: "Task sessions by final outcome",
	}, []string{"outcome"})

	r.SessionTransitions = f.NewCounterVec(prometheus.CounterOpts{
		Name: "outpost_session_transitions_total",
		Help: "Session driver state transitions by target state",
	}, []string{"state"})

	r.DestroyFailures = f.NewCounter(prometheus.CounterOpts{
		Name: "outpost_destroy_failures_total",
		Help: "Activity destroy calls that failed",
	})

	r.RuntimeEvents = f.NewCounterVec(prometheus.CounterOpts{
		Name: "outpost_runtime_events_total",
		Help: "Runtime events consumed from event streams",
	}, []string{"kind"})

	r.OutputBytes = f.NewCounterVec(prometheus.CounterOpts{
		Name: "outpost_output_bytes_total",
		Help: "Process output bytes forwarded to sinks",
	}, []string{"stream"})

	r.ControlMessages = f.NewCounterVec(prometheus.CounterOpts{
		Name: "outpost_control_messages_total",
		Help: "Control messages exchanged over message channels",
	}, []string{"direction", "kind"})

	r.ControlSendFailures = f.NewCounterVec(prometheus.CounterOpts{
		Name: "outpost_control_send_failures_total",
		Help: "Control messages that could not be sent",
	}, []string{"kind"})

	r.ActiveActivities = f.NewGauge(prometheus.GaugeOpts{
		Name: "outpost_provider_active_activities",
		Help: "Activities currently allocated by the provider",
	})

	r.ProviderRequests = f.NewCounterVec(prometheus.CounterOpts{
		Name: "outpost_provider_requests_total",
		Help: "Requests handled by the provider by type and status",
	}, []string{"type", "status"})

	return r
}

// ObserveNegotiation records a finished negotiation.
func (r *Registry) ObserveNegotiation(outcome string, d time.Duration) {
	r.NegotiationDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordEvent records a consumed runtime event and its output size.
func (r *Registry) RecordEvent(kind string, outputLen int) {
	r.RuntimeEvents.WithLabelValues(kind).Inc()
	if outputLen > 0 {
		r.OutputBytes.WithLabelValues(kind).Add(float64(outputLen))
	}
}

// RecordMessage records a control message sent ("out") or received ("in").
func (r *Registry) RecordMessage(direction, kind string) {
	r.ControlMessages.WithLabelValues(direction, kind).Inc()
}

// Handler serves this registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
