// Package metrics holds the Prometheus collectors for message intake,
// routing and delivery, and the HTTP listener that exposes them.
package metrics

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "smtp2http"

// shutdownTimeout bounds how long the listener waits for scrapes in flight.
const shutdownTimeout = 5 * time.Second

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	SessionsActive     prometheus.Gauge
	MessagesReceived   prometheus.Counter
	Decisions          *prometheus.CounterVec
	UnroutedRecipients *prometheus.CounterVec
	Deliveries         *prometheus.CounterVec
	DeliveryDuration   prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "smtp_sessions_active",
			Help:      "Number of open SMTP sessions",
		}),
		MessagesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages received over SMTP",
		}),
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Routing decisions by result and rejection reason",
		}, []string{"decision", "reason"}),
		UnroutedRecipients: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unrouted_recipients_total",
			Help:      "Recipients dropped during routing",
		}, []string{"kind"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Webhook delivery attempts by outcome",
		}, []string{"outcome"}),
		DeliveryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of webhook delivery attempts",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// SessionOpened counts a newly accepted SMTP connection as active.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.SessionsActive.Inc()
	}
}

// SessionClosed marks an SMTP connection as no longer active.
func (m *Metrics) SessionClosed() {
	if m != nil {
		m.SessionsActive.Dec()
	}
}

// MessageReceived counts a message whose DATA phase completed.
func (m *Metrics) MessageReceived() {
	if m != nil {
		m.MessagesReceived.Inc()
	}
}

// Decision records an accepted ("accepted", "") or rejected decision.
func (m *Metrics) Decision(decision, reason string) {
	if m != nil {
		m.Decisions.WithLabelValues(decision, reason).Inc()
	}
}

// Unrouted adds n recipients of the given kind ("unknown" or "invalid")
// that were not forwarded anywhere. Zero is not recorded.
func (m *Metrics) Unrouted(kind string, n int) {
	if m != nil && n > 0 {
		m.UnroutedRecipients.WithLabelValues(kind).Add(float64(n))
	}
}

// Delivery records one dispatch attempt under its outcome label along with
// how long it took.
func (m *Metrics) Delivery(outcome string, d time.Duration) {
	if m != nil {
		m.Deliveries.WithLabelValues(outcome).Inc()
		m.DeliveryDuration.Observe(d.Seconds())
	}
}

// Server serves /metrics for a gatherer.
type Server struct {
	server *http.Server
}

// NewServer creates a metrics listener on addr.
func NewServer(addr string, g prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return errors.Wrap(err, "listen metrics")
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("metrics listener started", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "serve metrics")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Wrap(s.server.Shutdown(shutdownCtx), "shutdown metrics")
	}
}
