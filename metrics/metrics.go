package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "shellbox"

// Exec outcomes
const (
	OutcomeSuccess  = "success"
	OutcomeNonZero  = "nonzero_exit"
	OutcomeSetup    = "setup_failed"
	OutcomeRuntime  = "runtime_failed"
	OutcomeRejected = "rejected"
)

// Metrics holds the collectors and the registry they are registered on
type Metrics struct {
	registry        *prometheus.Registry
	created         prometheus.Counter
	evicted         prometheus.Counter
	sweeps          prometheus.Counter
	execs           *prometheus.CounterVec
	execDuration    prometheus.Histogram
	lifecycleErrors *prometheus.CounterVec
}

// New creates Metrics on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "environments_created_total",
			Help:      "Session environments created in the runtime.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Sessions removed by the idle sweeper.",
		}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Completed idle sweeps.",
		}),
		execs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exec_total",
			Help:      "Execute calls by outcome.",
		}, []string{"outcome"}),
		execDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exec_duration_seconds",
			Help:      "Wall time of execute calls, including environment setup.",
			Buckets:   prometheus.DefBuckets,
		}),
		lifecycleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_errors_total",
			Help:      "Typed lifecycle errors by kind.",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(m.created, m.evicted, m.sweeps, m.execs, m.execDuration, m.lifecycleErrors)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterActiveSessions exposes a gauge read from f on every scrape
func (m *Metrics) RegisterActiveSessions(f func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_sessions",
		Help:      "Sessions currently present in the activity registry.",
	}, f))
}

// EnvironmentCreated counts one new environment
func (m *Metrics) EnvironmentCreated() {
	if m == nil {
		return
	}
	m.created.Inc()
}

// SweepCompleted records one sweep and the sessions it removed
func (m *Metrics) SweepCompleted(removed int) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	m.evicted.Add(float64(removed))
}

// ObserveExec records one execute call
func (m *Metrics) ObserveExec(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.execs.WithLabelValues(outcome).Inc()
	m.execDuration.Observe(d.Seconds())
}

// LifecycleError counts one typed error
func (m *Metrics) LifecycleError(kind string) {
	if m == nil {
		return
	}
	m.lifecycleErrors.WithLabelValues(kind).Inc()
}

// Handler returns the scrape handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Server serves the scrape endpoint on its own listener
type Server struct {
	logger *zap.Logger
	server *http.Server
}

// NewServer creates a metrics HTTP server
func NewServer(logger *zap.Logger, m *Metrics, addr, path string) *Server {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	return &Server{
		logger: logger.Named("metrics"),
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start begins serving in the background
func (s *Server) Start() {
	go func() {
		s.logger.Info("starting metrics listener", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics listener failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
