package metrics

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"time"

	"paidpost/internal/config"
	"paidpost/internal/log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Probe is a dependency health check reported as paidpost_dependency_health.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

type Metrics struct {
	PaymentEvents     *prometheus.CounterVec
	PendingPayments   prometheus.Gauge
	ReaperCancels     prometheus.Counter
	ReaperQueryErrors prometheus.Counter
	ScheduledJobs     prometheus.Gauge
	PublicationFires  *prometheus.CounterVec
	ScheduleBacklog   prometheus.Gauge
	DependencyHealth  *prometheus.GaugeVec
	gatherer          prometheus.Gatherer
	cfg               *config.Config
	logger            *log.Logger
}

// New registers the collectors on reg. Tests pass a fresh registry.
func New(reg *prometheus.Registry, cfg *config.Config, logger *log.Logger) *Metrics {
	m := &Metrics{
		PaymentEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paidpost_payment_events_total",
				Help: "Payment observations by source and ledger decision",
			},
			[]string{"source", "status", "decision"},
		),
		PendingPayments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "paidpost_pending_payments",
			Help: "Outstanding payment prompts awaiting resolution",
		}),
		ReaperCancels: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "paidpost_reaper_cancels_total",
			Help: "Payments canceled at the provider by the reaper",
		}),
		ReaperQueryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "paidpost_reaper_query_errors_total",
			Help: "Provider status queries that failed during a sweep",
		}),
		ScheduledJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "paidpost_scheduled_publications",
			Help: "Publications armed in the scheduler",
		}),
		PublicationFires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paidpost_publication_fires_total",
				Help: "Scheduler fires by outcome",
			},
			[]string{"outcome"},
		),
		ScheduleBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "paidpost_schedule_sync_backlog",
			Help: "Schedule mutations journaled but not yet stored in Redis",
		}),
		DependencyHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "paidpost_dependency_health",
				Help: "Health status of dependencies (1 = healthy, 0 = unhealthy)",
			},
			[]string{"dependency"},
		),
		gatherer: reg,
		cfg:      cfg,
		logger:   logger,
	}

	reg.MustRegister(
		m.PaymentEvents,
		m.PendingPayments,
		m.ReaperCancels,
		m.ReaperQueryErrors,
		m.ScheduledJobs,
		m.PublicationFires,
		m.ScheduleBacklog,
		m.DependencyHealth,
	)
	return m
}

// NewNop returns metrics bound to a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry(), &config.Config{}, log.NewNop())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Run serves /metrics and refreshes dependency health until ctx is done.
func (m *Metrics) Run(ctx context.Context, probes ...Probe) {
	logger := m.logger
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              m.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	var tlsConfig *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Error("Failed to load TLS certificates for metrics", zap.Error(err))
		} else {
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}
	}

	go m.collect(ctx, probes)

	go func() {
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Info("Metrics server starting with TLS", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		} else {
			logger.Info("Metrics server starting without TLS", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}
	}()
	<-ctx.Done()
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}

func (m *Metrics) collect(ctx context.Context, probes []Probe) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Metrics collection shutting down")
			return
		case <-ticker.C:
			m.Probe(ctx, probes)
		}
	}
}

// Probe runs every check once and records the result.
func (m *Metrics) Probe(ctx context.Context, probes []Probe) {
	for _, p := range probes {
		checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := p.Check(checkCtx)
		cancel()
		if err != nil {
			m.DependencyHealth.WithLabelValues(p.Name).Set(0)
			m.logger.Error("Dependency unhealthy", zap.String("dependency", p.Name), zap.Error(err))
			continue
		}
		m.DependencyHealth.WithLabelValues(p.Name).Set(1)
	}
}
