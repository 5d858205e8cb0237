package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"paidpost/internal/config"
	"paidpost/internal/events"
	"paidpost/internal/journal"
	"paidpost/internal/log"
	"paidpost/internal/metrics"
	"paidpost/internal/payment"
	"paidpost/internal/pending"
	"paidpost/internal/provider"
	"paidpost/internal/publish"
	"paidpost/internal/reaper"
	"paidpost/internal/reconcile"
	"paidpost/internal/scheduler"
	"paidpost/internal/server"
	"paidpost/internal/store"
	"paidpost/internal/telegram"
	"paidpost/internal/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	logger := log.NewLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint, logger.Named("telemetry"))
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdownTracing(context.Background())

	pgStore, err := store.NewPGStore(cfg.DatabaseURL, logger.Named("store"))
	if err != nil {
		logger.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer pgStore.Close()
	if err := pgStore.Migrate(ctx); err != nil {
		logger.Fatal("Failed to migrate schema", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	jobStore := store.NewRedisJobStore(redisClient, logger.Named("jobs"))

	jr, err := journal.Open(cfg.JournalDir)
	if err != nil {
		logger.Fatal("Failed to open schedule journal", zap.Error(err))
	}
	defer jr.Close()

	m := metrics.New(prometheus.NewRegistry(), cfg, logger.Named("metrics"))
	clock := clockwork.NewRealClock()

	var sink events.Sink = events.NopSink{}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink, err := events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic, logger.Named("events"))
		if err != nil {
			logger.Fatal("Failed to initialize audit stream", zap.Error(err))
		}
		defer kafkaSink.Close()
		sink = kafkaSink
	}

	bot := telegram.NewClient(cfg, logger.Named("telegram"))
	payments := provider.NewClient(cfg, logger.Named("provider"))

	publisher := publish.NewPublisher(pgStore, bot, bot, sink, cfg, clock, logger.Named("publish"))
	sched := scheduler.New(publisher, jobStore, jr, bot, m, cfg, clock, logger.Named("scheduler"))
	if err := sched.Recover(ctx); err != nil {
		logger.Fatal("Failed to recover schedules", zap.Error(err))
	}

	ledger := payment.NewLedger(cfg.LedgerTTL, clock, logger.Named("ledger"))
	registry := pending.NewRegistry()
	engine := reconcile.NewEngine(ledger, registry, payments, bot, pgStore, sched, sink, m, cfg, clock,
		logger.Named("reconcile"))
	reap := reaper.NewReaper(ledger, registry, payments, engine, sink, m, cfg, clock, logger.Named("reaper"))

	probes := []metrics.Probe{
		{Name: "postgres", Check: pgStore.Ping},
		{Name: "redis", Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
	}

	var wg sync.WaitGroup
	for _, run := range []func(context.Context){
		sched.Run,
		sched.RunSync,
		reap.Run,
		ledger.Run,
		func(ctx context.Context) { m.Run(ctx, probes...) },
	} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(run)
	}

	r := chi.NewRouter()
	server.SetupRouter(r, cfg, server.Deps{
		Engine:    engine,
		Publisher: publisher,
		Schedules: sched,
		Orders:    pgStore,
		Probes:    probes,
		Clock:     clock,
	}, logger.Named("http"))
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	var tlsConfig *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Fatal("Failed to load TLS certificates", zap.Error(err))
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warn("TLS_CERT_FILE or TLS_KEY_FILE not set, using HTTP")
	}

	go func() {
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Info("Server starting with TLS", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("Server failed", zap.Error(err))
				cancel()
			}
		} else {
			logger.Info("Server starting without TLS", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Server failed", zap.Error(err))
				cancel()
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	wg.Wait()
	sched.Wait()
	logger.Info("Shutdown complete", zap.Int("pending_payments", registry.Len()),
		zap.Int("armed_jobs", len(sched.Jobs())))
}
