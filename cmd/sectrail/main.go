// Package main is the entry point for the sectrail telemetry service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sectrail/internal/alerting"
	"sectrail/internal/audit"
	"sectrail/internal/config"
	"sectrail/internal/dashboard"
	"sectrail/internal/detection"
	secerrors "sectrail/internal/errors"
	"sectrail/internal/incident"
	"sectrail/internal/kafka"
	"sectrail/internal/logging"
	"sectrail/internal/metrics"
	"sectrail/internal/middleware"
	"sectrail/internal/monitor"
	"sectrail/internal/schema"
	"sectrail/internal/storage/s3"
	"sectrail/internal/store"
)

var version = "dev"

func main() {
	var (
		showVersion bool
		verifyOnly  bool
		verifySince time.Duration
		configPath  string
	)
	flag.StringVar(&configPath, "config", "", "Path to config file (overrides SECTRAIL_CONFIG_PATH)")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&verifyOnly, "verify", false, "Verify the audit trail, print the report and exit")
	flag.DurationVar(&verifySince, "since", 24*time.Hour, "Range verified by -verify, ending now")
	flag.Parse()

	if showVersion {
		fmt.Printf("sectrail %s\n", version)
		os.Exit(0)
	}

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)
	secerrors.SetProductionMode(cfg.Security.ProductionMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}

	if verifyOnly {
		ok := svc.verify(ctx, verifySince)
		svc.close()
		if !ok {
			os.Exit(2)
		}
		return
	}

	svc.run(ctx, cfg)
	svc.close()
}

// service holds the wired components.
type service struct {
	logger     *slog.Logger
	registry   *prometheus.Registry
	store      store.Store
	producer   *kafka.Producer
	dispatcher *alerting.Dispatcher
	monitor    *monitor.Monitor
	ledger     *audit.Ledger
	engine     *incident.Engine
	dashboard  *dashboard.Dashboard
	limiter    *middleware.RateLimiter
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*service, error) {
	svc := &service{logger: logger, registry: prometheus.NewRegistry()}
	svc.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(svc.registry)

	switch cfg.Store.Backend {
	case "redis":
		rs, err := store.NewRedisStore(ctx, cfg.Store.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		svc.store = rs
	default:
		logger.Warn("using in-memory store; data is lost on restart")
		svc.store = store.NewMemoryStore()
	}

	enc, err := cfg.NewEncryptionEngine(logger)
	if err != nil {
		return nil, err
	}

	var archiver audit.Archiver
	if cfg.Archive.Enabled {
		a, err := s3.NewArchiver(ctx, &cfg.Archive, logger)
		if err != nil {
			return nil, fmt.Errorf("create archiver: %w", err)
		}
		archiver = a
	}

	var publisher alerting.Publisher
	if cfg.Kafka.Enabled {
		p, err := kafka.NewProducer(&cfg.Kafka, logger)
		if err != nil {
			return nil, fmt.Errorf("create kafka producer: %w", err)
		}
		svc.producer = p
		publisher = p
	}

	svc.dispatcher = alerting.NewDispatcher(svc.store, cfg.Alerting, logger, m)
	channels, err := alerting.BuildChannels(cfg.Alerting.Channels, publisher, logger)
	if err != nil {
		return nil, err
	}
	for _, ch := range channels {
		svc.dispatcher.AddChannel(ch)
	}

	forwarders, err := alerting.BuildChannels(cfg.Forwarding, publisher, logger)
	if err != nil {
		return nil, fmt.Errorf("forwarding: %w", err)
	}
	svc.monitor = monitor.New(svc.store, cfg.Monitor, monitor.Options{
		Alerts:     svc.dispatcher,
		Forwarders: forwarders,
		Logger:     logger,
		Metrics:    m,
	})

	auditCfg := cfg.Audit
	auditCfg.OnTamperDetected = func(report *audit.VerificationReport) {
		if _, err := svc.dispatcher.TriggerAlert(context.Background(), string(schema.EventAuditIntegrityFailure), alerting.AlertInput{
			Severity: schema.SeverityCritical,
			Title:    "Audit trail integrity failure",
			Message:  fmt.Sprintf("%d of %d audit entries failed verification", len(report.FailedEntries), report.TotalEntries),
			Details:  map[string]any{"hashChainValid": report.HashChainValid},
		}); err != nil {
			logger.Error("failed to alert on audit tampering", "error", err)
		}
	}
	svc.ledger, err = audit.NewLedger(svc.store, auditCfg, audit.Options{
		Encryption: enc,
		Archiver:   archiver,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		return nil, fmt.Errorf("open audit ledger: %w", err)
	}

	var sessions incident.SessionInvalidator
	if svc.producer != nil {
		sessions = &sessionRevoker{publisher: svc.producer}
	}
	registry := detection.NewRegistry(logger, m, detection.DefaultDetectors(svc.monitor, cfg.Detection)...)
	svc.engine = incident.NewEngine(svc.store, cfg.Incident, registry, incident.Options{
		Events:   svc.monitor,
		Audit:    svc.ledger,
		Notifier: svc.dispatcher,
		Sessions: sessions,
		Logger:   logger,
		Metrics:  m,
	})
	svc.monitor.AddAnalyzer(svc.engine)

	svc.dashboard = dashboard.New(svc.monitor, cfg.Dashboard, dashboard.Options{
		Alerts:    svc.dispatcher,
		Audit:     svc.ledger,
		Incidents: svc.engine,
		Logger:    logger,
		Metrics:   m,
	})

	svc.limiter = middleware.NewRateLimiter(cfg.Server.RateLimit, svc.monitor, logger, m)

	logger.Info("sectrail initialized",
		"version", version,
		"store", cfg.Store.Backend,
		"detectors", registry.Detectors(),
		"alert_channels", len(channels),
		"forwarders", len(forwarders),
		"encryption", enc != nil,
		"archive", archiver != nil,
		"kafka", svc.producer != nil)
	return svc, nil
}

func (s *service) run(ctx context.Context, cfg *config.Config) {
	if n, err := s.engine.Restore(ctx, time.Now().Add(-cfg.Incident.IncidentTTL)); err != nil {
		s.logger.Error("failed to restore incidents", "error", err)
	} else if n > 0 {
		s.logger.Info("incidents restored", "count", n)
	}
	s.ledger.Start(ctx)
	s.engine.Start(ctx)

	mux := http.NewServeMux()
	s.dashboard.RegisterRoutes(mux)
	mux.Handle(cfg.Server.MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", s.handleHealth)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      middleware.SecurityHeaders(cfg.Server.SecurityHeaders, s.logger)(s.limiter.Middleware(mux)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		s.logger.Info("starting server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	s.logger.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("server shutdown error", "error", err)
	}
}

func (s *service) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		status, code = "store unavailable", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":    status,
		"version":   version,
		"incidents": s.engine.Stats(),
		"ledger":    s.ledger.Stats(),
	})
}

// verify checks the hash chain and the rotated segment checksums and prints
// the results as JSON. It reports whether both passed.
func (s *service) verify(ctx context.Context, since time.Duration) bool {
	end := time.Now()
	report, err := s.ledger.VerifyAuditTrailIntegrity(ctx, end.Add(-since), end)
	if err != nil {
		s.logger.Error("verification failed", "error", err)
		return false
	}
	segments, err := s.ledger.VerifySegments(ctx)
	if err != nil {
		s.logger.Error("segment verification failed", "error", err)
		return false
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(map[string]any{"chain": report, "segments": segments})

	ok := report.Verified
	for _, seg := range segments {
		ok = ok && seg.Valid
	}
	return ok
}

func (s *service) close() {
	s.limiter.Stop()
	s.engine.Close()
	if err := s.ledger.Close(); err != nil {
		s.logger.Error("audit ledger close error", "error", err)
	}
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			s.logger.Error("kafka producer close error", "error", err)
		}
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close error", "error", err)
	}
	s.logger.Info("shutdown complete")
}

// sessionRevoker asks the host application to end a user's sessions by
// publishing a revocation request on the event bus.
type sessionRevoker struct {
	publisher alerting.Publisher
}

func (r *sessionRevoker) InvalidateUserSessions(ctx context.Context, userID, reason string) error {
	return r.publisher.PublishJSON(ctx, userID, map[string]any{
		"action":      "invalidate_sessions",
		"userId":      userID,
		"reason":      reason,
		"requestedAt": time.Now().UTC(),
	}, map[string]string{"type": "SESSION_REVOCATION"})
}
