package main

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	alarmapp "hvac-telemetry/internal/alarms/application"
	alarmhttp "hvac-telemetry/internal/alarms/interfaces/http"
	alarmnotify "hvac-telemetry/internal/alarms/notify"
	analyticsapp "hvac-telemetry/internal/analytics/application"
	analyticshttp "hvac-telemetry/internal/analytics/interfaces/http"
	apihttp "hvac-telemetry/internal/api/http"
	"hvac-telemetry/internal/auth"
	"hvac-telemetry/internal/config"
	"hvac-telemetry/internal/jobs"
	"hvac-telemetry/internal/observability/metrics"
	"hvac-telemetry/internal/repair"
	"hvac-telemetry/internal/reporting"
	telemetryapp "hvac-telemetry/internal/telemetry/application"
	telemetryhttp "hvac-telemetry/internal/telemetry/interfaces/http"
	unitapp "hvac-telemetry/internal/units/application"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openBackends(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("storage error: %v", err)
	}
	defer store.close()
	metrics.Init(store.db, logger)

	registry, err := unitapp.NewRegistry(store.units)
	if err != nil {
		logger.Fatalf("unit registry error: %v", err)
	}
	materializer, err := unitapp.NewMaterializer(store.units)
	if err != nil {
		logger.Fatalf("materializer error: %v", err)
	}

	alertBroker := alarmhttp.NewSSEBroker()
	notifiers := []alarmapp.AlertNotifier{alertBroker}
	if cfg.Notify.WebhookURL != "" {
		channel, err := alarmnotify.NewWebhookChannel(cfg.Notify.WebhookURL)
		if err != nil {
			logger.Fatalf("alert webhook error: %v", err)
		}
		tpl, err := alarmnotify.NewTemplate(cfg.Notify.Template)
		if err != nil {
			logger.Fatalf("alert template error: %v", err)
		}
		webhookNotifier, err := alarmnotify.NewNotifier(store.rules, registry, store.alerts, channel, tpl,
			alarmnotify.WithEscalation(cfg.Notify.EscalationAfter),
			alarmnotify.WithCooldown(cfg.Notify.Cooldown),
			alarmnotify.WithDedupeWindow(cfg.Notify.DedupeWindow),
			alarmnotify.WithRequestTimeout(cfg.Notify.Timeout),
			alarmnotify.WithLogger(logger),
		)
		if err != nil {
			logger.Fatalf("alert notifier error: %v", err)
		}
		defer webhookNotifier.Close()
		notifiers = append(notifiers, webhookNotifier)
	}
	if len(cfg.Notify.KafkaBrokers) > 0 {
		writer, err := alarmnotify.NewKafkaWriter(cfg.Notify.KafkaBrokers, cfg.Notify.KafkaTopic)
		if err != nil {
			logger.Fatalf("alert kafka writer error: %v", err)
		}
		publisher, err := alarmnotify.NewKafkaPublisher(writer, logger)
		if err != nil {
			logger.Fatalf("alert kafka publisher error: %v", err)
		}
		defer publisher.Close()
		notifiers = append(notifiers, publisher)
	}

	alertNotifier := alarmnotify.NewMultiNotifier(notifiers, alarmnotify.WithMultiLogger(logger))
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := alertNotifier.Close(drainCtx); err != nil {
			logger.Printf("alert notify drain error: %v", err)
		}
	}()

	alertService, err := alarmapp.NewService(store.rules, store.alerts,
		alarmapp.WithNotifier(alertNotifier),
		alarmapp.WithUnitReader(registry),
		alarmapp.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("alert service error: %v", err)
	}
	ruleService, err := alarmapp.NewRuleService(store.rules, registry)
	if err != nil {
		logger.Fatalf("rule service error: %v", err)
	}

	ingestService, err := telemetryapp.NewIngestService(registry, store.readings, materializer, alertService,
		telemetryapp.WithRepairQueue(store.repair),
		telemetryapp.WithLockStripes(cfg.Ingest.LockStripes),
		telemetryapp.WithBatchParallelism(cfg.Ingest.BatchParallelism),
		telemetryapp.WithBackoff(telemetryapp.Backoff{
			Attempts: cfg.Ingest.RetryAttempts,
			Initial:  cfg.Ingest.RetryInitial,
			Max:      cfg.Ingest.RetryMax,
		}),
		telemetryapp.WithIngestLogger(logger),
	)
	if err != nil {
		logger.Fatalf("ingest service error: %v", err)
	}
	repairWorker, err := repair.NewWorker(store.repair, ingestService,
		repair.WithMaxAttempts(cfg.Repair.MaxAttempts),
		repair.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("repair worker error: %v", err)
	}

	engine, err := analyticsapp.NewEngine(store.readings, store.partitions, store.rollups, store.progress,
		analyticsapp.WithLookback(cfg.Rollup.Lookback),
		analyticsapp.WithBackfill(cfg.Backfill()),
		analyticsapp.WithHourlyRetention(cfg.HourlyRetention()),
		analyticsapp.WithParallelism(cfg.Rollup.Parallelism),
		analyticsapp.WithEngineLogger(logger),
	)
	if err != nil {
		logger.Fatalf("rollup engine error: %v", err)
	}
	maintainer, err := telemetryapp.NewPartitionMaintainer(store.partitions, engine,
		telemetryapp.WithRawRetention(cfg.RawRetention()),
		telemetryapp.WithMaintainerLogger(logger),
	)
	if err != nil {
		logger.Fatalf("partition maintainer error: %v", err)
	}
	reports, err := reporting.NewService(engine, reporting.WithLogger(logger))
	if err != nil {
		logger.Fatalf("reporting service error: %v", err)
	}

	scheduler := jobs.NewScheduler(jobs.WithLogger(logger))
	for _, job := range []jobs.Job{
		{
			Name:       "partitions.ensure",
			Interval:   cfg.Jobs.PartitionInterval,
			RunOnStart: true,
			Run: func(ctx context.Context, now time.Time) (any, error) {
				return nil, maintainer.EnsureUpcoming(ctx, now)
			},
		},
		{
			Name:     "partitions.retention",
			Interval: cfg.Jobs.RetentionInterval,
			Run: func(ctx context.Context, now time.Time) (any, error) {
				return maintainer.EnforceRetention(ctx, now)
			},
		},
		{
			Name:       "rollups.hourly",
			Interval:   cfg.Jobs.HourlyInterval,
			RunOnStart: true,
			Run: func(ctx context.Context, now time.Time) (any, error) {
				return engine.RunHourly(ctx, now)
			},
		},
		{
			Name:     "rollups.daily",
			Interval: cfg.Jobs.DailyInterval,
			Run: func(ctx context.Context, now time.Time) (any, error) {
				return engine.RunDaily(ctx, now)
			},
		},
		{
			Name:     "rollups.retention",
			Interval: cfg.Jobs.RetentionInterval,
			Run: func(ctx context.Context, now time.Time) (any, error) {
				return engine.EnforceRetention(ctx, now)
			},
		},
		{
			Name:     "repair.run",
			Interval: cfg.Jobs.RepairInterval,
			Run: func(ctx context.Context, _ time.Time) (any, error) {
				return repairWorker.Run(ctx, cfg.Repair.BatchSize)
			},
		},
	} {
		if err := scheduler.Register(job); err != nil {
			logger.Fatalf("job %s error: %v", job.Name, err)
		}
	}

	apiHandler, err := apihttp.NewHandler(registry, store.readings, engine,
		apihttp.WithExporter(reports),
		apihttp.WithAuditLogger(store.audit),
		apihttp.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("api handler error: %v", err)
	}
	alertHandler, err := alarmhttp.NewHandler(alertService, store.audit, logger)
	if err != nil {
		logger.Fatalf("alert handler error: %v", err)
	}
	rulesHandler, err := alarmhttp.NewRulesHandler(ruleService, store.audit, logger)
	if err != nil {
		logger.Fatalf("rules handler error: %v", err)
	}
	jobsHandler, err := jobs.NewHandler(scheduler)
	if err != nil {
		logger.Fatalf("jobs handler error: %v", err)
	}
	recomputeHandler, err := analyticshttp.NewRecomputeHandler(engine, logger)
	if err != nil {
		logger.Fatalf("recompute handler error: %v", err)
	}
	ingestHandler, err := telemetryhttp.NewIngestHandler(ingestService, logger)
	if err != nil {
		logger.Fatalf("ingest handler error: %v", err)
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, []string{"/ingest/"})
	authMiddleware := auth.NewMiddleware([]byte(cfg.Auth.JWTSecret), policy)
	ingestAuth := auth.NewIngestAuthMiddleware([]byte(cfg.Auth.IngestSecret), cfg.Auth.IngestMaxSkew)

	router := mux.NewRouter()
	router.Handle("/ingest/readings", ingestAuth.Wrap(ingestHandler)).Methods(http.MethodPost)
	apiHandler.Register(router)
	alertHandler.Register(router)
	rulesHandler.Register(router)
	jobsHandler.Register(router)
	router.Handle("/api/v1/alerts/stream", alarmhttp.NewStreamHandler(alertBroker, registry)).Methods(http.MethodGet)
	router.Handle("/api/v1/alerts/ws", alarmhttp.NewWebSocketHandler(alertBroker, registry, cfg.Notify.AllowedOrigins, logger)).Methods(http.MethodGet)
	router.Handle("/api/v1/rollups/recompute", recomputeHandler).Methods(http.MethodPost)
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	var root http.Handler = authMiddleware.Wrap(router)
	if len(cfg.CORSOrigins) > 0 {
		root = handlers.CORS(
			handlers.AllowedOrigins(cfg.CORSOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
		)(root)
	}
	root = handlers.RecoveryHandler(handlers.RecoveryLogger(logger), handlers.PrintRecoveryStack(true))(root)

	scheduler.Start(ctx)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(root, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("http shutdown error: %v", err)
		}
	}()

	logger.Printf("event=http_listening addr=%s storage=%s repair=%s", cfg.HTTPAddr, cfg.Storage, cfg.Repair.Backend)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("http server error: %v", err)
	}
	scheduler.Wait()
	logger.Printf("event=shutdown_complete")
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps SSE streaming working behind the logging wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrade reach the underlying connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
