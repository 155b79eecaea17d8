package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	alertnotify "fleet-telemetry/internal/alerts/notify"
	apihttp "fleet-telemetry/internal/api/http"
	"fleet-telemetry/internal/config"
	dashboardapp "fleet-telemetry/internal/dashboard/application"
	dashboardhttp "fleet-telemetry/internal/dashboard/interfaces/http"
	dashboardws "fleet-telemetry/internal/dashboard/interfaces/ws"
	"fleet-telemetry/internal/eventing"
	"fleet-telemetry/internal/observability/metrics"
	"fleet-telemetry/internal/registry"
	robotsapp "fleet-telemetry/internal/robots/application"
	robotshttp "fleet-telemetry/internal/robots/interfaces/http"
	robotsws "fleet-telemetry/internal/robots/interfaces/ws"
	telemetryapp "fleet-telemetry/internal/telemetry/application"
	telemetry "fleet-telemetry/internal/telemetry/domain"
	"fleet-telemetry/internal/telemetry/infrastructure/memory"
	telemetrypostgres "fleet-telemetry/internal/telemetry/infrastructure/postgres"
	telemetrysqlite "fleet-telemetry/internal/telemetry/infrastructure/sqlite"
	transportws "fleet-telemetry/internal/transport/ws"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, pinger, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("store error: %v", err)
	}
	defer closeStore()

	var counter metrics.StoreCounter
	if c, ok := store.(metrics.StoreCounter); ok {
		counter = c
	}
	metrics.Init(counter, logger)

	clock := telemetry.SystemClock{}
	reg := registry.New()
	bus := eventing.NewBus()

	queries, err := telemetryapp.NewQueryService(store, clock, reg, cfg.HistoryDefaultHours)
	if err != nil {
		logger.Fatalf("query service init error: %v", err)
	}
	sweeper, err := telemetryapp.NewRetentionSweeper(store, clock, bus, cfg.RetentionMaxAge, cfg.RetentionInterval, logger)
	if err != nil {
		logger.Fatalf("retention init error: %v", err)
	}
	ingestService, err := robotsapp.NewIngestService(store, clock, bus, cfg.StorePauseBackoff, logger)
	if err != nil {
		logger.Fatalf("ingest service init error: %v", err)
	}
	fanout, err := dashboardapp.NewFanout(reg, queries, bus, clock, cfg.FleetGroup, cfg.StatisticsInterval, logger)
	if err != nil {
		logger.Fatalf("fanout init error: %v", err)
	}
	bus.SubscribeUpdated(fanout.OnUpdated)
	bus.SubscribeFleetChanged(fanout.OnFleetChanged)

	if cfg.AlertWebhookURL != "" {
		notifier, err := newAlertNotifier(cfg, clock, logger)
		if err != nil {
			logger.Fatalf("alert notifier error: %v", err)
		}
		defer notifier.Close()
		bus.SubscribeUpdated(notifier.OnUpdated)
		go notifier.Run(ctx)
	}

	wsOptions := transportws.Options{
		Buffer:         cfg.SessionBuffer,
		WriteTimeout:   cfg.WriteTimeout,
		ReadLimit:      cfg.ReadLimitBytes,
		AllowedOrigins: cfg.AllowedOrigins,
	}
	robotGateway, err := robotsws.NewGateway(ingestService, reg, bus, clock, wsOptions, logger)
	if err != nil {
		logger.Fatalf("robot gateway init error: %v", err)
	}
	dashboardGateway, err := dashboardws.NewGateway(fanout, wsOptions, logger)
	if err != nil {
		logger.Fatalf("dashboard gateway init error: %v", err)
	}
	streamHandler, err := dashboardhttp.NewStreamHandler(fanout, cfg.SessionBuffer, logger)
	if err != nil {
		logger.Fatalf("dashboard stream init error: %v", err)
	}
	ingestHandler, err := robotshttp.NewIngestHandler(ingestService, logger)
	if err != nil {
		logger.Fatalf("ingest handler init error: %v", err)
	}
	apiHandler, err := apihttp.NewHandler(queries, pinger, clock, cfg.HistoryDefaultHours, logger)
	if err != nil {
		logger.Fatalf("api handler init error: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws/robots", robotGateway)
	mux.Handle("/ws/dashboard", dashboardGateway)
	mux.Handle("/api/v1/dashboard/stream", streamHandler)
	mux.Handle("/ingest/robots/{robotId}/telemetry", ingestHandler)
	apiHandler.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	go fanout.Run(ctx)
	go sweeper.Run(ctx)

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(mux, logger)}
	server.RegisterOnShutdown(reg.CloseAll)

	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("http listening on %s", cfg.HTTPAddr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("http server error: %v", err)
		}
		stop()
	case <-ctx.Done():
		logger.Printf("shutdown: signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: http server error: %v", err)
	}
	reg.CloseAll()
	logger.Printf("shutdown: complete")
}

// openStore selects Postgres when a DSN is configured, then a SQLite file,
// and the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.Config, logger *log.Logger) (telemetry.Store, apihttp.Pinger, func(), error) {
	switch {
	case cfg.DatabaseURL != "":
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		logger.Printf("store: postgres table=%s", cfg.TelemetryTable)
		closeDB := func() {
			if err := db.Close(); err != nil {
				logger.Printf("store: postgres close error: %v", err)
			}
		}
		return telemetrypostgres.NewStore(db, telemetrypostgres.WithTable(cfg.TelemetryTable)), db, closeDB, nil
	case cfg.SQLitePath != "":
		store, err := telemetrysqlite.Open(cfg.SQLitePath, cfg.SQLitePoolSize, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		closeStore := func() {
			if err := store.Close(); err != nil {
				logger.Printf("store: sqlite close error: %v", err)
			}
		}
		return store, store, closeStore, nil
	default:
		logger.Printf("store: DATABASE_URL and SQLITE_PATH not set, using in-memory store")
		return memory.NewStore(), nil, func() {}, nil
	}
}

func newAlertNotifier(cfg config.Config, clock telemetry.Clock, logger *log.Logger) (*alertnotify.Notifier, error) {
	var webhookOpts []alertnotify.WebhookOption
	if cfg.AlertWebhookToken != "" {
		webhookOpts = append(webhookOpts, alertnotify.WithHeader("Authorization", "Bearer "+cfg.AlertWebhookToken))
	}
	channel, err := alertnotify.NewWebhookChannel(cfg.AlertWebhookURL, webhookOpts...)
	if err != nil {
		return nil, err
	}
	tpl, err := alertnotify.NewTemplate(cfg.AlertTemplate)
	if err != nil {
		return nil, err
	}
	return alertnotify.NewNotifier(channel, tpl, logger,
		alertnotify.WithClock(clock),
		alertnotify.WithEscalation(cfg.AlertEscalation),
		alertnotify.WithCooldown(cfg.AlertCooldown),
		alertnotify.WithDedupeWindow(cfg.AlertDedupeWindow),
		alertnotify.WithRequestTimeout(cfg.AlertTimeout),
		alertnotify.WithReportBaseURL(cfg.AlertReportBaseURL),
	)
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

// statusWriter records the response status. It forwards Flush and Hijack so
// event streams and WebSocket upgrades pass through.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: response does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
