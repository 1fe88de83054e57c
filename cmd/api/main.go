package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"dmagent/internal/awsutil"
	"dmagent/internal/config"
	"dmagent/internal/delivery"
	"dmagent/internal/httpserver"
	"dmagent/internal/logging"
	"dmagent/internal/observability"
	"dmagent/internal/providers/instagram"
	sqsqueue "dmagent/internal/queue/sqs"
	"dmagent/internal/service"
	"dmagent/internal/store/pg"
	"dmagent/internal/worker"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.Open(ctx, cfg.DBConfig)
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observability.Register(reg)

	ingest := &service.IngestService{Store: store}
	if cfg.SQSQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			slog.Error("api sqs client init failed", "err", err)
			os.Exit(1)
		}
		ingest.Trigger = &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.SQSQueueURL}
	} else {
		slog.Info("SQS_QUEUE_URL not set, webhook will not publish processing triggers")
	}

	graph := &instagram.Client{
		HTTP:       &http.Client{Timeout: cfg.DeliveryTimeout + 2*time.Second},
		BaseURL:    cfg.GraphBaseURL,
		APIVersion: cfg.GraphAPIVersion,
	}
	dispatcher := delivery.New(store, graph, cfg.DeliveryConfig)

	api := &httpserver.API{
		Processor: &worker.Processor{Store: store, Deliverer: dispatcher},
		Messages:  &service.MessageService{Settings: store, Deliverer: dispatcher},
		Settings:  &service.SettingsService{Store: store},
		Dashboard: &service.DashboardService{Store: store},
	}
	webhook := &httpserver.Webhook{
		Settings:     store,
		Ingest:       ingest,
		AppSecret:    cfg.MetaAppSecret,
		MaxBodyBytes: cfg.WebhookMaxBodyBytes,
	}

	s := httpserver.New()
	s.Mux.Use(httpserver.Logging, httpserver.Metrics(observability.APIRequests))
	s.RegisterHealth(2*time.Second, store.Ping)
	webhook.Register(s.Mux)

	admin := s.Mux.NewRoute().Subrouter()
	admin.Use(httpserver.AdminAuth(cfg.AdminAPIToken))
	api.Register(admin)
	if cfg.AdminAPIToken == "" {
		slog.Warn("ADMIN_API_TOKEN not set, admin routes are unauthenticated")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           httpserver.NewMetricsMux(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("api metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}
}
