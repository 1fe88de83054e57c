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

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
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
	"dmagent/internal/store/pg"
	workerproc "dmagent/internal/worker"
)

func main() {
	cfg := config.LoadWorker()
	logging.Init("worker", cfg.LogFormat, cfg.LogLevel)

	if cfg.SQSQueueURL == "" && cfg.ProcessInterval <= 0 {
		slog.Error("worker has nothing to do: set SQS_QUEUE_URL or PROCESS_INTERVAL")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.Open(ctx, cfg.DBConfig)
	if err != nil {
		slog.Error("worker db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observability.Register(reg)

	graph := &instagram.Client{
		HTTP:       &http.Client{Timeout: cfg.DeliveryTimeout + 2*time.Second},
		BaseURL:    cfg.GraphBaseURL,
		APIVersion: cfg.GraphAPIVersion,
	}
	processor := &workerproc.Processor{
		Store:     store,
		Deliverer: delivery.New(store, graph, cfg.DeliveryConfig),
	}

	checks := []httpserver.ReadyzCheck{store.Ping}

	var consumer *sqsqueue.Consumer
	if cfg.SQSQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			slog.Error("worker sqs client init failed", "err", err)
			os.Exit(1)
		}
		queueReachable := func(c context.Context) error {
			_, err := sqsClient.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
				QueueUrl:       &cfg.SQSQueueURL,
				AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
			})
			return err
		}
		startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
		err = queueReachable(startupCtx)
		startupCancel()
		if err != nil {
			slog.Error("sqs not reachable", "err", err)
			os.Exit(1)
		}
		checks = append(checks, queueReachable)
		consumer = &sqsqueue.Consumer{
			SQS: sqsClient, QueueURL: cfg.SQSQueueURL,
			WaitTimeSeconds:   cfg.SQSWaitTime,
			MaxMessages:       cfg.SQSMaxMsgs,
			VisibilityTimeout: cfg.SQSVizTimeout,
		}
	}

	// health server (liveness + readiness) and metrics
	health := httpserver.New()
	health.Mux.Use(httpserver.Logging)
	health.RegisterHealth(2*time.Second, checks...)
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: health.Mux, ReadHeaderTimeout: 10 * time.Second}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: httpserver.NewMetricsMux(reg), ReadHeaderTimeout: 10 * time.Second}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("worker metrics server failed", "err", err)
		}
	}()

	if cfg.ProcessInterval > 0 {
		slog.Info("worker starting interval processing", "interval", cfg.ProcessInterval)
		go processor.Run(ctx, cfg.ProcessInterval)
	}

	pollErrCh := make(chan error, 1)
	if consumer != nil {
		go func() {
			slog.Info("worker starting poll", "queue_url", cfg.SQSQueueURL)
			pollErrCh <- consumer.Poll(ctx, func(ctx context.Context, triggers []sqsqueue.ProcessTrigger) error {
				start := time.Now()
				err := processor.RunOnce(ctx)
				slog.Info("worker trigger batch finish",
					"triggers", len(triggers),
					"duration", time.Since(start),
					"err", err,
				)
				return err
			})
		}()
	}

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("worker poll failed", "err", err)
			os.Exit(1)
		}
		consumer = nil
	case err := <-healthErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("worker health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("worker shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	if consumer != nil {
		select {
		case <-pollErrCh:
		case <-time.After(10 * time.Second):
			slog.Info("worker shutdown timeout waiting for poll loop")
		}
	}
}
