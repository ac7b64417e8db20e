package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amillerrr/clipflow/internal/config"
	"github.com/amillerrr/clipflow/internal/health"
	"github.com/amillerrr/clipflow/internal/logger"
	"github.com/amillerrr/clipflow/internal/observability"
	"github.com/amillerrr/clipflow/internal/pipeline"
	"github.com/amillerrr/clipflow/internal/storage"
	"github.com/amillerrr/clipflow/internal/worker"
)

const (
	AWSConfigTimeout = 10 * time.Second
	ShutdownTimeout  = 5 * time.Second
	ServiceName      = "clipflow-worker"
)

func main() {
	log := logger.New("info")
	slog.SetDefault(log)

	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found, relying on system ENV variables")
	}

	cfg, err := config.LoadWorker()
	if err != nil {
		log.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	log = logger.New(cfg.Observability.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := observability.InitTracer(context.Background(), ServiceName, cfg)
	if err != nil {
		log.Error("Failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	initCtx, initCancel := context.WithTimeout(context.Background(), AWSConfigTimeout)
	defer initCancel()

	awsCfg, err := storage.LoadAWSConfig(initCtx, cfg)
	if err != nil {
		log.Error("Failed to load AWS config", "error", err)
		os.Exit(1)
	}
	sqsClient := sqs.NewFromConfig(awsCfg)

	store, s3Client, err := storage.NewS3Store(initCtx, cfg)
	if err != nil {
		log.Error("Failed to initialize object storage", "error", err)
		os.Exit(1)
	}

	videoRepo, dynamoClient, err := storage.NewVideoRepository(initCtx, cfg)
	if err != nil {
		log.Error("Failed to initialize video repository", "error", err)
		os.Exit(1)
	}

	healthConfig := health.DefaultConfig(ServiceName, log)
	healthConfig.
		Register("s3", health.S3Bucket(s3Client, cfg.AWS.Bucket)).
		Register("sqs", health.SQSQueue(sqsClient, cfg.AWS.SQSQueueURL)).
		Register("dynamodb", health.DynamoDBTable(dynamoClient, cfg.AWS.DynamoDBTable)).
		Register("ffmpeg", health.Binary(cfg.Pipeline.FFmpegPath)).
		Register("ffprobe", health.Binary(cfg.Pipeline.FFprobePath))
	checker := health.NewChecker(healthConfig)

	w := worker.New(&worker.Config{
		Queue:             sqsClient,
		QueueURL:          cfg.AWS.SQSQueueURL,
		MaxConcurrentJobs: cfg.Worker.MaxConcurrentJobs,
		Source:            store,
		WorkDir:           cfg.Pipeline.WorkDir,
		Pipeline:          pipeline.NewFFmpegUploader(cfg, store, videoRepo, log),
		Repo:              videoRepo,
		Logger:            log,
	})

	metricsServer := startMetricsServer(cfg.Worker.MetricsPort, checker, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("Shutting down worker...")
		cancel()
	}()

	w.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to shutdown metrics server", "error", err)
	}
}

func startMetricsServer(port int, checker *health.Checker, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", checker.Handler())
	mux.HandleFunc("/health/deep", checker.DeepHandler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Starting metrics server", "port", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server error", "error", err)
		}
	}()

	return server
}
