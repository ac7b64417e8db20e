package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"

	"github.com/amillerrr/clipflow/internal/api"
	"github.com/amillerrr/clipflow/internal/auth"
	"github.com/amillerrr/clipflow/internal/config"
	"github.com/amillerrr/clipflow/internal/health"
	"github.com/amillerrr/clipflow/internal/logger"
	"github.com/amillerrr/clipflow/internal/observability"
	"github.com/amillerrr/clipflow/internal/pipeline"
	"github.com/amillerrr/clipflow/internal/presign"
	"github.com/amillerrr/clipflow/internal/storage"
)

const (
	ShutdownTimeout       = 30 * time.Second
	TracerShutdownTimeout = 5 * time.Second
	AWSConfigTimeout      = 10 * time.Second
	ServiceName           = "clipflow-api"
)

func main() {
	log := logger.New("info")
	slog.SetDefault(log)

	// Load .env file if present
	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found, using system environment variables")
	}

	cfg, err := config.LoadAPI()
	if err != nil {
		log.Error("Failed to load configuration", "error", err)
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
		ctx, cancel := context.WithTimeout(context.Background(), TracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	// Initialize AWS clients
	ctx, cancel := context.WithTimeout(context.Background(), AWSConfigTimeout)
	defer cancel()

	awsCfg, err := storage.LoadAWSConfig(ctx, cfg)
	if err != nil {
		log.Error("Failed to load AWS config", "error", err)
		os.Exit(1)
	}
	sqsClient := sqs.NewFromConfig(awsCfg)

	store, s3Client, err := storage.NewS3Store(ctx, cfg)
	if err != nil {
		log.Error("Failed to initialize object storage", "error", err)
		os.Exit(1)
	}

	videoRepo, dynamoClient, err := storage.NewVideoRepository(ctx, cfg)
	if err != nil {
		log.Error("Failed to initialize video repository", "error", err)
		os.Exit(1)
	}
	log.Info("DynamoDB video repository initialized", "table", cfg.AWS.DynamoDBTable)

	healthConfig := health.DefaultConfig(ServiceName, log)
	healthConfig.
		Register("s3", health.S3Bucket(s3Client, cfg.AWS.Bucket)).
		Register("sqs", health.SQSQueue(sqsClient, cfg.AWS.SQSQueueURL)).
		Register("dynamodb", health.DynamoDBTable(dynamoClient, cfg.AWS.DynamoDBTable)).
		Register("ffmpeg", health.Binary(cfg.Pipeline.FFmpegPath))

	// Signed URLs are shared through Redis when configured, otherwise cached per process.
	var urlStore presign.Store = presign.NewMemoryStore()
	if cfg.Presign.RedisURL != "" {
		redisStore, redisClient, err := presign.NewRedisStoreFromURL(ctx, cfg.Presign.RedisURL)
		if err != nil {
			log.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		urlStore = redisStore
		healthConfig.Register("redis", health.Redis(redisClient))
		log.Info("Presign cache backed by Redis")
	}

	resolver := presign.NewResolver(store, urlStore,
		presign.WithValidity(cfg.Presign.Validity, cfg.Presign.SafetyBuffer),
		presign.WithLogger(log),
	)

	jwtSecret, err := cfg.GetJWTSecret()
	if err != nil {
		log.Error("Failed to get JWT secret", "error", err)
		os.Exit(1)
	}
	jwtService, err := auth.NewJWTService(jwtSecret)
	if err != nil {
		log.Error("Failed to create JWT service", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(&api.ServerConfig{
		Config:        cfg,
		Logger:        log,
		Store:         store,
		Queue:         sqsClient,
		Videos:        videoRepo,
		Resolver:      resolver,
		Uploader:      pipeline.NewFFmpegUploader(cfg, store, videoRepo, log),
		JWTService:    jwtService,
		RateLimiter:   auth.NewRateLimiter(auth.DefaultRateLimiterConfig()),
		HealthChecker: health.NewChecker(healthConfig),
	})

	go func() {
		if err := server.Start(); err != nil {
			log.Error("Server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	log.Info("Server shutdown complete")
}
