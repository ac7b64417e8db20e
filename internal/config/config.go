package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Environment   string
	AWS           AWSConfig
	API           APIConfig
	Worker        WorkerConfig
	Pipeline      PipelineConfig
	Presign       PresignConfig
	Observability ObservabilityConfig
	CORS          CORSConfig
}

// AWSConfig holds object storage and AWS service configuration.
type AWSConfig struct {
	Region          string
	Bucket          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
	SQSQueueURL     string
	DynamoDBTable   string
}

// APIConfig holds API server configuration.
type APIConfig struct {
	Port          string
	Username      string
	Password      string
	JWTSecret     string
	MaxUploadSize int64
}

// WorkerConfig holds worker-specific configuration.
type WorkerConfig struct {
	MaxConcurrentJobs int
	MetricsPort       int
}

// PipelineConfig tunes the transcode and upload pipeline.
type PipelineConfig struct {
	SegmentDuration       time.Duration
	MaxParallelEncodes    int
	MaxParallelUploads    int
	UploadRetryAttempts   int
	UploadRetryInterval   time.Duration
	WorkDir               string
	FFmpegPath            string
	FFprobePath           string
	SingleQualityFactor   float64
	SingleQualityConstant float64
}

// PresignConfig holds signed URL settings.
type PresignConfig struct {
	Validity     time.Duration
	SafetyBuffer time.Duration
	RedisURL     string
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	TracingEnabled   bool
	OTLPEndpoint     string
	TraceSampleRatio float64
	LogLevel         string
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string
}

// Default values
const (
	DefaultPort                  = "8080"
	DefaultMetricsPort           = 2112
	DefaultMaxConcurrentJobs     = 1
	DefaultOTLPEndpoint          = "localhost:4317"
	DefaultRegion                = "us-east-1"
	DefaultMaxUploadSize         = 2 << 30 // 2 GB
	DefaultSegmentDuration       = 4 * time.Second
	DefaultMaxParallelEncodes    = 3
	DefaultMaxParallelUploads    = 4
	DefaultUploadRetryAttempts   = 3
	DefaultUploadRetryInterval   = 500 * time.Millisecond
	DefaultWorkDir               = "/tmp/clipflow"
	DefaultSingleQualityFactor   = 0.2
	DefaultSingleQualityConstant = 3.0
	DefaultPresignValidity       = 8 * time.Hour
	DefaultPresignSafetyBuffer   = 30 * time.Minute

	MinSegmentDuration = 2 * time.Second
	MaxSegmentDuration = 10 * time.Second
	MaxPresignValidity = 7 * 24 * time.Hour
)

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENV", "dev"),
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", DefaultRegion),
			Bucket:          os.Getenv("S3_BUCKET"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			UsePathStyle:    getEnvBool("S3_PATH_STYLE", true),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
			SQSQueueURL:     os.Getenv("SQS_QUEUE_URL"),
			DynamoDBTable:   os.Getenv("DYNAMODB_TABLE"),
		},
		API: APIConfig{
			Port:          getEnv("PORT", DefaultPort),
			Username:      os.Getenv("API_USERNAME"),
			Password:      os.Getenv("API_PASSWORD"),
			JWTSecret:     os.Getenv("JWT_SECRET"),
			MaxUploadSize: getEnvInt64("MAX_UPLOAD_SIZE", DefaultMaxUploadSize),
		},
		Worker: WorkerConfig{
			MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", DefaultMaxConcurrentJobs),
			MetricsPort:       getEnvInt("METRICS_PORT", DefaultMetricsPort),
		},
		Pipeline: PipelineConfig{
			SegmentDuration:       getEnvDuration("SEGMENT_DURATION", DefaultSegmentDuration),
			MaxParallelEncodes:    getEnvInt("MAX_PARALLEL_ENCODES", DefaultMaxParallelEncodes),
			MaxParallelUploads:    getEnvInt("MAX_PARALLEL_UPLOADS", DefaultMaxParallelUploads),
			UploadRetryAttempts:   getEnvInt("UPLOAD_RETRY_ATTEMPTS", DefaultUploadRetryAttempts),
			UploadRetryInterval:   getEnvDuration("UPLOAD_RETRY_INTERVAL", DefaultUploadRetryInterval),
			WorkDir:               getEnv("WORK_DIR", DefaultWorkDir),
			FFmpegPath:            getEnv("FFMPEG_PATH", "ffmpeg"),
			FFprobePath:           getEnv("FFPROBE_PATH", "ffprobe"),
			SingleQualityFactor:   getEnvFloat("SINGLE_QUALITY_FACTOR", DefaultSingleQualityFactor),
			SingleQualityConstant: getEnvFloat("SINGLE_QUALITY_BITRATE_CONSTANT", DefaultSingleQualityConstant),
		},
		Presign: PresignConfig{
			Validity:     getEnvDuration("PRESIGN_VALIDITY", DefaultPresignValidity),
			SafetyBuffer: getEnvDuration("PRESIGN_SAFETY_BUFFER", DefaultPresignSafetyBuffer),
			RedisURL:     os.Getenv("REDIS_URL"),
		},
		Observability: ObservabilityConfig{
			TracingEnabled:   getEnvBool("TRACING_ENABLED", true),
			OTLPEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", DefaultOTLPEndpoint),
			TraceSampleRatio: getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
			LogLevel:         getEnv("LOG_LEVEL", "info"),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{
				"http://localhost:5173",
			}),
		},
	}

	return cfg, nil
}

// LoadAPI loads configuration required for the API service.
func LoadAPI() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateAPI(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWorker loads configuration required for the Worker service.
func LoadWorker() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateWorker(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ValidateAPI validates configuration required for the API service.
func (c *Config) ValidateAPI() error {
	errs := c.validateShared()

	if c.AWS.SQSQueueURL == "" {
		errs = append(errs, "SQS_QUEUE_URL is required")
	}

	// In production, require explicit credentials
	if c.IsProduction() {
		if c.API.Username == "" {
			errs = append(errs, "API_USERNAME is required in production")
		}
		if c.API.Password == "" {
			errs = append(errs, "API_PASSWORD is required in production")
		}
		if len(c.API.JWTSecret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
		}
	}

	return joinErrors(errs)
}

// ValidateWorker validates configuration required for the Worker service.
func (c *Config) ValidateWorker() error {
	errs := c.validateShared()

	if c.AWS.SQSQueueURL == "" {
		errs = append(errs, "SQS_QUEUE_URL is required")
	}

	return joinErrors(errs)
}

func (c *Config) validateShared() []string {
	var errs []string

	if c.AWS.Bucket == "" {
		errs = append(errs, "S3_BUCKET is required")
	}
	if c.AWS.DynamoDBTable == "" {
		errs = append(errs, "DYNAMODB_TABLE is required")
	}
	if (c.AWS.AccessKeyID == "") != (c.AWS.SecretAccessKey == "") {
		errs = append(errs, "S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together")
	}

	p := c.Pipeline
	if p.SegmentDuration < MinSegmentDuration || p.SegmentDuration > MaxSegmentDuration {
		errs = append(errs, fmt.Sprintf("SEGMENT_DURATION must be between %s and %s", MinSegmentDuration, MaxSegmentDuration))
	}
	if p.SingleQualityFactor <= 0 || p.SingleQualityFactor > 1 {
		errs = append(errs, "SINGLE_QUALITY_FACTOR must be in (0, 1]")
	}
	if p.SingleQualityConstant <= 0 {
		errs = append(errs, "SINGLE_QUALITY_BITRATE_CONSTANT must be positive")
	}

	if c.Presign.Validity <= 0 || c.Presign.Validity > MaxPresignValidity {
		errs = append(errs, "PRESIGN_VALIDITY must be positive and at most 7 days")
	}
	if c.Presign.SafetyBuffer < 0 || c.Presign.SafetyBuffer >= c.Presign.Validity {
		errs = append(errs, "PRESIGN_SAFETY_BUFFER must be smaller than PRESIGN_VALIDITY")
	}
	if r := c.Observability.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, "OTEL_TRACES_SAMPLER_ARG must be in [0, 1]")
	}

	return errs
}

func joinErrors(errs []string) error {
	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "prod" || env == "production"
}

// GetAPICredentials returns API credentials with fallback for development.
func (c *Config) GetAPICredentials() (username, password string, err error) {
	username = c.API.Username
	password = c.API.Password

	if username == "" || password == "" {
		if c.IsProduction() {
			return "", "", errors.New("API credentials not configured")
		}
		// Development fallback
		return "admin", "secret", nil
	}

	return username, password, nil
}

// GetJWTSecret returns the JWT secret.
func (c *Config) GetJWTSecret() ([]byte, error) {
	secret := c.API.JWTSecret

	if secret == "" {
		return nil, errors.New("JWT_SECRET is required (set it even for development)")
	}

	if len(secret) < 32 && c.IsProduction() {
		return nil, errors.New("JWT_SECRET must be at least 32 characters")
	}

	return []byte(secret), nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil && intVal > 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil && intVal > 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("4s") or plain seconds ("4").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
