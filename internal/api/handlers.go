package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/amillerrr/clipflow/internal/auth"
	"github.com/amillerrr/clipflow/internal/config"
	"github.com/amillerrr/clipflow/internal/metrics"
	"github.com/amillerrr/clipflow/internal/observability"
	"github.com/amillerrr/clipflow/internal/pipeline"
	"github.com/amillerrr/clipflow/internal/storage"
	"github.com/amillerrr/clipflow/pkg/models"
)

var tracer = otel.Tracer("clipflow-api")

// Configuration constants
const (
	PresignedURLExpiration = 10 * time.Minute
	MaxFilenameLength      = 255
	MaxRequestBodySize     = 1 << 20 // 1 MB
	DefaultListLimit       = 20
	MaxListLimit           = 100
)

// Allowed video extensions and content types
var (
	AllowedExtensions = map[string]bool{
		".mp4":  true,
		".mov":  true,
		".avi":  true,
		".mkv":  true,
		".webm": true,
	}

	AllowedContentTypes = map[string]bool{
		"video/mp4":        true,
		"video/quicktime":  true,
		"video/x-msvideo":  true,
		"video/x-matroska": true,
		"video/webm":       true,
	}
)

// ObjectStore is the subset of storage.S3Store the handlers use.
type ObjectStore interface {
	Bucket() string
	Head(ctx context.Context, key string) (*storage.ObjectInfo, error)
	Get(ctx context.Context, key string) (*storage.ObjectReader, error)
	PresignPut(ctx context.Context, key, contentType string, lifetime time.Duration) (string, error)
	KeyFromURL(raw string) (string, error)
}

// VideoStore is the subset of storage.VideoRepository the handlers use.
type VideoStore interface {
	CreatePending(ctx context.Context, v *models.VideoRecord) error
	GetVideo(ctx context.Context, videoID string) (*models.VideoRecord, error)
	IncrementViewCount(ctx context.Context, videoID string) (int64, error)
	GetLatestVideo(ctx context.Context) (*models.VideoRecord, error)
	ListVideosByUser(ctx context.Context, userID string, limit int32, startKey map[string]types.AttributeValue) ([]models.VideoRecord, map[string]types.AttributeValue, error)
}

// URLResolver turns stored object URLs into playable signed URLs.
type URLResolver interface {
	Resolve(ctx context.Context, storedURL string) (string, error)
	RefreshIfNeeded(ctx context.Context, storedURL string) (string, error)
	Invalidate(ctx context.Context, storedURL string) error
}

// Queue sends worker jobs.
type Queue interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// VideoUploader runs the upload pipeline for one source file.
type VideoUploader interface {
	Upload(ctx context.Context, req pipeline.Request, progress chan<- pipeline.Progress) (*pipeline.Result, error)
}

// Handlers contains all HTTP handlers for the API.
type Handlers struct {
	cfg        *config.Config
	log        *slog.Logger
	store      ObjectStore
	queue      Queue
	videos     VideoStore
	resolver   URLResolver
	uploader   VideoUploader
	jwtService *auth.JWTService
	limiter    *auth.RateLimiter
}

// HandlersConfig holds dependencies for handlers.
type HandlersConfig struct {
	Config     *config.Config
	Logger     *slog.Logger
	Store      ObjectStore
	Queue      Queue
	Videos     VideoStore
	Resolver   URLResolver
	Uploader   VideoUploader
	JWTService *auth.JWTService
	Limiter    *auth.RateLimiter
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg *HandlersConfig) *Handlers {
	return &Handlers{
		cfg:        cfg.Config,
		log:        cfg.Logger,
		store:      cfg.Store,
		queue:      cfg.Queue,
		videos:     cfg.Videos,
		resolver:   cfg.Resolver,
		uploader:   cfg.Uploader,
		jwtService: cfg.JWTService,
		limiter:    cfg.Limiter,
	}
}

func (h *Handlers) logger() *slog.Logger {
	if h.log == nil {
		return slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return h.log
}

// writeJSON writes a JSON response.
func (h *Handlers) writeJSON(ctx context.Context, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger().ErrorContext(ctx, "Failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response.
func (h *Handlers) writeError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	h.writeJSON(ctx, w, status, map[string]string{"error": message})
}

// decodeJSON reads a size-limited JSON body into dst and writes the error response on failure.
func (h *Handlers) decodeJSON(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.writeError(ctx, w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		h.writeError(ctx, w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// currentUser returns the authenticated username set by the auth middleware.
func currentUser(ctx context.Context) (string, bool) {
	claims, ok := auth.GetClaimsFromContext(ctx)
	if !ok || claims.Username == "" {
		return "", false
	}
	return claims.Username, true
}

// LoginHandler handles user authentication and returns a JWT token.
func (h *Handlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := auth.ClientIP(r)
	if h.limiter != nil {
		if wait, blocked := h.limiter.Blocked(clientIP); blocked {
			metrics.AuthFailures.WithLabelValues("rate_limited").Inc()
			w.Header().Set("Retry-After", strconv.Itoa(auth.RetryAfterSeconds(wait)))
			h.writeError(ctx, w, http.StatusTooManyRequests, "Too many failed attempts")
			return
		}
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		h.writeError(ctx, w, http.StatusUnauthorized, "Missing credentials")
		return
	}

	expectedUsername, expectedPassword, err := h.cfg.GetAPICredentials()
	if err != nil {
		h.logger().ErrorContext(ctx, "Failed to get API credentials", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Server configuration error")
		return
	}

	if username != expectedUsername || password != expectedPassword {
		metrics.AuthFailures.WithLabelValues("bad_credentials").Inc()
		if h.limiter != nil {
			h.limiter.Fail(clientIP)
		}
		h.logger().WarnContext(ctx, "Failed login attempt", "username", username, "ip", clientIP)
		h.writeError(ctx, w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := h.jwtService.GenerateToken(username)
	if err != nil {
		h.logger().ErrorContext(ctx, "Failed to generate token", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	if h.limiter != nil {
		h.limiter.Reset(clientIP)
	}
	h.logger().InfoContext(ctx, "Successful login", "username", username, "ip", clientIP)
	h.writeJSON(ctx, w, http.StatusOK, map[string]string{"token": token})
}

// InitUploadRequest is the request payload for upload initialization.
type InitUploadRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
}

// InitUploadResponse is the response payload for upload initialization.
type InitUploadResponse struct {
	UploadURL string `json:"uploadUrl"`
	VideoID   string `json:"videoId"`
	Key       string `json:"key"`
	RequestID string `json:"requestId"`
}

// InitUploadHandler returns a presigned PUT URL for a raw upload that the worker will process.
func (h *Handlers) InitUploadHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		h.writeError(ctx, w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	requestID := uuid.New().String()
	ctx, span := tracer.Start(ctx, "init-upload-handler",
		trace.WithAttributes(
			attribute.String("handler", "init-upload"),
			attribute.String("request.id", requestID),
		))
	defer span.End()

	var req InitUploadRequest
	if !h.decodeJSON(ctx, w, r, &req) {
		return
	}

	if err := validateFilename(req.Filename); err != nil {
		span.RecordError(err)
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateContentType(req.ContentType); err != nil {
		span.RecordError(err)
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	userID, ok := currentUser(ctx)
	if !ok {
		h.writeError(ctx, w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	videoID := uuid.New().String()
	key := storage.NewObjectKey(userID, storage.ExtFromFilename(req.Filename), "raw")

	span.SetAttributes(
		attribute.String("video.id", videoID),
		attribute.String("video.key", key),
		attribute.String("video.content_type", req.ContentType),
	)

	uploadURL, err := h.store.PresignPut(ctx, key, req.ContentType, PresignedURLExpiration)
	if err != nil {
		span.RecordError(err)
		h.logger().ErrorContext(ctx, "Failed to generate presigned URL",
			"error", err,
			"videoId", videoID,
			"requestId", requestID,
		)
		h.writeError(ctx, w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.logger().InfoContext(ctx, "Generated presigned upload URL",
		"videoId", videoID,
		"key", key,
		"filename", req.Filename,
		"requestId", requestID,
	)

	h.writeJSON(ctx, w, http.StatusOK, InitUploadResponse{
		UploadURL: uploadURL,
		VideoID:   videoID,
		Key:       key,
		RequestID: requestID,
	})
}

// CompleteUploadRequest is the request payload for completing an upload.
type CompleteUploadRequest struct {
	VideoID     string `json:"videoId"`
	Key         string `json:"key"`
	Filename    string `json:"filename"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// CompleteUploadResponse is the response payload for completed uploads.
type CompleteUploadResponse struct {
	VideoID   string `json:"videoId"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

// CompleteUploadHandler verifies the raw upload, writes a pending record and queues the job.
func (h *Handlers) CompleteUploadHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		h.writeError(ctx, w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	requestID := uuid.New().String()
	ctx, span := tracer.Start(ctx, "complete-upload-handler",
		trace.WithAttributes(
			attribute.String("handler", "complete-upload"),
			attribute.String("request.id", requestID),
		))
	defer span.End()

	var req CompleteUploadRequest
	if !h.decodeJSON(ctx, w, r, &req) {
		return
	}

	if req.VideoID == "" {
		h.writeError(ctx, w, http.StatusBadRequest, models.ErrMissingVideoID.Error())
		return
	}
	if req.Key == "" {
		h.writeError(ctx, w, http.StatusBadRequest, "key is required")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		h.writeError(ctx, w, http.StatusBadRequest, models.ErrMissingTitle.Error())
		return
	}

	userID, ok := currentUser(ctx)
	if !ok {
		h.writeError(ctx, w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if err := validateObjectKey(req.Key, userID); err != nil {
		span.RecordError(err)
		h.logger().WarnContext(ctx, "Invalid object key",
			"key", req.Key,
			"videoId", req.VideoID,
			"requestId", requestID,
			"error", err,
		)
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	span.SetAttributes(
		attribute.String("video.id", req.VideoID),
		attribute.String("video.key", req.Key),
	)

	info, err := h.store.Head(ctx, req.Key)
	if err != nil {
		span.RecordError(err)
		h.logger().WarnContext(ctx, "Raw upload not found",
			"key", req.Key,
			"videoId", req.VideoID,
			"requestId", requestID,
			"error", err,
		)
		h.writeError(ctx, w, http.StatusNotFound, "Video file not found in storage")
		return
	}
	span.SetAttributes(attribute.Int64("video.size_bytes", info.Size))

	filename := req.Filename
	if filename == "" {
		filename = filepath.Base(req.Key)
	}

	err = h.videos.CreatePending(ctx, &models.VideoRecord{
		ID:                req.VideoID,
		UserID:            userID,
		Title:             req.Title,
		Description:       req.Description,
		OriginalFilename:  filename,
		OriginalSizeBytes: info.Size,
	})
	if err != nil {
		span.RecordError(err)
		h.logger().ErrorContext(ctx, "Failed to create pending video record",
			"videoId", req.VideoID,
			"requestId", requestID,
			"error", err,
		)
		h.writeError(ctx, w, http.StatusConflict, "Could not register video")
		return
	}

	job := models.UploadJob{
		VideoID:     req.VideoID,
		UserID:      userID,
		Bucket:      h.store.Bucket(),
		S3Key:       req.Key,
		Filename:    filename,
		ContentType: info.ContentType,
		Title:       req.Title,
		Description: req.Description,
	}
	body, err := json.Marshal(job)
	if err != nil {
		span.RecordError(err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Internal server error")
		return
	}

	_, err = h.queue.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(h.cfg.AWS.SQSQueueURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: observability.InjectMessageAttributes(ctx),
	})
	if err != nil {
		span.RecordError(err)
		h.logger().ErrorContext(ctx, "Failed to queue processing job",
			"error", err,
			"videoId", req.VideoID,
			"requestId", requestID,
		)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to queue job")
		return
	}
	metrics.UploadsQueued.Inc()

	h.logger().InfoContext(ctx, "Processing job queued",
		"videoId", req.VideoID,
		"requestId", requestID,
	)

	h.writeJSON(ctx, w, http.StatusAccepted, CompleteUploadResponse{
		VideoID:   req.VideoID,
		Status:    string(models.StatusProcessing),
		Message:   "Video queued for processing",
		RequestID: requestID,
	})
}

// Validation functions

func validateFilename(filename string) error {
	if filename == "" {
		return errors.New("filename is required")
	}
	if len(filename) > MaxFilenameLength {
		return models.ErrFilenameTooLong
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if !AllowedExtensions[ext] {
		return fmt.Errorf("%w: allowed extensions are mp4, mov, avi, mkv, webm", models.ErrInvalidFileType)
	}

	return nil
}

func validateContentType(contentType string) error {
	if contentType == "" {
		return errors.New("content type is required")
	}
	if !AllowedContentTypes[contentType] {
		return fmt.Errorf("%w: %s", models.ErrInvalidContentType, contentType)
	}
	return nil
}

// validateObjectKey accepts only raw uploads inside the caller's own prefix.
func validateObjectKey(key, userID string) error {
	decodedKey, err := url.PathUnescape(key)
	if err != nil {
		return fmt.Errorf("%w: invalid URL encoding", models.ErrInvalidKeyFormat)
	}

	if strings.Contains(decodedKey, "..") || strings.Contains(key, "..") {
		return fmt.Errorf("%w: path traversal not allowed", models.ErrInvalidKeyFormat)
	}

	expectedPrefix := userID + "/"
	if !strings.HasPrefix(key, expectedPrefix) {
		return fmt.Errorf("%w: key must start with %s", models.ErrInvalidKeyFormat, expectedPrefix)
	}

	ext := strings.ToLower(filepath.Ext(key))
	if !AllowedExtensions[ext] {
		return fmt.Errorf("%w: invalid extension in key", models.ErrInvalidKeyFormat)
	}

	return nil
}
