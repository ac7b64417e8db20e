// Package pipeline turns one uploaded source into stored playback artifacts
// and a persisted video record, falling back through cheaper tiers on failure.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/clipflow/internal/config"
	"github.com/amillerrr/clipflow/internal/metrics"
	"github.com/amillerrr/clipflow/internal/storage"
	"github.com/amillerrr/clipflow/internal/transcoder"
	"github.com/amillerrr/clipflow/pkg/models"
)

var tracer = otel.Tracer("clipflow-pipeline")

// Tier names an upload strategy.
type Tier string

const (
	TierMultiResolution Tier = "multi_resolution"
	TierSingleQuality   Tier = "single_quality"
	TierRawPassthrough  Tier = "raw_passthrough"
)

// Authenticator resolves the caller's user ID from the request context.
type Authenticator interface {
	Authenticate(ctx context.Context) (string, error)
}

// MetadataProber reads dimensions and duration from a source.
type MetadataProber interface {
	Probe(ctx context.Context, src *transcoder.SourceVideo) (*transcoder.VideoMetadata, error)
}

// Encoder produces ladder variants, their segments and single-quality renditions.
type Encoder interface {
	Transcode(ctx context.Context, src *transcoder.SourceVideo, meta *transcoder.VideoMetadata, preset transcoder.Preset, outDir string, onProgress func(float64)) (*transcoder.EncodedVariant, error)
	Segment(ctx context.Context, v *transcoder.EncodedVariant) error
	Compress(ctx context.Context, src *transcoder.SourceVideo, meta *transcoder.VideoMetadata, outDir string, onProgress func(float64)) (*transcoder.CompressedVideo, error)
}

// ObjectStore stores artifacts and returns their durable URLs.
type ObjectStore interface {
	Put(ctx context.Context, obj storage.Object) (string, error)
}

// Repository persists the final video record.
type Repository interface {
	SaveVideo(ctx context.Context, v *models.VideoRecord) error
}

// Config tunes concurrency and retries.
type Config struct {
	MaxParallelEncodes  int
	MaxParallelUploads  int
	UploadRetryAttempts int
	UploadRetryInterval time.Duration
	WorkDir             string
	// Hint picks ladder labels by source size. Nil uses transcoder.SelectQualities.
	Hint transcoder.HintFunc
}

// ConfigFromSettings maps application settings onto a pipeline Config.
func ConfigFromSettings(p config.PipelineConfig) Config {
	return Config{
		MaxParallelEncodes:  p.MaxParallelEncodes,
		MaxParallelUploads:  p.MaxParallelUploads,
		UploadRetryAttempts: p.UploadRetryAttempts,
		UploadRetryInterval: p.UploadRetryInterval,
		WorkDir:             p.WorkDir,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxParallelEncodes <= 0 {
		c.MaxParallelEncodes = 3
	}
	if c.MaxParallelUploads <= 0 {
		c.MaxParallelUploads = 3
	}
	if c.UploadRetryAttempts <= 0 {
		c.UploadRetryAttempts = 3
	}
	if c.UploadRetryInterval <= 0 {
		c.UploadRetryInterval = 500 * time.Millisecond
	}
	if c.WorkDir == "" {
		c.WorkDir = os.TempDir()
	}
	return c
}

// Deps are the collaborators of an Uploader.
type Deps struct {
	Auth    Authenticator
	Prober  MetadataProber
	Encoder Encoder
	Store   ObjectStore
	Repo    Repository
	Config  Config
	Logger  *slog.Logger
}

// Request is one upload call.
type Request struct {
	// VideoID is assigned by the caller when a pending record already exists.
	VideoID     string
	Source      *transcoder.SourceVideo
	Title       string
	Description string
}

// Job is what a Strategy receives: the request plus the authenticated user.
type Job struct {
	Request
	UserID string
}

// Strategy is one upload tier.
type Strategy interface {
	Tier() Tier
	Execute(ctx context.Context, job Job, r *Reporter) (*models.VideoRecord, error)
}

// Result describes a successful upload call.
type Result struct {
	Tier              Tier
	Record            *models.VideoRecord
	Resolutions       []models.ResolutionInfo
	FailedResolutions []string
	CompressionRatio  float64
	// Attempts lists the tiers that failed before Tier succeeded.
	Attempts []*TierError
}

// TierError is the failure of one tier.
type TierError struct {
	Tier Tier
	Err  error
}

func (e *TierError) Error() string {
	return fmt.Sprintf("%s: %v", e.Tier, e.Err)
}

func (e *TierError) Unwrap() error {
	return e.Err
}

// FallbackError is returned when every tier failed.
type FallbackError struct {
	Attempts []*TierError
}

func (e *FallbackError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Error()
	}
	return "all upload tiers failed: " + strings.Join(parts, "; ")
}

func (e *FallbackError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a
	}
	return errs
}

// Uploader runs the upload state machine over an ordered list of strategies.
type Uploader struct {
	auth       Authenticator
	repo       Repository
	strategies []Strategy
	log        *slog.Logger
}

// NewUploader creates an Uploader with the multi-resolution, single-quality
// and raw passthrough tiers in that order.
func NewUploader(d Deps) *Uploader {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	d.Config = d.Config.withDefaults()
	art := &artifactUploader{store: d.Store, cfg: d.Config, log: d.Logger}

	return &Uploader{
		auth: d.Auth,
		repo: d.Repo,
		strategies: []Strategy{
			&MultiResolution{prober: d.Prober, encoder: d.Encoder, artifacts: art, cfg: d.Config, log: d.Logger},
			&SingleQuality{prober: d.Prober, encoder: d.Encoder, artifacts: art, cfg: d.Config},
			&RawPassthrough{artifacts: art},
		},
		log: d.Logger,
	}
}

// Upload authenticates the caller and tries each tier until one stores the
// video and persists its record. Progress snapshots are sent on progress,
// which the caller must drain until Upload returns; it may be nil.
// Objects stored by a tier whose record write fails are left in place.
func (u *Uploader) Upload(ctx context.Context, req Request, progress chan<- Progress) (*Result, error) {
	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	rep := newReporter(ctx, progress)

	job, err := u.prepare(ctx, req, rep)
	if err != nil {
		rep.fail(err.Error())
		return nil, err
	}

	var attempts []*TierError
	for _, s := range u.strategies {
		rec, err := u.attempt(ctx, s, job, rep)
		if err == nil {
			metrics.RecordUpload(string(s.Tier()), true)
			rep.complete(rec)
			u.log.InfoContext(ctx, "Upload completed",
				"videoId", rec.ID,
				"tier", s.Tier(),
				"resolutions", len(rec.Resolutions),
				"failedResolutions", rec.FailedResolutions,
				"compressionRatio", rec.CompressionRatioPercent,
			)
			return &Result{
				Tier:              s.Tier(),
				Record:            rec,
				Resolutions:       rec.Resolutions,
				FailedResolutions: rec.FailedResolutions,
				CompressionRatio:  rec.CompressionRatioPercent,
				Attempts:          attempts,
			}, nil
		}

		attempts = append(attempts, &TierError{Tier: s.Tier(), Err: err})
		metrics.TierFailures.WithLabelValues(string(s.Tier())).Inc()

		if ctx.Err() != nil || errors.Is(err, models.ErrAuth) {
			break
		}
		u.log.WarnContext(ctx, "Upload tier failed, falling back",
			"videoId", job.VideoID,
			"tier", s.Tier(),
			"error", err,
		)
	}

	metrics.RecordUpload("none", false)
	fbErr := &FallbackError{Attempts: attempts}
	rep.fail(fbErr.Error())
	u.log.ErrorContext(ctx, "Upload failed", "videoId", job.VideoID, "error", fbErr)

	if ctx.Err() != nil {
		return nil, errors.Join(ctx.Err(), fbErr)
	}
	return nil, fbErr
}

func (u *Uploader) prepare(ctx context.Context, req Request, rep *Reporter) (Job, error) {
	ctx, span := tracer.Start(ctx, "prepare")
	defer span.End()

	rep.SetStage(StagePreparing, preparingPercent)

	userID, err := u.auth.Authenticate(ctx)
	if err != nil {
		if !errors.Is(err, models.ErrAuth) {
			err = fmt.Errorf("%w: %w", models.ErrAuth, err)
		}
		return Job{}, err
	}
	if userID == "" {
		return Job{}, models.ErrAuth
	}

	if req.Source == nil || req.Source.Path == "" {
		return Job{}, errors.New("no source file")
	}
	if req.Source.Size <= 0 {
		info, err := os.Stat(req.Source.Path)
		if err != nil {
			return Job{}, fmt.Errorf("stat source: %w", err)
		}
		req.Source.Size = info.Size()
	}
	if req.VideoID == "" {
		req.VideoID = uuid.NewString()
	}
	if req.Title == "" {
		req.Title = req.Source.Filename
	}

	span.SetAttributes(attribute.String("video.id", req.VideoID), attribute.Int64("video.size", req.Source.Size))
	return Job{Request: req, UserID: userID}, nil
}

// attempt runs one tier and writes its record.
func (u *Uploader) attempt(ctx context.Context, s Strategy, job Job, rep *Reporter) (*models.VideoRecord, error) {
	ctx, span := tracer.Start(ctx, "tier."+string(s.Tier()))
	defer span.End()

	rep.beginTier(s.Tier())

	rec, err := s.Execute(ctx, job, rep)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	rep.SetStage(StageFinalizing, finalizingPercent)
	if err := u.finalize(ctx, rec); err != nil {
		span.RecordError(err)
		u.log.ErrorContext(ctx, "Record write failed, stored objects left in place",
			"videoId", rec.ID,
			"fileUrl", rec.FileURL,
			"error", err,
		)
		return nil, err
	}
	return rec, nil
}

func (u *Uploader) finalize(ctx context.Context, rec *models.VideoRecord) error {
	ctx, span := tracer.Start(ctx, "finalize")
	defer span.End()

	if err := u.repo.SaveVideo(ctx, rec); err != nil {
		if !errors.Is(err, models.ErrPersistence) {
			err = fmt.Errorf("%w: %w", models.ErrPersistence, err)
		}
		return err
	}
	return nil
}

// newRecord fills the fields common to every tier.
func newRecord(job Job, tier Tier) *models.VideoRecord {
	return &models.VideoRecord{
		ID:                job.VideoID,
		UserID:            job.UserID,
		Title:             job.Title,
		Description:       job.Description,
		OriginalFilename:  job.Source.Filename,
		OriginalSizeBytes: job.Source.Size,
		Status:            models.StatusProcessed,
		Tier:              string(tier),
	}
}

// CompressionRatio is the percentage saved versus the original; negative when output is larger.
func CompressionRatio(originalBytes, storedBytes int64) float64 {
	if originalBytes <= 0 {
		return 0
	}
	return float64(originalBytes-storedBytes) / float64(originalBytes) * 100
}
