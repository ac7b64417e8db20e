package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/clipflow/internal/metrics"
	"github.com/amillerrr/clipflow/internal/storage"
	"github.com/amillerrr/clipflow/internal/transcoder"
	"github.com/amillerrr/clipflow/pkg/models"
)

// ObjectSource reads raw uploads from the bucket the API presigned them into.
type ObjectSource interface {
	Bucket() string
	Get(ctx context.Context, key string) (*storage.ObjectReader, error)
}

// Downloader spools queued raw uploads to local disk.
type Downloader struct {
	source ObjectSource
	dir    string
	log    *slog.Logger
}

// NewDownloader creates a Downloader writing into dir.
func NewDownloader(source ObjectSource, dir string, log *slog.Logger) *Downloader {
	if dir == "" {
		dir = os.TempDir()
	}
	return &Downloader{
		source: source,
		dir:    dir,
		log:    log,
	}
}

// Download copies the job's raw object into a temp file and describes it as a pipeline source.
func (d *Downloader) Download(ctx context.Context, job *models.UploadJob) (*transcoder.SourceVideo, error) {
	ctx, span := tracer.Start(ctx, "download-video")
	defer span.End()

	if job.Bucket != d.source.Bucket() {
		return nil, fmt.Errorf("%w: job bucket %q is not %q", models.ErrDownloadFailed, job.Bucket, d.source.Bucket())
	}

	start := time.Now()

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	obj, err := d.source.Get(ctx, job.S3Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrDownloadFailed, err)
	}
	defer obj.Body.Close()

	ext := strings.ToLower(filepath.Ext(job.S3Key))
	tmpFile, err := os.CreateTemp(d.dir, "source-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	written, err := io.Copy(tmpFile, obj.Body)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: write file: %w", models.ErrDownloadFailed, err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	metrics.DownloadDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int64("video.size_bytes", written))
	d.log.InfoContext(ctx, "Downloaded raw upload",
		"videoId", job.VideoID,
		"sizeBytes", written,
	)

	filename := job.Filename
	if filename == "" {
		filename = filepath.Base(job.S3Key)
	}
	contentType := job.ContentType
	if contentType == "" {
		contentType = obj.ContentType
	}

	return &transcoder.SourceVideo{
		Path:        tmpPath,
		Filename:    filename,
		ContentType: contentType,
		Size:        written,
	}, nil
}

// Cleanup removes the spooled source file.
func (d *Downloader) Cleanup(src *transcoder.SourceVideo) {
	if src == nil {
		return
	}
	if err := os.Remove(src.Path); err != nil && !os.IsNotExist(err) {
		d.log.Warn("Failed to remove temp file", "path", src.Path, "error", err)
	}
}
