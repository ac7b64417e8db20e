package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/amillerrr/clipflow/internal/metrics"
	"github.com/amillerrr/clipflow/internal/storage"
	"github.com/amillerrr/clipflow/internal/transcoder"
	"github.com/amillerrr/clipflow/pkg/models"
)

// MultiResolution encodes the resolution ladder in parallel and stores it as HLS.
type MultiResolution struct {
	prober    MetadataProber
	encoder   Encoder
	artifacts *artifactUploader
	cfg       Config
	log       *slog.Logger
}

func (s *MultiResolution) Tier() Tier { return TierMultiResolution }

func (s *MultiResolution) Execute(ctx context.Context, job Job, r *Reporter) (*models.VideoRecord, error) {
	r.SetStage(StageTranscoding, transcodeBandStart)

	meta, err := s.prober.Probe(ctx, job.Source)
	if err != nil {
		return nil, err
	}

	ladder := transcoder.SelectLadder(*meta, s.cfg.Hint)
	labels := make([]string, len(ladder))
	for i, p := range ladder {
		labels[i] = p.Label
	}
	r.StartResolutions(labels)

	workDir, err := os.MkdirTemp(s.cfg.WorkDir, "clipflow-"+job.VideoID+"-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	variants, failed, err := s.encodeLadder(ctx, job, meta, ladder, workDir, r)
	if err != nil {
		return nil, err
	}

	master, err := transcoder.BuildMasterManifest(variants)
	if err != nil {
		return nil, fmt.Errorf("%w: master manifest: %v", models.ErrSegment, err)
	}

	total := int64(len(master))
	segments := 0
	for _, v := range variants {
		total += v.SizeBytes
		segments += len(v.Segments)
	}

	r.SetStage(StageUploading, uploadBandStart)
	tr := newTransfer(total, r.UploadProgress)
	infos, masterURL, err := s.artifacts.uploadHLS(ctx, storage.HLSPrefix(job.UserID), variants, master, tr)
	if err != nil {
		return nil, err
	}

	rec := newRecord(job, s.Tier())
	rec.FileURL = masterURL
	rec.FileSizeBytes = total
	rec.CompressionRatioPercent = CompressionRatio(job.Source.Size, total)
	rec.DurationSeconds = meta.DurationSeconds
	rec.SegmentCount = segments
	rec.Resolutions = infos
	rec.FailedResolutions = failed
	return rec, nil
}

// encodeLadder runs transcode then segment for every rung concurrently.
// A failing rung is recorded and skipped; only an empty result is an error.
func (s *MultiResolution) encodeLadder(ctx context.Context, job Job, meta *transcoder.VideoMetadata, ladder []transcoder.Preset, workDir string, r *Reporter) ([]*transcoder.EncodedVariant, []string, error) {
	results := make([]*transcoder.EncodedVariant, len(ladder))
	causes := make([]error, len(ladder))

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxParallelEncodes)
	for i, preset := range ladder {
		g.Go(func() error {
			label := preset.Label
			v, err := s.encoder.Transcode(ctx, job.Source, meta, preset, workDir, func(pct float64) {
				r.ResolutionProgress(label, pct)
			})
			if err == nil {
				err = s.encoder.Segment(ctx, v)
			}
			if v != nil {
				// The segments hold the bytes from here on.
				_ = os.Remove(v.Path)
			}
			if err != nil {
				causes[i] = err
				metrics.VariantFailures.WithLabelValues(label).Inc()
				r.ResolutionFailed(label)
				s.log.WarnContext(ctx, "Resolution failed",
					"videoId", job.VideoID,
					"resolution", label,
					"error", err,
				)
				return nil
			}
			results[i] = v
			r.ResolutionDone(label, v.SizeBytes)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var (
		variants []*transcoder.EncodedVariant
		failed   []string
		msgs     []string
	)
	for i, v := range results {
		if v != nil {
			variants = append(variants, v)
			continue
		}
		failed = append(failed, ladder[i].Label)
		msgs = append(msgs, causes[i].Error())
	}

	if len(variants) == 0 {
		return nil, nil, fmt.Errorf("%w: %s", models.ErrAllVariantsFailed, strings.Join(msgs, "; "))
	}
	return variants, failed, nil
}

// SingleQuality compresses the source to one MP4 and stores it.
type SingleQuality struct {
	prober    MetadataProber
	encoder   Encoder
	artifacts *artifactUploader
	cfg       Config
}

const singleQualityLabel = "single"

func (s *SingleQuality) Tier() Tier { return TierSingleQuality }

func (s *SingleQuality) Execute(ctx context.Context, job Job, r *Reporter) (*models.VideoRecord, error) {
	r.SetStage(StageTranscoding, transcodeBandStart)

	meta, err := s.prober.Probe(ctx, job.Source)
	if err != nil {
		return nil, err
	}

	workDir, err := os.MkdirTemp(s.cfg.WorkDir, "clipflow-"+job.VideoID+"-sq-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	r.StartResolutions([]string{singleQualityLabel})
	out, err := s.encoder.Compress(ctx, job.Source, meta, workDir, func(pct float64) {
		r.ResolutionProgress(singleQualityLabel, pct)
	})
	if err != nil {
		r.ResolutionFailed(singleQualityLabel)
		return nil, err
	}
	r.ResolutionDone(singleQualityLabel, out.SizeBytes)

	r.SetStage(StageUploading, uploadBandStart)
	key := storage.NewObjectKey(job.UserID, "mp4", "compressed")
	url, size, err := s.artifacts.putFile(ctx, key, out.Path, storage.ContentTypeMP4, newTransfer(out.SizeBytes, r.UploadProgress))
	if err != nil {
		return nil, err
	}

	rec := newRecord(job, s.Tier())
	rec.FileURL = url
	rec.FileSizeBytes = size
	rec.CompressionRatioPercent = CompressionRatio(job.Source.Size, size)
	rec.DurationSeconds = meta.DurationSeconds
	return rec, nil
}

// RawPassthrough stores the untouched original.
type RawPassthrough struct {
	artifacts *artifactUploader
}

func (s *RawPassthrough) Tier() Tier { return TierRawPassthrough }

func (s *RawPassthrough) Execute(ctx context.Context, job Job, r *Reporter) (*models.VideoRecord, error) {
	r.SetStage(StageUploading, uploadBandStart)

	contentType := job.Source.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeMP4
	}
	key := storage.NewObjectKey(job.UserID, storage.ExtFromFilename(job.Source.Filename), "")
	url, size, err := s.artifacts.putFile(ctx, key, job.Source.Path, contentType, newTransfer(job.Source.Size, r.UploadProgress))
	if err != nil {
		return nil, err
	}

	rec := newRecord(job, s.Tier())
	rec.FileURL = url
	rec.FileSizeBytes = size
	return rec, nil
}

var (
	_ Strategy = (*MultiResolution)(nil)
	_ Strategy = (*SingleQuality)(nil)
	_ Strategy = (*RawPassthrough)(nil)
)
