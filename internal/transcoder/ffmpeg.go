package transcoder

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/clipflow/internal/metrics"
	"github.com/amillerrr/clipflow/pkg/models"
)

// DefaultSegmentDuration is used when no segment duration is configured.
const DefaultSegmentDuration = 4 * time.Second

// Single-quality output box and bitrate floor.
const (
	SingleQualityMaxWidth  = 1920
	SingleQualityMaxHeight = 1080
	SingleQualityAudioKbps = 128
	MinSingleQualityKbps   = 300
)

var tracer = otel.Tracer("clipflow-transcoder")

// Config holds configuration for a Transcoder.
type Config struct {
	Runner          Runner
	FFmpegPath      string
	SegmentDuration time.Duration
	// SingleQualityFactor and SingleQualityConstant drive the single-quality
	// bitrate estimate: width*height*factor*constant bits per second.
	SingleQualityFactor   float64
	SingleQualityConstant float64
	Logger                *slog.Logger
}

// Transcoder encodes sources with ffmpeg. It holds no per-call state and
// is safe for concurrent use.
type Transcoder struct {
	runner          Runner
	bin             string
	segmentDuration time.Duration
	sqFactor        float64
	sqConstant      float64
	log             *slog.Logger
}

// New creates a Transcoder from cfg.
func New(cfg Config) *Transcoder {
	t := &Transcoder{
		runner:          cfg.Runner,
		bin:             cfg.FFmpegPath,
		segmentDuration: cfg.SegmentDuration,
		sqFactor:        cfg.SingleQualityFactor,
		sqConstant:      cfg.SingleQualityConstant,
		log:             cfg.Logger,
	}
	if t.runner == nil {
		t.runner = CommandRunner{}
	}
	if t.bin == "" {
		t.bin = "ffmpeg"
	}
	if t.segmentDuration <= 0 {
		t.segmentDuration = DefaultSegmentDuration
	}
	if t.log == nil {
		t.log = slog.Default()
	}
	return t
}

// SegmentDuration returns the configured segment length.
func (t *Transcoder) SegmentDuration() time.Duration {
	return t.segmentDuration
}

// encodeJob describes one ffmpeg encode.
type encodeJob struct {
	Input     string
	Output    string
	Width     int
	Height    int
	VideoKbps int
	AudioKbps int
	Quality   float64
	// KeyframeInterval forces IDR frames at multiples of this many seconds.
	KeyframeInterval float64
}

// Transcode encodes src at preset into outDir. onProgress receives values in [0,100].
func (t *Transcoder) Transcode(ctx context.Context, src *SourceVideo, meta *VideoMetadata, preset Preset, outDir string, onProgress func(float64)) (*EncodedVariant, error) {
	ctx, span := tracer.Start(ctx, "transcode")
	defer span.End()

	width, height := FitWithin(meta.Width, meta.Height, preset.Width, preset.Height)
	span.SetAttributes(
		attribute.String("preset.label", preset.Label),
		attribute.Int("output.width", width),
		attribute.Int("output.height", height),
	)

	job := encodeJob{
		Input:            src.Path,
		Output:           filepath.Join(outDir, preset.Label+".mp4"),
		Width:            width,
		Height:           height,
		VideoKbps:        preset.VideoBitrateKbps,
		AudioKbps:        preset.AudioBitrateKbps,
		Quality:          preset.Quality,
		KeyframeInterval: t.segmentDuration.Seconds(),
	}

	start := time.Now()
	if err := t.encode(ctx, job, meta.DurationSeconds, onProgress); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %s: %w", models.ErrTranscode, preset.Label, err)
	}
	metrics.TranscodeDuration.WithLabelValues(preset.Label).Observe(time.Since(start).Seconds())

	t.log.DebugContext(ctx, "Encoded resolution",
		"resolution", preset.Label,
		"width", width,
		"height", height,
		"durationSeconds", time.Since(start).Seconds(),
	)

	return &EncodedVariant{
		Preset:          preset,
		Width:           width,
		Height:          height,
		Path:            job.Output,
		DurationSeconds: meta.DurationSeconds,
	}, nil
}

// Compress produces one MP4 sized for the single-quality tier.
func (t *Transcoder) Compress(ctx context.Context, src *SourceVideo, meta *VideoMetadata, outDir string, onProgress func(float64)) (*CompressedVideo, error) {
	ctx, span := tracer.Start(ctx, "compress")
	defer span.End()

	width, height := FitWithin(meta.Width, meta.Height, SingleQualityMaxWidth, SingleQualityMaxHeight)
	kbps := SingleQualityBitrateKbps(width, height, t.sqFactor, t.sqConstant)
	span.SetAttributes(attribute.Int("output.bitrate_kbps", kbps))

	job := encodeJob{
		Input:     src.Path,
		Output:    filepath.Join(outDir, "compressed.mp4"),
		Width:     width,
		Height:    height,
		VideoKbps: kbps,
		AudioKbps: SingleQualityAudioKbps,
		Quality:   t.sqFactor,
	}

	if err := t.encode(ctx, job, meta.DurationSeconds, onProgress); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: single quality: %w", models.ErrTranscode, err)
	}

	info, err := os.Stat(job.Output)
	if err != nil {
		return nil, fmt.Errorf("%w: single quality: %v", models.ErrTranscode, err)
	}

	return &CompressedVideo{
		Path:        job.Output,
		Width:       width,
		Height:      height,
		BitrateKbps: kbps,
		SizeBytes:   info.Size(),
	}, nil
}

// SingleQualityBitrateKbps estimates a bitrate from pixel count.
func SingleQualityBitrateKbps(width, height int, factor, constant float64) int {
	bps := float64(width*height) * factor * constant
	kbps := int(math.Round(bps / 1000))
	if kbps < MinSingleQualityKbps {
		return MinSingleQualityKbps
	}
	return kbps
}

// encode runs ffmpeg for job, removing partial output on failure.
func (t *Transcoder) encode(ctx context.Context, job encodeJob, duration float64, onProgress func(float64)) error {
	tracker := progressParser{duration: duration, report: onProgress}

	err := t.runner.Stream(ctx, tracker.line, t.bin, buildEncodeArgs(job)...)
	if err != nil {
		_ = os.Remove(job.Output)
		return fmt.Errorf("%w: %w", models.ErrFFmpegFailed, err)
	}

	info, statErr := os.Stat(job.Output)
	if statErr != nil || info.Size() == 0 {
		_ = os.Remove(job.Output)
		return fmt.Errorf("%w: no output written to %s", models.ErrFFmpegFailed, filepath.Base(job.Output))
	}

	tracker.complete()
	return nil
}

// buildEncodeArgs constructs the ffmpeg arguments for one encode.
func buildEncodeArgs(job encodeJob) []string {
	args := []string{
		"-y", "-nostdin", "-hide_banner",
		"-loglevel", "error",
		"-i", job.Input,
		"-vf", fmt.Sprintf("scale=%d:%d", job.Width, job.Height),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-profile:v", "main",
		"-pix_fmt", "yuv420p",
		"-crf", strconv.Itoa(QualityToCRF(job.Quality)),
		"-maxrate", fmt.Sprintf("%dk", job.VideoKbps),
		"-bufsize", fmt.Sprintf("%dk", job.VideoKbps*2),
	}

	if job.KeyframeInterval > 0 {
		args = append(args,
			"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%s)", strconv.FormatFloat(job.KeyframeInterval, 'f', -1, 64)),
			"-sc_threshold", "0",
		)
	}

	args = append(args,
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", job.AudioKbps),
		"-ac", "2",
		"-movflags", "+faststart",
		"-progress", "pipe:1",
		"-nostats",
		job.Output,
	)

	return args
}

// progressParser turns ffmpeg -progress output into percentages.
type progressParser struct {
	duration float64
	report   func(float64)
	last     float64
}

func (p *progressParser) line(line string) {
	if p.report == nil {
		return
	}

	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return
	}

	var pct float64
	switch key {
	case "out_time_us", "out_time_ms":
		// Both keys carry microseconds.
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || p.duration <= 0 {
			return
		}
		pct = float64(us) / 1e6 / p.duration * 100
	case "progress":
		if value != "end" {
			return
		}
		pct = 100
	default:
		return
	}

	p.advance(pct)
}

// complete reports 100 unless ffmpeg already signalled the end.
func (p *progressParser) complete() {
	if p.report != nil {
		p.advance(100)
	}
}

func (p *progressParser) advance(pct float64) {
	pct = math.Max(0, math.Min(100, pct))
	if pct > p.last {
		p.last = pct
		p.report(pct)
	}
}
