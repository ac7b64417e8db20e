package transcoder

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/clipflow/pkg/models"
)

// Prober reads stream metadata with ffprobe.
type Prober struct {
	runner Runner
	bin    string
}

// NewProber creates a Prober using the given ffprobe binary.
func NewProber(runner Runner, ffprobePath string) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Prober{runner: runner, bin: ffprobePath}
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Duration  string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
	} `json:"format"`
}

// Probe returns the dimensions and duration of src.
func (p *Prober) Probe(ctx context.Context, src *SourceVideo) (*VideoMetadata, error) {
	ctx, span := tracer.Start(ctx, "probe")
	defer span.End()

	out, err := p.runner.Output(ctx, p.bin,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		src.Path,
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", models.ErrMetadata, err)
	}

	meta, err := parseProbeOutput(out)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %s: %v", models.ErrMetadata, src.Filename, err)
	}

	if src.Size > 0 {
		meta.OriginalSizeBytes = src.Size
	}
	span.SetAttributes(
		attribute.Int("video.width", meta.Width),
		attribute.Int("video.height", meta.Height),
		attribute.Float64("video.duration_seconds", meta.DurationSeconds),
	)

	return meta, nil
}

func parseProbeOutput(out []byte) (*VideoMetadata, error) {
	var doc probeOutput
	if err := json.Unmarshal(out, &doc); err != nil {
		return nil, fmt.Errorf("invalid ffprobe output: %w", err)
	}

	meta := &VideoMetadata{}
	var streamDuration string
	for _, s := range doc.Streams {
		switch s.CodecType {
		case "video":
			if meta.Width == 0 {
				meta.Width = s.Width
				meta.Height = s.Height
				streamDuration = s.Duration
			}
		case "audio":
			meta.HasAudio = true
		}
	}

	if meta.Width <= 0 || meta.Height <= 0 {
		return nil, fmt.Errorf("no video stream with dimensions")
	}

	// Segments are cut on video keyframes, so the video stream's own
	// duration wins over a container duration stretched by an audio tail.
	for _, d := range []string{streamDuration, doc.Format.Duration} {
		if v, err := strconv.ParseFloat(d, 64); err == nil && v > 0 {
			meta.DurationSeconds = v
			break
		}
	}
	if meta.DurationSeconds <= 0 {
		return nil, fmt.Errorf("unknown duration")
	}

	if size, err := strconv.ParseInt(doc.Format.Size, 10, 64); err == nil {
		meta.OriginalSizeBytes = size
	}

	return meta, nil
}
