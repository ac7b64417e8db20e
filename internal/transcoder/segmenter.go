package transcoder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/clipflow/pkg/models"
)

// Span is one planned segment of a stream.
type Span struct {
	Index    int
	Start    float64
	Duration float64
}

// PlanSegments splits duration into ceil(duration/segment) spans. Every
// span but the last lasts exactly segment seconds; the last is the
// positive remainder. A stream no longer than one segment yields one span.
func PlanSegments(duration, segment float64) []Span {
	if duration <= 0 || segment <= 0 {
		return nil
	}

	// The epsilon absorbs float noise in probed durations such as 8.000000001.
	count := int(math.Ceil(duration/segment - 1e-9))
	if count < 1 {
		count = 1
	}

	spans := make([]Span, count)
	for i := range spans {
		start := float64(i) * segment
		d := segment
		if i == count-1 {
			d = duration - start
		}
		spans[i] = Span{Index: i, Start: start, Duration: d}
	}
	return spans
}

// SegmentName is the object name of segment index of a resolution.
func SegmentName(label string, index int) string {
	return fmt.Sprintf("segment_%s_%d.ts", label, index)
}

// Segment cuts the encoded variant into MPEG-TS segments at the planned
// boundaries and builds its playlist. Segments are returned in playback order.
func (t *Transcoder) Segment(ctx context.Context, v *EncodedVariant) error {
	ctx, span := tracer.Start(ctx, "segment")
	defer span.End()

	segSeconds := t.segmentDuration.Seconds()
	spans := PlanSegments(v.DurationSeconds, segSeconds)
	if len(spans) == 0 {
		return fmt.Errorf("%w: %s: empty stream", models.ErrSegment, v.Preset.Label)
	}
	span.SetAttributes(
		attribute.String("preset.label", v.Preset.Label),
		attribute.Int("segments.planned", len(spans)),
	)

	dir := filepath.Join(filepath.Dir(v.Path), v.Preset.Label+"-segments")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %s: %v", models.ErrSegment, v.Preset.Label, err)
	}
	defer os.RemoveAll(dir)

	pattern := filepath.Join(dir, "segment_"+v.Preset.Label+"_%d.ts")
	if err := t.runner.Stream(ctx, nil, t.bin, buildSegmentArgs(v.Path, pattern, spans)...); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %s: %w", models.ErrSegment, v.Preset.Label, err)
	}

	segments, err := collectSegments(dir, v.Preset.Label, spans)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %s: %v", models.ErrSegment, v.Preset.Label, err)
	}

	playlist, err := BuildVariantPlaylist(segments, segSeconds)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", models.ErrSegment, v.Preset.Label, err)
	}

	size := int64(len(playlist))
	for _, s := range segments {
		size += int64(len(s.Data))
	}

	v.Segments = segments
	v.Playlist = playlist
	v.SizeBytes = size
	return nil
}

// buildSegmentArgs cuts input with the segment muxer at the span starts.
func buildSegmentArgs(input, pattern string, spans []Span) []string {
	args := []string{
		"-y", "-nostdin", "-hide_banner",
		"-loglevel", "error",
		"-i", input,
		"-map", "0",
		"-c", "copy",
		"-f", "segment",
		"-segment_format", "mpegts",
	}

	if len(spans) > 1 {
		times := make([]string, 0, len(spans)-1)
		for _, s := range spans[1:] {
			times = append(times, strconv.FormatFloat(s.Start, 'f', -1, 64))
		}
		args = append(args, "-segment_times", strings.Join(times, ","))
	} else {
		// One span: a segment longer than the stream keeps it whole.
		args = append(args, "-segment_time", strconv.FormatFloat(math.Ceil(spans[0].Duration)+1, 'f', -1, 64))
	}

	return append(args, pattern)
}

// collectSegments reads the planned segment files in order. Trailing
// fragments the muxer emits past the plan are appended to the last
// segment, which is valid for MPEG-TS. A missing final file means the
// muxer found no keyframe at the last cut, so its span is folded into
// the previous segment.
func collectSegments(dir, label string, spans []Span) ([]SegmentFile, error) {
	segments := make([]SegmentFile, 0, len(spans))
	for i, s := range spans {
		name := SegmentName(label, s.Index)
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) && i == len(spans)-1 && i > 0 {
			segments[i-1].DurationSeconds += s.Duration
			break
		}
		if err != nil {
			return nil, fmt.Errorf("missing segment %d of %d: %w", s.Index, len(spans), err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("segment %d is empty", s.Index)
		}
		segments = append(segments, SegmentFile{Name: name, Data: data, DurationSeconds: s.Duration})
	}

	last := &segments[len(segments)-1]
	for i := len(segments); ; i++ {
		extra, err := os.ReadFile(filepath.Join(dir, SegmentName(label, i)))
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			return nil, err
		}
		last.Data = append(last.Data, extra...)
	}

	return segments, nil
}
