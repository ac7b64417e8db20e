package transcoder

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/grafov/m3u8"

	"github.com/amillerrr/clipflow/pkg/models"
)

const mb = 1 << 20

func TestSelectQualities(t *testing.T) {
	tests := []struct {
		name string
		size int64
		want []string
	}{
		{"small", 50 * mb, []string{"1080p", "720p", "480p"}},
		{"exactly 100MB", 100 * mb, []string{"1080p", "720p", "480p"}},
		{"medium", 101 * mb, []string{"720p", "480p"}},
		{"exactly 500MB", 500 * mb, []string{"720p", "480p"}},
		{"large", 600 * mb, []string{"480p", "360p"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SelectQualities(tt.size); !slices.Equal(got, tt.want) {
				t.Errorf("SelectQualities(%d) = %v, want %v", tt.size, got, tt.want)
			}
		})
	}
}

func labels(ps []Preset) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Label
	}
	return out
}

func TestSelectLadder(t *testing.T) {
	tests := []struct {
		name string
		meta VideoMetadata
		want []string
	}{
		{"1080p source under 100MB", VideoMetadata{Width: 1920, Height: 1080, OriginalSizeBytes: 50 * mb}, []string{"1080p", "720p", "480p"}},
		{"480p source over 500MB", VideoMetadata{Width: 854, Height: 480, OriginalSizeBytes: 600 * mb}, []string{"480p", "360p"}},
		{"720p source small", VideoMetadata{Width: 1280, Height: 720, OriginalSizeBytes: 10 * mb}, []string{"720p", "480p"}},
		{"tiny source falls back to 360p", VideoMetadata{Width: 320, Height: 240, OriginalSizeBytes: 5 * mb}, []string{"360p"}},
		{"360p source small falls back", VideoMetadata{Width: 640, Height: 360, OriginalSizeBytes: 5 * mb}, []string{"360p"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := labels(SelectLadder(tt.meta, nil)); !slices.Equal(got, tt.want) {
				t.Errorf("SelectLadder() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSelectLadder_NeverUpscalesAndNeverEmpty(t *testing.T) {
	for h := 100; h <= 2200; h += 20 {
		for _, size := range []int64{1 * mb, 200 * mb, 900 * mb} {
			meta := VideoMetadata{Width: h * 16 / 9, Height: h, OriginalSizeBytes: size}
			ladder := SelectLadder(meta, nil)
			if len(ladder) == 0 {
				t.Fatalf("SelectLadder(h=%d, size=%d) returned empty ladder", h, size)
			}
			if len(ladder) == 1 && ladder[0].Label == FallbackLabel {
				continue
			}
			for i, p := range ladder {
				if p.Height > h {
					t.Errorf("SelectLadder(h=%d) includes %s taller than source", h, p.Label)
				}
				if i > 0 && ladder[i-1].Height <= p.Height {
					t.Errorf("SelectLadder(h=%d) not ordered highest first: %v", h, labels(ladder))
				}
			}
		}
	}
}

func TestSelectLadder_CustomHint(t *testing.T) {
	hint := func(int64) []string { return []string{"240p", "1080p"} }
	got := labels(SelectLadder(VideoMetadata{Width: 1920, Height: 1080}, hint))
	if want := []string{"1080p", "240p"}; !slices.Equal(got, want) {
		t.Errorf("SelectLadder() = %v, want %v", got, want)
	}
}

func TestPresetTableOrdering(t *testing.T) {
	for i := 1; i < len(Presets); i++ {
		if Presets[i].Height >= Presets[i-1].Height {
			t.Errorf("Presets[%d].Height = %d, not below %d", i, Presets[i].Height, Presets[i-1].Height)
		}
	}
}

func TestFitWithin(t *testing.T) {
	tests := []struct {
		name       string
		srcW, srcH int
		boxW, boxH int
		wantW      int
		wantH      int
	}{
		{"same aspect downscale", 1920, 1080, 1280, 720, 1280, 720},
		{"4:3 into 16:9 limited by height", 1440, 1080, 1280, 720, 960, 720},
		{"ultrawide limited by width", 2560, 1080, 1280, 720, 1280, 540},
		{"narrower source keeps native size", 640, 360, 1280, 720, 640, 360},
		{"portrait scaled by height", 1080, 1920, 1280, 720, 404, 720},
		{"odd native size made even", 641, 361, 1280, 720, 640, 360},
		{"exact fit", 1280, 720, 1280, 720, 1280, 720},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := FitWithin(tt.srcW, tt.srcH, tt.boxW, tt.boxH)
			if w != tt.wantW || h != tt.wantH {
				t.Errorf("FitWithin() = %dx%d, want %dx%d", w, h, tt.wantW, tt.wantH)
			}
			if w > tt.boxW || h > tt.boxH {
				t.Errorf("FitWithin() = %dx%d exceeds box %dx%d", w, h, tt.boxW, tt.boxH)
			}
		})
	}
}

func TestPlanSegments(t *testing.T) {
	tests := []struct {
		duration  float64
		segment   float64
		wantCount int
		wantLast  float64
	}{
		{60, 4, 15, 4},
		{61, 4, 16, 1},
		{10, 4, 3, 2},
		{2, 4, 1, 2},
		{4, 4, 1, 4},
		{4.5, 6, 1, 4.5},
		{8.000000001, 4, 2, 4.000000001},
	}

	for _, tt := range tests {
		spans := PlanSegments(tt.duration, tt.segment)
		if len(spans) != tt.wantCount {
			t.Errorf("PlanSegments(%v, %v) count = %d, want %d", tt.duration, tt.segment, len(spans), tt.wantCount)
			continue
		}
		last := spans[len(spans)-1]
		if math.Abs(last.Duration-tt.wantLast) > 1e-6 {
			t.Errorf("PlanSegments(%v, %v) last = %v, want %v", tt.duration, tt.segment, last.Duration, tt.wantLast)
		}
	}
}

func TestPlanSegments_CeilProperty(t *testing.T) {
	for _, s := range []float64{4, 5, 6} {
		for d := 0.5; d < 200; d += 0.75 {
			spans := PlanSegments(d, s)
			want := int(math.Ceil(d / s))
			if len(spans) != want {
				t.Fatalf("PlanSegments(%v, %v) count = %d, want %d", d, s, len(spans), want)
			}
			last := spans[len(spans)-1].Duration
			if last <= 0 || math.Abs(last-(d-s*float64(want-1))) > 1e-9 {
				t.Fatalf("PlanSegments(%v, %v) last = %v", d, s, last)
			}
			var total float64
			for i, sp := range spans {
				if sp.Index != i {
					t.Fatalf("span %d has index %d", i, sp.Index)
				}
				total += sp.Duration
			}
			if math.Abs(total-d) > 1e-6 {
				t.Fatalf("PlanSegments(%v, %v) total = %v", d, s, total)
			}
		}
	}
}

func TestPlanSegments_Empty(t *testing.T) {
	if spans := PlanSegments(0, 4); spans != nil {
		t.Errorf("PlanSegments(0, 4) = %v, want nil", spans)
	}
}

func TestProber_Probe(t *testing.T) {
	runner := &fakeRunner{probeOut: []byte(`{
		"streams": [
			{"codec_type": "audio"},
			{"codec_type": "video", "width": 1920, "height": 1080, "duration": "59.9"}
		],
		"format": {"duration": "60.04", "size": "52428800"}
	}`)}
	p := NewProber(runner, "")

	meta, err := p.Probe(context.Background(), &SourceVideo{Path: "/tmp/in.mp4", Filename: "in.mp4"})
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if meta.Width != 1920 || meta.Height != 1080 {
		t.Errorf("Probe() = %dx%d, want 1920x1080", meta.Width, meta.Height)
	}
	if meta.DurationSeconds != 59.9 {
		t.Errorf("DurationSeconds = %v, want video stream duration 59.9", meta.DurationSeconds)
	}
	if meta.OriginalSizeBytes != 50*mb {
		t.Errorf("OriginalSizeBytes = %d, want %d", meta.OriginalSizeBytes, 50*mb)
	}
	if !meta.HasAudio {
		t.Error("HasAudio = false, want true")
	}
	if got := runner.calls[0][0]; got != "ffprobe" {
		t.Errorf("binary = %s, want ffprobe", got)
	}
}

func TestMetadata_ContainerDurationFallback(t *testing.T) {
	runner := &fakeRunner{probeOut: []byte(`{
		"streams": [{"codec_type": "video", "width": 640, "height": 360}],
		"format": {"duration": "12.5"}
	}`)}

	meta, err := NewProber(runner, "").Probe(context.Background(), &SourceVideo{Path: "in.mkv"})
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if meta.DurationSeconds != 12.5 {
		t.Errorf("DurationSeconds = %v, want 12.5", meta.DurationSeconds)
	}
}

func TestProber_Probe_Errors(t *testing.T) {
	tests := []struct {
		name   string
		runner *fakeRunner
	}{
		{"ffprobe fails", &fakeRunner{probeErr: errBoom}},
		{"not json", &fakeRunner{probeOut: []byte("garbage")}},
		{"audio only", &fakeRunner{probeOut: []byte(`{"streams":[{"codec_type":"audio"}],"format":{"duration":"3"}}`)}},
		{"no duration", &fakeRunner{probeOut: []byte(`{"streams":[{"codec_type":"video","width":2,"height":2}],"format":{}}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProber(tt.runner, "ffprobe").Probe(context.Background(), &SourceVideo{Path: "x"})
			if !errors.Is(err, models.ErrMetadata) {
				t.Errorf("Probe() error = %v, want ErrMetadata", err)
			}
		})
	}
}

func TestTranscode_ProgressAndOutput(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{progress: []string{
		"frame=10",
		"out_time_us=15000000",
		"out_time_us=30000000",
		"out_time_us=20000000", // out of order is ignored
		"out_time_ms=45000000",
		"progress=end",
	}}
	tc := New(Config{Runner: runner, SegmentDuration: 4 * time.Second})

	var got []float64
	meta := &VideoMetadata{Width: 1920, Height: 1080, DurationSeconds: 60}
	v, err := tc.Transcode(context.Background(), &SourceVideo{Path: "in.mp4"}, meta, Presets[1], dir, func(p float64) {
		got = append(got, p)
	})
	if err != nil {
		t.Fatalf("Transcode() error = %v", err)
	}

	want := []float64{25, 50, 75, 100}
	if !slices.Equal(got, want) {
		t.Errorf("progress = %v, want %v", got, want)
	}
	if v.Width != 1280 || v.Height != 720 {
		t.Errorf("variant = %dx%d, want 1280x720", v.Width, v.Height)
	}
	if filepath.Base(v.Path) != "720p.mp4" {
		t.Errorf("Path = %s, want 720p.mp4", v.Path)
	}

	args := runner.calls[0]
	for _, want := range []string{"scale=1280:720", "2500k", "5000k", "128k", "expr:gte(t,n_forced*4)"} {
		if !slices.Contains(args, want) {
			t.Errorf("ffmpeg args missing %q: %v", want, args)
		}
	}
}

func TestTranscode_Failure(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{failOutputs: map[string]error{"1080p": errBoom}}
	tc := New(Config{Runner: runner})

	meta := &VideoMetadata{Width: 1920, Height: 1080, DurationSeconds: 10}
	_, err := tc.Transcode(context.Background(), &SourceVideo{Path: "in.mp4"}, meta, Presets[0], dir, nil)
	if !errors.Is(err, models.ErrTranscode) {
		t.Errorf("Transcode() error = %v, want ErrTranscode", err)
	}
	if !errors.Is(err, errBoom) {
		t.Errorf("Transcode() error = %v, want wrapped cause", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "1080p.mp4")); !os.IsNotExist(statErr) {
		t.Error("partial output should be removed")
	}
}

func TestTranscode_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tc := New(Config{Runner: &fakeRunner{}})
	meta := &VideoMetadata{Width: 1920, Height: 1080, DurationSeconds: 10}
	_, err := tc.Transcode(ctx, &SourceVideo{Path: "in.mp4"}, meta, Presets[0], t.TempDir(), nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Transcode() error = %v, want context.Canceled", err)
	}
}

func TestSegment(t *testing.T) {
	dir := t.TempDir()
	tc := New(Config{Runner: &fakeRunner{}, SegmentDuration: 4 * time.Second})

	v := &EncodedVariant{Preset: Presets[1], Path: filepath.Join(dir, "720p.mp4"), DurationSeconds: 10}
	if err := tc.Segment(context.Background(), v); err != nil {
		t.Fatalf("Segment() error = %v", err)
	}

	if len(v.Segments) != 3 {
		t.Fatalf("len(Segments) = %d, want 3", len(v.Segments))
	}
	for i, s := range v.Segments {
		if s.Name != SegmentName("720p", i) {
			t.Errorf("Segments[%d].Name = %s, want %s", i, s.Name, SegmentName("720p", i))
		}
	}
	if v.Segments[2].DurationSeconds != 2 {
		t.Errorf("last segment duration = %v, want 2", v.Segments[2].DurationSeconds)
	}

	pl, listType, err := m3u8.DecodeFrom(bytes.NewReader(v.Playlist), true)
	if err != nil {
		t.Fatalf("DecodeFrom() error = %v", err)
	}
	if listType != m3u8.MEDIA {
		t.Fatalf("list type = %v, want MEDIA", listType)
	}
	media := pl.(*m3u8.MediaPlaylist)
	var uris []string
	for _, seg := range media.Segments {
		if seg != nil {
			uris = append(uris, seg.URI)
		}
	}
	want := []string{"segment_720p_0.ts", "segment_720p_1.ts", "segment_720p_2.ts"}
	if !slices.Equal(uris, want) {
		t.Errorf("playlist segments = %v, want %v", uris, want)
	}
	if !media.Closed {
		t.Error("playlist should be closed with ENDLIST")
	}

	var size int64 = int64(len(v.Playlist))
	for _, s := range v.Segments {
		size += int64(len(s.Data))
	}
	if v.SizeBytes != size {
		t.Errorf("SizeBytes = %d, want %d", v.SizeBytes, size)
	}
}

func TestSegment_TinyClipSingleSegment(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{}
	tc := New(Config{Runner: runner, SegmentDuration: 4 * time.Second})

	v := &EncodedVariant{Preset: Presets[3], Path: filepath.Join(dir, "360p.mp4"), DurationSeconds: 1.5}
	if err := tc.Segment(context.Background(), v); err != nil {
		t.Fatalf("Segment() error = %v", err)
	}
	if len(v.Segments) != 1 {
		t.Fatalf("len(Segments) = %d, want 1", len(v.Segments))
	}
	if v.Segments[0].DurationSeconds != 1.5 {
		t.Errorf("duration = %v, want 1.5", v.Segments[0].DurationSeconds)
	}
	if slices.Contains(runner.calls[0], "-segment_times") {
		t.Error("single segment should not pass -segment_times")
	}
}

func TestSegment_TrailingFragmentMerged(t *testing.T) {
	dir := t.TempDir()
	tc := New(Config{Runner: &fakeRunner{extraTail: true}, SegmentDuration: 4 * time.Second})

	v := &EncodedVariant{Preset: Presets[2], Path: filepath.Join(dir, "480p.mp4"), DurationSeconds: 8}
	if err := tc.Segment(context.Background(), v); err != nil {
		t.Fatalf("Segment() error = %v", err)
	}
	if len(v.Segments) != 2 {
		t.Fatalf("len(Segments) = %d, want 2", len(v.Segments))
	}
	if got := string(v.Segments[1].Data); got != "ts1;ts2;" {
		t.Errorf("last segment = %q, want merged tail", got)
	}
}

func TestSegment_MissingFinalCutFolded(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{dropLast: true}
	tc := New(Config{Runner: runner, SegmentDuration: 4 * time.Second})

	// Audio runs past the last video frame: three spans planned, two files written.
	v := &EncodedVariant{Preset: Presets[1], Path: filepath.Join(dir, "720p.mp4"), DurationSeconds: 8.02}
	if err := tc.Segment(context.Background(), v); err != nil {
		t.Fatalf("Segment() error = %v", err)
	}
	if len(v.Segments) != 2 {
		t.Fatalf("len(Segments) = %d, want 2", len(v.Segments))
	}
	if got := v.Segments[1].DurationSeconds; math.Abs(got-4.02) > 1e-9 {
		t.Errorf("last segment duration = %v, want 4.02", got)
	}

	pl, _, err := m3u8.DecodeFrom(bytes.NewReader(v.Playlist), true)
	if err != nil {
		t.Fatalf("DecodeFrom() error = %v", err)
	}
	media := pl.(*m3u8.MediaPlaylist)
	if media.TargetDuration < 5 {
		t.Errorf("TargetDuration = %v, want at least 5", media.TargetDuration)
	}
}

func TestCollectSegments_MissingMiddleSegmentFails(t *testing.T) {
	dir := t.TempDir()
	for _, i := range []int{0, 2} {
		if err := os.WriteFile(filepath.Join(dir, SegmentName("720p", i)), []byte("ts;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := collectSegments(dir, "720p", PlanSegments(12, 4)); err == nil {
		t.Error("collectSegments() expected error when a middle segment is missing")
	}
}

func TestSegment_Failure(t *testing.T) {
	tc := New(Config{Runner: &fakeRunner{failOutputs: map[string]error{"segment_": errBoom}}})
	v := &EncodedVariant{Preset: Presets[0], Path: filepath.Join(t.TempDir(), "1080p.mp4"), DurationSeconds: 8}

	if err := tc.Segment(context.Background(), v); !errors.Is(err, models.ErrSegment) {
		t.Errorf("Segment() error = %v, want ErrSegment", err)
	}
}

func TestBuildMasterManifest(t *testing.T) {
	variants := []*EncodedVariant{
		{Preset: Presets[0]},
		{Preset: Presets[1]},
		{Preset: Presets[2]},
	}

	data, err := BuildMasterManifest(variants)
	if err != nil {
		t.Fatalf("BuildMasterManifest() error = %v", err)
	}

	text := string(data)
	if strings.Count(text, "#EXT-X-STREAM-INF") != 3 {
		t.Errorf("manifest has %d stream entries, want 3:\n%s", strings.Count(text, "#EXT-X-STREAM-INF"), text)
	}

	pl, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), true)
	if err != nil {
		t.Fatalf("DecodeFrom() error = %v", err)
	}
	if listType != m3u8.MASTER {
		t.Fatalf("list type = %v, want MASTER", listType)
	}
	master := pl.(*m3u8.MasterPlaylist)

	want := []struct {
		uri        string
		bandwidth  uint32
		resolution string
	}{
		{"1080p.m3u8", 5000000, "1920x1080"},
		{"720p.m3u8", 2500000, "1280x720"},
		{"480p.m3u8", 1000000, "854x480"},
	}
	if len(master.Variants) != len(want) {
		t.Fatalf("len(Variants) = %d, want %d", len(master.Variants), len(want))
	}
	for i, w := range want {
		v := master.Variants[i]
		if v.URI != w.uri || v.Bandwidth != w.bandwidth || v.Resolution != w.resolution {
			t.Errorf("Variants[%d] = %s %d %s, want %s %d %s", i, v.URI, v.Bandwidth, v.Resolution, w.uri, w.bandwidth, w.resolution)
		}
	}
}

func TestBuildMasterManifest_Empty(t *testing.T) {
	if _, err := BuildMasterManifest(nil); err == nil {
		t.Error("BuildMasterManifest(nil) expected error")
	}
}

func TestSingleQualityBitrateKbps(t *testing.T) {
	tests := []struct {
		w, h             int
		factor, constant float64
		want             int
	}{
		{1920, 1080, 0.2, 3.0, 1244},
		{1280, 720, 0.2, 3.0, 553},
		{320, 240, 0.2, 0.1, MinSingleQualityKbps},
	}

	for _, tt := range tests {
		if got := SingleQualityBitrateKbps(tt.w, tt.h, tt.factor, tt.constant); got != tt.want {
			t.Errorf("SingleQualityBitrateKbps(%d, %d) = %d, want %d", tt.w, tt.h, got, tt.want)
		}
	}
}

func TestCompress(t *testing.T) {
	tc := New(Config{Runner: &fakeRunner{}, SingleQualityFactor: 0.2, SingleQualityConstant: 3})

	meta := &VideoMetadata{Width: 3840, Height: 2160, DurationSeconds: 30}
	out, err := tc.Compress(context.Background(), &SourceVideo{Path: "in.mov"}, meta, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if out.Width != 1920 || out.Height != 1080 {
		t.Errorf("Compress() = %dx%d, want 1920x1080", out.Width, out.Height)
	}
	if out.SizeBytes == 0 {
		t.Error("SizeBytes = 0")
	}
}

func TestQualityToCRF(t *testing.T) {
	if QualityToCRF(0.8) >= QualityToCRF(0.4) {
		t.Error("higher quality should map to lower CRF")
	}
	if got := QualityToCRF(2); got != 18 {
		t.Errorf("QualityToCRF(2) = %d, want 18", got)
	}
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{max: 4}
	b.Write([]byte("abc"))
	b.Write([]byte("defg"))
	if got := b.String(); got != "defg" {
		t.Errorf("tailBuffer = %q, want defg", got)
	}
}

func TestCommandRunner_Stream(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	var lines []string
	err := CommandRunner{}.Stream(context.Background(), func(l string) { lines = append(lines, l) },
		"sh", "-c", "printf 'out_time_us=1\\nprogress=end\\n'")
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if want := []string{"out_time_us=1", "progress=end"}; !slices.Equal(lines, want) {
		t.Errorf("lines = %v, want %v", lines, want)
	}

	err = CommandRunner{}.Stream(context.Background(), nil, "sh", "-c", "echo bad input >&2; exit 3")
	if err == nil || !strings.Contains(err.Error(), "bad input") {
		t.Errorf("Stream() error = %v, want stderr tail", err)
	}
}
