package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/amillerrr/clipflow/internal/storage"
	"github.com/amillerrr/clipflow/internal/transcoder"
	"github.com/amillerrr/clipflow/pkg/models"
)

const testSegmentSeconds = 4

type fakeAuth struct {
	userID string
	err    error
}

func (a *fakeAuth) Authenticate(ctx context.Context) (string, error) {
	return a.userID, a.err
}

type fakeProber struct {
	mu    sync.Mutex
	meta  transcoder.VideoMetadata
	err   error
	calls int
}

func (p *fakeProber) Probe(ctx context.Context, src *transcoder.SourceVideo) (*transcoder.VideoMetadata, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrMetadata, err)
	}
	if p.err != nil {
		return nil, p.err
	}
	meta := p.meta
	return &meta, nil
}

type fakeEncoder struct {
	mu          sync.Mutex
	failAll     bool
	failLabels  map[string]bool
	compressErr error
	transcoded  []string
}

func (e *fakeEncoder) Transcode(ctx context.Context, src *transcoder.SourceVideo, meta *transcoder.VideoMetadata, preset transcoder.Preset, outDir string, onProgress func(float64)) (*transcoder.EncodedVariant, error) {
	e.mu.Lock()
	e.transcoded = append(e.transcoded, preset.Label)
	fail := e.failAll || e.failLabels[preset.Label]
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", models.ErrTranscode, preset.Label, err)
	}
	onProgress(50)
	if fail {
		return nil, fmt.Errorf("%w: %s: encoder crashed", models.ErrTranscode, preset.Label)
	}
	onProgress(100)

	path := filepath.Join(outDir, preset.Label+".mp4")
	if err := os.WriteFile(path, []byte("encoded"), 0o644); err != nil {
		return nil, err
	}
	w, h := transcoder.FitWithin(meta.Width, meta.Height, preset.Width, preset.Height)
	return &transcoder.EncodedVariant{
		Preset:          preset,
		Width:           w,
		Height:          h,
		Path:            path,
		DurationSeconds: meta.DurationSeconds,
	}, nil
}

func (e *fakeEncoder) Segment(ctx context.Context, v *transcoder.EncodedVariant) error {
	spans := transcoder.PlanSegments(v.DurationSeconds, testSegmentSeconds)
	segs := make([]transcoder.SegmentFile, len(spans))
	var size int64
	for i, s := range spans {
		data := []byte(fmt.Sprintf("ts-%s-%d", v.Preset.Label, i))
		segs[i] = transcoder.SegmentFile{Name: transcoder.SegmentName(v.Preset.Label, i), Data: data, DurationSeconds: s.Duration}
		size += int64(len(data))
	}
	playlist, err := transcoder.BuildVariantPlaylist(segs, testSegmentSeconds)
	if err != nil {
		return err
	}
	v.Segments = segs
	v.Playlist = playlist
	v.SizeBytes = size + int64(len(playlist))
	return nil
}

func (e *fakeEncoder) Compress(ctx context.Context, src *transcoder.SourceVideo, meta *transcoder.VideoMetadata, outDir string, onProgress func(float64)) (*transcoder.CompressedVideo, error) {
	if e.compressErr != nil {
		return nil, e.compressErr
	}
	onProgress(100)
	path := filepath.Join(outDir, "compressed.mp4")
	data := make([]byte, 1000)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, err
	}
	return &transcoder.CompressedVideo{Path: path, Width: 1280, Height: 720, BitrateKbps: 2000, SizeBytes: int64(len(data))}, nil
}

type fakeStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	types    map[string]string
	calls    map[string]int
	failures map[string][]error // consumed one per call
	always   func(key string) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects:  make(map[string][]byte),
		types:    make(map[string]string),
		calls:    make(map[string]int),
		failures: make(map[string][]error),
	}
}

func (s *fakeStore) Put(ctx context.Context, obj storage.Object) (string, error) {
	s.mu.Lock()
	s.calls[obj.Key]++
	var err error
	if q := s.failures[obj.Key]; len(q) > 0 {
		err, s.failures[obj.Key] = q[0], q[1:]
	}
	if err == nil && s.always != nil {
		err = s.always(obj.Key)
	}
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	if _, err := obj.Body.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return "", err
	}
	if obj.OnProgress != nil {
		obj.OnProgress(int64(len(data)), obj.Size)
	}

	s.mu.Lock()
	s.objects[obj.Key] = data
	s.types[obj.Key] = obj.ContentType
	s.mu.Unlock()
	return "https://store.test/videos/" + obj.Key, nil
}

func (s *fakeStore) keysWithSuffix(suffix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.objects {
		if strings.HasSuffix(k, suffix) {
			keys = append(keys, k)
		}
	}
	return keys
}

func (s *fakeStore) get(suffix string) ([]byte, bool) {
	keys := s.keysWithSuffix(suffix)
	if len(keys) != 1 {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects[keys[0]], true
}

func (s *fakeStore) callsFor(suffix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, c := range s.calls {
		if strings.HasSuffix(k, suffix) {
			n += c
		}
	}
	return n
}

type fakeRepo struct {
	mu    sync.Mutex
	saved []*models.VideoRecord
	err   error
}

func (r *fakeRepo) SaveVideo(ctx context.Context, v *models.VideoRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.saved = append(r.saved, v)
	return nil
}

var errConnReset = errors.New("connection reset by peer")

func networkError(key string) error {
	return &storage.Error{Kind: storage.KindNetwork, Op: "put", Key: key, Err: errConnReset}
}

func accessDenied(key string) error {
	return &storage.Error{Kind: storage.KindAccessDenied, Op: "put", Key: key, Err: errors.New("AccessDenied")}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
