package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/amillerrr/clipflow/internal/pipeline"
	"github.com/amillerrr/clipflow/internal/storage"
	"github.com/amillerrr/clipflow/pkg/models"
)

type fakeObjectStore struct {
	objects    map[string][]byte
	presigned  []string
	presignErr error
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) Bucket() string { return "videos" }

func (f *fakeObjectStore) Head(_ context.Context, key string) (*storage.ObjectInfo, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, &storage.Error{Kind: storage.KindNotFound, Op: "HeadObject", Key: key}
	}
	return &storage.ObjectInfo{Size: int64(len(data)), ContentType: "video/mp4"}, nil
}

func (f *fakeObjectStore) Get(_ context.Context, key string) (*storage.ObjectReader, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, &storage.Error{Kind: storage.KindNotFound, Op: "GetObject", Key: key}
	}
	return &storage.ObjectReader{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentType:   "video/mp4",
		ContentLength: int64(len(data)),
	}, nil
}

func (f *fakeObjectStore) PresignPut(_ context.Context, key, _ string, _ time.Duration) (string, error) {
	if f.presignErr != nil {
		return "", f.presignErr
	}
	f.presigned = append(f.presigned, key)
	return "https://storage.test/videos/" + key + "?X-Amz-Signature=put", nil
}

func (f *fakeObjectStore) KeyFromURL(raw string) (string, error) {
	const prefix = "https://storage.test/videos/"
	if len(raw) <= len(prefix) || raw[:len(prefix)] != prefix {
		return "", fmt.Errorf("%w: %s", models.ErrInvalidKeyFormat, raw)
	}
	return raw[len(prefix):], nil
}

type fakeQueue struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (f *fakeQueue) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.messages = append(f.messages, *params.MessageBody)
	return &sqs.SendMessageOutput{}, nil
}

type fakeVideos struct {
	mu      sync.Mutex
	records map[string]*models.VideoRecord
	latest  *models.VideoRecord
	pending []*models.VideoRecord
	views   map[string]int64
}

func newFakeVideos(records ...*models.VideoRecord) *fakeVideos {
	f := &fakeVideos{records: make(map[string]*models.VideoRecord), views: make(map[string]int64)}
	for _, r := range records {
		f.records[r.ID] = r
		if r.Status == models.StatusProcessed {
			f.latest = r
		}
	}
	return f
}

func (f *fakeVideos) CreatePending(_ context.Context, v *models.VideoRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[v.ID]; ok {
		return fmt.Errorf("%w: video already exists: %s", models.ErrPersistence, v.ID)
	}
	v.Status = models.StatusProcessing
	f.records[v.ID] = v
	f.pending = append(f.pending, v)
	return nil
}

func (f *fakeVideos) GetVideo(_ context.Context, id string) (*models.VideoRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok {
		return nil, models.ErrVideoNotFound
	}
	return r, nil
}

func (f *fakeVideos) IncrementViewCount(_ context.Context, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.views[id]++
	return f.views[id], nil
}

func (f *fakeVideos) GetLatestVideo(context.Context) (*models.VideoRecord, error) {
	if f.latest == nil {
		return nil, models.ErrVideoNotFound
	}
	return f.latest, nil
}

func (f *fakeVideos) ListVideosByUser(_ context.Context, userID string, limit int32, _ map[string]types.AttributeValue) ([]models.VideoRecord, map[string]types.AttributeValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.VideoRecord
	for _, r := range f.records {
		if r.UserID == userID && int32(len(out)) < limit {
			out = append(out, *r)
		}
	}
	return out, nil, nil
}

type fakeResolver struct {
	mu          sync.Mutex
	resolved    int
	invalidated []string
	refreshed   int
	err         error
}

func (f *fakeResolver) Resolve(_ context.Context, storedURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.resolved++
	return storedURL + "?X-Amz-Signature=cached", nil
}

func (f *fakeResolver) RefreshIfNeeded(_ context.Context, storedURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.refreshed++
	return storedURL + "?X-Amz-Signature=fresh", nil
}

func (f *fakeResolver) Invalidate(_ context.Context, storedURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, storedURL)
	return nil
}

// fakeUploader replays a fixed progress sequence and returns result or err.
type fakeUploader struct {
	events []pipeline.Progress
	result *pipeline.Result
	err    error
	got    pipeline.Request
	body   []byte
}

func (f *fakeUploader) Upload(ctx context.Context, req pipeline.Request, progress chan<- pipeline.Progress) (*pipeline.Result, error) {
	f.got = req
	if req.Source != nil {
		f.body, _ = readFile(req.Source.Path)
	}
	for _, p := range f.events {
		select {
		case progress <- p:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.result, f.err
}
