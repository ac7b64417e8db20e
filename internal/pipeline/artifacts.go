package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/amillerrr/clipflow/internal/metrics"
	"github.com/amillerrr/clipflow/internal/storage"
	"github.com/amillerrr/clipflow/internal/transcoder"
	"github.com/amillerrr/clipflow/pkg/models"
)

// artifactUploader stores artifacts with bounded per-artifact retries.
type artifactUploader struct {
	store ObjectStore
	cfg   Config
	log   *slog.Logger
}

// put stores obj, retrying only transient network faults.
func (a *artifactUploader) put(ctx context.Context, obj storage.Object, tr *transfer) (string, error) {
	obj.OnProgress = tr.progress(obj.Key)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.UploadRetryInterval

	attempt := 0
	operation := func() (string, error) {
		attempt++
		url, err := a.store.Put(ctx, obj)
		if err == nil {
			return url, nil
		}
		if !storage.IsRetryable(err) {
			return "", backoff.Permanent(err)
		}
		metrics.UploadRetries.Inc()
		a.log.WarnContext(ctx, "Artifact upload failed, retrying",
			"key", obj.Key,
			"attempt", attempt,
			"error", err,
		)
		return "", err
	}

	url, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(a.cfg.UploadRetryAttempts)),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", models.ErrUpload, obj.Key, err)
	}
	tr.finish(obj.Key, obj.Size)
	return url, nil
}

// putFile stores a local file.
func (a *artifactUploader) putFile(ctx context.Context, key, path, contentType string, tr *transfer) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("%w: open %s: %v", models.ErrUpload, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("%w: stat %s: %v", models.ErrUpload, path, err)
	}

	url, err := a.put(ctx, storage.Object{Key: key, Body: f, Size: info.Size(), ContentType: contentType}, tr)
	return url, info.Size(), err
}

// uploadHLS stores every variant under prefix and then the master manifest.
// Segments of one variant go up in playback order; variants run concurrently.
func (a *artifactUploader) uploadHLS(ctx context.Context, prefix string, variants []*transcoder.EncodedVariant, master []byte, tr *transfer) ([]models.ResolutionInfo, string, error) {
	ctx, span := tracer.Start(ctx, "upload-artifacts")
	defer span.End()
	start := time.Now()

	infos := make([]models.ResolutionInfo, len(variants))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.MaxParallelUploads)
	for i, v := range variants {
		g.Go(func() error {
			for _, seg := range v.Segments {
				obj := storage.BytesObject(storage.SegmentKey(prefix, seg.Name), storage.ContentTypeTS, seg.Data)
				if _, err := a.put(gctx, obj, tr); err != nil {
					return err
				}
			}

			obj := storage.BytesObject(storage.PlaylistKey(prefix, v.Preset.Label), storage.ContentTypeM3U8, v.Playlist)
			url, err := a.put(gctx, obj, tr)
			if err != nil {
				return err
			}

			infos[i] = models.ResolutionInfo{
				Label:       v.Preset.Label,
				Width:       v.Width,
				Height:      v.Height,
				Bandwidth:   v.Preset.Bandwidth(),
				PlaylistURL: url,
				SizeBytes:   v.SizeBytes,
				Segments:    len(v.Segments),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, "", err
	}

	masterURL, err := a.put(ctx, storage.BytesObject(storage.MasterKey(prefix), storage.ContentTypeM3U8, master), tr)
	if err != nil {
		span.RecordError(err)
		return nil, "", err
	}

	metrics.UploadDuration.Observe(time.Since(start).Seconds())
	return infos, masterURL, nil
}

// transfer aggregates byte progress across concurrent artifact uploads.
// Reports are issued under its lock so totals reach the reporter in order.
type transfer struct {
	mu       sync.Mutex
	total    int64
	done     int64
	inflight map[string]int64
	report   func(sent, total int64)
}

func newTransfer(total int64, report func(sent, total int64)) *transfer {
	return &transfer{total: total, inflight: make(map[string]int64), report: report}
}

func (t *transfer) progress(key string) func(sent, total int64) {
	return func(sent, _ int64) {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.inflight[key] = sent
		t.report(t.currentLocked(), t.total)
	}
}

func (t *transfer) finish(key string, size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, key)
	t.done += size
	t.report(t.currentLocked(), t.total)
}

func (t *transfer) currentLocked() int64 {
	sum := t.done
	for _, n := range t.inflight {
		sum += n
	}
	if sum > t.total {
		sum = t.total
	}
	return sum
}
