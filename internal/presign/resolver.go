// Package presign maps stored object URLs to short-lived signed URLs with caching.
package presign

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/clipflow/internal/metrics"
)

const (
	// DefaultValidity is the S3 console maximum for a signed GET.
	DefaultValidity = 8 * time.Hour
	// DefaultSafetyBuffer is how long before expiry a cached URL stops being handed out.
	DefaultSafetyBuffer = 30 * time.Minute
)

var tracer = otel.Tracer("clipflow-presign")

// Signer produces signed GET URLs and resolves object keys from stored URLs.
type Signer interface {
	PresignGet(ctx context.Context, key string, lifetime time.Duration) (string, error)
	KeyFromURL(raw string) (string, error)
}

// Entry is one cached signed URL.
type Entry struct {
	ObjectKey   string `json:"objectKey"`
	SignedURL   string `json:"signedUrl"`
	ExpiresAtMs int64  `json:"expiresAtMs"`
}

// ExpiresAt returns the entry's expiry as a time.
func (e Entry) ExpiresAt() time.Time {
	return time.UnixMilli(e.ExpiresAtMs)
}

// Resolver caches signed URLs per object key. Construct one per process and share it.
type Resolver struct {
	store    Store
	signer   Signer
	now      func() time.Time
	validity time.Duration
	buffer   time.Duration
	logger   *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithValidity sets the signed URL lifetime and the refresh safety buffer.
func WithValidity(validity, buffer time.Duration) Option {
	return func(r *Resolver) {
		if validity > 0 {
			r.validity = validity
		}
		if buffer >= 0 && buffer < r.validity {
			r.buffer = buffer
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// NewResolver creates a Resolver. A nil store means an in-process MemoryStore.
func NewResolver(signer Signer, store Store, opts ...Option) *Resolver {
	if store == nil {
		store = NewMemoryStore()
	}
	r := &Resolver{
		store:    store,
		signer:   signer,
		now:      time.Now,
		validity: DefaultValidity,
		buffer:   DefaultSafetyBuffer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns a signed URL for storedURL, reusing a cached one while it is
// valid for longer than the safety buffer.
func (r *Resolver) Resolve(ctx context.Context, storedURL string) (string, error) {
	ctx, span := tracer.Start(ctx, "presign.resolve")
	defer span.End()

	key, err := r.signer.KeyFromURL(storedURL)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("object.key", key))

	if entry, ok := r.lookup(ctx, key); ok && r.fresh(entry) {
		metrics.RecordPresign(true)
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return entry.SignedURL, nil
	}

	metrics.RecordPresign(false)
	span.SetAttributes(attribute.Bool("cache.hit", false))
	return r.sign(ctx, key)
}

// IsExpired reports whether storedURL has no cached entry or one inside the safety buffer.
func (r *Resolver) IsExpired(ctx context.Context, storedURL string) bool {
	key, err := r.signer.KeyFromURL(storedURL)
	if err != nil {
		return true
	}
	entry, ok := r.lookup(ctx, key)
	return !ok || !r.fresh(entry)
}

// RefreshIfNeeded re-signs storedURL when its cached entry is missing or stale,
// and otherwise returns the cached URL. After a 403, call Invalidate first.
func (r *Resolver) RefreshIfNeeded(ctx context.Context, storedURL string) (string, error) {
	if !r.IsExpired(ctx, storedURL) {
		return r.Resolve(ctx, storedURL)
	}
	key, err := r.signer.KeyFromURL(storedURL)
	if err != nil {
		return "", err
	}
	return r.sign(ctx, key)
}

// Invalidate drops the cached entry for storedURL.
func (r *Resolver) Invalidate(ctx context.Context, storedURL string) error {
	key, err := r.signer.KeyFromURL(storedURL)
	if err != nil {
		return err
	}
	return r.store.Delete(ctx, key)
}

func (r *Resolver) fresh(e Entry) bool {
	return r.now().Add(r.buffer).Before(e.ExpiresAt())
}

func (r *Resolver) lookup(ctx context.Context, key string) (Entry, bool) {
	entry, ok, err := r.store.Get(ctx, key)
	if err != nil {
		r.logger.WarnContext(ctx, "Presign cache read failed", "key", key, "error", err)
		return Entry{}, false
	}
	return entry, ok
}

func (r *Resolver) sign(ctx context.Context, key string) (string, error) {
	signedAt := r.now()
	signed, err := r.signer.PresignGet(ctx, key, r.validity)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}

	entry := Entry{
		ObjectKey:   key,
		SignedURL:   signed,
		ExpiresAtMs: signedAt.Add(r.validity).UnixMilli(),
	}
	if err := r.store.Set(ctx, entry); err != nil {
		// A failed cache write only costs one extra signing later.
		r.logger.WarnContext(ctx, "Presign cache write failed", "key", key, "error", err)
	}
	return signed, nil
}
