package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/amillerrr/clipflow/internal/config"
	"github.com/amillerrr/clipflow/internal/metrics"
	"github.com/amillerrr/clipflow/pkg/models"
)

// DefaultS3Timeout bounds single-object operations.
const DefaultS3Timeout = 5 * time.Minute

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// PresignAPI is the subset of the S3 presign client used by S3Store.
type PresignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Object is one artifact to store.
type Object struct {
	Key         string
	Body        io.ReadSeeker
	Size        int64
	ContentType string
	// OnProgress receives bytes read so far. It may rewind when the SDK re-reads the body for checksums.
	OnProgress func(sent, total int64)
}

// BytesObject wraps an in-memory artifact.
func BytesObject(key, contentType string, data []byte) Object {
	return Object{Key: key, Body: bytes.NewReader(data), Size: int64(len(data)), ContentType: contentType}
}

// ObjectReader is a streamed object body with its metadata. Callers must close Body.
type ObjectReader struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Size         int64
	ContentType  string
	LastModified time.Time
}

// S3Store puts and reads artifacts in a single bucket with path-style URLs.
type S3Store struct {
	client   S3API
	presign  PresignAPI
	bucket   string
	endpoint string
}

// NewS3Store creates an S3Store from application configuration.
func NewS3Store(ctx context.Context, cfg *config.Config) (*S3Store, *s3.Client, error) {
	if cfg.AWS.Bucket == "" {
		return nil, nil, models.ErrMissingBucket
	}

	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.AWS.UsePathStyle
		if cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
		}
	})

	endpoint := cfg.AWS.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://s3.%s.amazonaws.com", cfg.AWS.Region)
	}

	return NewS3StoreFromClient(client, s3.NewPresignClient(client), cfg.AWS.Bucket, endpoint), client, nil
}

// NewS3StoreFromClient creates an S3Store from existing clients.
func NewS3StoreFromClient(client S3API, presign PresignAPI, bucket, endpoint string) *S3Store {
	return &S3Store{
		client:   client,
		presign:  presign,
		bucket:   bucket,
		endpoint: strings.TrimRight(endpoint, "/"),
	}
}

// Bucket returns the configured bucket name.
func (s *S3Store) Bucket() string {
	return s.bucket
}

// Put stores obj and returns its durable URL. The object is readable as soon as Put returns.
func (s *S3Store) Put(ctx context.Context, obj Object) (string, error) {
	if obj.Key == "" {
		return "", &Error{Kind: KindUnknown, Op: "put", Err: models.ErrInvalidKeyFormat}
	}
	if _, err := obj.Body.Seek(0, io.SeekStart); err != nil {
		return "", &Error{Kind: KindUnknown, Op: "put", Key: obj.Key, Err: err}
	}

	opCtx, cancel := context.WithTimeout(ctx, DefaultS3Timeout)
	defer cancel()

	var body io.Reader = obj.Body
	if obj.OnProgress != nil {
		body = &progressReader{ReadSeeker: obj.Body, total: obj.Size, report: obj.OnProgress}
	}

	input := &s3.PutObjectInput{
		Bucket:             aws.String(s.bucket),
		Key:                aws.String(obj.Key),
		Body:               body,
		ContentDisposition: aws.String("inline"),
	}
	if obj.ContentType != "" {
		input.ContentType = aws.String(obj.ContentType)
	}
	if obj.Size > 0 {
		input.ContentLength = aws.Int64(obj.Size)
	}

	if _, err := s.client.PutObject(opCtx, input); err != nil {
		return "", wrapError(ctx, "put", obj.Key, err)
	}

	metrics.BytesUploaded.Add(float64(obj.Size))
	return s.URLFor(obj.Key), nil
}

// Get opens a streamed read of key.
func (s *S3Store) Get(ctx context.Context, key string) (*ObjectReader, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, wrapError(ctx, "get", key, err)
	}

	return &ObjectReader{
		Body:          out.Body,
		ContentType:   aws.ToString(out.ContentType),
		ContentLength: aws.ToInt64(out.ContentLength),
	}, nil
}

// Head returns metadata for key without reading the body.
func (s *S3Store) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	opCtx, cancel := context.WithTimeout(ctx, DefaultS3Timeout)
	defer cancel()

	out, err := s.client.HeadObject(opCtx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, wrapError(ctx, "head", key, err)
	}

	return &ObjectInfo{
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// PresignGet returns a signed GET URL for key valid for lifetime.
func (s *S3Store) PresignGet(ctx context.Context, key string, lifetime time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = lifetime
	})
	if err != nil {
		return "", wrapError(ctx, "presign-get", key, err)
	}
	return req.URL, nil
}

// PresignPut returns a signed PUT URL so clients can upload a raw file directly.
func (s *S3Store) PresignPut(ctx context.Context, key, contentType string, lifetime time.Duration) (string, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = lifetime
	})
	if err != nil {
		return "", wrapError(ctx, "presign-put", key, err)
	}
	return req.URL, nil
}

// URLFor returns the durable path-style URL of key.
func (s *S3Store) URLFor(key string) string {
	return s.endpoint + "/" + s.bucket + "/" + key
}

// KeyFromURL extracts the object key from a stored URL in path-style or virtual-hosted form.
func (s *S3Store) KeyFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidKeyFormat, err)
	}

	p := strings.TrimPrefix(u.Path, "/")
	if rest, ok := strings.CutPrefix(p, s.bucket+"/"); ok {
		p = rest
	}
	if p == "" {
		return "", fmt.Errorf("%w: no object key in %q", models.ErrInvalidKeyFormat, raw)
	}
	return p, nil
}

type progressReader struct {
	io.ReadSeeker
	mu     sync.Mutex
	pos    int64
	total  int64
	report func(sent, total int64)
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.ReadSeeker.Read(p)
	if n > 0 {
		r.mu.Lock()
		r.pos += int64(n)
		pos := r.pos
		r.mu.Unlock()
		r.report(pos, r.total)
	}
	return n, err
}

func (r *progressReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := r.ReadSeeker.Seek(offset, whence)
	if err == nil {
		r.mu.Lock()
		r.pos = pos
		r.mu.Unlock()
	}
	return pos, err
}

// IsNotFound reports whether err is a missing object or bucket.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsAccessDenied reports whether err was rejected by authorization.
func IsAccessDenied(err error) bool {
	return KindOf(err) == KindAccessDenied
}
