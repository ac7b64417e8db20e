package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
)

// Kind classifies object storage failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAccessDenied
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAccessDenied:
		return "access_denied"
	case KindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// Error is returned by every S3Store operation.
type Error struct {
	Kind Kind
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s %s (%s): %v", e.Op, e.Key, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transient network fault worth retrying.
func IsRetryable(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindNetwork
}

// KindOf returns the classification of err, or KindUnknown if it is not a storage error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// wrapError classifies err. ctx is the caller's context, not the
// per-operation timeout derived from it.
func wrapError(ctx context.Context, op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: classify(ctx, err), Op: op, Key: key, Err: err}
}

func classify(ctx context.Context, err error) Kind {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Our own operation timeout expired while the caller still waits: a stalled transfer.
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return KindNetwork
		}
		return KindUnknown
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return KindNotFound
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return KindAccessDenied
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return KindNetwork
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		switch {
		case status == http.StatusNotFound:
			return KindNotFound
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return KindAccessDenied
		case status == http.StatusTooManyRequests || status >= 500:
			return KindNetwork
		default:
			return KindUnknown
		}
	}

	// No HTTP response at all: dial, TLS or connection reset.
	return KindNetwork
}
