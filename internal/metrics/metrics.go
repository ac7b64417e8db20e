package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics
var (
	// UploadsTotal counts finished uploads by winning tier and outcome.
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clipflow",
			Name:      "uploads_total",
			Help:      "Total number of uploads by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)

	// TierFailures counts tier attempts that failed and fell through.
	TierFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clipflow",
			Name:      "tier_failures_total",
			Help:      "Total number of failed upload tier attempts",
		},
		[]string{"tier"},
	)

	// TranscodeDuration tracks encode time per resolution.
	TranscodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clipflow",
			Name:      "transcode_duration_seconds",
			Help:      "Time taken to encode one resolution",
			Buckets:   []float64{5, 10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"resolution"},
	)

	// VariantFailures counts resolutions that failed to encode or segment.
	VariantFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clipflow",
			Name:      "variant_failures_total",
			Help:      "Total number of resolution variants that failed",
		},
		[]string{"resolution"},
	)

	// UploadDuration tracks the time taken to store all artifacts of one job.
	UploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clipflow",
			Name:      "artifact_upload_duration_seconds",
			Help:      "Time taken to upload all artifacts of a job",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)

	// BytesUploaded counts bytes written to object storage.
	BytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clipflow",
			Name:      "bytes_uploaded_total",
			Help:      "Total bytes written to object storage",
		},
	)

	// UploadRetries counts artifact uploads retried after a network fault.
	UploadRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clipflow",
			Name:      "artifact_upload_retries_total",
			Help:      "Total number of artifact upload retries",
		},
	)

	// ActiveJobs tracks the number of pipelines currently running.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clipflow",
			Name:      "active_jobs",
			Help:      "Number of currently running upload pipelines",
		},
	)

	// DownloadDuration tracks the time taken to fetch queued raw uploads.
	DownloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clipflow",
			Name:      "source_download_duration_seconds",
			Help:      "Time taken to download raw uploads from object storage",
			Buckets:   []float64{1, 5, 10, 30, 60, 120},
		},
	)

	// PresignCache counts presign cache lookups by result.
	PresignCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clipflow",
			Name:      "presign_cache_total",
			Help:      "Presigned URL cache lookups by result",
		},
		[]string{"result"},
	)
)

// API metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clipflow",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clipflow",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AuthFailures counts authentication failures by type.
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clipflow",
			Subsystem: "api",
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures",
		},
		[]string{"reason"},
	)

	// UploadsQueued counts raw uploads handed to the worker queue.
	UploadsQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clipflow",
			Subsystem: "api",
			Name:      "uploads_queued_total",
			Help:      "Total number of uploads queued for the worker",
		},
	)
)

// RecordUpload records the outcome of one upload call.
func RecordUpload(tier string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failed"
	}
	UploadsTotal.WithLabelValues(tier, outcome).Inc()
}

// RecordPresign records a presign cache hit or miss.
func RecordPresign(hit bool) {
	if hit {
		PresignCache.WithLabelValues("hit").Inc()
		return
	}
	PresignCache.WithLabelValues("miss").Inc()
}
