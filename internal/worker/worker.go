// Package worker runs queued raw uploads through the upload pipeline.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/clipflow/internal/auth"
	"github.com/amillerrr/clipflow/internal/observability"
	"github.com/amillerrr/clipflow/internal/pipeline"
	"github.com/amillerrr/clipflow/pkg/models"
)

// SQS configuration constants
const (
	SQSMaxMessages       = 1
	SQSWaitTimeSeconds   = 20
	SQSVisibilityTimeout = 900 // 15 minutes
	RetryBackoffPeriod   = 5 * time.Second
)

var tracer = otel.Tracer("clipflow-worker")

// QueueAPI is the subset of the SQS client the worker uses.
type QueueAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Pipeline runs one upload through the tiers.
type Pipeline interface {
	Upload(ctx context.Context, req pipeline.Request, progress chan<- pipeline.Progress) (*pipeline.Result, error)
}

// FailureRecorder marks pending records failed.
type FailureRecorder interface {
	MarkFailed(ctx context.Context, videoID, errorMessage string) error
}

// Worker handles queued upload jobs.
type Worker struct {
	queue         QueueAPI
	queueURL      string
	maxConcurrent int
	pipeline      Pipeline
	repo          FailureRecorder
	downloader    *Downloader
	log           *slog.Logger
}

// Config holds worker dependencies.
type Config struct {
	Queue             QueueAPI
	QueueURL          string
	MaxConcurrentJobs int
	Source            ObjectSource
	WorkDir           string
	Pipeline          Pipeline
	Repo              FailureRecorder
	Logger            *slog.Logger
}

// New creates a new Worker with the given configuration.
func New(cfg *Config) *Worker {
	maxConcurrent := cfg.MaxConcurrentJobs
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Worker{
		queue:         cfg.Queue,
		queueURL:      cfg.QueueURL,
		maxConcurrent: maxConcurrent,
		pipeline:      cfg.Pipeline,
		repo:          cfg.Repo,
		downloader:    NewDownloader(cfg.Source, cfg.WorkDir, cfg.Logger),
		log:           cfg.Logger,
	}
}

// Run polls the queue until ctx is cancelled, then waits for in-flight jobs.
func (w *Worker) Run(ctx context.Context) {
	w.log.InfoContext(ctx, "Starting queue polling",
		"queueURL", w.queueURL,
		"maxConcurrent", w.maxConcurrent,
	)

	sem := make(chan struct{}, w.maxConcurrent)
	var wg sync.WaitGroup

messageLoop:
	for {
		select {
		case <-ctx.Done():
			break messageLoop
		default:
		}

		result, err := w.queue.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(w.queueURL),
			MaxNumberOfMessages:   SQSMaxMessages,
			WaitTimeSeconds:       SQSWaitTimeSeconds,
			VisibilityTimeout:     SQSVisibilityTimeout,
			MessageAttributeNames: []string{"All"},
		})
		if err != nil {
			if ctx.Err() != nil {
				continue // Shutting down
			}
			w.log.ErrorContext(ctx, "Failed to receive messages", "error", err)
			select {
			case <-time.After(RetryBackoffPeriod):
			case <-ctx.Done():
			}
			continue
		}

		for _, msg := range result.Messages {
			select {
			case sem <- struct{}{}:
				wg.Add(1)
				go func(msg types.Message) {
					defer wg.Done()
					defer func() { <-sem }()
					w.handle(ctx, msg)
				}(msg)
			case <-ctx.Done():
				w.log.InfoContext(ctx, "Context cancelled, stopping message processing")
				break messageLoop
			}
		}
	}

	w.log.InfoContext(ctx, "Waiting for in-progress jobs to complete...")
	wg.Wait()
	w.log.InfoContext(ctx, "All jobs completed, shutting down")
}

// handle processes one message and deletes it unless a redelivery could succeed.
func (w *Worker) handle(ctx context.Context, msg types.Message) {
	err := w.processMessage(ctx, msg)
	if err != nil {
		w.log.ErrorContext(ctx, "Failed to process message",
			"error", err,
			"messageId", aws.ToString(msg.MessageId),
			"redeliver", !terminal(ctx, err),
		)
		if !terminal(ctx, err) {
			return
		}
	}

	// The delete must outlive shutdown cancellation.
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_, delErr := w.queue.DeleteMessage(delCtx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(w.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if delErr != nil {
		w.log.ErrorContext(ctx, "Failed to delete message", "error", delErr)
	}
}

// terminal reports whether a redelivery of the same message would fail the same way.
// Malformed jobs and jobs whose every tier failed are dropped; download errors and
// shutdown interruptions are left for the visibility timeout.
func terminal(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, models.ErrJobParseFailed) {
		return true
	}
	var fbErr *pipeline.FallbackError
	return errors.As(err, &fbErr)
}

func (w *Worker) processMessage(ctx context.Context, msg types.Message) error {
	ctx = observability.ExtractMessageAttributes(ctx, msg.MessageAttributes)
	ctx, span := tracer.Start(ctx, "process-message")
	defer span.End()

	if msg.Body == nil {
		return fmt.Errorf("%w: empty message body", models.ErrJobParseFailed)
	}

	var job models.UploadJob
	if err := json.Unmarshal([]byte(*msg.Body), &job); err != nil {
		return fmt.Errorf("%w: %v", models.ErrJobParseFailed, err)
	}

	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrJobParseFailed, err)
	}

	span.SetAttributes(
		attribute.String("video.id", job.VideoID),
		attribute.String("video.s3_key", job.S3Key),
		attribute.String("video.filename", job.Filename),
	)

	err := w.processVideo(ctx, &job)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (w *Worker) processVideo(ctx context.Context, job *models.UploadJob) error {
	w.log.InfoContext(ctx, "Processing video",
		"videoId", job.VideoID,
		"s3Key", job.S3Key,
		"filename", job.Filename,
	)

	src, err := w.downloader.Download(ctx, job)
	if err != nil {
		return err
	}
	defer w.downloader.Cleanup(src)

	// Queued jobs run as the user who submitted them.
	ctx = auth.WithUser(ctx, job.UserID)

	progress := make(chan pipeline.Progress, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.logProgress(ctx, job.VideoID, progress)
	}()

	result, err := w.pipeline.Upload(ctx, pipeline.Request{
		VideoID:     job.VideoID,
		Source:      src,
		Title:       job.Title,
		Description: job.Description,
	}, progress)
	close(progress)
	<-done

	if err != nil {
		var fbErr *pipeline.FallbackError
		if errors.As(err, &fbErr) && ctx.Err() == nil {
			if markErr := w.repo.MarkFailed(ctx, job.VideoID, fbErr.Error()); markErr != nil {
				w.log.ErrorContext(ctx, "Failed to mark video as failed",
					"videoId", job.VideoID,
					"error", markErr,
				)
			}
		}
		return err
	}

	w.log.InfoContext(ctx, "Video processed successfully",
		"videoId", job.VideoID,
		"tier", result.Tier,
		"resolutions", len(result.Resolutions),
		"failedResolutions", result.FailedResolutions,
		"fileUrl", result.Record.FileURL,
	)
	return nil
}

// logProgress drains progress and logs each stage change.
func (w *Worker) logProgress(ctx context.Context, videoID string, progress <-chan pipeline.Progress) {
	var last pipeline.Stage
	var lastTier pipeline.Tier
	for p := range progress {
		if p.Stage == last && p.Tier == lastTier {
			continue
		}
		last, lastTier = p.Stage, p.Tier
		w.log.DebugContext(ctx, "Pipeline stage",
			"videoId", videoID,
			"stage", p.Stage,
			"tier", p.Tier,
			"percent", p.OverallPercent,
		)
	}
}
