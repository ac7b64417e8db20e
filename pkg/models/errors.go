package models

import "errors"

// Sentinel errors for upload pipeline operations.
var (
	// Job validation errors
	ErrMissingVideoID = errors.New("videoId is required")
	ErrMissingUserID  = errors.New("userId is required")
	ErrMissingS3Key   = errors.New("s3Key is required")
	ErrMissingBucket  = errors.New("bucket is required")
	ErrJobParseFailed = errors.New("failed to parse job")
	ErrDownloadFailed = errors.New("failed to download video")

	// Pipeline errors
	ErrAuth              = errors.New("no valid session")
	ErrMetadata          = errors.New("failed to read video metadata")
	ErrTranscode         = errors.New("failed to transcode video")
	ErrSegment           = errors.New("failed to segment video")
	ErrAllVariantsFailed = errors.New("all resolution variants failed")
	ErrUpload            = errors.New("failed to upload artifacts")
	ErrPersistence       = errors.New("failed to persist video record")
	ErrFFmpegFailed      = errors.New("ffmpeg execution failed")

	// Storage errors
	ErrVideoNotFound = errors.New("video not found")

	// Validation errors for uploads
	ErrInvalidFileType    = errors.New("invalid file type")
	ErrFilenameTooLong    = errors.New("filename too long")
	ErrInvalidContentType = errors.New("invalid content type")
	ErrInvalidKeyFormat   = errors.New("invalid key format")
	ErrMissingTitle       = errors.New("title is required")
)
