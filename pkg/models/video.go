package models

// VideoStatus represents the lifecycle status of a stored video.
type VideoStatus string

const (
	StatusProcessing VideoStatus = "processing"
	StatusProcessed  VideoStatus = "processed"
	StatusFailed     VideoStatus = "failed"
)

// IsValid returns true if the status is a valid VideoStatus.
func (s VideoStatus) IsValid() bool {
	switch s {
	case StatusProcessing, StatusProcessed, StatusFailed:
		return true
	}
	return false
}

// VideoRecord is the persisted record of one uploaded video.
type VideoRecord struct {
	// Keys
	PK     string `dynamodbav:"pk" json:"-"`
	SK     string `dynamodbav:"sk" json:"-"`
	GSI1PK string `dynamodbav:"gsi1pk,omitempty" json:"-"`
	GSI1SK string `dynamodbav:"gsi1sk,omitempty" json:"-"`

	// Attributes
	ID                      string           `dynamodbav:"video_id" json:"id"`
	UserID                  string           `dynamodbav:"user_id" json:"userId"`
	Title                   string           `dynamodbav:"title" json:"title"`
	Description             string           `dynamodbav:"description,omitempty" json:"description,omitempty"`
	OriginalFilename        string           `dynamodbav:"original_filename" json:"originalFilename"`
	FileURL                 string           `dynamodbav:"file_url,omitempty" json:"fileUrl,omitempty"`
	OriginalSizeBytes       int64            `dynamodbav:"original_size" json:"originalSizeBytes"`
	FileSizeBytes           int64            `dynamodbav:"file_size,omitempty" json:"fileSizeBytes,omitempty"`
	CompressionRatioPercent float64          `dynamodbav:"compression_ratio" json:"compressionRatioPercent"`
	Status                  VideoStatus      `dynamodbav:"status" json:"status"`
	ViewCount               int64            `dynamodbav:"view_count" json:"viewCount"`
	CreatedAt               string           `dynamodbav:"created_at" json:"createdAt"`
	UpdatedAt               string           `dynamodbav:"updated_at,omitempty" json:"updatedAt,omitempty"`
	Tier                    string           `dynamodbav:"tier,omitempty" json:"tier,omitempty"`
	DurationSeconds         float64          `dynamodbav:"duration_seconds,omitempty" json:"durationSeconds,omitempty"`
	SegmentCount            int              `dynamodbav:"segment_count,omitempty" json:"segmentCount,omitempty"`
	Resolutions             []ResolutionInfo `dynamodbav:"resolutions,omitempty" json:"resolutions,omitempty"`
	FailedResolutions       []string         `dynamodbav:"failed_resolutions,omitempty" json:"failedResolutions,omitempty"`
	ErrorMessage            string           `dynamodbav:"error_message,omitempty" json:"errorMessage,omitempty"`
}

// Degraded reports whether some ladder entries failed while others were stored.
func (v *VideoRecord) Degraded() bool {
	return len(v.FailedResolutions) > 0
}

// ResolutionInfo describes one stored rendition of a video.
type ResolutionInfo struct {
	Label       string `dynamodbav:"label" json:"label"`
	Width       int    `dynamodbav:"width" json:"width"`
	Height      int    `dynamodbav:"height" json:"height"`
	Bandwidth   int    `dynamodbav:"bandwidth" json:"bandwidth"`
	PlaylistURL string `dynamodbav:"playlist_url" json:"playlistUrl"`
	SizeBytes   int64  `dynamodbav:"size_bytes" json:"sizeBytes"`
	Segments    int    `dynamodbav:"segments" json:"segments"`
}

// UploadJob is a queued request to run the pipeline on a raw object.
type UploadJob struct {
	VideoID     string `json:"videoId"`
	UserID      string `json:"userId"`
	Bucket      string `json:"bucket"`
	S3Key       string `json:"s3Key"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Validate checks if the job has all required fields.
func (j *UploadJob) Validate() error {
	if j.VideoID == "" {
		return ErrMissingVideoID
	}
	if j.UserID == "" {
		return ErrMissingUserID
	}
	if j.S3Key == "" {
		return ErrMissingS3Key
	}
	if j.Bucket == "" {
		return ErrMissingBucket
	}
	return nil
}
