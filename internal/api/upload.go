package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/clipflow/internal/pipeline"
	"github.com/amillerrr/clipflow/internal/transcoder"
	"github.com/amillerrr/clipflow/pkg/models"
)

// Multipart form limits for text fields.
const (
	MaxTitleLength       = 200
	MaxDescriptionLength = 5000
)

// UploadEvent is one NDJSON line of a POST /videos response.
type UploadEvent struct {
	Type     string             `json:"type"`
	Progress *pipeline.Progress `json:"progress,omitempty"`
	Result   *UploadResult      `json:"result,omitempty"`
}

// UploadResult is the final line of a POST /videos response.
type UploadResult struct {
	Success           bool                    `json:"success"`
	VideoID           string                  `json:"videoId,omitempty"`
	Error             string                  `json:"error,omitempty"`
	Tier              string                  `json:"tier,omitempty"`
	Resolutions       []models.ResolutionInfo `json:"resolutions,omitempty"`
	FailedResolutions []string                `json:"failedResolutions,omitempty"`
	CompressionRatio  float64                 `json:"compressionRatio"`
	FileURL           string                  `json:"fileUrl,omitempty"`
}

// uploadForm is a parsed multipart upload with the file spooled to disk.
type uploadForm struct {
	Title       string
	Description string
	Source      *transcoder.SourceVideo
}

// UploadVideoHandler accepts a multipart {file,title,description} upload, runs the
// pipeline, and streams progress snapshots as NDJSON followed by a result line.
func (h *Handlers) UploadVideoHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		h.writeError(ctx, w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, span := tracer.Start(ctx, "upload-video-handler")
	defer span.End()

	// Uploads and their transcodes outlive the server-wide deadlines.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	if h.cfg != nil && h.cfg.API.MaxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.API.MaxUploadSize)
	}

	form, err := h.readUploadForm(r)
	if err != nil {
		span.RecordError(err)
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.writeError(ctx, w, http.StatusRequestEntityTooLarge, "Upload too large")
			return
		}
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}
	defer os.Remove(form.Source.Path)

	span.SetAttributes(
		attribute.String("video.filename", form.Source.Filename),
		attribute.Int64("video.size_bytes", form.Source.Size),
	)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	stream := newEventStream(w)
	progress := make(chan pipeline.Progress, 16)

	var (
		result    *pipeline.Result
		uploadErr error
	)
	go func() {
		defer close(progress)
		result, uploadErr = h.uploader.Upload(ctx, pipeline.Request{
			Source:      form.Source,
			Title:       form.Title,
			Description: form.Description,
		}, progress)
	}()

	for p := range progress {
		p.Record = nil
		stream.send(UploadEvent{Type: "progress", Progress: &p})
	}

	final := uploadResult(result, uploadErr)
	if uploadErr != nil {
		span.RecordError(uploadErr)
		h.logger().WarnContext(ctx, "Upload failed", "filename", form.Source.Filename, "error", uploadErr)
	}
	stream.send(UploadEvent{Type: "result", Result: final})
	if stream.err != nil {
		h.logger().WarnContext(ctx, "Client went away during upload", "error", stream.err)
	}
}

func uploadResult(res *pipeline.Result, err error) *UploadResult {
	if err != nil || res == nil {
		msg := "upload failed"
		if err != nil {
			msg = err.Error()
		}
		return &UploadResult{Success: false, Error: msg}
	}
	return &UploadResult{
		Success:           true,
		VideoID:           res.Record.ID,
		Tier:              string(res.Tier),
		Resolutions:       res.Resolutions,
		FailedResolutions: res.FailedResolutions,
		CompressionRatio:  res.CompressionRatio,
		FileURL:           res.Record.FileURL,
	}
}

// readUploadForm streams the multipart body, spooling the file part to the work dir.
func (h *Handlers) readUploadForm(r *http.Request) (*uploadForm, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("expected multipart form: %w", err)
	}

	form := &uploadForm{}
	cleanup := func() {
		if form.Source != nil {
			os.Remove(form.Source.Path)
		}
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			cleanup()
			return nil, err
		}

		switch part.FormName() {
		case "title":
			v, err := readField(part, MaxTitleLength)
			if err != nil {
				cleanup()
				return nil, fmt.Errorf("title: %w", err)
			}
			form.Title = strings.TrimSpace(v)
		case "description":
			v, err := readField(part, MaxDescriptionLength)
			if err != nil {
				cleanup()
				return nil, fmt.Errorf("description: %w", err)
			}
			form.Description = strings.TrimSpace(v)
		case "file":
			if form.Source != nil {
				cleanup()
				return nil, errors.New("only one file per upload")
			}
			src, err := h.spool(part)
			if err != nil {
				return nil, err
			}
			form.Source = src
		}
		part.Close()
	}

	if form.Source == nil {
		return nil, errors.New("file is required")
	}
	if form.Title == "" {
		cleanup()
		return nil, models.ErrMissingTitle
	}
	return form, nil
}

func readField(r io.Reader, limit int) (string, error) {
	b, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return "", err
	}
	if len(b) > limit {
		return "", fmt.Errorf("longer than %d bytes", limit)
	}
	return string(b), nil
}

func (h *Handlers) spool(part interface {
	io.Reader
	FileName() string
}) (*transcoder.SourceVideo, error) {
	filename := filepath.Base(part.FileName())
	if err := validateFilename(filename); err != nil {
		return nil, err
	}

	dir := os.TempDir()
	if h.cfg != nil && h.cfg.Pipeline.WorkDir != "" {
		dir = h.cfg.Pipeline.WorkDir
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create work dir: %w", err)
		}
	}

	f, err := os.CreateTemp(dir, "upload-*"+strings.ToLower(filepath.Ext(filename)))
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	n, err := io.Copy(f, part)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(f.Name())
		return nil, err
	}
	if n == 0 {
		os.Remove(f.Name())
		return nil, errors.New("file is empty")
	}

	return &transcoder.SourceVideo{
		Path:        f.Name(),
		Filename:    filename,
		ContentType: contentTypeFor(filename),
		Size:        n,
	}, nil
}

func contentTypeFor(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".mov":
		return "video/quicktime"
	case ".mkv":
		return "video/x-matroska"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "video/mp4"
}

// eventStream writes NDJSON lines and flushes after each one. After the
// first write error it drops further events.
type eventStream struct {
	enc *json.Encoder
	rc  *http.ResponseController
	err error
}

func newEventStream(w http.ResponseWriter) *eventStream {
	return &eventStream{enc: json.NewEncoder(w), rc: http.NewResponseController(w)}
}

func (s *eventStream) send(ev UploadEvent) {
	if s.err != nil {
		return
	}
	if err := s.enc.Encode(ev); err != nil {
		s.err = err
		return
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.err = err
	}
}
