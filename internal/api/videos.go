package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/clipflow/internal/storage"
	"github.com/amillerrr/clipflow/pkg/models"
)

// VideoResponse is a stored record with a playable URL.
type VideoResponse struct {
	*models.VideoRecord
	PlaybackURL string `json:"playbackUrl,omitempty"`
	Degraded    bool   `json:"degraded,omitempty"`
}

// PlaybackResponse is the response payload for the playback endpoint.
type PlaybackResponse struct {
	VideoID     string `json:"videoId"`
	PlaybackURL string `json:"playbackUrl"`
	Tier        string `json:"tier,omitempty"`
	ViewCount   int64  `json:"viewCount"`
}

// PresignRequest asks for a signed URL for a stored object URL.
type PresignRequest struct {
	URL string `json:"url"`
	// Stale forces a fresh signature, used after the player got a 403.
	Stale bool `json:"stale,omitempty"`
}

// PresignResponse carries the signed URL.
type PresignResponse struct {
	URL string `json:"url"`
}

// VideosHandler serves GET /videos (the caller's videos) and POST /videos (upload).
func (h *Handlers) VideosHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.ListVideosHandler(w, r)
	case http.MethodPost:
		h.UploadVideoHandler(w, r)
	default:
		h.writeError(r.Context(), w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// ListVideosHandler returns the caller's videos newest first.
func (h *Handlers) ListVideosHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := currentUser(ctx)
	if !ok {
		h.writeError(ctx, w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	limit := DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(ctx, w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, MaxListLimit)
	}

	ctx, span := tracer.Start(ctx, "list-videos")
	defer span.End()

	videos, _, err := h.videos.ListVideosByUser(ctx, userID, int32(limit), nil)
	if err != nil {
		span.RecordError(err)
		h.logger().ErrorContext(ctx, "Failed to list videos", "userId", userID, "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to list videos")
		return
	}
	if videos == nil {
		videos = []models.VideoRecord{}
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]any{"videos": videos})
}

// GetVideoHandler returns one record with a signed playback URL when it is playable.
func (h *Handlers) GetVideoHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		h.writeError(ctx, w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	video, ok := h.lookupVideo(w, r)
	if !ok {
		return
	}

	resp := VideoResponse{VideoRecord: video, Degraded: video.Degraded()}
	if video.Status == models.StatusProcessed && video.FileURL != "" {
		signed, err := h.resolver.Resolve(ctx, video.FileURL)
		if err != nil {
			h.logger().WarnContext(ctx, "Failed to sign playback URL", "videoId", video.ID, "error", err)
		} else {
			resp.PlaybackURL = signed
		}
	}

	h.writeJSON(ctx, w, http.StatusOK, resp)
}

// PlaybackHandler returns a signed URL for the video's stored artifact and
// counts a view. With ?stale=1 the cached signature is discarded first.
func (h *Handlers) PlaybackHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		h.writeError(ctx, w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	video, ok := h.lookupVideo(w, r)
	if !ok {
		return
	}
	if video.Status != models.StatusProcessed || video.FileURL == "" {
		h.writeError(ctx, w, http.StatusConflict, "Video is not ready for playback")
		return
	}

	ctx, span := tracer.Start(ctx, "playback")
	defer span.End()

	stale := r.URL.Query().Get("stale") == "1"
	span.SetAttributes(attribute.String("video.id", video.ID), attribute.Bool("presign.stale", stale))

	signed, err := h.signURL(r, video.FileURL, stale)
	if err != nil {
		span.RecordError(err)
		h.logger().ErrorContext(ctx, "Failed to sign playback URL", "videoId", video.ID, "error", err)
		h.writeError(ctx, w, http.StatusBadGateway, "Failed to sign playback URL")
		return
	}

	views, err := h.videos.IncrementViewCount(ctx, video.ID)
	if err != nil {
		h.logger().WarnContext(ctx, "Failed to count view", "videoId", video.ID, "error", err)
		views = video.ViewCount
	}

	h.writeJSON(ctx, w, http.StatusOK, PlaybackResponse{
		VideoID:     video.ID,
		PlaybackURL: signed,
		Tier:        video.Tier,
		ViewCount:   views,
	})
}

// SourceHandler streams the stored artifact through the API.
func (h *Handlers) SourceHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		h.writeError(ctx, w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	video, ok := h.lookupVideo(w, r)
	if !ok {
		return
	}
	if video.Status != models.StatusProcessed || video.FileURL == "" {
		h.writeError(ctx, w, http.StatusConflict, "Video is not ready for playback")
		return
	}

	key, err := h.store.KeyFromURL(video.FileURL)
	if err != nil {
		h.logger().ErrorContext(ctx, "Stored URL has no object key", "videoId", video.ID, "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Invalid stored URL")
		return
	}

	obj, err := h.store.Get(ctx, key)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case storage.IsNotFound(err):
			status = http.StatusNotFound
		case storage.IsAccessDenied(err):
			status = http.StatusForbidden
		}
		h.logger().WarnContext(ctx, "Failed to read stored video", "videoId", video.ID, "key", key, "error", err)
		h.writeError(ctx, w, status, "Failed to read video")
		return
	}
	defer obj.Body.Close()

	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	if obj.ContentLength > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.ContentLength, 10))
	}
	w.Header().Set("Content-Disposition", "inline")
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, obj.Body); err != nil {
		h.logger().WarnContext(ctx, "Video stream interrupted", "videoId", video.ID, "error", err)
	}
}

// GetLatestVideoHandler returns the most recently processed video.
func (h *Handlers) GetLatestVideoHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		h.writeError(ctx, w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, span := tracer.Start(ctx, "get-latest-video")
	defer span.End()

	video, err := h.videos.GetLatestVideo(ctx)
	if err != nil {
		if errors.Is(err, models.ErrVideoNotFound) {
			h.writeError(ctx, w, http.StatusNotFound, "No processed videos found")
			return
		}
		span.RecordError(err)
		h.logger().ErrorContext(ctx, "Failed to get latest video", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to retrieve video")
		return
	}

	span.SetAttributes(attribute.String("video.id", video.ID))

	resp := VideoResponse{VideoRecord: video, Degraded: video.Degraded()}
	if signed, err := h.resolver.Resolve(ctx, video.FileURL); err == nil {
		resp.PlaybackURL = signed
	} else {
		h.logger().WarnContext(ctx, "Failed to sign playback URL", "videoId", video.ID, "error", err)
	}

	h.writeJSON(ctx, w, http.StatusOK, resp)
}

// PresignHandler resolves a stored object URL to a signed URL.
func (h *Handlers) PresignHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		h.writeError(ctx, w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req PresignRequest
	if !h.decodeJSON(ctx, w, r, &req) {
		return
	}
	if req.URL == "" {
		h.writeError(ctx, w, http.StatusBadRequest, "url is required")
		return
	}

	signed, err := h.signURL(r, req.URL, req.Stale)
	if err != nil {
		if errors.Is(err, models.ErrInvalidKeyFormat) {
			h.writeError(ctx, w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger().ErrorContext(ctx, "Failed to presign URL", "error", err)
		h.writeError(ctx, w, http.StatusBadGateway, "Failed to presign URL")
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, PresignResponse{URL: signed})
}

func (h *Handlers) signURL(r *http.Request, storedURL string, stale bool) (string, error) {
	ctx := r.Context()
	if !stale {
		return h.resolver.Resolve(ctx, storedURL)
	}
	if err := h.resolver.Invalidate(ctx, storedURL); err != nil {
		h.logger().WarnContext(ctx, "Failed to drop cached signature", "error", err)
	}
	return h.resolver.RefreshIfNeeded(ctx, storedURL)
}

// lookupVideo loads the record named by the {id} path value, writing the error response on failure.
func (h *Handlers) lookupVideo(w http.ResponseWriter, r *http.Request) (*models.VideoRecord, bool) {
	ctx := r.Context()

	id := r.PathValue("id")
	if id == "" {
		h.writeError(ctx, w, http.StatusBadRequest, models.ErrMissingVideoID.Error())
		return nil, false
	}

	video, err := h.videos.GetVideo(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrVideoNotFound) {
			h.writeError(ctx, w, http.StatusNotFound, "Video not found")
			return nil, false
		}
		h.logger().ErrorContext(ctx, "Failed to get video", "videoId", id, "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to retrieve video")
		return nil, false
	}
	return video, true
}
