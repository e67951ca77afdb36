package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/froggyxyz/archiverse-infra/internal/blob"
	"github.com/froggyxyz/archiverse-infra/internal/models"
)

type mediaResponse struct {
	ID            string   `json:"id"`
	Filename      string   `json:"filename"`
	MimeType      string   `json:"mimeType"`
	Kind          string   `json:"type"`
	Status        string   `json:"status"`
	Stage         string   `json:"currentStage"`
	StageProgress *float64 `json:"stageProgress"`
	SizeBytes     *int64   `json:"size"`
	ThumbnailURL  string   `json:"thumbnailUrl,omitempty"`
	CreatedAt     string   `json:"createdAt"`
}

type mediaListResponse struct {
	Items    []mediaResponse `json:"items"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"pageSize"`
}

func (h *Handler) newMediaResponse(r *http.Request, media models.Media) mediaResponse {
	resp := mediaResponse{
		ID:            media.ID,
		Filename:      media.Filename,
		MimeType:      media.MimeType,
		Kind:          string(media.Kind),
		Status:        string(media.Status),
		Stage:         media.Stage,
		StageProgress: media.StageProgress,
		SizeBytes:     media.SizeBytes,
		CreatedAt:     media.CreatedAt.Format(time.RFC3339Nano),
	}
	if media.ThumbnailKey != nil && h.Blob != nil {
		url, err := h.Blob.PresignedGet(r.Context(), *media.ThumbnailKey, presignTTL)
		if err != nil {
			h.logger().Warn("failed to presign thumbnail", "media_id", media.ID, "error", err)
		} else {
			resp.ThumbnailURL = url
		}
	}
	return resp
}

func (h *Handler) Media(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", 20)
	items, total, err := h.Store.ListMedia(user.ID, page, pageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	response := mediaListResponse{
		Items:    make([]mediaResponse, 0, len(items)),
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}
	for _, media := range items {
		response.Items = append(response.Items, h.newMediaResponse(r, media))
	}
	writeJSON(w, http.StatusOK, response)
}

// MediaByID routes /api/archive/media/{id}, its view-url subresource, and the
// token-gated HLS tree underneath it.
func (h *Handler) MediaByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/archive/media/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("media id missing"))
		return
	}
	mediaID := parts[0]

	if len(parts) == 2 && strings.HasPrefix(parts[1], "hls/") {
		h.serveHLS(w, r, mediaID, strings.TrimPrefix(parts[1], "hls/"))
		return
	}

	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}

	if len(parts) == 2 {
		if parts[1] == "view-url" {
			h.viewURL(w, r, user, mediaID)
			return
		}
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown media path"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		media, exists := h.Store.GetMedia(user.ID, mediaID)
		if !exists {
			writeError(w, http.StatusNotFound, fmt.Errorf("media %s not found", mediaID))
			return
		}
		writeJSON(w, http.StatusOK, h.newMediaResponse(r, media))
	case http.MethodDelete:
		h.deleteMedia(w, r, user, mediaID)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// deleteMedia cascades: blobs first (best effort), then the quota refund and
// the record. A failed blob sweep never strands the quota charge.
func (h *Handler) deleteMedia(w http.ResponseWriter, r *http.Request, user models.User, mediaID string) {
	media, exists := h.Store.GetMedia(user.ID, mediaID)
	if !exists {
		writeError(w, http.StatusNotFound, fmt.Errorf("media %s not found", mediaID))
		return
	}

	if h.Blob != nil {
		for _, key := range []*string{media.OriginalKey, media.ThumbnailKey} {
			if key == nil {
				continue
			}
			if err := h.Blob.Delete(r.Context(), *key); err != nil {
				h.logger().Warn("failed to delete media blob", "media_id", mediaID, "key", *key, "error", err)
			}
		}
		if err := h.Blob.DeletePrefix(r.Context(), blob.HLSPrefix(user.ID, mediaID)); err != nil {
			h.logger().Warn("failed to sweep transcoded output", "media_id", mediaID, "error", err)
		}
	}
	if media.OriginalKey != nil && media.SizeBytes != nil && *media.SizeBytes > 0 {
		if err := h.Store.SubtractUsage(user.ID, *media.SizeBytes); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	if err := h.Store.DeleteMedia(mediaID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type viewURLResponse struct {
	URL *string `json:"url"`
}

// viewURL hands out the playback entry point for a media: the token-gated
// manifest endpoint once transcoding produced one, a presigned original
// otherwise, or null while neither exists yet.
func (h *Handler) viewURL(w http.ResponseWriter, r *http.Request, user models.User, mediaID string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	media, exists := h.Store.GetMedia(user.ID, mediaID)
	if !exists {
		writeError(w, http.StatusNotFound, fmt.Errorf("media %s not found", mediaID))
		return
	}

	if media.ManifestKey != nil && h.Playback != nil {
		token, err := h.Playback.Issue(user.ID, mediaID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		url := fmt.Sprintf("/api/archive/media/%s/hls/playlist.m3u8?token=%s", mediaID, token)
		writeJSON(w, http.StatusOK, viewURLResponse{URL: &url})
		return
	}
	if media.OriginalKey != nil && h.Blob != nil {
		url, err := h.Blob.PresignedGet(r.Context(), *media.OriginalKey, presignTTL)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, viewURLResponse{URL: &url})
		return
	}
	writeJSON(w, http.StatusOK, viewURLResponse{})
}

func (h *Handler) StorageInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	info, err := h.Store.StorageInfo(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
