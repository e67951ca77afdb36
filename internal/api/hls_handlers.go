package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/froggyxyz/archiverse-infra/internal/blob"
	"github.com/froggyxyz/archiverse-infra/internal/hls"
)

const (
	manifestContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"
)

// serveHLS streams transcoded output. Requests authenticate with the playback
// token in the query string rather than a session, so media tags and native
// players can fetch manifests and segments directly.
func (h *Handler) serveHLS(w http.ResponseWriter, r *http.Request, mediaID, rest string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if h.Playback == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("playback not configured"))
		return
	}
	token := r.URL.Query().Get("token")
	ownerID, err := h.Playback.Verify(token, mediaID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid playback token"))
		return
	}
	if _, exists := h.Store.GetMedia(ownerID, mediaID); !exists {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid playback token"))
		return
	}
	if rest == "" || strings.HasPrefix(rest, "/") || strings.Contains(rest, "..") {
		writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}

	key := blob.HLSPrefix(ownerID, mediaID) + "/" + rest
	if strings.HasSuffix(rest, ".m3u8") {
		h.serveManifest(w, r, key, rest, token)
		return
	}

	body, err := h.Blob.Stream(r.Context(), key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", segmentContentType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if _, err := io.Copy(w, body); err != nil {
		h.logger().Debug("segment stream interrupted", "key", key, "error", err)
	}
}

// serveManifest buffers the stored playlist and rewrites its URI lines so
// every referenced manifest and segment carries the playback token.
func (h *Handler) serveManifest(w http.ResponseWriter, r *http.Request, key, rest, token string) {
	data, err := h.Blob.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	var rewritten bytes.Buffer
	if rest == "playlist.m3u8" {
		err = hls.RewriteMaster(bytes.NewReader(data), &rewritten, token)
	} else {
		err = hls.RewriteRendition(bytes.NewReader(data), &rewritten, hls.RenditionDir(rest), token)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", manifestContentType)
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(rewritten.Bytes())
}
