package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/froggyxyz/archiverse-infra/internal/storage"
	"github.com/froggyxyz/archiverse-infra/internal/upload"
)

const (
	tusVersion     = "1.0.0"
	tusContentType = "application/offset+octet-stream"
)

func setTusHeaders(w http.ResponseWriter) {
	w.Header().Set("Tus-Resumable", tusVersion)
	w.Header().Set("Tus-Version", tusVersion)
}

// TusCreate registers a resumable upload and returns its location. A declared
// length is checked against the owner's remaining quota up front so clients
// fail fast instead of after streaming gigabytes; clients that do not know
// the total yet may omit it and declare it on a later PATCH.
func (h *Handler) TusCreate(w http.ResponseWriter, r *http.Request) {
	setTusHeaders(w)
	if r.Method == http.MethodOptions {
		w.Header().Set("Tus-Extension", "creation,creation-defer-length,termination")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST, OPTIONS")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}

	var length int64
	rawLength := r.Header.Get("Upload-Length")
	switch {
	case r.Header.Get("Upload-Defer-Length") == "1":
		if rawLength != "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("Upload-Defer-Length and Upload-Length are mutually exclusive"))
			return
		}
	case rawLength != "":
		var err error
		length, err = strconv.ParseInt(rawLength, 10, 64)
		if err != nil || length < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("Upload-Length header must be a non-negative integer"))
			return
		}
	}
	metadata, err := upload.ParseMetadata(r.Header.Get("Upload-Metadata"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid Upload-Metadata: %w", err))
		return
	}

	up, err := h.Uploads.Create(r.Context(), user.ID, length, metadata)
	if err != nil {
		if errors.Is(err, storage.ErrQuotaExceeded) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	w.Header().Set("Location", "/api/archive/tus/"+up.ID)
	w.Header().Set("Upload-Offset", "0")
	w.WriteHeader(http.StatusCreated)
}

// TusByID serves resume (HEAD), append (PATCH), and abort (DELETE) for one
// upload. Unknown ids and foreign owners both report 404.
func (h *Handler) TusByID(w http.ResponseWriter, r *http.Request) {
	setTusHeaders(w)
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/archive/tus/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("upload not found"))
		return
	}

	switch r.Method {
	case http.MethodHead:
		up, err := h.Uploads.Get(user.ID, id)
		if err != nil {
			writeError(w, http.StatusNotFound, fmt.Errorf("upload not found"))
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Upload-Offset", strconv.FormatInt(up.Offset, 10))
		if up.Length > 0 {
			w.Header().Set("Upload-Length", strconv.FormatInt(up.Length, 10))
		} else {
			w.Header().Set("Upload-Defer-Length", "1")
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodPatch:
		if ct := r.Header.Get("Content-Type"); ct != tusContentType {
			writeError(w, http.StatusUnsupportedMediaType, fmt.Errorf("expected content type %s", tusContentType))
			return
		}
		offset, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("Upload-Offset header must be a non-negative integer"))
			return
		}
		// Deferred-length uploads declare the total on a later PATCH; once
		// the spooled bytes reach it the append below completes the upload.
		if raw := r.Header.Get("Upload-Length"); raw != "" {
			declared, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || declared <= 0 {
				writeError(w, http.StatusBadRequest, fmt.Errorf("Upload-Length header must be a positive integer"))
				return
			}
			if err := h.Uploads.SetLength(user.ID, id, declared); err != nil {
				switch {
				case errors.Is(err, upload.ErrNotFound):
					writeError(w, http.StatusNotFound, fmt.Errorf("upload not found"))
				case errors.Is(err, storage.ErrQuotaExceeded):
					writeError(w, http.StatusRequestEntityTooLarge, err)
				default:
					writeError(w, http.StatusBadRequest, err)
				}
				return
			}
		}
		up, media, err := h.Uploads.Append(r.Context(), user.ID, id, offset, r.Body)
		switch {
		case errors.Is(err, upload.ErrNotFound):
			writeError(w, http.StatusNotFound, fmt.Errorf("upload not found"))
			return
		case errors.Is(err, upload.ErrOffsetMismatch):
			w.Header().Set("Upload-Offset", strconv.FormatInt(up.Offset, 10))
			writeError(w, http.StatusConflict, fmt.Errorf("upload offset mismatch"))
			return
		case errors.Is(err, upload.ErrSizeExceeded):
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Upload-Offset", strconv.FormatInt(up.Offset, 10))
		if media != nil {
			w.Header().Set("Archive-Media-Id", media.ID)
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := h.Uploads.Abort(user.ID, id); err != nil {
			writeError(w, http.StatusNotFound, fmt.Errorf("upload not found"))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "HEAD, PATCH, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}
