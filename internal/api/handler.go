// Package api implements the HTTP surface of the archive service: account
// and session endpoints, resumable uploads, the media catalogue, token-gated
// HLS playback, and the websocket progress feed.
package api

import (
	"log/slog"
	"time"

	"github.com/froggyxyz/archiverse-infra/internal/auth"
	"github.com/froggyxyz/archiverse-infra/internal/blob"
	"github.com/froggyxyz/archiverse-infra/internal/hls"
	"github.com/froggyxyz/archiverse-infra/internal/storage"
	"github.com/froggyxyz/archiverse-infra/internal/upload"
	"github.com/froggyxyz/archiverse-infra/internal/ws"
)

// presignTTL bounds the lifetime of presigned blob URLs handed to clients.
const presignTTL = time.Hour

type Handler struct {
	Store               storage.Repository
	Sessions            *auth.SessionManager
	Blob                blob.Store
	Uploads             *upload.Service
	Gateway             *ws.Gateway
	Playback            *hls.TokenIssuer
	Logger              *slog.Logger
	SessionCookiePolicy SessionCookiePolicy
}

func NewHandler(store storage.Repository, sessions *auth.SessionManager) *Handler {
	if sessions == nil {
		sessions = auth.NewSessionManager(24 * time.Hour)
	}
	return &Handler{Store: store, Sessions: sessions}
}

func (h *Handler) sessionManager() *auth.SessionManager {
	if h.Sessions == nil {
		h.Sessions = auth.NewSessionManager(24 * time.Hour)
	}
	return h.Sessions
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}
