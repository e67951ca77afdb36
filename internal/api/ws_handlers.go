package api

import (
	"fmt"
	"net/http"
)

// ProgressWebsocket upgrades the connection and registers it with the gateway
// so the session's owner receives live stage/progress frames.
func (h *Handler) ProgressWebsocket(w http.ResponseWriter, r *http.Request) {
	if h.Gateway == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("progress feed not configured"))
		return
	}
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	h.Gateway.HandleConnection(w, r, user)
}
