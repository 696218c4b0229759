package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/voxprep/voxprep/pkg/core"
	"github.com/voxprep/voxprep/pkg/gateway/live/runner"
)

// LiveHandler upgrades /v1/live connections and hands them to a runner.
type LiveHandler struct {
	Deps runner.Deps
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, core.NewInvalidRequestError("method not allowed"))
		return
	}
	userID := callerID(r)
	if userID == "" {
		writeError(w, r, core.NewUnauthorizedError("authentication required"))
		return
	}
	if !h.originAllowed(r) {
		writeError(w, r, core.NewUnauthorizedError("origin is not allowed"))
		return
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.Deps.Cfg.LiveHandshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.Deps.Logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	runner.New(h.Deps, conn, userID).Run(r.Context())
}

// originAllowed mirrors the CORS policy for websocket upgrades: browser
// connections must come from an allowed origin, non-browser clients send no
// Origin header at all.
func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if _, ok := h.Deps.Cfg.CORSAllowedOrigins["*"]; ok {
		return true
	}
	_, ok := h.Deps.Cfg.CORSAllowedOrigins[origin]
	return ok
}
