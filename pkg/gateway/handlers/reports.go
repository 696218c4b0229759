package handlers

import (
	"net/http"

	"github.com/voxprep/voxprep/pkg/core"
	"github.com/voxprep/voxprep/pkg/report"
)

// ReportsHandler serves report reads and sharing:
//
//	GET    /v1/reports/{id}
//	GET    /v1/sessions/{id}/report
//	POST   /v1/reports/{id}/share
//	DELETE /v1/reports/{id}/share
//	GET    /v1/shared/{token}
type ReportsHandler struct {
	Generator *report.Generator
}

func (h ReportsHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	if userID == "" {
		writeError(w, r, core.NewUnauthorizedError("authentication required"))
		return
	}
	rep, err := h.Generator.Get(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h ReportsHandler) GetBySession(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	if userID == "" {
		writeError(w, r, core.NewUnauthorizedError("authentication required"))
		return
	}
	rep, err := h.Generator.GetBySession(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h ReportsHandler) Share(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	if userID == "" {
		writeError(w, r, core.NewUnauthorizedError("authentication required"))
		return
	}
	token, err := h.Generator.Share(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"share_token": token})
}

func (h ReportsHandler) Unshare(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	if userID == "" {
		writeError(w, r, core.NewUnauthorizedError("authentication required"))
		return
	}
	if err := h.Generator.Unshare(r.Context(), r.PathValue("id"), userID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetShared serves a public report by its opaque token. No authentication:
// the token is the capability.
func (h ReportsHandler) GetShared(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Generator.GetShared(r.Context(), r.PathValue("token"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	// Strip ownership and sharing internals from the public view.
	public := *rep
	public.UserID = ""
	public.ShareToken = ""
	writeJSON(w, http.StatusOK, &public)
}
