package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/voxprep/voxprep/pkg/gateway/apierror"
	"github.com/voxprep/voxprep/pkg/gateway/auth"
	"github.com/voxprep/voxprep/pkg/gateway/mw"
)

// writeError maps any error onto the JSON error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apierror.Write(w, err, reqID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// callerID returns the authenticated user id, or "" when no principal is
// attached (which the auth middleware prevents for /v1 routes).
func callerID(r *http.Request) string {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok || p == nil {
		return ""
	}
	return p.UserID
}
