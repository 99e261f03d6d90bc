package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nimbus/autopilot-telemetry/internal/service/telemetry"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps core errors to status codes. Storage failures are
// logged in full and reported generically.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	var (
		verr *telemetry.ValidationError
		nf   *telemetry.NotFoundError
	)
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.As(err, &nf):
		writeError(w, http.StatusNotFound, nf.Error())
	default:
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
