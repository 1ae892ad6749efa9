package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apierr "github.com/bleepstore/hashstore/internal/errors"
)

var (
	errNoStore          = errors.New("no store configured")
	errMethodNotAllowed = apierr.ErrMethodNotAllowed
	errNoSuchRoute      = &apierr.APIError{
		Code:       "NoSuchRoute",
		Message:    "The requested resource does not exist",
		HTTPStatus: http.StatusNotFound,
	}
)

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Writing JSON response failed", "error", err)
	}
}

// writeError maps err to an APIError and writes it as JSON. Internal
// errors are logged with the request id; the client only sees the code.
// HEAD responses carry the status without a body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := apierr.FromError(err)
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		slog.Error("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", requestIDFrom(r.Context()),
			"error", err,
		)
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(apiErr.HTTPStatus)
		return
	}
	writeJSON(w, apiErr.HTTPStatus, apiErr)
}
