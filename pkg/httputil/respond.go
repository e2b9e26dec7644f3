// Package httputil provides shared HTTP response helpers for the proxy
// and management listeners.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/your-org/tokengate/pkg/logger"

	tokerrors "github.com/your-org/tokengate/pkg/errors"
)

// WriteErrorCode writes the gateway's short-circuit error body. The
// payload carries only the stable error code, never upstream detail,
// so callers cannot learn anything about the tokenization backend.
func WriteErrorCode(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"errorCode": code}); err != nil {
		logger.Error("failed to encode error response", logger.Err(err))
	}
}

// WriteTokenizationError maps err to its error code and HTTP status and
// writes the short-circuit body.
func WriteTokenizationError(w http.ResponseWriter, err error) {
	code := tokerrors.CodeOf(err)
	WriteErrorCode(w, tokerrors.HTTPStatus(code), code)
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode JSON response", logger.Err(err))
	}
}

// WriteText writes a plain text response with the given status.
func WriteText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(text))
}
