package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// apiError is the body of every error the agent answers itself. Errors
// returned by the LearnTrack API are proxied untouched.
type apiError struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// writeJSON encodes v as the response body. Session payloads carry the
// user's identity, so nothing written here may be cached.
func writeJSON(ctx context.Context, w http.ResponseWriter, v any, status int) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode JSON response", "status", status, "error", err)
	}
}

func writeJSONError(ctx context.Context, w http.ResponseWriter, message string, status int) {
	writeJSON(ctx, w, apiError{Error: message, Status: status}, status)
}
