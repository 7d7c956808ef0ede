package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
)

var (
	errInvalidJSON     = errors.New("invalid JSON")
	errMissingID       = errors.New("requestId is required")
	errUnknownAction   = errors.New("unknown action")
	errBackendFailed   = errors.New("backend request failed")
	errStreamingFailed = errors.New("streaming is not supported by this connection")
)

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON is a small helper to send JSON responses consistently.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
