package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	gateway "github.com/eugener/ccmux/internal"
)

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Type = "error"
	e.Error.Message = msg
	return e
}

// errorStatus maps dispatch errors: routing and validation problems are the
// client's fault, a response we could not make sense of is ours, everything
// else is an upstream failure.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrBadRequest),
		errors.Is(err, gateway.ErrRoutingFailed),
		errors.Is(err, gateway.ErrModelNotSupported),
		errors.Is(err, gateway.ErrNotFound):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrUpstreamMalformed):
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), errorResponse(err.Error()))
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
