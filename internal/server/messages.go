package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/eugener/ccmux/internal"
)

const keepAliveInterval = 15 * time.Second

func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req gateway.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("parse request: "+err.Error()))
		return
	}
	if msg := validateMessages(&req); msg != "" {
		writeJSON(w, http.StatusBadRequest, errorResponse(msg))
		return
	}

	if req.Stream {
		s.streamMessages(w, r, &req)
		return
	}

	resp, err := s.deps.Dispatcher.Send(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamMessages forwards canonical SSE frames verbatim. Each chunk already
// carries its event and data lines plus the trailing blank line.
func (s *server) streamMessages(w http.ResponseWriter, r *http.Request, req *gateway.MessagesRequest) {
	ch, err := s.deps.Dispatcher.Stream(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return
			}
			if chunk.Err != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
					slog.String("error", chunk.Err.Error()),
				)
				writeSSEError(w, chunk.Err.Error())
				flusher.Flush()
				return
			}
			if len(chunk.Data) > 0 {
				w.Write(chunk.Data)
				flusher.Flush()
			}
			if chunk.Done {
				return
			}

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func (s *server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	var req gateway.CountTokensRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("parse request: "+err.Error()))
		return
	}
	if req.Model == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("model is required"))
		return
	}

	resp, err := s.deps.Dispatcher.CountTokens(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// validateMessages returns an error message for invalid requests, or "".
func validateMessages(req *gateway.MessagesRequest) string {
	switch {
	case req.Model == "":
		return "model is required"
	case req.MaxTokens <= 0:
		return "max_tokens must be positive"
	case len(req.Messages) == 0:
		return "messages must not be empty"
	}
	return ""
}
