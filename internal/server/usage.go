package server

import (
	"net/http"
	"strconv"
	"time"

	gateway "github.com/eugener/ccmux/internal"
)

type usageResponse struct {
	Records []gateway.UsageRecord  `json:"records"`
	Summary []gateway.UsageSummary `json:"summary"`
	Total   int                    `json:"total"`
}

// handleUsage returns recent usage records plus a per-model summary.
// Query params: model, provider, since (RFC 3339), limit, offset.
func (s *server) handleUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := gateway.UsageFilter{
		Model:    q.Get("model"),
		Provider: q.Get("provider"),
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("since must be RFC 3339"))
			return
		}
		filter.Since = since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse("limit must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse("offset must be a non-negative integer"))
			return
		}
		filter.Offset = n
	}

	records, err := s.deps.Usage.QueryUsage(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	total, err := s.deps.Usage.CountUsage(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	summary, err := s.deps.Usage.SummarizeUsage(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}

	if records == nil {
		records = []gateway.UsageRecord{}
	}
	if summary == nil {
		summary = []gateway.UsageSummary{}
	}
	writeJSON(w, http.StatusOK, usageResponse{Records: records, Summary: summary, Total: total})
}
