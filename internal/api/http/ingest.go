package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/CellTimesCell/new-lms-system1/internal/eventlog"
	"github.com/CellTimesCell/new-lms-system1/internal/observability"
	"github.com/CellTimesCell/new-lms-system1/pkg/types"
)

// BatchRequest is the wire format the collector posts to /v1/events.
type BatchRequest struct {
	Events []types.ActivityEvent `json:"events"`
}

// BatchResponse reports how the batch was absorbed. Duplicates are events
// whose event_id had already been accepted on an earlier delivery.
type BatchResponse struct {
	Accepted   int    `json:"accepted"`
	Duplicates int    `json:"duplicates"`
	RequestID  string `json:"request_id"`
}

// IngestHandler handles POST /v1/events. Acceptance is all-or-nothing: if
// any event fails validation or the append fails, no event from the batch
// is accepted and the client requeues the whole batch.
type IngestHandler struct {
	log   *eventlog.Log
	stats *observability.IngestStats
}

// NewIngestHandler creates an ingest handler over the event log.
func NewIngestHandler(log *eventlog.Log, stats *observability.IngestStats) *IngestHandler {
	return &IngestHandler{log: log, stats: stats}
}

func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.stats.RecordRejection()
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}

	if len(req.Events) == 0 {
		h.stats.RecordRejection()
		writeError(w, http.StatusBadRequest, "events must not be empty", requestID)
		return
	}

	for i, ev := range req.Events {
		if err := ev.Validate(); err != nil {
			h.stats.RecordRejection()
			writeError(w, http.StatusBadRequest, fmt.Sprintf("event %d: %v", i, err), requestID)
			return
		}
	}

	start := time.Now()
	written, err := h.log.Append(req.Events)
	if err != nil {
		h.stats.RecordRejection()
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to append batch: %v", err), requestID)
		return
	}

	accepted := 0
	for _, e := range written {
		accepted += len(e.Events)
	}
	duplicates := len(req.Events) - accepted
	h.stats.RecordBatch(len(req.Events), duplicates, time.Since(start))

	writeJSON(w, http.StatusOK, BatchResponse{
		Accepted:   accepted,
		Duplicates: duplicates,
		RequestID:  requestID,
	})
}

// StatsHandler handles GET /v1/stats.
type StatsHandler struct {
	stats *observability.IngestStats
	log   *eventlog.Log
}

// NewStatsHandler creates a stats handler.
func NewStatsHandler(stats *observability.IngestStats, log *eventlog.Log) *StatsHandler {
	return &StatsHandler{stats: stats, log: log}
}

func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", GetRequestID(r.Context()))
		return
	}

	snap := h.stats.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ingest":      snap,
		"log_offset":  h.log.NextOffset(),
		"seen_events": h.log.SeenEvents(),
	})
}
