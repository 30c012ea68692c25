package http

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/CellTimesCell/new-lms-system1/internal/rollup"
)

// RollupHandler serves the rollup read endpoints.
type RollupHandler struct {
	store rollup.Store
}

// NewRollupHandler creates a handler over the rollup store.
func NewRollupHandler(store rollup.Store) *RollupHandler {
	return &RollupHandler{store: store}
}

// dayRow is the wire shape of one rollup day, flattened with the derived
// fields the dashboard needs.
type dayRow struct {
	Day             string  `json:"day"`
	EventCount      int64   `json:"event_count,omitempty"`
	PageViews       int64   `json:"page_views,omitempty"`
	ResourceViews   int64   `json:"resource_views,omitempty"`
	Submissions     int64   `json:"submissions,omitempty"`
	ViewCount       int64   `json:"view_count,omitempty"`
	SubmissionCount int64   `json:"submission_count,omitempty"`
	ActiveStudents  int     `json:"active_students,omitempty"`
	DurationSeconds int64   `json:"total_duration_seconds,omitempty"`
	AverageDuration float64 `json:"average_time_spent,omitempty"`
	CompletionRate  float64 `json:"completion_rate,omitempty"`
	Score           float64 `json:"engagement_score,omitempty"`
}

type rangeResponse struct {
	From      string   `json:"from"`
	To        string   `json:"to"`
	Days      []dayRow `json:"days"`
	RequestID string   `json:"request_id"`
}

// CourseDaily handles GET /v1/rollups/course/{courseID}.
func (h *RollupHandler) CourseDaily(w http.ResponseWriter, r *http.Request) {
	h.serveRange(w, r, rollup.CourseDaily, "courseID", "")
}

// StudentDaily handles GET /v1/rollups/student/{studentID}.
func (h *RollupHandler) StudentDaily(w http.ResponseWriter, r *http.Request) {
	h.serveRange(w, r, rollup.StudentDaily, "studentID", "")
}

// AssignmentDaily handles GET /v1/rollups/assignment/{assignmentID}.
func (h *RollupHandler) AssignmentDaily(w http.ResponseWriter, r *http.Request) {
	h.serveRange(w, r, rollup.AssignmentDaily, "assignmentID", "")
}

// Engagement handles GET /v1/rollups/engagement/{studentID}/{courseID}.
func (h *RollupHandler) Engagement(w http.ResponseWriter, r *http.Request) {
	h.serveRange(w, r, rollup.Engagement, "studentID", "courseID")
}

func (h *RollupHandler) serveRange(w http.ResponseWriter, r *http.Request, name, entityParam, secondaryParam string) {
	requestID := GetRequestID(r.Context())

	entityID, err := pathID(r, entityParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}

	var secondaryID int64
	if secondaryParam != "" {
		secondaryID, err = pathID(r, secondaryParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), requestID)
			return
		}
	}

	fromDay, toDay, err := dayRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}

	rows, err := h.store.Range(r.Context(), name, entityID, secondaryID, fromDay, toDay)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read rollup: %v", err), requestID)
		return
	}

	resp := rangeResponse{From: fromDay, To: toDay, Days: make([]dayRow, 0, len(rows)), RequestID: requestID}
	for _, row := range rows {
		resp.Days = append(resp.Days, dayRow{
			Day:             row.Key.Day,
			EventCount:      row.Value.EventCount,
			PageViews:       row.Value.PageViews,
			ResourceViews:   row.Value.ResourceViews,
			Submissions:     row.Value.Submissions,
			ViewCount:       row.Value.ViewCount,
			SubmissionCount: row.Value.SubmissionCount,
			ActiveStudents:  row.Value.ActiveActors(),
			DurationSeconds: row.Value.DurationSeconds,
			AverageDuration: row.Value.AverageDurationSeconds(),
			CompletionRate:  row.Value.CompletionRate(),
			Score:           row.Value.Score,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// pathID parses a positive int64 URL parameter.
func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return id, nil
}

// dayRange parses the from/to query parameters. Both default to today.
func dayRange(r *http.Request) (string, string, error) {
	today := time.Now().UTC().Format("2006-01-02")

	from := r.URL.Query().Get("from")
	if from == "" {
		from = today
	}
	to := r.URL.Query().Get("to")
	if to == "" {
		to = today
	}

	for _, d := range []string{from, to} {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return "", "", fmt.Errorf("invalid day %q, want YYYY-MM-DD", d)
		}
	}
	if from > to {
		return "", "", fmt.Errorf("from %q is after to %q", from, to)
	}
	return from, to, nil
}
