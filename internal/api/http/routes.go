package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/CellTimesCell/new-lms-system1/internal/eventlog"
	"github.com/CellTimesCell/new-lms-system1/internal/observability"
	"github.com/CellTimesCell/new-lms-system1/internal/rollup"
)

// NewRouter builds the API router with the default middleware chain.
func NewRouter(log *eventlog.Log, store rollup.Store, stats *observability.IngestStats) http.Handler {
	r := chi.NewRouter()

	ingest := NewIngestHandler(log, stats)
	rollups := NewRollupHandler(store)
	statsHandler := NewStatsHandler(stats, log)

	r.Route("/v1", func(r chi.Router) {
		r.Method(http.MethodPost, "/events", ingest)
		r.Method(http.MethodGet, "/stats", statsHandler)

		r.Route("/rollups", func(r chi.Router) {
			r.Get("/course/{courseID}", rollups.CourseDaily)
			r.Get("/student/{studentID}", rollups.StudentDaily)
			r.Get("/assignment/{assignmentID}", rollups.AssignmentDaily)
			r.Get("/engagement/{studentID}/{courseID}", rollups.Engagement)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return DefaultMiddleware()(r)
}
