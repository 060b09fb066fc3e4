package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sweepd/sweepd/internal/analysis"
	"github.com/sweepd/sweepd/internal/store"
)

// analysisResponse is the JSON response for GET /v1/runs/{id}/analysis.
type analysisResponse struct {
	RunID   string            `json:"run_id"`
	Metric  string            `json:"metric"`
	Filter  string            `json:"filter,omitempty"`
	Entries []*analysis.Entry `json:"entries"`
}

func (s *Server) handleRunAnalysis(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run for analysis", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	opts := analysis.Options{
		Metric:    r.URL.Query().Get("metric"),
		Ascending: r.URL.Query().Get("order") == "asc",
		Filter:    r.URL.Query().Get("filter"),
		Limit:     parseIntQuery(r, "limit", 0),
	}
	if opts.Metric == "" {
		opts.Metric = analysis.DefaultMetric
	}

	results, err := s.store.ResultsForRun(r.Context(), id)
	if err != nil {
		s.logger.Error("results for run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load results")
		return
	}

	entries, err := analysis.Rank(results, opts)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if entries == nil {
		entries = []*analysis.Entry{}
	}

	s.writeJSON(w, http.StatusOK, analysisResponse{
		RunID:   id,
		Metric:  opts.Metric,
		Filter:  opts.Filter,
		Entries: entries,
	})
}
