package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sweepd/sweepd/internal/engine"
	"github.com/sweepd/sweepd/internal/model"
	"github.com/sweepd/sweepd/internal/params"
	"github.com/sweepd/sweepd/internal/store"
	"github.com/sweepd/sweepd/internal/worker"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createRunRequest is the JSON body for POST /v1/runs.
type createRunRequest struct {
	Target struct {
		URL  string `json:"url"`
		Name string `json:"name"`
	} `json:"target"`
	Mode   string              `json:"mode"`
	Config *params.SweepConfig `json:"config"`
}

// createRunResponse pairs the created run with its generated task count.
type createRunResponse struct {
	Run        *model.Run `json:"run"`
	TotalTasks int        `json:"total_tasks"`
}

// startRunRequest is the JSON body for POST /v1/runs/{id}/start.
type startRunRequest struct {
	Credentials worker.Credentials `json:"credentials"`
	Workers     int                `json:"workers"`
	SkipCache   bool               `json:"skip_cache"`
}

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []*model.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Target.URL == "" {
		s.writeError(w, http.StatusBadRequest, "target url is required")
		return
	}
	if !model.ValidMode(req.Mode) {
		s.writeError(w, http.StatusBadRequest, "mode must be sweep, grid, or staged")
		return
	}
	if req.Config == nil {
		s.writeError(w, http.StatusBadRequest, "config is required")
		return
	}

	// The generator is consumed exactly once, here, to materialize tasks.
	combos, err := params.Combinations(s.params, req.Mode, req.Config)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	target, err := s.store.GetOrCreateTarget(r.Context(), req.Target.URL, req.Target.Name)
	if err != nil {
		s.logger.Error("get or create target", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to resolve target")
		return
	}

	rawCfg, err := json.Marshal(req.Config)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid config")
		return
	}

	now := time.Now().UTC()
	run := &model.Run{
		ID:        model.NewID(),
		TargetID:  target.ID,
		Mode:      req.Mode,
		Config:    rawCfg,
		Status:    model.StatusPending,
		CreatedAt: now,
	}
	if err := s.store.CreateRun(r.Context(), run); err != nil {
		s.logger.Error("create run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	tasks := make([]*model.Task, 0, len(combos))
	for _, combo := range combos {
		tasks = append(tasks, &model.Task{
			ID:        model.NewID(),
			RunID:     run.ID,
			Params:    combo,
			Status:    model.TaskPending,
			CreatedAt: now,
		})
	}
	if err := s.store.CreateTasks(r.Context(), tasks); err != nil {
		s.logger.Error("create tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create tasks")
		return
	}

	s.writeJSON(w, http.StatusCreated, createRunResponse{Run: run, TotalTasks: len(tasks)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleListRunTasks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run for tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	tasks, err := s.store.ListTasks(r.Context(), id)
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": len(tasks)})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// The body is optional; an empty body starts with defaults.
	var req startRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run for start", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	if run.Status == model.StatusCompleted || run.Status == model.StatusFailed {
		s.writeError(w, http.StatusConflict, "run already finished")
		return
	}

	target, err := s.store.GetTarget(r.Context(), run.TargetID)
	if err != nil {
		s.logger.Error("get target for start", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get target")
		return
	}

	cfg, err := params.ParseConfig(run.Config)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to parse run config")
		return
	}

	workers := req.Workers
	if workers <= 0 {
		workers = s.defaultWorkers
	}

	exec := engine.NewExecutor(s.store, s.factory, run, target, s.logger,
		engine.WithWorkers(workers),
		engine.WithEventSink(s.broker),
		engine.WithCredentials(req.Credentials),
		engine.WithArtifactsDir(s.artifactsDir),
		engine.WithSkipCache(req.SkipCache || cfg.SkipCache),
	)

	if err := s.registry.Start(s.runCtx, exec); err != nil {
		if errors.Is(err, engine.ErrAlreadyRunning) {
			s.writeError(w, http.StatusConflict, "run already executing")
			return
		}
		s.logger.Error("start run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}

	// Close the event topic once the run settles so SSE streams terminate.
	go func() {
		<-exec.Done()
		s.broker.Close(run.ID)
	}()

	if err := s.store.TouchTarget(r.Context(), target.ID); err != nil {
		s.logger.Warn("touch target", "target_id", target.ID, "error", err)
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":  run.ID,
		"workers": workers,
	})
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.registry.Stop(id); err != nil {
		s.writeControlError(w, r, id, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "state": "stopping"})
}

func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.registry.Pause(r.Context(), id); err != nil {
		s.writeControlError(w, r, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "paused": true})
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.registry.Resume(r.Context(), id); err != nil {
		s.writeControlError(w, r, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "paused": false})
}

// writeControlError maps run-control failures onto HTTP statuses: an unknown
// run is 404, a run with no active executor or a disallowed transition is 409.
func (s *Server) writeControlError(w http.ResponseWriter, r *http.Request, id string, err error) {
	switch {
	case errors.Is(err, engine.ErrNotRunning):
		if _, gerr := s.store.GetRun(r.Context(), id); errors.Is(gerr, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.writeError(w, http.StatusConflict, "run not executing")
	case errors.Is(err, store.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("run control", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "run control failed")
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
