package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"housing-retrofit/models"
	"housing-retrofit/scoring"
	"housing-retrofit/storage"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type healthResponse struct {
	Status        string `json:"status"`
	DBConnected   bool   `json:"db_connected"`
	ModelLoaded   bool   `json:"model_loaded"`
	Model         string `json:"model,omitempty"`
	RunID         string `json:"run_id,omitempty"`
	PropertyCount int    `json:"property_count"`
}

type propertyPage struct {
	RunID  string                    `json:"run_id"`
	Total  int                       `json:"total"`
	Limit  int                       `json:"limit"`
	Offset int                       `json:"offset"`
	Items  []*models.PropertyFeature `json:"items"`
}

type portfolioResponse struct {
	RunID    string                    `json:"run_id"`
	Segments []*models.AggregateRecord `json:"segments"`
}

func respond(w http.ResponseWriter, r *http.Request, status int, v any) {
	render.Status(r, status)
	render.JSON(w, r, v)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, msg string) {
	respond(w, r, status, errorResponse{Error: msg, RequestID: middleware.GetReqID(r.Context())})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("[api] %s %s: %v", r.Method, r.URL.Path, err)
	s.fail(w, r, http.StatusInternalServerError, "internal error")
}

// currentRun resolves the run the read endpoints serve. It writes the error
// response itself and returns false when there is nothing to serve.
func (s *Server) currentRun(w http.ResponseWriter, r *http.Request) (*models.PipelineRun, bool) {
	run, err := s.store.LatestRun(r.Context())
	if errors.Is(err, storage.ErrNotFound) {
		s.fail(w, r, http.StatusNotFound, "no completed pipeline run")
		return nil, false
	}
	if err != nil {
		s.internalError(w, r, err)
		return nil, false
	}
	return run, true
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", DBConnected: true, ModelLoaded: s.scorer != nil}
	if s.scorer != nil {
		resp.Model = s.scorer.Name()
	}

	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("[api] Health: database unreachable: %v", err)
		resp.DBConnected = false
	} else if run, err := s.store.LatestRun(r.Context()); err == nil {
		resp.RunID = run.RunID
		if sum, err := s.store.Summary(r.Context(), run.RunID); err == nil {
			resp.PropertyCount = sum.TotalProperties
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		resp.DBConnected = false
	}

	if !resp.DBConnected || !resp.ModelLoaded {
		resp.Status = "degraded"
	}
	respond(w, r, http.StatusOK, resp)
}

func (s *Server) latestRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.currentRun(w, r)
	if !ok {
		return
	}
	respond(w, r, http.StatusOK, run)
}

// listRuns returns the run log, failed and partial runs included.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultPageSize)
	if err != nil || limit < 1 || limit > maxPageSize {
		s.fail(w, r, http.StatusBadRequest, "limit must be an integer between 1 and 200")
		return
	}
	runs, err := s.store.Runs(r.Context(), limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*models.PipelineRun{}
	}
	respond(w, r, http.StatusOK, runs)
}

func (s *Server) getProperty(w http.ResponseWriter, r *http.Request) {
	run, ok := s.currentRun(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	f, err := s.store.Feature(r.Context(), run.RunID, id)
	if errors.Is(err, storage.ErrNotFound) {
		s.fail(w, r, http.StatusNotFound, "property not found: "+id)
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, f)
}

var priorities = map[string]bool{
	models.PriorityHigh:     true,
	models.PriorityMedium:   true,
	models.PriorityLow:      true,
	models.PriorityUnscored: true,
}

func (s *Server) listProperties(w http.ResponseWriter, r *http.Request) {
	q := storage.FeatureQuery{
		Priority: r.URL.Query().Get("priority"),
		Limit:    defaultPageSize,
	}
	if q.Priority != "" && !priorities[q.Priority] {
		s.fail(w, r, http.StatusBadRequest, "priority must be one of High, Medium, Low, Unscored")
		return
	}

	var err error
	if q.Limit, err = intParam(r, "limit", defaultPageSize); err != nil || q.Limit < 1 || q.Limit > maxPageSize {
		s.fail(w, r, http.StatusBadRequest, "limit must be an integer between 1 and 200")
		return
	}
	if q.Offset, err = intParam(r, "offset", 0); err != nil || q.Offset < 0 {
		s.fail(w, r, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	run, ok := s.currentRun(w, r)
	if !ok {
		return
	}
	items, total, err := s.store.Features(r.Context(), run.RunID, q)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if items == nil {
		items = []*models.PropertyFeature{}
	}
	respond(w, r, http.StatusOK, propertyPage{
		RunID:  run.RunID,
		Total:  total,
		Limit:  q.Limit,
		Offset: q.Offset,
		Items:  items,
	})
}

func intParam(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

var portfolioFilters = []string{"property_type", "construction_era", "ward"}

func (s *Server) portfolio(w http.ResponseWriter, r *http.Request) {
	filter := map[string]string{}
	for _, key := range portfolioFilters {
		if v := r.URL.Query().Get(key); v != "" {
			filter[key] = v
		}
	}

	run, ok := s.currentRun(w, r)
	if !ok {
		return
	}
	segments, err := s.store.Aggregates(r.Context(), run.RunID, filter)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if segments == nil {
		segments = []*models.AggregateRecord{}
	}
	respond(w, r, http.StatusOK, portfolioResponse{RunID: run.RunID, Segments: segments})
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	run, ok := s.currentRun(w, r)
	if !ok {
		return
	}
	sum, err := s.store.Summary(r.Context(), run.RunID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, sum)
}

func (s *Server) qualityReports(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run")
	if runID == "" {
		run, ok := s.currentRun(w, r)
		if !ok {
			return
		}
		runID = run.RunID
	}

	reports, err := s.store.Reports(r.Context(), runID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if len(reports) == 0 {
		s.fail(w, r, http.StatusNotFound, "no quality reports for run "+runID)
		return
	}
	respond(w, r, http.StatusOK, reports)
}

func (s *Server) predict(w http.ResponseWriter, r *http.Request) {
	if s.scorer == nil {
		s.fail(w, r, http.StatusServiceUnavailable, "no scoring model loaded")
		return
	}

	var f scoring.Features
	if err := render.DecodeJSON(r.Body, &f); err != nil {
		s.fail(w, r, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := f.Validate(); err != nil {
		s.fail(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, ok, err := s.scorer.Score(r.Context(), f)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if !ok {
		s.fail(w, r, http.StatusUnprocessableEntity, "the model cannot score this property")
		return
	}
	respond(w, r, http.StatusOK, res)
}
