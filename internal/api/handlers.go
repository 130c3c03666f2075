package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sells-group/crm-migrate/internal/model"
	"github.com/sells-group/crm-migrate/internal/pipeline"
	"github.com/sells-group/crm-migrate/internal/report"
	"github.com/sells-group/crm-migrate/internal/source"
	"github.com/sells-group/crm-migrate/internal/store"
	"github.com/sells-group/crm-migrate/internal/vault"
)

type preflightRequest struct {
	APIKey      string `json:"apiKey" validate:"required_without=AccessToken"`
	AccessToken string `json:"accessToken" validate:"required_without=APIKey"`
	InstanceURL string `json:"instanceUrl" validate:"omitempty,url"`
}

type jobRequest struct {
	JobID string `json:"jobId" validate:"required,uuid"`
}

type preflightResponse struct {
	Success bool        `json:"success"`
	JobID   string      `json:"jobId"`
	Stage   model.Stage `json:"stage"`
	*model.PreflightResult
}

type dryRunResponse struct {
	Success bool                `json:"success"`
	JobID   string              `json:"jobId"`
	Result  *model.DryRunResult `json:"result,omitempty"`
	Error   string              `json:"error,omitempty"`
}

type jobResponse struct {
	JobID           string      `json:"jobId"`
	Stage           model.Stage `json:"stage"`
	CancelRequested bool        `json:"cancelRequested,omitempty"`
	ResumedFrom     string      `json:"resumedFrom,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.health.Ping(r.Context()); err != nil {
		zap.L().Warn("api: health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	src, ok := s.sourceParam(w, r)
	if !ok {
		return
	}
	var req preflightRequest
	if !s.decode(w, r, &req) {
		return
	}

	job, err := s.engine.Preflight(r.Context(), pipeline.PreflightRequest{
		OrgID:  orgFrom(r.Context()),
		Source: src,
		Credentials: vault.Credentials{
			APIKey:      req.APIKey,
			AccessToken: req.AccessToken,
			InstanceURL: req.InstanceURL,
		},
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preflightResponse{
		Success:         job.Preflight.ConnectionValid,
		JobID:           job.ID,
		Stage:           job.Stage,
		PreflightResult: job.Preflight,
	})
}

func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobForSource(w, r)
	if !ok {
		return
	}

	res, err := s.engine.DryRun(r.Context(), job)
	switch {
	case errors.Is(err, source.ErrUnauthorized):
		writeJSON(w, http.StatusOK, dryRunResponse{
			JobID: job.ID,
			Error: "the source rejected the stored credentials; run preflight again",
		})
	case err != nil:
		writeFailure(w, err)
	default:
		writeJSON(w, http.StatusOK, dryRunResponse{Success: true, JobID: job.ID, Result: res})
	}
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobForSource(w, r)
	if !ok {
		return
	}
	started, err := s.runner.Start(r.Context(), job)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{JobID: started.ID, Stage: started.Stage})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Job(r.Context(), orgFrom(r.Context()), chi.URLParam(r, "jobID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	if !job.Stage.Terminal() {
		writeJSON(w, http.StatusOK, report.Progress(job))
		return
	}

	errs, total, err := s.engine.Errors(r.Context(), job.ID, 0)
	if err != nil {
		writeFailure(w, err)
		return
	}
	rep, err := report.Generate(job, errs, total)
	if err != nil {
		writeFailure(w, err)
		return
	}

	if r.URL.Query().Get("format") == "xlsx" {
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="migration-`+job.ID+`.xlsx"`)
		if err := report.WriteXLSX(w, rep); err != nil {
			zap.L().Error("api: write xlsx report", zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Job(r.Context(), orgFrom(r.Context()), chi.URLParam(r, "jobID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	job, err = s.engine.Cancel(r.Context(), job)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{JobID: job.ID, Stage: job.Stage, CancelRequested: job.CancelRequested})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	prev, err := s.engine.Job(r.Context(), orgFrom(r.Context()), chi.URLParam(r, "jobID"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	job, err := s.engine.Resume(r.Context(), prev)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, jobResponse{JobID: job.ID, Stage: job.Stage, ResumedFrom: job.ResumedFrom})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{OrgID: orgFrom(r.Context()), Stage: model.Stage(q.Get("stage"))}
	if raw := q.Get("source"); raw != "" {
		src, ok := model.ParseSource(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "unsupported source "+raw)
			return
		}
		filter.Source = src
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	jobs, err := s.engine.Jobs(r.Context(), filter)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if jobs == nil {
		jobs = []model.MigrationJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// sourceParam parses the {source} path segment.
func (s *Server) sourceParam(w http.ResponseWriter, r *http.Request) (model.Source, bool) {
	raw := chi.URLParam(r, "source")
	src, ok := model.ParseSource(raw)
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported source "+raw)
		return "", false
	}
	return src, true
}

// jobForSource decodes {jobId} and loads the caller's job for the path source.
func (s *Server) jobForSource(w http.ResponseWriter, r *http.Request) (*model.MigrationJob, bool) {
	src, ok := s.sourceParam(w, r)
	if !ok {
		return nil, false
	}
	var req jobRequest
	if !s.decode(w, r, &req) {
		return nil, false
	}
	job, err := s.engine.Job(r.Context(), orgFrom(r.Context()), req.JobID)
	if err != nil {
		writeFailure(w, err)
		return nil, false
	}
	if job.Source != src {
		writeError(w, http.StatusBadRequest, "job "+job.ID+" migrates from "+string(job.Source))
		return nil, false
	}
	return job, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// validationMessage flattens validator errors into one line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required_without":
			msgs = append(msgs, "apiKey or accessToken is required")
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		default:
			msgs = append(msgs, fe.Field()+" is invalid ("+fe.Tag()+")")
		}
	}
	slices.Sort(msgs)
	return strings.Join(slices.Compact(msgs), "; ")
}

// writeFailure maps pipeline and store errors onto status codes.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "migration job not found")
	case errors.Is(err, pipeline.ErrAlreadyExecuting):
		writeError(w, http.StatusConflict, "a migration is already executing for this source")
	case errors.Is(err, pipeline.ErrInvalidStage):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		zap.L().Error("api: request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}
