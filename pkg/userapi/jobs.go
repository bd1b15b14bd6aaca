package userapi

import (
	"net/http"

	"github.com/onefuzz/controlplane/pkg/httpapi"
	"github.com/onefuzz/controlplane/pkg/storage"
	"github.com/onefuzz/controlplane/pkg/types"
)

type createJobRequest struct {
	Project       string `json:"project" validate:"required"`
	Name          string `json:"name" validate:"required"`
	Build         string `json:"build" validate:"required"`
	DurationHours int    `json:"duration_hours" validate:"required,min=1"`
	LogsContainer string `json:"logs_container,omitempty"`
}

// handleGetJobs resolves ?job_id=… to a single Job, or lists every
// Job otherwise.
func (s *Server) handleGetJobs(w http.ResponseWriter, r *http.Request) {
	if jobID := r.URL.Query().Get("job_id"); jobID != "" {
		job, err := s.repos.Jobs.Get(jobID)
		if err != nil {
			httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeUnableToFind, "no such job")
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, job)
		return
	}

	jobs, err := s.repos.Jobs.List(nil)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeUnableToFind, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, jobs)
}

func (s *Server) handlePostJobs(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "malformed body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, err.Error())
		return
	}

	job, err := s.repos.Jobs.Create(req.Project, req.Name, req.Build, req.DurationHours, req.LogsContainer, userInfoFromRequest(r))
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeUnableToCreate, err.Error())
		return
	}
	if s.hub != nil {
		publishEvent(s.hub, types.EventJobCreated, job)
	}
	httpapi.WriteJSON(w, http.StatusOK, job)
}

// handleDeleteJobs stops a Job by transitioning it to Stopping, never deleting the record
// directly — the Job processor cascades the stop to member Tasks and
// carries the Job through to Stopped for audit history.
func (s *Server) handleDeleteJobs(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	job, err := s.repos.Jobs.Get(jobID)
	if err != nil {
		httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeUnableToFind, "no such job")
		return
	}
	if job.State.Terminal() || job.State == types.JobStateStopping {
		httpapi.WriteResult(w, true)
		return
	}

	job.State = types.JobStateStopping
	if err := s.repos.Jobs.Replace(job); err != nil && err != storage.ErrVersionConflict {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeUnableToUpdate, err.Error())
		return
	}
	if s.hub != nil {
		publishEvent(s.hub, types.EventJobStopped, job)
	}
	httpapi.WriteResult(w, true)
}
