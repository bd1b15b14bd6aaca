package userapi

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/onefuzz/controlplane/pkg/httpapi"
	"github.com/onefuzz/controlplane/pkg/repository"
	"github.com/onefuzz/controlplane/pkg/storage"
	"github.com/onefuzz/controlplane/pkg/types"
)

type createTaskRequest struct {
	JobID  string           `json:"job_id" validate:"required"`
	TaskID string           `json:"task_id,omitempty"`
	Config types.TaskConfig `json:"config" validate:"required"`
	OS     types.OS         `json:"os" validate:"required"`
}

func (s *Server) handleGetTasks(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	taskID := r.URL.Query().Get("task_id")
	if jobID == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "job_id is required")
		return
	}

	if taskID != "" {
		task, err := s.repos.Tasks.Get(jobID, taskID)
		if err != nil {
			httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeUnableToFind, "no such task")
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, task)
		return
	}

	tasks, err := s.repos.Tasks.ListByJob(jobID)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeUnableToFind, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, tasks)
}

func (s *Server) handlePostTasks(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "malformed body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, err.Error())
		return
	}

	job, err := s.repos.Jobs.Get(req.JobID)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidJob, "no such job")
		return
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}

	task, err := s.repos.Tasks.Create(job, taskID, req.Config, req.OS, userInfoFromRequest(r))
	if err != nil {
		switch err {
		case repository.ErrJobNotAcceptingTasks:
			httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeUnableToAddTaskToJob, err.Error())
		case repository.ErrPrereqTaskMissing:
			httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, err.Error())
		default:
			httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeUnableToCreate, err.Error())
		}
		return
	}
	if s.hub != nil {
		publishEvent(s.hub, types.EventTaskCreated, task)
	}
	httpapi.WriteJSON(w, http.StatusOK, task)
}

// handleDeleteTasks stops a Task by transitioning it to Stopping, letting the Task processor release its Nodes and carry it to
// Stopped rather than deleting the record directly.
func (s *Server) handleDeleteTasks(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	taskID := r.URL.Query().Get("task_id")
	task, err := s.repos.Tasks.Get(jobID, taskID)
	if err != nil {
		httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeUnableToFind, "no such task")
		return
	}
	if task.State.InShutdown() {
		httpapi.WriteResult(w, true)
		return
	}

	task.State = types.TaskStateStopping
	if err := s.repos.Tasks.Replace(task); err != nil && err != storage.ErrVersionConflict {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeUnableToUpdate, err.Error())
		return
	}
	if s.hub != nil {
		publishEvent(s.hub, types.EventTaskStopped, task)
	}
	httpapi.WriteResult(w, true)
}
