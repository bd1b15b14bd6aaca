package agentapi

import (
	"net/http"
	"time"

	"github.com/onefuzz/controlplane/pkg/httpapi"
	"github.com/onefuzz/controlplane/pkg/metrics"
	"github.com/onefuzz/controlplane/pkg/repository"
	"github.com/onefuzz/controlplane/pkg/storage"
	"github.com/onefuzz/controlplane/pkg/types"
)

// registrationResponse is the body of a successful registration. Token
// is the agent credential every other route on this surface requires;
// WorkQueue is the credentialed handle for the Pool's queue.
type registrationResponse struct {
	EventsURL   string `json:"events_url"`
	CommandsURL string `json:"commands_url"`
	WorkQueue   string `json:"work_queue"`
	Token       string `json:"token,omitempty"`
}

// handleGetRegistration re-issues the registration response for an
// already-registered machine without inserting a new Node, used by an
// agent that lost its credential but is still a known Node.
func (s *Server) handleGetRegistration(w http.ResponseWriter, r *http.Request) {
	machineID := r.URL.Query().Get("machine_id")
	if machineID == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "machine_id is required")
		return
	}

	node, err := s.repos.Nodes.FindByMachineID(machineID)
	if err != nil {
		httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeUnableToFind, "node not found")
		return
	}
	pool, err := s.repos.Pools.Get(node.PoolID)
	if err != nil {
		httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeUnableToFind, "pool not found")
		return
	}

	resp, err := s.registrationResponse(machineID, pool)
	if err != nil {
		s.logger.Error().Err(err).Str("machine_id", machineID).Msg("failed to build registration response")
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeUnableToCreate, "failed to issue credential")
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, resp)
}

// handlePostRegistration registers an agent: delete any
// existing Node for this machine id (re-registration), insert a fresh
// one tied to the resolved Pool, and hand back a 24h work_queue
// credential.
func (s *Server) handlePostRegistration(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	machineID := q.Get("machine_id")
	poolName := q.Get("pool_name")
	if machineID == "" || poolName == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "machine_id and pool_name are required")
		return
	}
	agentOS := types.OS(q.Get("os"))
	scalesetID := q.Get("scaleset_id")
	version := q.Get("version")

	node, err := s.repos.Nodes.Register(machineID, poolName, scalesetID, "", version, agentOS)
	if err != nil {
		switch err {
		case repository.ErrPoolNotFound:
			httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeUnableToFind, "pool not found")
		case repository.ErrOSMismatch:
			httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "os does not match pool")
		default:
			s.logger.Error().Err(err).Str("machine_id", machineID).Msg("failed to register node")
			httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeUnableToCreate, "failed to register node")
		}
		return
	}

	pool, err := s.repos.Pools.Get(node.PoolID)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeUnableToFind, "pool not found")
		return
	}

	resp, err := s.registrationResponse(machineID, pool)
	if err != nil {
		s.logger.Error().Err(err).Str("machine_id", machineID).Msg("failed to issue registration credential")
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeUnableToCreate, "failed to issue credential")
		return
	}
	metrics.AgentRegistrationsTotal.Inc()
	httpapi.WriteJSON(w, http.StatusOK, resp)
}

// registrationResponse builds the events_url/commands_url/work_queue
// triple for machineID against pool's queue, plus the agent bearer
// token when an issuer is configured.
func (s *Server) registrationResponse(machineID string, pool *types.Pool) (registrationResponse, error) {
	var workQueue, token string
	if s.issuer != nil {
		cred, err := s.queue.GrantConsumerCredential(s.issuer, pool.QueueName, RegistrationTokenTTL)
		if err != nil {
			return registrationResponse{}, err
		}
		workQueue = cred

		token, err = s.issuer.IssueAgentToken(machineID, RegistrationTokenTTL)
		if err != nil {
			return registrationResponse{}, err
		}
	}
	return registrationResponse{
		EventsURL:   "/agents/events",
		CommandsURL: "/agents/commands?machine_id=" + machineID,
		WorkQueue:   workQueue,
		Token:       token,
	}, nil
}

// canScheduleRequest is the body of POST /agents/can_schedule.
type canScheduleRequest struct {
	MachineID string `json:"machine_id"`
	TaskID    string `json:"task_id"`
	JobID     string `json:"job_id,omitempty"`
}

// canScheduleResponse is CanSchedule's response shape.
type canScheduleResponse struct {
	Allowed     bool   `json:"allowed"`
	WorkStopped bool   `json:"work_stopped"`
	Reason      string `json:"reason,omitempty"`
}

// handleCanSchedule gates work pickup: resolves the Node
// and Task, reports whether the Node is in a work-accepting state and
// the cloud scale-set grants scale-in protection, and marks the
// instance protected when allowed.
func (s *Server) handleCanSchedule(w http.ResponseWriter, r *http.Request) {
	var req canScheduleRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil || req.MachineID == "" || req.TaskID == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "machine_id and task_id are required")
		return
	}
	if !s.allow(req.MachineID) {
		metrics.AgentRateLimited.WithLabelValues("can_schedule").Inc()
		httpapi.WriteError(w, http.StatusTooManyRequests, httpapi.CodeInvalidRequest, "rate limited")
		return
	}

	node, err := s.repos.Nodes.FindByMachineID(req.MachineID)
	if err != nil {
		httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeUnableToFind, "node not found")
		return
	}

	jobID := req.JobID
	if jobID == "" {
		jobID, err = s.repos.NodeTasks.ResolveJobID(req.TaskID)
		if err != nil {
			httpapi.WriteJSON(w, http.StatusOK, canScheduleResponse{Allowed: false, WorkStopped: true, Reason: "job_id could not be resolved for task"})
			return
		}
	}

	task, err := s.repos.Tasks.Get(jobID, req.TaskID)
	if err != nil {
		httpapi.WriteJSON(w, http.StatusOK, canScheduleResponse{Allowed: false, WorkStopped: true, Reason: "task no longer exists"})
		return
	}
	if task.State.InShutdown() {
		httpapi.WriteJSON(w, http.StatusOK, canScheduleResponse{Allowed: false, WorkStopped: true, Reason: "task is shutting down"})
		return
	}

	if !nodeAcceptsWork(node.State) {
		httpapi.WriteJSON(w, http.StatusOK, canScheduleResponse{Allowed: false, Reason: "node is not in a schedulable state"})
		return
	}

	allowed := true
	if node.ScalesetID != "" && node.InstanceID != "" {
		scaleset, err := s.repos.Scalesets.Get(node.ScalesetID)
		if err == nil {
			ctx, cancel := contextWithTimeout(s.cloudCallTimeout)
			defer cancel()
			if err := s.provider.AcquireScaleInProtection(ctx, scaleset.CloudID, node.InstanceID); err != nil {
				s.logger.Warn().Err(err).Str("machine_id", req.MachineID).Msg("failed to acquire scale-in protection")
				allowed = false
			}
		}
	}

	if allowed {
		node.ScaleInProtected = true
		if err := s.repos.Nodes.Replace(node); err != nil && err != storage.ErrVersionConflict {
			s.logger.Error().Err(err).Str("machine_id", req.MachineID).Msg("failed to persist scale-in protection flag")
		}
	}

	httpapi.WriteJSON(w, http.StatusOK, canScheduleResponse{Allowed: allowed})
}

// nodeAcceptsWork reports whether a Node in the given state may be
// assigned new work.
func nodeAcceptsWork(state types.NodeState) bool {
	switch state {
	case types.NodeStateFree, types.NodeStateReady, types.NodeStateSettingUp, types.NodeStateBusy:
		return true
	default:
		return false
	}
}

// handleEvents ingests agent events: dispatches the envelope's
// NodeStateUpdate and/or WorkerEvent onto the Node/Task/NodeTasks
// state, conditioned on current state so redelivery is idempotent.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var env types.AgentEventEnvelope
	if err := httpapi.DecodeJSON(r, &env); err != nil || env.MachineID == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "machine_id and event are required")
		return
	}
	if !s.allow(env.MachineID) {
		metrics.AgentRateLimited.WithLabelValues("events").Inc()
		httpapi.WriteError(w, http.StatusTooManyRequests, httpapi.CodeInvalidRequest, "rate limited")
		return
	}

	node, err := s.repos.Nodes.FindByMachineID(env.MachineID)
	if err != nil {
		httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeUnableToFind, "node not found")
		return
	}

	if env.Event.NodeStateUpdate != nil {
		s.applyNodeStateUpdate(node, env.Event.NodeStateUpdate)
	}
	if env.Event.WorkerEvent != nil {
		s.applyWorkerEvent(node, env.Event.WorkerEvent)
	}

	httpapi.WriteResult(w, true)
}

// applyNodeStateUpdate dispatches a single NodeStateUpdate by the
// agent-reported state.
func (s *Server) applyNodeStateUpdate(node *types.Node, update *types.NodeStateUpdate) {
	metrics.AgentEventsTotal.WithLabelValues(string(update.State)).Inc()

	switch update.State {
	case types.NodeStateFree:
		if node.ReimageRequested || node.DeleteRequested {
			node.State = types.NodeStateShutdown
		} else if s.couldShrink(node) {
			node.State = types.NodeStateHalt
		} else {
			node.State = types.NodeStateFree
		}
		if err := s.repos.Nodes.Replace(node); err != nil && err != storage.ErrVersionConflict {
			s.logger.Error().Err(err).Str("machine_id", node.MachineID).Msg("failed to apply free state update")
		}

	case types.NodeStateInit:
		node.State = types.NodeStateInit
		node.ReimageRequested = false
		node.InitializedAt = time.Now()
		if err := s.repos.Nodes.Replace(node); err != nil && err != storage.ErrVersionConflict {
			s.logger.Error().Err(err).Str("machine_id", node.MachineID).Msg("failed to apply init state update")
		}

	case types.NodeStateSettingUp:
		node.State = types.NodeStateSettingUp
		if err := s.repos.Nodes.Replace(node); err != nil && err != storage.ErrVersionConflict {
			s.logger.Error().Err(err).Str("machine_id", node.MachineID).Msg("failed to apply setting_up state update")
		}
		if update.Data != nil {
			for _, taskID := range update.Data.Tasks {
				s.markTaskSettingUp(node, taskID)
			}
		}

	case types.NodeStateDone:
		var agentErr *types.Error
		if update.Data != nil {
			agentErr = update.Data.Error
		}
		s.markRunningTasksStoppedEarly(node, agentErr)
		node.State = types.NodeStateDone
		node.ReimageRequested = true
		if err := s.repos.Nodes.Replace(node); err != nil && err != storage.ErrVersionConflict {
			s.logger.Error().Err(err).Str("machine_id", node.MachineID).Msg("failed to apply done state update")
		}

	default:
		node.State = update.State
		if err := s.repos.Nodes.Replace(node); err != nil && err != storage.ErrVersionConflict {
			s.logger.Error().Err(err).Str("machine_id", node.MachineID).Str("state", string(update.State)).Msg("failed to apply node state update")
		}
	}
}

// couldShrink asks the cloud provider whether node's scale-set has
// more instances than its current target.
func (s *Server) couldShrink(node *types.Node) bool {
	if node.ScalesetID == "" {
		return false
	}
	scaleset, err := s.repos.Scalesets.Get(node.ScalesetID)
	if err != nil {
		return false
	}
	ctx, cancel := contextWithTimeout(s.cloudCallTimeout)
	defer cancel()
	shrink, err := s.provider.CouldShrink(ctx, scaleset.CloudID)
	if err != nil {
		return false
	}
	return shrink
}

// markTaskSettingUp sets a task to SettingUp (unless it already
// advanced past that) and upserts its NodeTasks row.
func (s *Server) markTaskSettingUp(node *types.Node, taskID string) {
	jobID, err := s.repos.NodeTasks.ResolveJobID(taskID)
	if err != nil {
		s.logger.Warn().Str("task_id", taskID).Msg("could not resolve job_id for setting_up task")
		return
	}
	task, err := s.repos.Tasks.Get(jobID, taskID)
	if err != nil {
		s.logger.Warn().Err(err).Str("task_id", taskID).Msg("setting_up event for unknown task")
		return
	}
	if task.State != types.TaskStateSettingUp && task.State != types.TaskStateRunning && !task.State.InShutdown() {
		task.State = types.TaskStateSettingUp
		if err := s.repos.Tasks.Replace(task); err != nil && err != storage.ErrVersionConflict {
			s.logger.Error().Err(err).Str("task_id", taskID).Msg("failed to transition task to setting_up")
		}
	}
	if _, err := s.repos.NodeTasks.Create(node.MachineID, taskID, jobID, types.TaskStateSettingUp); err != nil {
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("failed to upsert node tasks row")
	}
}

// markRunningTasksStoppedEarly marks every task this node was running
// stopped with agentErr attached, used on a Done state update.
func (s *Server) markRunningTasksStoppedEarly(node *types.Node, agentErr *types.Error) {
	rows, err := s.repos.NodeTasks.ListByMachine(node.MachineID)
	if err != nil {
		s.logger.Error().Err(err).Str("machine_id", node.MachineID).Msg("failed to list node tasks for done node")
		return
	}
	for _, row := range rows {
		task, err := s.repos.Tasks.Get(row.JobID, row.TaskID)
		if err != nil {
			continue
		}
		if task.State == types.TaskStateRunning {
			task.State = types.TaskStateStopping
			if agentErr != nil {
				task.Error = agentErr
			}
			if err := s.repos.Tasks.Replace(task); err != nil && err != storage.ErrVersionConflict {
				s.logger.Error().Err(err).Str("task_id", row.TaskID).Msg("failed to stop task on node done")
			}
		}
		if !node.DebugKeep {
			if err := s.repos.NodeTasks.Delete(row); err != nil {
				s.logger.Error().Err(err).Str("task_id", row.TaskID).Msg("failed to delete node tasks row on done")
			}
		}
	}
}

// applyWorkerEvent dispatches a single WorkerEvent (running/done) per
// reported state.
func (s *Server) applyWorkerEvent(node *types.Node, evt *types.WorkerEvent) {
	metrics.AgentEventsTotal.WithLabelValues("worker_" + evt.Kind).Inc()

	jobID := evt.JobID
	var err error
	if jobID == "" {
		jobID, err = s.repos.NodeTasks.ResolveJobID(evt.TaskID)
		if err != nil {
			s.logger.Warn().Str("task_id", evt.TaskID).Msg("could not resolve job_id for worker event")
			return
		}
	}
	task, err := s.repos.Tasks.Get(jobID, evt.TaskID)
	if err != nil {
		s.logger.Warn().Err(err).Str("task_id", evt.TaskID).Msg("worker event for unknown task")
		return
	}

	switch evt.Kind {
	case "running":
		node.State = types.NodeStateBusy
		if err := s.repos.Nodes.Replace(node); err != nil && err != storage.ErrVersionConflict {
			s.logger.Error().Err(err).Str("machine_id", node.MachineID).Msg("failed to mark node busy")
		}
		task.State = types.TaskStateRunning
		task.Heartbeat = time.Now()
		if err := s.repos.Tasks.Replace(task); err != nil && err != storage.ErrVersionConflict {
			s.logger.Error().Err(err).Str("task_id", evt.TaskID).Msg("failed to mark task running")
		}
		s.recordTaskEvent(jobID, evt.TaskID, node.MachineID, "running")

	case "done":
		if evt.Success {
			task.State = types.TaskStateStopping
		} else {
			task.State = types.TaskStateStopping
			task.Error = &types.Error{
				Code:      "TASK_FAILED",
				Errors:    []string{"task exited with non-zero status"},
				Stdout:    types.TrimOutput(evt.Stdout),
				Stderr:    types.TrimOutput(evt.Stderr),
				Timestamp: time.Now(),
			}
		}
		if err := s.repos.Tasks.Replace(task); err != nil && err != storage.ErrVersionConflict {
			s.logger.Error().Err(err).Str("task_id", evt.TaskID).Msg("failed to stop completed task")
		}

		if row, err := s.repos.NodeTasks.Get(node.MachineID, evt.TaskID); err == nil {
			if node.DebugKeep {
				// Debug-keep pins the node: the NodeTasks
				// row and the node itself are left in place for
				// operator inspection.
			} else if err := s.repos.NodeTasks.Delete(row); err != nil {
				s.logger.Error().Err(err).Str("task_id", evt.TaskID).Msg("failed to delete node tasks row on done")
			}
		}
		s.recordTaskEvent(jobID, evt.TaskID, node.MachineID, "done")

	default:
		s.logger.Warn().Str("kind", evt.Kind).Msg("unknown worker event kind")
	}
}

func (s *Server) recordTaskEvent(jobID, taskID, machineID, kind string) {
	if _, err := s.repos.TaskEvents.Record(jobID, taskID, machineID, kind); err != nil {
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("failed to record task event")
	}
}

// handleGetCommands returns the oldest
// pending NodeMessage for machine_id, or an empty object if none.
func (s *Server) handleGetCommands(w http.ResponseWriter, r *http.Request) {
	machineID := r.URL.Query().Get("machine_id")
	if machineID == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "machine_id is required")
		return
	}

	msg, err := s.repos.NodeMessages.Oldest(machineID)
	if err != nil {
		httpapi.WriteJSON(w, http.StatusOK, struct{}{})
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, msg)
}

// handleDeleteCommands consumes a
// specific message id, making it no longer pending.
func (s *Server) handleDeleteCommands(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	machineID := q.Get("machine_id")
	messageID := q.Get("message_id")
	if machineID == "" || messageID == "" {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeInvalidRequest, "machine_id and message_id are required")
		return
	}

	msg, err := s.repos.NodeMessages.Get(machineID, messageID)
	if err != nil {
		httpapi.WriteError(w, http.StatusNotFound, httpapi.CodeUnableToFind, "message not found")
		return
	}
	if err := s.repos.NodeMessages.Delete(msg); err != nil {
		s.logger.Error().Err(err).Str("message_id", messageID).Msg("failed to delete node message")
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeUnableToUpdate, "failed to delete message")
		return
	}
	httpapi.WriteResult(w, true)
}
