package processor

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/onefuzz/controlplane/pkg/cloud"
	"github.com/onefuzz/controlplane/pkg/config"
	"github.com/onefuzz/controlplane/pkg/queue"
	"github.com/onefuzz/controlplane/pkg/repository"
	"github.com/onefuzz/controlplane/pkg/types"
)

// TaskProcessor is the Task state machine. Waiting is a
// no-op case in the switch below: a Waiting Task only
// advances when the Scheduler buckets it into a WorkSet, not
// through this per-entity driver.
type TaskProcessor struct {
	repos    *repository.Repositories
	queue    *queue.Queue
	provider cloud.Provider
	timeouts config.Timeouts
	logger   zerolog.Logger
}

// SearchNeedsWork returns every Task not yet in a terminal state.
func (p *TaskProcessor) SearchNeedsWork() ([]*types.Task, error) {
	return p.repos.Tasks.SearchNeedsWork()
}

// ProcessStateUpdate advances task by one step.
func (p *TaskProcessor) ProcessStateUpdate(task *types.Task) (*types.Task, error) {
	switch task.State {
	case types.TaskStateInit:
		return p.processInit(task)
	case types.TaskStateWaitJob:
		return p.processWaitJob(task)
	case types.TaskStateRunning:
		return p.processRunning(task)
	case types.TaskStateStopping:
		return p.processStopping(task)
	case types.TaskStateWaiting, types.TaskStateScheduled, types.TaskStateSettingUp, types.TaskStateStopped:
		return task, nil
	default:
		return task, errors.Errorf("task: unknown state %q", task.State)
	}
}

// processInit materializes blob access for the Task's containers and
// creates the task's own queue, then releases it to the Scheduler.
func (p *TaskProcessor) processInit(task *types.Task) (*types.Task, error) {
	ctx, cancel := contextWithTimeout(p.timeouts.CloudAdapterCall)
	defer cancel()

	for name := range task.Config.Containers {
		if _, err := p.provider.ContainerSAS(ctx, name, cloud.PermissionRead, p.timeouts.RecordStoreCall); err != nil {
			p.logger.Error().Err(err).Str("task_id", task.TaskID).Str("container", name).Msg("failed to materialize container SAS")
			return task, nil
		}
	}

	if p.queue != nil {
		qctx, qcancel := contextWithTimeout(p.timeouts.QueueCall)
		defer qcancel()
		if err := p.queue.CreateQueue(qctx, task.TaskID); err != nil {
			p.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to create task queue")
			return task, nil
		}
	}

	task.State = types.TaskStateWaiting
	if err := p.repos.Tasks.Replace(task); err != nil {
		return task, errors.Wrap(err, "transition task to waiting")
	}
	return task, nil
}

// processWaitJob resolves the edge case where a Task is parked on a
// Job that may not accept it: once the Job is accepting work again the
// Task rejoins Waiting; if the Job has already begun stopping, the
// Task follows it straight to Stopping rather than waiting forever.
func (p *TaskProcessor) processWaitJob(task *types.Task) (*types.Task, error) {
	job, err := p.repos.Jobs.Get(task.JobID)
	if err != nil {
		return task, errors.Wrap(err, "resolve job for wait_job task")
	}

	if job.State == types.JobStateStopping || job.State == types.JobStateStopped {
		task.State = types.TaskStateStopping
	} else {
		task.State = types.TaskStateWaiting
	}
	if err := p.repos.Tasks.Replace(task); err != nil {
		return task, errors.Wrap(err, "resolve wait_job task")
	}
	return task, nil
}

// processRunning enforces the heartbeat-staleness check: a Task with no heartbeat for longer than
// the configured timeout is forced to Stopping with a TIMEOUT error.
func (p *TaskProcessor) processRunning(task *types.Task) (*types.Task, error) {
	timeout := p.timeouts.TaskHeartbeat
	if timeout <= 0 {
		timeout = types.DefaultTaskHeartbeatTimeout
	}
	if !task.HeartbeatStale(time.Now(), timeout) {
		return task, nil
	}

	task.State = types.TaskStateStopping
	task.Error = &types.Error{Code: "TIMEOUT", Errors: []string{"task heartbeat timed out"}, Timestamp: time.Now()}
	if err := p.repos.Tasks.Replace(task); err != nil {
		return task, errors.Wrap(err, "stop stale task")
	}
	p.logger.Warn().Str("task_id", task.TaskID).Msg("task heartbeat stale, stopping")
	return task, nil
}

// processStopping enqueues stop NodeMessages for every Node still
// running this task, then waits for the NodeTasks rows to clear before
// finalizing to Stopped.
func (p *TaskProcessor) processStopping(task *types.Task) (*types.Task, error) {
	rows, err := p.repos.NodeTasks.ListByTask(task.TaskID)
	if err != nil {
		return task, errors.Wrap(err, "list node tasks for stopping task")
	}

	if len(rows) == 0 {
		task.State = types.TaskStateStopped
		task.EndTime = time.Now()
		if err := p.repos.Tasks.Replace(task); err != nil {
			return task, errors.Wrap(err, "finalize task to stopped")
		}

		if p.queue != nil {
			ctx, cancel := contextWithTimeout(p.timeouts.QueueCall)
			defer cancel()
			if err := p.queue.DeleteQueue(ctx, task.TaskID); err != nil {
				// Left for the retention driver to reap.
				p.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to delete task queue")
			}
		}

		p.logger.Info().Str("task_id", task.TaskID).Msg("task stopped")
		return task, nil
	}

	for _, row := range rows {
		if _, err := p.repos.NodeMessages.Enqueue(row.MachineID, types.NodeMessageStop, task.TaskID); err != nil {
			p.logger.Error().Err(err).Str("machine_id", row.MachineID).Str("task_id", task.TaskID).Msg("failed to enqueue stop message")
		}
	}
	return task, nil
}
