package processor

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/onefuzz/controlplane/pkg/repository"
	"github.com/onefuzz/controlplane/pkg/types"
)

// JobProcessor is the Job state machine.
type JobProcessor struct {
	repos  *repository.Repositories
	logger zerolog.Logger
}

// SearchNeedsWork returns every Job not yet in a terminal state.
func (p *JobProcessor) SearchNeedsWork() ([]*types.Job, error) {
	return p.repos.Jobs.SearchNeedsWork()
}

// ProcessStateUpdate advances job by one step. Idempotent: calling it
// again on an unchanged job is a no-op beyond re-checking the same
// predicate.
func (p *JobProcessor) ProcessStateUpdate(job *types.Job) (*types.Job, error) {
	tasks, err := p.repos.Tasks.ListByJob(job.JobID)
	if err != nil {
		return job, errors.Wrap(err, "list tasks for job")
	}

	switch job.State {
	case types.JobStateInit:
		return p.processInit(job, tasks)
	case types.JobStateEnabled:
		return p.processEnabled(job, tasks)
	case types.JobStateStopping:
		return p.processStopping(job, tasks)
	case types.JobStateStopped:
		return job, nil
	default:
		return job, errors.Errorf("job: unknown state %q", job.State)
	}
}

// processInit applies the "never started" rule: a Job stuck in Init for JobNeverStartedGrace with
// no Tasks attached is forced to Stopping.
func (p *JobProcessor) processInit(job *types.Job, tasks []*types.Task) (*types.Job, error) {
	if job.NeverStarted(time.Now(), len(tasks) > 0) {
		job.State = types.JobStateStopping
		if err := p.repos.Jobs.Replace(job); err != nil {
			return job, errors.Wrap(err, "force stopping never-started job")
		}
		p.logger.Info().Str("job_id", job.JobID).Msg("job never started, forcing stopping")
	}
	return job, nil
}

// processEnabled checks whether the Job should begin stopping: every
// Task terminal, or the Job's configured duration has elapsed.
func (p *JobProcessor) processEnabled(job *types.Job, tasks []*types.Task) (*types.Job, error) {
	allTerminal := len(tasks) > 0
	for _, t := range tasks {
		if !t.State.Terminal() {
			allTerminal = false
			break
		}
	}

	if allTerminal || job.Expired(time.Now()) {
		job.State = types.JobStateStopping
		if err := p.repos.Jobs.Replace(job); err != nil {
			return job, errors.Wrap(err, "transition job to stopping")
		}
		p.logger.Info().Str("job_id", job.JobID).Bool("expired", job.Expired(time.Now())).Msg("job entering stopping")

		for _, t := range tasks {
			if t.State.Terminal() {
				continue
			}
			if err := p.stopTask(t); err != nil {
				p.logger.Error().Err(err).Str("task_id", t.TaskID).Msg("failed to stop task for expiring job")
			}
		}
	}
	return job, nil
}

// stopTask transitions an in-flight Task toward Stopping so the Task
// processor's Stopping branch enqueues the stop NodeMessages.
func (p *JobProcessor) stopTask(task *types.Task) error {
	if task.State.InShutdown() {
		return nil
	}
	task.State = types.TaskStateStopping
	return p.repos.Tasks.Replace(task)
}

// processStopping waits for every Task to reach the shutdown subset,
// then finalizes the Job to Stopped.
func (p *JobProcessor) processStopping(job *types.Job, tasks []*types.Task) (*types.Job, error) {
	for _, t := range tasks {
		if !t.State.InShutdown() {
			if err := p.stopTask(t); err != nil {
				p.logger.Error().Err(err).Str("task_id", t.TaskID).Msg("failed to propagate job stop to task")
			}
			return job, nil
		}
	}

	allStopped := true
	for _, t := range tasks {
		if t.State != types.TaskStateStopped {
			allStopped = false
			break
		}
	}
	if !allStopped {
		return job, nil
	}

	job.State = types.JobStateStopped
	job.EndTime = time.Now()
	if err := p.repos.Jobs.Replace(job); err != nil {
		return job, errors.Wrap(err, "finalize job to stopped")
	}
	p.logger.Info().Str("job_id", job.JobID).Msg("job stopped")
	return job, nil
}
