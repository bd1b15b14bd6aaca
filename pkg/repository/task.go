package repository

import (
	"github.com/pkg/errors"

	"github.com/onefuzz/controlplane/pkg/cluster"
	"github.com/onefuzz/controlplane/pkg/types"
)

// TaskRepository is the Task entity repository. Partition
// is job_id, Row is task_id; every lookup is keyed by both.
type TaskRepository struct {
	cluster *cluster.Cluster
	jobs    *JobRepository
}

// Create inserts a new Task under job, validating that every listed
// prerequisite task exists in the same job and that the Job is still
// accepting Tasks. On success, if this is the Job's first Task, the
// Job transitions Init→Enabled.
func (r *TaskRepository) Create(job *types.Job, taskID string, config types.TaskConfig, os types.OS, userInfo types.UserInfo) (*types.Task, error) {
	if job.State == types.JobStateStopping || job.State == types.JobStateStopped {
		return nil, ErrJobNotAcceptingTasks
	}
	for _, prereq := range config.PrereqTasks {
		if _, err := r.Get(job.JobID, prereq); err != nil {
			return nil, errors.Wrapf(ErrPrereqTaskMissing, "task %s", prereq)
		}
	}

	task := &types.Task{
		Meta:      types.Meta{Partition: job.JobID, Row: taskID},
		JobID:     job.JobID,
		TaskID:    taskID,
		State:     types.TaskStateInit,
		Config:    config,
		OS:        os,
		UserInfo:  userInfo,
		CreatedAt: now(),
	}
	if err := cluster.Apply[types.Task](r.cluster, cluster.KindTask, cluster.OpInsert, task); err != nil {
		return nil, errors.Wrap(err, "insert task")
	}

	if err := r.jobs.ensureEnabled(job); err != nil {
		return nil, errors.Wrap(err, "enable job")
	}
	return task, nil
}

// Get fetches a Task by its keyed (job_id, task_id) pair.
func (r *TaskRepository) Get(jobID, taskID string) (*types.Task, error) {
	return r.cluster.Store.Tasks.Get(jobID, taskID)
}

// List returns every Task matching pred (nil returns all).
func (r *TaskRepository) List(pred func(*types.Task) bool) ([]*types.Task, error) {
	return r.cluster.Store.Tasks.Query(pred)
}

// ListByJob returns every Task belonging to jobID.
func (r *TaskRepository) ListByJob(jobID string) ([]*types.Task, error) {
	return r.cluster.Store.Tasks.Query(func(t *types.Task) bool {
		return t.JobID == jobID
	})
}

// SearchNeedsWork returns every Task not yet in a terminal state.
func (r *TaskRepository) SearchNeedsWork() ([]*types.Task, error) {
	return r.cluster.Store.Tasks.Query(func(t *types.Task) bool {
		return !t.State.Terminal()
	})
}

// Waiting returns every Task currently in Waiting state, the
// Scheduler's candidate pool.
func (r *TaskRepository) Waiting() ([]*types.Task, error) {
	return r.cluster.Store.Tasks.Query(func(t *types.Task) bool {
		return t.State == types.TaskStateWaiting
	})
}

// Replace persists a caller-mutated Task, conditional on its ETag.
func (r *TaskRepository) Replace(task *types.Task) error {
	return cluster.Apply[types.Task](r.cluster, cluster.KindTask, cluster.OpReplace, task)
}
