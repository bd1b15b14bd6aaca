package repository

import (
	"github.com/pkg/errors"

	"github.com/onefuzz/controlplane/pkg/cluster"
	"github.com/onefuzz/controlplane/pkg/storage"
	"github.com/onefuzz/controlplane/pkg/types"
)

// JobRepository is the Job entity repository.
type JobRepository struct {
	cluster *cluster.Cluster
}

// Create inserts a new Job in Init state. Partition and Row are both
// the generated job id.
func (r *JobRepository) Create(project, name, build string, durationHours int, logsContainer string, userInfo types.UserInfo) (*types.Job, error) {
	id := newID()
	job := &types.Job{
		Meta:          types.Meta{Partition: id, Row: id},
		JobID:         id,
		State:         types.JobStateInit,
		Project:       project,
		Name:          name,
		Build:         build,
		DurationHours: durationHours,
		LogsContainer: logsContainer,
		UserInfo:      userInfo,
		CreatedAt:     now(),
	}
	if err := cluster.Apply[types.Job](r.cluster, cluster.KindJob, cluster.OpInsert, job); err != nil {
		return nil, errors.Wrap(err, "insert job")
	}
	return job, nil
}

// Get fetches a Job by id.
func (r *JobRepository) Get(jobID string) (*types.Job, error) {
	return r.cluster.Store.Jobs.Get(jobID, jobID)
}

// List returns every Job matching pred (nil returns all).
func (r *JobRepository) List(pred func(*types.Job) bool) ([]*types.Job, error) {
	return r.cluster.Store.Jobs.Query(pred)
}

// Replace persists a caller-mutated Job, conditional on its ETag.
func (r *JobRepository) Replace(job *types.Job) error {
	return cluster.Apply[types.Job](r.cluster, cluster.KindJob, cluster.OpReplace, job)
}

// Delete removes a Job record. Jobs are retained through Stopped for
// audit/history; admin deletion goes through the same Stopping
// transition, not this method. Delete exists for completeness and
// test cleanup only.
func (r *JobRepository) Delete(job *types.Job) error {
	return cluster.Apply[types.Job](r.cluster, cluster.KindJob, cluster.OpDelete, job)
}

// SearchNeedsWork returns every Job not yet in a terminal state.
func (r *JobRepository) SearchNeedsWork() ([]*types.Job, error) {
	return r.cluster.Store.Jobs.Query(func(j *types.Job) bool {
		return !j.State.Terminal()
	})
}

// ensureEnabled transitions a Job from Init to Enabled the first time
// a Task is attached to it. A VersionConflict here is benign — it means a concurrent
// caller already made the same transition — and is swallowed rather
// than surfaced, since the desired end state was reached either way.
func (r *JobRepository) ensureEnabled(job *types.Job) error {
	if job.State != types.JobStateInit {
		return nil
	}
	job.State = types.JobStateEnabled
	err := r.Replace(job)
	if err == nil || errors.Is(err, storage.ErrVersionConflict) {
		return nil
	}
	return err
}
