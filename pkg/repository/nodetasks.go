package repository

import (
	"github.com/pkg/errors"

	"github.com/onefuzz/controlplane/pkg/cluster"
	"github.com/onefuzz/controlplane/pkg/types"
)

// NodeTasksRepository tracks which Tasks are actively executing on
// which Nodes. Partition is machine id, Row is task
// id.
type NodeTasksRepository struct {
	cluster *cluster.Cluster
}

// Create upserts a NodeTasks row, used when a Node begins SettingUp
// for a Task.
// Re-delivery of the same SettingUp event is idempotent: an existing
// row for (machineID, taskID) is replaced in place rather than
// rejected with AlreadyExists.
func (r *NodeTasksRepository) Create(machineID, taskID, jobID string, state types.TaskState) (*types.NodeTasks, error) {
	if existing, err := r.Get(machineID, taskID); err == nil {
		existing.State = state
		if err := r.Replace(existing); err != nil {
			return nil, errors.Wrap(err, "replace node tasks row")
		}
		return existing, nil
	}

	row := &types.NodeTasks{
		Meta:      types.Meta{Partition: machineID, Row: taskID},
		MachineID: machineID,
		TaskID:    taskID,
		JobID:     jobID,
		State:     state,
		CreatedAt: now(),
	}
	if err := cluster.Apply[types.NodeTasks](r.cluster, cluster.KindNodeTasks, cluster.OpInsert, row); err != nil {
		return nil, errors.Wrap(err, "insert node tasks row")
	}
	return row, nil
}

// Get fetches a NodeTasks row by its keyed (machine id, task id) pair.
func (r *NodeTasksRepository) Get(machineID, taskID string) (*types.NodeTasks, error) {
	return r.cluster.Store.NodeTasks.Get(machineID, taskID)
}

// ListByTask returns every NodeTasks row referencing taskID, used by
// the Task processor's Stopping branch to wait until all rows for a
// task are gone.
func (r *NodeTasksRepository) ListByTask(taskID string) ([]*types.NodeTasks, error) {
	return r.cluster.Store.NodeTasks.Query(func(nt *types.NodeTasks) bool {
		return nt.TaskID == taskID
	})
}

// ListByMachine returns every NodeTasks row for machineID, used by
// CleanupBusyNodesWithoutWork.
func (r *NodeTasksRepository) ListByMachine(machineID string) ([]*types.NodeTasks, error) {
	return r.cluster.Store.NodeTasks.Query(func(nt *types.NodeTasks) bool {
		return nt.MachineID == machineID
	})
}

// ResolveJobID finds the job_id for a bare task_id by scanning
// NodeTasks rows, the one lookup that cannot be keyed by job id: agent
// traffic that omits job_id resolves it here rather than falling back
// to a full Task partition scan.
func (r *NodeTasksRepository) ResolveJobID(taskID string) (string, error) {
	rows, err := r.cluster.Store.NodeTasks.Query(func(nt *types.NodeTasks) bool {
		return nt.TaskID == taskID
	})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", errors.New("repository: no node tasks row references this task id")
	}
	return rows[0].JobID, nil
}

// Replace persists a caller-mutated NodeTasks row, conditional on its
// ETag.
func (r *NodeTasksRepository) Replace(row *types.NodeTasks) error {
	return cluster.Apply[types.NodeTasks](r.cluster, cluster.KindNodeTasks, cluster.OpReplace, row)
}

// Delete removes a NodeTasks row, called when the task completes on
// that node unless debug-keep is set.
func (r *NodeTasksRepository) Delete(row *types.NodeTasks) error {
	return cluster.Apply[types.NodeTasks](r.cluster, cluster.KindNodeTasks, cluster.OpDelete, row)
}
