package repository

import (
	"github.com/pkg/errors"

	"github.com/onefuzz/controlplane/pkg/cluster"
	"github.com/onefuzz/controlplane/pkg/types"
)

// TaskEventRepository records worker-event audit rows. Partition is
// task id, Row is a generated id.
type TaskEventRepository struct {
	cluster *cluster.Cluster
}

// Record inserts a TaskEvent audit row.
func (r *TaskEventRepository) Record(jobID, taskID, machineID, kind string) (*types.TaskEvent, error) {
	id := newID()
	event := &types.TaskEvent{
		Meta:      types.Meta{Partition: taskID, Row: id},
		JobID:     jobID,
		TaskID:    taskID,
		MachineID: machineID,
		Kind:      kind,
		Timestamp: now(),
	}
	if err := cluster.Apply[types.TaskEvent](r.cluster, cluster.KindTaskEvent, cluster.OpInsert, event); err != nil {
		return nil, errors.Wrap(err, "insert task event")
	}
	return event, nil
}

// ListByTask returns every TaskEvent recorded for taskID.
func (r *TaskEventRepository) ListByTask(taskID string) ([]*types.TaskEvent, error) {
	return r.cluster.Store.TaskEvents.Query(func(e *types.TaskEvent) bool {
		return e.TaskID == taskID
	})
}
