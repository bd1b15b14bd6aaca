package repository

import (
	"github.com/pkg/errors"

	"github.com/onefuzz/controlplane/pkg/cluster"
	"github.com/onefuzz/controlplane/pkg/types"
)

// WorkSetRepository is the WorkSet repository. A WorkSet is
// write-once from the Scheduler's perspective: it is inserted
// alongside the queue envelope that references it and never mutated
// afterward.
type WorkSetRepository struct {
	cluster *cluster.Cluster
}

// Create inserts a new WorkSet record.
func (r *WorkSetRepository) Create(poolName, setupURL string, tasks []types.WorkSetTask, rebootAfterSetup bool) (*types.WorkSet, error) {
	id := newID()
	ws := &types.WorkSet{
		Meta:             types.Meta{Partition: id, Row: id},
		WorkSetID:        id,
		PoolName:         poolName,
		SetupURL:         setupURL,
		Tasks:            tasks,
		RebootAfterSetup: rebootAfterSetup,
		CreatedAt:        now(),
	}
	if err := cluster.Apply[types.WorkSet](r.cluster, cluster.KindWorkSet, cluster.OpInsert, ws); err != nil {
		return nil, errors.Wrap(err, "insert workset")
	}
	return ws, nil
}

// Get fetches a WorkSet by id.
func (r *WorkSetRepository) Get(workSetID string) (*types.WorkSet, error) {
	return r.cluster.Store.WorkSets.Get(workSetID, workSetID)
}
