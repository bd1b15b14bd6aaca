package repository

import (
	"github.com/pkg/errors"

	"github.com/onefuzz/controlplane/pkg/cluster"
	"github.com/onefuzz/controlplane/pkg/types"
)

// PoolRepository is the Pool entity repository.
type PoolRepository struct {
	cluster *cluster.Cluster
}

// Create inserts a new Pool in Init state, enforcing name uniqueness.
func (r *PoolRepository) Create(name string, os types.OS, arch string, managed bool, objectID string) (*types.Pool, error) {
	if _, err := r.GetByName(name); err == nil {
		return nil, ErrPoolNameTaken
	}

	id := newID()
	pool := &types.Pool{
		Meta:         types.Meta{Partition: id, Row: id},
		PoolID:       id,
		Name:         name,
		OS:           os,
		Architecture: arch,
		Managed:      managed,
		ObjectID:     objectID,
		QueueName:    "pool-" + id,
		State:        types.PoolStateInit,
		CreatedAt:    now(),
	}
	if err := cluster.Apply[types.Pool](r.cluster, cluster.KindPool, cluster.OpInsert, pool); err != nil {
		return nil, errors.Wrap(err, "insert pool")
	}
	return pool, nil
}

// Get fetches a Pool by id.
func (r *PoolRepository) Get(poolID string) (*types.Pool, error) {
	return r.cluster.Store.Pools.Get(poolID, poolID)
}

// GetByName resolves a Pool by its unique human name, the form most
// callers (agent registration, the scheduler's pool selector) actually
// carry.
func (r *PoolRepository) GetByName(name string) (*types.Pool, error) {
	pools, err := r.cluster.Store.Pools.Query(func(p *types.Pool) bool {
		return p.Name == name
	})
	if err != nil {
		return nil, err
	}
	if len(pools) == 0 {
		return nil, ErrPoolNotFound
	}
	return pools[0], nil
}

// List returns every Pool matching pred (nil returns all).
func (r *PoolRepository) List(pred func(*types.Pool) bool) ([]*types.Pool, error) {
	return r.cluster.Store.Pools.Query(pred)
}

// Replace persists a caller-mutated Pool, conditional on its ETag.
func (r *PoolRepository) Replace(pool *types.Pool) error {
	return cluster.Apply[types.Pool](r.cluster, cluster.KindPool, cluster.OpReplace, pool)
}

// Delete removes a Pool record, used once its processor reaches Halt.
func (r *PoolRepository) Delete(pool *types.Pool) error {
	return cluster.Apply[types.Pool](r.cluster, cluster.KindPool, cluster.OpDelete, pool)
}
