package repository

import (
	"github.com/pkg/errors"

	"github.com/onefuzz/controlplane/pkg/cluster"
	"github.com/onefuzz/controlplane/pkg/types"
)

// ScalesetRepository is the Scaleset entity repository.
type ScalesetRepository struct {
	cluster *cluster.Cluster
	pools   *PoolRepository
}

// ScalesetSpec is the admin-supplied shape of a new Scaleset.
type ScalesetSpec struct {
	PoolName        string
	Region          string
	VMSku           string
	Image           string
	RequestedSize   int
	Tags            map[string]string
	EphemeralOSDisk bool
	SpotInstance    bool
	AuthSecretID    string
}

// Create inserts a new Scaleset in Init state, enforcing that its
// parent Pool exists and is Managed.
func (r *ScalesetRepository) Create(spec ScalesetSpec) (*types.Scaleset, error) {
	pool, err := r.pools.GetByName(spec.PoolName)
	if err != nil {
		return nil, err
	}
	if !pool.Managed {
		return nil, ErrPoolNotManaged
	}

	id := newID()
	scaleset := &types.Scaleset{
		Meta:            types.Meta{Partition: id, Row: id},
		ScalesetID:      id,
		PoolName:        spec.PoolName,
		State:           types.ScalesetStateInit,
		Region:          spec.Region,
		VMSku:           spec.VMSku,
		Image:           spec.Image,
		RequestedSize:   spec.RequestedSize,
		Tags:            spec.Tags,
		EphemeralOSDisk: spec.EphemeralOSDisk,
		SpotInstance:    spec.SpotInstance,
		AuthSecretID:    spec.AuthSecretID,
		ConfigHash:      pool.ConfigHash,
		CreatedAt:       now(),
	}
	if err := cluster.Apply[types.Scaleset](r.cluster, cluster.KindScaleset, cluster.OpInsert, scaleset); err != nil {
		return nil, errors.Wrap(err, "insert scaleset")
	}
	return scaleset, nil
}

// Get fetches a Scaleset by id.
func (r *ScalesetRepository) Get(scalesetID string) (*types.Scaleset, error) {
	return r.cluster.Store.Scalesets.Get(scalesetID, scalesetID)
}

// List returns every Scaleset matching pred (nil returns all).
func (r *ScalesetRepository) List(pred func(*types.Scaleset) bool) ([]*types.Scaleset, error) {
	return r.cluster.Store.Scalesets.Query(pred)
}

// ListByPool returns every Scaleset belonging to poolName.
func (r *ScalesetRepository) ListByPool(poolName string) ([]*types.Scaleset, error) {
	return r.cluster.Store.Scalesets.Query(func(s *types.Scaleset) bool {
		return s.PoolName == poolName
	})
}

// SearchNeedsWork returns every Scaleset not yet in a terminal state.
func (r *ScalesetRepository) SearchNeedsWork() ([]*types.Scaleset, error) {
	return r.cluster.Store.Scalesets.Query(func(s *types.Scaleset) bool {
		return !s.State.Terminal()
	})
}

// SetSize updates a Scaleset's requested size, conditional on the
// caller's ETag.
func (r *ScalesetRepository) SetSize(scaleset *types.Scaleset, size int) error {
	scaleset.RequestedSize = size
	return r.Replace(scaleset)
}

// Replace persists a caller-mutated Scaleset, conditional on its ETag.
func (r *ScalesetRepository) Replace(scaleset *types.Scaleset) error {
	return cluster.Apply[types.Scaleset](r.cluster, cluster.KindScaleset, cluster.OpReplace, scaleset)
}

// Delete removes a Scaleset record once its processor reaches Halt.
func (r *ScalesetRepository) Delete(scaleset *types.Scaleset) error {
	return cluster.Apply[types.Scaleset](r.cluster, cluster.KindScaleset, cluster.OpDelete, scaleset)
}
