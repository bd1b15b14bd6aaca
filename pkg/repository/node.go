package repository

import (
	"github.com/pkg/errors"

	"github.com/onefuzz/controlplane/pkg/cluster"
	"github.com/onefuzz/controlplane/pkg/types"
)

// NodeRepository is the Node entity repository. Partition
// is pool name, Row is machine id.
type NodeRepository struct {
	cluster *cluster.Cluster
	pools   *PoolRepository
}

// Register resolves poolName, validates the agent's os against the
// Pool's os, deletes any existing Node for machineID, and inserts a fresh Node in Init.
func (r *NodeRepository) Register(machineID, poolName, scalesetID, instanceID, agentVersion string, os types.OS) (*types.Node, error) {
	pool, err := r.pools.GetByName(poolName)
	if err != nil {
		return nil, err
	}
	if pool.OS != os {
		return nil, ErrOSMismatch
	}

	if existing, err := r.FindByMachineID(machineID); err == nil {
		if err := r.Delete(existing); err != nil {
			return nil, errors.Wrap(err, "delete existing node for re-registration")
		}
	}

	node := &types.Node{
		Meta:         types.Meta{Partition: poolName, Row: machineID},
		MachineID:    machineID,
		PoolName:     poolName,
		PoolID:       pool.PoolID,
		ScalesetID:   scalesetID,
		InstanceID:   instanceID,
		AgentVersion: agentVersion,
		OS:           os,
		Managed:      pool.Managed,
		State:        types.NodeStateInit,
		CreatedAt:    now(),
	}
	if err := cluster.Apply[types.Node](r.cluster, cluster.KindNode, cluster.OpInsert, node); err != nil {
		return nil, errors.Wrap(err, "insert node")
	}
	return node, nil
}

// Get fetches a Node by its keyed (pool name, machine id) pair.
func (r *NodeRepository) Get(poolName, machineID string) (*types.Node, error) {
	return r.cluster.Store.Nodes.Get(poolName, machineID)
}

// FindByMachineID resolves a Node by machine id alone, scanning every
// pool partition. Used at registration, where the caller may not know
// (or may have changed) the Node's pool, and by the agent and user
// handlers that carry only a machine id; every call scans all Nodes.
func (r *NodeRepository) FindByMachineID(machineID string) (*types.Node, error) {
	nodes, err := r.cluster.Store.Nodes.Query(func(n *types.Node) bool {
		return n.MachineID == machineID
	})
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, errors.New("repository: node not found")
	}
	return nodes[0], nil
}

// List returns every Node matching pred (nil returns all).
func (r *NodeRepository) List(pred func(*types.Node) bool) ([]*types.Node, error) {
	return r.cluster.Store.Nodes.Query(pred)
}

// ListByPool returns every Node belonging to poolName.
func (r *NodeRepository) ListByPool(poolName string) ([]*types.Node, error) {
	return r.cluster.Store.Nodes.Query(func(n *types.Node) bool {
		return n.PoolName == poolName
	})
}

// ListByScaleset returns every Node belonging to scalesetID.
func (r *NodeRepository) ListByScaleset(scalesetID string) ([]*types.Node, error) {
	return r.cluster.Store.Nodes.Query(func(n *types.Node) bool {
		return n.ScalesetID == scalesetID
	})
}

// SearchNeedsWork returns every Node not yet in a terminal state.
func (r *NodeRepository) SearchNeedsWork() ([]*types.Node, error) {
	return r.cluster.Store.Nodes.Query(func(n *types.Node) bool {
		return !n.State.Terminal()
	})
}

// Replace persists a caller-mutated Node, conditional on its ETag.
func (r *NodeRepository) Replace(node *types.Node) error {
	return cluster.Apply[types.Node](r.cluster, cluster.KindNode, cluster.OpReplace, node)
}

// Delete removes a Node record once its processor reaches Halt, or as
// part of Register's re-registration handling.
func (r *NodeRepository) Delete(node *types.Node) error {
	return cluster.Apply[types.Node](r.cluster, cluster.KindNode, cluster.OpDelete, node)
}
