package repository

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/onefuzz/controlplane/pkg/cluster"
	"github.com/onefuzz/controlplane/pkg/types"
)

// NodeMessageRepository is the command-envelope repository.
// Partition is machine id, Row is message id.
type NodeMessageRepository struct {
	cluster *cluster.Cluster
}

// Enqueue addresses a new command envelope to machineID.
func (r *NodeMessageRepository) Enqueue(machineID string, kind types.NodeMessageKind, taskID string) (*types.NodeMessage, error) {
	id := newID()
	msg := &types.NodeMessage{
		Meta:      types.Meta{Partition: machineID, Row: id},
		MachineID: machineID,
		MessageID: id,
		Kind:      kind,
		TaskID:    taskID,
		CreatedAt: now(),
	}
	if err := cluster.Apply[types.NodeMessage](r.cluster, cluster.KindNodeMessage, cluster.OpInsert, msg); err != nil {
		return nil, errors.Wrap(err, "insert node message")
	}
	return msg, nil
}

// EnqueuePayload addresses a new command envelope carrying a
// kind-specific payload rather than a task id.
func (r *NodeMessageRepository) EnqueuePayload(machineID string, kind types.NodeMessageKind, payload string) (*types.NodeMessage, error) {
	id := newID()
	msg := &types.NodeMessage{
		Meta:      types.Meta{Partition: machineID, Row: id},
		MachineID: machineID,
		MessageID: id,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: now(),
	}
	if err := cluster.Apply[types.NodeMessage](r.cluster, cluster.KindNodeMessage, cluster.OpInsert, msg); err != nil {
		return nil, errors.Wrap(err, "insert node message")
	}
	return msg, nil
}

// Oldest returns the oldest pending NodeMessage for machineID, or a
// "no pending node message" error (not storage.ErrNotFound) if none
// are pending. A message stays pending until explicitly
// deleted.
func (r *NodeMessageRepository) Oldest(machineID string) (*types.NodeMessage, error) {
	msgs, err := r.cluster.Store.NodeMessages.Query(func(m *types.NodeMessage) bool {
		return m.MachineID == machineID
	})
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, errors.New("repository: no pending node message")
	}
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs[0], nil
}

// Get fetches a NodeMessage by its keyed (machine id, message id) pair.
func (r *NodeMessageRepository) Get(machineID, messageID string) (*types.NodeMessage, error) {
	return r.cluster.Store.NodeMessages.Get(machineID, messageID)
}

// Delete consumes a specific message id.
func (r *NodeMessageRepository) Delete(msg *types.NodeMessage) error {
	return cluster.Apply[types.NodeMessage](r.cluster, cluster.KindNodeMessage, cluster.OpDelete, msg)
}
