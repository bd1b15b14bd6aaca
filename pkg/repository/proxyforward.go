package repository

import (
	"time"

	"github.com/pkg/errors"

	"github.com/onefuzz/controlplane/pkg/cluster"
	"github.com/onefuzz/controlplane/pkg/types"
)

// ProxyForwardRepository is the user-debug-tunnel repository.
// Partition is scaleset id, Row is a generated id.
type ProxyForwardRepository struct {
	cluster *cluster.Cluster
}

// Create registers a new forwarding rule for (scaleset, node, port),
// leased for the given duration.
func (r *ProxyForwardRepository) Create(scalesetID, machineID string, dstPort int, region, proxyID string, lease time.Duration) (*types.ProxyForward, error) {
	id := newID()
	fwd := &types.ProxyForward{
		Meta:       types.Meta{Partition: scalesetID, Row: id},
		ScalesetID: scalesetID,
		MachineID:  machineID,
		DstPort:    dstPort,
		Region:     region,
		ProxyID:    proxyID,
		Expiry:     now().Add(lease),
	}
	if err := cluster.Apply[types.ProxyForward](r.cluster, cluster.KindProxyForward, cluster.OpInsert, fwd); err != nil {
		return nil, errors.Wrap(err, "insert proxy forward")
	}
	return fwd, nil
}

// ListByScaleset returns every ProxyForward for scalesetID.
func (r *ProxyForwardRepository) ListByScaleset(scalesetID string) ([]*types.ProxyForward, error) {
	return r.cluster.Store.ProxyForwards.Query(func(p *types.ProxyForward) bool {
		return p.ScalesetID == scalesetID
	})
}

// ListExpired returns every ProxyForward whose lease has lapsed,
// driving the proxy timer's cleanup pass.
func (r *ProxyForwardRepository) ListExpired(at time.Time) ([]*types.ProxyForward, error) {
	return r.cluster.Store.ProxyForwards.Query(func(p *types.ProxyForward) bool {
		return p.Expired(at)
	})
}

// Delete removes a ProxyForward record.
func (r *ProxyForwardRepository) Delete(fwd *types.ProxyForward) error {
	return cluster.Apply[types.ProxyForward](r.cluster, cluster.KindProxyForward, cluster.OpDelete, fwd)
}
