// Package cloud declares the cloud-provider adapter interface the
// control plane consumes but does not implement: scale-set CRUD and
// resize, instance delete, scale-in protection, and blob SAS issuance
// for the /download redirect. No concrete SDK is wired here; the only
// implementation in this repo is the in-memory Fake the processors and
// HTTP handlers are tested against.
package cloud

import (
	"context"
	"time"
)

// ScaleSetStatus is the cloud-reported state of a scale-set, polled by
// the Scaleset processor's Setup/Resize states.
type ScaleSetStatus struct {
	Ready       bool
	CurrentSize int
	InstanceIDs []string
}

// ScaleSetSpec is what the Scaleset processor asks the provider to
// create.
type ScaleSetSpec struct {
	Region          string
	VMSku           string
	Image           string
	Size            int
	Tags            map[string]string
	EphemeralOSDisk bool
	SpotInstance    bool
}

// Provider is the narrow interface the core consumes for everything a
// real cloud SDK would otherwise be wired for directly.
type Provider interface {
	// CreateScaleSet provisions a new scale-set and returns its
	// provider-assigned id.
	CreateScaleSet(ctx context.Context, spec ScaleSetSpec) (cloudID string, err error)

	// ResizeScaleSet adjusts a scale-set's target size.
	ResizeScaleSet(ctx context.Context, cloudID string, size int) error

	// Status reports the scale-set's current readiness, size, and
	// member instance ids.
	Status(ctx context.Context, cloudID string) (ScaleSetStatus, error)

	// DeleteScaleSet tears down a scale-set entirely.
	DeleteScaleSet(ctx context.Context, cloudID string) error

	// DeleteInstance removes a single instance from a scale-set.
	DeleteInstance(ctx context.Context, cloudID, instanceID string) error

	// AcquireScaleInProtection marks an instance so the cloud won't
	// evict it while it runs a task.
	AcquireScaleInProtection(ctx context.Context, cloudID, instanceID string) error

	// ReleaseScaleInProtection clears a prior protection grant, used
	// once the task completes.
	ReleaseScaleInProtection(ctx context.Context, cloudID, instanceID string) error

	// CouldShrink reports whether the scale-set has more instances
	// than its current target, i.e. whether a Free node may be offered
	// up for scale-in.
	CouldShrink(ctx context.Context, cloudID string) (bool, error)

	// ContainerSAS issues a time-bounded, permission-scoped URL for a
	// blob container, backing the /download 303 redirect and
	// Task.Init's input/output container SAS materialization.
	ContainerSAS(ctx context.Context, container string, perm Permission, ttl time.Duration) (string, error)
}

// Permission enumerates the blob SAS access levels the core requests.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)
