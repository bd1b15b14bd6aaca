package cloud

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Fake is an in-memory Provider used by tests and by single-node
// developer deployments that have no real cloud account configured.
// Scale-sets become Ready immediately and report one instance per
// requested unit of size; nothing here talks to a network.
type Fake struct {
	mu         sync.Mutex
	scalesets  map[string]*fakeScaleSet
	protected  map[string]bool
}

type fakeScaleSet struct {
	spec      ScaleSetSpec
	instances []string
}

// NewFake constructs an empty Fake provider.
func NewFake() *Fake {
	return &Fake{
		scalesets: make(map[string]*fakeScaleSet),
		protected: make(map[string]bool),
	}
}

func (f *Fake) CreateScaleSet(ctx context.Context, spec ScaleSetSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := uuid.NewString()
	f.scalesets[id] = &fakeScaleSet{spec: spec, instances: instanceIDs(spec.Size)}
	return id, nil
}

func (f *Fake) ResizeScaleSet(ctx context.Context, cloudID string, size int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ss, ok := f.scalesets[cloudID]
	if !ok {
		return errors.Errorf("cloud: unknown scaleset %s", cloudID)
	}
	ss.spec.Size = size
	ss.instances = instanceIDs(size)
	return nil
}

func (f *Fake) Status(ctx context.Context, cloudID string) (ScaleSetStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ss, ok := f.scalesets[cloudID]
	if !ok {
		return ScaleSetStatus{}, errors.Errorf("cloud: unknown scaleset %s", cloudID)
	}
	return ScaleSetStatus{Ready: true, CurrentSize: len(ss.instances), InstanceIDs: append([]string(nil), ss.instances...)}, nil
}

func (f *Fake) DeleteScaleSet(ctx context.Context, cloudID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.scalesets, cloudID)
	return nil
}

func (f *Fake) DeleteInstance(ctx context.Context, cloudID, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ss, ok := f.scalesets[cloudID]
	if !ok {
		return errors.Errorf("cloud: unknown scaleset %s", cloudID)
	}
	out := ss.instances[:0]
	for _, id := range ss.instances {
		if id != instanceID {
			out = append(out, id)
		}
	}
	ss.instances = out
	delete(f.protected, cloudID+"/"+instanceID)
	return nil
}

func (f *Fake) AcquireScaleInProtection(ctx context.Context, cloudID, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.protected[cloudID+"/"+instanceID] = true
	return nil
}

func (f *Fake) ReleaseScaleInProtection(ctx context.Context, cloudID, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.protected, cloudID+"/"+instanceID)
	return nil
}

func (f *Fake) CouldShrink(ctx context.Context, cloudID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ss, ok := f.scalesets[cloudID]
	if !ok {
		return false, nil
	}
	return len(ss.instances) > ss.spec.Size, nil
}

func (f *Fake) ContainerSAS(ctx context.Context, container string, perm Permission, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://fake.blob.local/%s?perm=%s&expiry=%s", container, perm, time.Now().Add(ttl).Format(time.RFC3339)), nil
}

func instanceIDs(size int) []string {
	ids := make([]string, size)
	for i := range ids {
		ids[i] = uuid.NewString()
	}
	return ids
}
