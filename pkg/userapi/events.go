package userapi

import (
	"time"

	"github.com/onefuzz/controlplane/pkg/realtime"
	"github.com/onefuzz/controlplane/pkg/types"
)

// publishEvent wraps payload in the realtime fan-out envelope and
// publishes it. Called with a nil hub is never expected (callers guard
// with s.hub != nil) but kept cheap either way.
func publishEvent(hub *realtime.Hub, kind types.ControlPlaneEventKind, payload interface{}) {
	if hub == nil {
		return
	}
	hub.Publish(&types.ControlPlaneEvent{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
