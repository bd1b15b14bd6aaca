// Package processor implements the State-Machine Processors:
// one per entity kind, each exposing ProcessStateUpdate (idempotent,
// advances one step) and SearchNeedsWork (the entities with a step left
// to take). The processors hold no loop or timer of their own:
// pkg/periodic calls them from its "workers" timer (Pool, Node,
// Scaleset) and its "tasks" timer (Task, Job), timing each tick and
// logging an entity's error before continuing with the next.
package processor

import (
	"context"
	"time"

	"github.com/onefuzz/controlplane/pkg/cloud"
	"github.com/onefuzz/controlplane/pkg/config"
	"github.com/onefuzz/controlplane/pkg/log"
	"github.com/onefuzz/controlplane/pkg/queue"
	"github.com/onefuzz/controlplane/pkg/repository"
)

// Processors bundles one processor per entity kind, each an explicit
// collaborator over the same Repositories, Queue, and cloud Provider.
type Processors struct {
	Job      *JobProcessor
	Task     *TaskProcessor
	Pool     *PoolProcessor
	Scaleset *ScalesetProcessor
	Node     *NodeProcessor
}

// New wires every processor against the same collaborators.
// latestAgentVersion is the version agents are expected to run; nodes
// reporting anything else are flagged for reimage. Empty disables the
// check.
func New(repos *repository.Repositories, q *queue.Queue, provider cloud.Provider, timeouts config.Timeouts, latestAgentVersion string) *Processors {
	return &Processors{
		Job:      &JobProcessor{repos: repos, logger: log.WithComponent("processor.job")},
		Task:     &TaskProcessor{repos: repos, queue: q, provider: provider, timeouts: timeouts, logger: log.WithComponent("processor.task")},
		Pool:     &PoolProcessor{repos: repos, queue: q, logger: log.WithComponent("processor.pool")},
		Scaleset: &ScalesetProcessor{repos: repos, provider: provider, timeouts: timeouts, logger: log.WithComponent("processor.scaleset")},
		Node:     &NodeProcessor{repos: repos, provider: provider, timeouts: timeouts, latestAgentVersion: latestAgentVersion, logger: log.WithComponent("processor.node")},
	}
}

// backgroundContext is the shared parent context processors use for
// cloud and queue calls when not driven by an HTTP request.
func backgroundContext() context.Context {
	return context.Background()
}

// contextWithTimeout derives a deadline-bounded context from
// backgroundContext. A
// non-positive timeout disables the deadline rather than firing
// immediately, so a zero-value config.Timeouts stays usable in tests.
func contextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(backgroundContext())
	}
	return context.WithTimeout(backgroundContext(), timeout)
}
