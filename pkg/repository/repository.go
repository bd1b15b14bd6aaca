// Package repository holds one repository per entity kind, wrapping
// pkg/storage with the invariant-preserving mutations and
// secondary-attribute searches the processors and HTTP surfaces need.
// Repositories sit above the Raft-apply layer: writes replicate
// through cluster.Apply, reads go straight to the local store.
package repository

import (
	"time"

	"github.com/google/uuid"

	"github.com/onefuzz/controlplane/pkg/cluster"
)

// Repositories bundles one repository per entity kind, wired to a
// single Cluster collaborator.
type Repositories struct {
	Jobs          *JobRepository
	Tasks         *TaskRepository
	Pools         *PoolRepository
	Scalesets     *ScalesetRepository
	Nodes         *NodeRepository
	NodeTasks     *NodeTasksRepository
	NodeMessages  *NodeMessageRepository
	ProxyForwards *ProxyForwardRepository
	TaskEvents    *TaskEventRepository
	WorkSets      *WorkSetRepository
}

// New wires every repository against the same Cluster.
func New(c *cluster.Cluster) *Repositories {
	jobs := &JobRepository{cluster: c}
	pools := &PoolRepository{cluster: c}
	nodeTasks := &NodeTasksRepository{cluster: c}

	tasks := &TaskRepository{cluster: c, jobs: jobs}
	scalesets := &ScalesetRepository{cluster: c, pools: pools}
	nodes := &NodeRepository{cluster: c, pools: pools}

	return &Repositories{
		Jobs:          jobs,
		Tasks:         tasks,
		Pools:         pools,
		Scalesets:     scalesets,
		Nodes:         nodes,
		NodeTasks:     nodeTasks,
		NodeMessages:  &NodeMessageRepository{cluster: c},
		ProxyForwards: &ProxyForwardRepository{cluster: c},
		TaskEvents:    &TaskEventRepository{cluster: c},
		WorkSets:      &WorkSetRepository{cluster: c},
	}
}

func newID() string {
	return uuid.NewString()
}

func now() time.Time {
	return time.Now().UTC()
}
