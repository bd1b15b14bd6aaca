package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/onefuzz/controlplane/pkg/cluster"
	"github.com/onefuzz/controlplane/pkg/storage"
	"github.com/onefuzz/controlplane/pkg/types"
)

// newTestRepos bootstraps a single-node Raft cluster against a temp
// data dir and polls until it elects itself leader.
func newTestRepos(t *testing.T) *Repositories {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping raft-backed integration test in short mode")
	}

	c, err := cluster.New(cluster.Config{
		NodeID:   "test-node",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown() })

	require.NoError(t, c.Bootstrap())

	for i := 0; i < 50; i++ {
		if c.IsLeader() {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	require.True(t, c.IsLeader(), "cluster failed to elect itself leader")

	return New(c)
}

func TestJobCreateAndEnableOnFirstTask(t *testing.T) {
	repos := newTestRepos(t)

	job, err := repos.Jobs.Create("proj", "job-name", "build-1", 1, "", types.UserInfo{})
	require.NoError(t, err)
	require.Equal(t, types.JobStateInit, job.State)

	_, err = repos.Tasks.Create(job, "task-1", types.TaskConfig{Type: "libfuzzer_fuzz", PoolName: "pool-a"}, types.OSLinux, types.UserInfo{})
	require.NoError(t, err)

	reloaded, err := repos.Jobs.Get(job.JobID)
	require.NoError(t, err)
	require.Equal(t, types.JobStateEnabled, reloaded.State)
}

func TestTaskCreateRejectsMissingPrereq(t *testing.T) {
	repos := newTestRepos(t)

	job, err := repos.Jobs.Create("proj", "job-name", "build-1", 1, "", types.UserInfo{})
	require.NoError(t, err)

	_, err = repos.Tasks.Create(job, "task-2", types.TaskConfig{PrereqTasks: []string{"does-not-exist"}}, types.OSLinux, types.UserInfo{})
	require.ErrorIs(t, err, ErrPrereqTaskMissing)
}

func TestTaskCreateRejectsStoppingJob(t *testing.T) {
	repos := newTestRepos(t)

	job, err := repos.Jobs.Create("proj", "job-name", "build-1", 1, "", types.UserInfo{})
	require.NoError(t, err)

	job.State = types.JobStateStopping
	require.NoError(t, repos.Jobs.Replace(job))

	_, err = repos.Tasks.Create(job, "task-3", types.TaskConfig{}, types.OSLinux, types.UserInfo{})
	require.ErrorIs(t, err, ErrJobNotAcceptingTasks)
}

func TestPoolNameUniqueness(t *testing.T) {
	repos := newTestRepos(t)

	_, err := repos.Pools.Create("pool-a", types.OSLinux, "x64", true, "")
	require.NoError(t, err)

	_, err = repos.Pools.Create("pool-a", types.OSLinux, "x64", true, "")
	require.ErrorIs(t, err, ErrPoolNameTaken)
}

func TestScalesetRequiresManagedPool(t *testing.T) {
	repos := newTestRepos(t)

	_, err := repos.Pools.Create("pool-unmanaged", types.OSLinux, "x64", false, "")
	require.NoError(t, err)

	_, err = repos.Scalesets.Create(ScalesetSpec{PoolName: "pool-unmanaged", Region: "eastus", VMSku: "Standard_D2s_v3", RequestedSize: 1})
	require.ErrorIs(t, err, ErrPoolNotManaged)
}

func TestScalesetSetSizeConcurrentConflict(t *testing.T) {
	repos := newTestRepos(t)

	_, err := repos.Pools.Create("pool-managed", types.OSLinux, "x64", true, "")
	require.NoError(t, err)

	scaleset, err := repos.Scalesets.Create(ScalesetSpec{PoolName: "pool-managed", Region: "eastus", VMSku: "Standard_D2s_v3", RequestedSize: 1})
	require.NoError(t, err)

	copyA, err := repos.Scalesets.Get(scaleset.ScalesetID)
	require.NoError(t, err)
	copyB, err := repos.Scalesets.Get(scaleset.ScalesetID)
	require.NoError(t, err)

	require.NoError(t, repos.Scalesets.SetSize(copyA, 5))
	err = repos.Scalesets.SetSize(copyB, 3)
	require.ErrorIs(t, err, storage.ErrVersionConflict)

	final, err := repos.Scalesets.Get(scaleset.ScalesetID)
	require.NoError(t, err)
	require.Equal(t, 5, final.RequestedSize)
}

func TestNodeRegisterTwiceYieldsOneNodeInInit(t *testing.T) {
	repos := newTestRepos(t)

	_, err := repos.Pools.Create("pool-a", types.OSLinux, "x64", true, "")
	require.NoError(t, err)

	node1, err := repos.Nodes.Register("machine-1", "pool-a", "", "", "1.0.0", types.OSLinux)
	require.NoError(t, err)
	require.Equal(t, types.NodeStateInit, node1.State)

	node2, err := repos.Nodes.Register("machine-1", "pool-a", "", "", "1.0.0", types.OSLinux)
	require.NoError(t, err)
	require.Equal(t, types.NodeStateInit, node2.State)
	require.NotEqual(t, node1.ETag, node2.ETag)

	nodes, err := repos.Nodes.ListByPool("pool-a")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
}

func TestNodeRegisterRejectsOSMismatch(t *testing.T) {
	repos := newTestRepos(t)

	_, err := repos.Pools.Create("pool-linux", types.OSLinux, "x64", true, "")
	require.NoError(t, err)

	_, err = repos.Nodes.Register("machine-2", "pool-linux", "", "", "1.0.0", types.OSWindows)
	require.ErrorIs(t, err, ErrOSMismatch)
}

func TestNodeTasksResolveJobID(t *testing.T) {
	repos := newTestRepos(t)

	_, err := repos.NodeTasks.Create("machine-3", "task-9", "job-9", types.TaskStateSettingUp)
	require.NoError(t, err)

	jobID, err := repos.NodeTasks.ResolveJobID("task-9")
	require.NoError(t, err)
	require.Equal(t, "job-9", jobID)
}
