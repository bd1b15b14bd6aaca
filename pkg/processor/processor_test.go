package processor

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/onefuzz/controlplane/pkg/cloud"
	"github.com/onefuzz/controlplane/pkg/cluster"
	"github.com/onefuzz/controlplane/pkg/config"
	"github.com/onefuzz/controlplane/pkg/queue"
	"github.com/onefuzz/controlplane/pkg/repository"
	"github.com/onefuzz/controlplane/pkg/types"
)

// newTestRepos bootstraps a single-node Raft cluster, matching
// pkg/repository's own test helper.
func newTestRepos(t *testing.T) *repository.Repositories {
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

	return repository.New(c)
}

// newTestQueue connects to a local Redis instance, skipping the test
// if one isn't reachable — Pool processing is the only state machine
// that touches the Queue abstraction directly.
func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("no redis reachable at 127.0.0.1:6379: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return queue.New(client)
}

func TestJobProcessorForcesNeverStartedToStopping(t *testing.T) {
	repos := newTestRepos(t)
	procs := New(repos, nil, cloud.NewFake(), config.Timeouts{}, "")

	job, err := repos.Jobs.Create("proj", "never-started", "build-1", 0, "", types.UserInfo{})
	require.NoError(t, err)
	job.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, repos.Jobs.Replace(job))

	updated, err := procs.Job.ProcessStateUpdate(job)
	require.NoError(t, err)
	require.Equal(t, types.JobStateStopping, updated.State)
}

func TestJobProcessorStopsWhenAllTasksTerminal(t *testing.T) {
	repos := newTestRepos(t)
	procs := New(repos, nil, cloud.NewFake(), config.Timeouts{}, "")

	job, err := repos.Jobs.Create("proj", "all-terminal", "build-1", 1, "", types.UserInfo{})
	require.NoError(t, err)

	task, err := repos.Tasks.Create(job, "task-1", types.TaskConfig{PoolName: "pool-a"}, types.OSLinux, types.UserInfo{})
	require.NoError(t, err)
	task.State = types.TaskStateStopped
	require.NoError(t, repos.Tasks.Replace(task))

	job, err = repos.Jobs.Get(job.JobID)
	require.NoError(t, err)
	job.State = types.JobStateEnabled
	require.NoError(t, repos.Jobs.Replace(job))

	updated, err := procs.Job.ProcessStateUpdate(job)
	require.NoError(t, err)
	require.Equal(t, types.JobStateStopping, updated.State)

	final, err := procs.Job.ProcessStateUpdate(updated)
	require.NoError(t, err)
	require.Equal(t, types.JobStateStopped, final.State)
}

func TestTaskProcessorInitMaterializesContainersThenWaits(t *testing.T) {
	repos := newTestRepos(t)
	procs := New(repos, nil, cloud.NewFake(), config.Timeouts{CloudAdapterCall: time.Second}, "")

	job, err := repos.Jobs.Create("proj", "job", "build-1", 1, "", types.UserInfo{})
	require.NoError(t, err)

	task, err := repos.Tasks.Create(job, "task-1", types.TaskConfig{
		PoolName:   "pool-a",
		Containers: map[string]string{"setup": "container-setup"},
	}, types.OSLinux, types.UserInfo{})
	require.NoError(t, err)

	updated, err := procs.Task.ProcessStateUpdate(task)
	require.NoError(t, err)
	require.Equal(t, types.TaskStateWaiting, updated.State)
}

func TestTaskProcessorStopsHeartbeatStaleRunningTask(t *testing.T) {
	repos := newTestRepos(t)
	procs := New(repos, nil, cloud.NewFake(), config.Timeouts{TaskHeartbeat: time.Minute}, "")

	job, err := repos.Jobs.Create("proj", "job", "build-1", 1, "", types.UserInfo{})
	require.NoError(t, err)
	task, err := repos.Tasks.Create(job, "task-1", types.TaskConfig{PoolName: "pool-a"}, types.OSLinux, types.UserInfo{})
	require.NoError(t, err)

	task.State = types.TaskStateRunning
	task.Heartbeat = time.Now().Add(-time.Hour)
	require.NoError(t, repos.Tasks.Replace(task))

	updated, err := procs.Task.ProcessStateUpdate(task)
	require.NoError(t, err)
	require.Equal(t, types.TaskStateStopping, updated.State)
	require.NotNil(t, updated.Error)
}

func TestTaskProcessorStoppingFinalizesWithNoNodeTasks(t *testing.T) {
	repos := newTestRepos(t)
	procs := New(repos, nil, cloud.NewFake(), config.Timeouts{}, "")

	job, err := repos.Jobs.Create("proj", "job", "build-1", 1, "", types.UserInfo{})
	require.NoError(t, err)
	task, err := repos.Tasks.Create(job, "task-1", types.TaskConfig{PoolName: "pool-a"}, types.OSLinux, types.UserInfo{})
	require.NoError(t, err)

	task.State = types.TaskStateStopping
	require.NoError(t, repos.Tasks.Replace(task))

	updated, err := procs.Task.ProcessStateUpdate(task)
	require.NoError(t, err)
	require.Equal(t, types.TaskStateStopped, updated.State)
}

func TestScalesetProcessorWalksInitThroughRunning(t *testing.T) {
	repos := newTestRepos(t)
	procs := New(repos, nil, cloud.NewFake(), config.Timeouts{CloudAdapterCall: time.Second}, "")

	_, err := repos.Pools.Create("pool-a", types.OSLinux, "x64", true, "")
	require.NoError(t, err)
	scaleset, err := repos.Scalesets.Create(repository.ScalesetSpec{
		PoolName: "pool-a", Region: "eastus", VMSku: "Standard_D2s_v3", RequestedSize: 2,
	})
	require.NoError(t, err)

	scaleset, err = procs.Scaleset.ProcessStateUpdate(scaleset)
	require.NoError(t, err)
	require.Equal(t, types.ScalesetStateSetup, scaleset.State)
	require.NotEmpty(t, scaleset.CloudID)

	scaleset, err = procs.Scaleset.ProcessStateUpdate(scaleset)
	require.NoError(t, err)
	require.Equal(t, types.ScalesetStateResize, scaleset.State)

	scaleset, err = procs.Scaleset.ProcessStateUpdate(scaleset)
	require.NoError(t, err)
	require.Equal(t, types.ScalesetStateRunning, scaleset.State)
	require.Equal(t, 2, scaleset.CurrentSize)
}

func TestNodeProcessorInitToFreeToShutdownOnDeleteRequest(t *testing.T) {
	repos := newTestRepos(t)
	procs := New(repos, nil, cloud.NewFake(), config.Timeouts{}, "")

	_, err := repos.Pools.Create("pool-a", types.OSLinux, "x64", true, "")
	require.NoError(t, err)
	node, err := repos.Nodes.Register("machine-1", "pool-a", "", "", "1.0.0", types.OSLinux)
	require.NoError(t, err)

	node, err = procs.Node.ProcessStateUpdate(node)
	require.NoError(t, err)
	require.Equal(t, types.NodeStateFree, node.State)

	node.DeleteRequested = true
	require.NoError(t, repos.Nodes.Replace(node))

	node, err = procs.Node.ProcessStateUpdate(node)
	require.NoError(t, err)
	require.Equal(t, types.NodeStateShutdown, node.State)
}

func TestPoolProcessorCreatesQueueThenRunning(t *testing.T) {
	q := newTestQueue(t)
	repos := newTestRepos(t)
	procs := New(repos, q, cloud.NewFake(), config.Timeouts{}, "")

	pool, err := repos.Pools.Create("pool-a", types.OSLinux, "x64", true, "")
	require.NoError(t, err)

	updated, err := procs.Pool.ProcessStateUpdate(pool)
	require.NoError(t, err)
	require.Equal(t, types.PoolStateRunning, updated.State)
}
