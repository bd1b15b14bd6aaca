package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/onefuzz/controlplane/pkg/cluster"
	"github.com/onefuzz/controlplane/pkg/queue"
	"github.com/onefuzz/controlplane/pkg/repository"
	"github.com/onefuzz/controlplane/pkg/types"
)

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

func TestSchedulerDispatchesWaitingTaskToScheduled(t *testing.T) {
	repos := newTestRepos(t)
	q := newTestQueue(t)
	sched := New(repos, q, zerolog.Nop())

	_, err := repos.Pools.Create("pool-a", types.OSLinux, "x64", true, "")
	require.NoError(t, err)
	pool, err := repos.Pools.GetByName("pool-a")
	require.NoError(t, err)
	pool.State = types.PoolStateRunning
	require.NoError(t, repos.Pools.Replace(pool))

	job, err := repos.Jobs.Create("proj", "job", "build-1", 1, "", types.UserInfo{})
	require.NoError(t, err)
	task, err := repos.Tasks.Create(job, "task-1", types.TaskConfig{PoolName: "pool-a", VMCount: 1}, types.OSLinux, types.UserInfo{})
	require.NoError(t, err)
	task.State = types.TaskStateWaiting
	require.NoError(t, repos.Tasks.Replace(task))

	require.NoError(t, sched.RunOnce(context.Background()))

	reloaded, err := repos.Tasks.Get(job.JobID, task.TaskID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStateScheduled, reloaded.State)

	depth, err := q.Depth(context.Background(), pool.QueueName)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}

func TestSchedulerSkipsTaskWhosePoolIsNotRunning(t *testing.T) {
	repos := newTestRepos(t)
	q := newTestQueue(t)
	sched := New(repos, q, zerolog.Nop())

	_, err := repos.Pools.Create("pool-b", types.OSLinux, "x64", true, "")
	require.NoError(t, err)

	job, err := repos.Jobs.Create("proj", "job", "build-1", 1, "", types.UserInfo{})
	require.NoError(t, err)
	task, err := repos.Tasks.Create(job, "task-1", types.TaskConfig{PoolName: "pool-b", VMCount: 1}, types.OSLinux, types.UserInfo{})
	require.NoError(t, err)
	task.State = types.TaskStateWaiting
	require.NoError(t, repos.Tasks.Replace(task))

	require.NoError(t, sched.RunOnce(context.Background()))

	reloaded, err := repos.Tasks.Get(job.JobID, task.TaskID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStateWaiting, reloaded.State)
}

func TestSchedulerColocatesUnderVMCountLimit(t *testing.T) {
	repos := newTestRepos(t)
	q := newTestQueue(t)
	sched := New(repos, q, zerolog.Nop())

	_, err := repos.Pools.Create("pool-c", types.OSLinux, "x64", true, "")
	require.NoError(t, err)
	pool, err := repos.Pools.GetByName("pool-c")
	require.NoError(t, err)
	pool.State = types.PoolStateRunning
	require.NoError(t, repos.Pools.Replace(pool))

	job, err := repos.Jobs.Create("proj", "job", "build-1", 1, "", types.UserInfo{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		taskID := "task-" + string(rune('a'+i))
		task, err := repos.Tasks.Create(job, taskID, types.TaskConfig{PoolName: "pool-c", VMCount: 1, Colocate: true}, types.OSLinux, types.UserInfo{})
		require.NoError(t, err)
		task.State = types.TaskStateWaiting
		require.NoError(t, repos.Tasks.Replace(task))
	}

	require.NoError(t, sched.RunOnce(context.Background()))

	depth, err := q.Depth(context.Background(), pool.QueueName)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth, "colocated tasks should share a single workset envelope")
}
