package periodic

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/onefuzz/controlplane/pkg/cloud"
	"github.com/onefuzz/controlplane/pkg/cluster"
	"github.com/onefuzz/controlplane/pkg/config"
	"github.com/onefuzz/controlplane/pkg/processor"
	"github.com/onefuzz/controlplane/pkg/queue"
	"github.com/onefuzz/controlplane/pkg/repository"
	"github.com/onefuzz/controlplane/pkg/scheduler"
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

func TestDriversWorkersTimerDrivesInitPoolToRunning(t *testing.T) {
	repos := newTestRepos(t)
	q := newTestQueue(t)
	procs := processor.New(repos, q, cloud.NewFake(), config.Default().Timeouts, "")
	sched := scheduler.New(repos, q, zerolog.Nop())

	d, err := New(repos, procs, sched, q, config.Default().Intervals, zerolog.Nop())
	require.NoError(t, err)

	_, err = repos.Pools.Create("pool-periodic", types.OSLinux, "x64", true, "")
	require.NoError(t, err)

	d.runWorkers(context.Background())

	pool, err := repos.Pools.GetByName("pool-periodic")
	require.NoError(t, err)
	require.Equal(t, types.PoolStateRunning, pool.State, "workers timer should drive an Init pool to Running")
}

func TestDriversGuardSkipsOverlappingTick(t *testing.T) {
	repos := newTestRepos(t)
	q := newTestQueue(t)
	procs := processor.New(repos, q, cloud.NewFake(), config.Default().Timeouts, "")
	sched := scheduler.New(repos, q, zerolog.Nop())

	d, err := New(repos, procs, sched, q, config.Default().Intervals, zerolog.Nop())
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	calls := 0
	handler := d.guarded("test", func(context.Context) {
		calls++
		close(started)
		<-release
	})

	go handler()
	<-started
	handler() // should skip immediately since the first call still holds the guard
	close(release)

	require.Equal(t, 1, calls, "overlapping tick must be skipped, not queued")
}

func TestRetentionScrubsUserInfoPastHorizon(t *testing.T) {
	repos := newTestRepos(t)
	q := newTestQueue(t)
	procs := processor.New(repos, q, cloud.NewFake(), config.Default().Timeouts, "")
	sched := scheduler.New(repos, q, zerolog.Nop())

	d, err := New(repos, procs, sched, q, config.Default().Intervals, zerolog.Nop())
	require.NoError(t, err)

	job, err := repos.Jobs.Create("proj", "old-job", "build-1", 1, "", types.UserInfo{Upn: "someone@example.com"})
	require.NoError(t, err)
	job.CreatedAt = time.Now().Add(-19 * 30 * 24 * time.Hour)
	require.NoError(t, repos.Jobs.Replace(job))

	d.scrubUserInfo()

	reloaded, err := repos.Jobs.Get(job.JobID)
	require.NoError(t, err)
	require.Equal(t, types.UserInfo{}, reloaded.UserInfo)
}

func TestRunProxyDeletesExpiredForwards(t *testing.T) {
	repos := newTestRepos(t)
	q := newTestQueue(t)
	procs := processor.New(repos, q, cloud.NewFake(), config.Default().Timeouts, "")
	sched := scheduler.New(repos, q, zerolog.Nop())

	d, err := New(repos, procs, sched, q, config.Default().Intervals, zerolog.Nop())
	require.NoError(t, err)

	fwd, err := repos.ProxyForwards.Create("scaleset-1", "machine-1", 2222, "eastus", "proxy-1", -time.Minute)
	require.NoError(t, err)

	d.runProxy(context.Background())

	remaining, err := repos.ProxyForwards.ListByScaleset(fwd.ScalesetID)
	require.NoError(t, err)
	require.Empty(t, remaining)
}
