package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/onefuzz/controlplane/pkg/types"
)

func bootstrapTestCluster(t *testing.T) *Cluster {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping raft-backed integration test in short mode")
	}

	c, err := New(Config{
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
	require.True(t, c.IsLeader())
	return c
}

func TestApplyInsertReplaceDelete(t *testing.T) {
	c := bootstrapTestCluster(t)

	job := &types.Job{
		Meta:      types.Meta{Partition: "job-1", Row: "job-1"},
		JobID:     "job-1",
		State:     types.JobStateInit,
		Project:   "proj",
		Name:      "name",
		CreatedAt: time.Now(),
	}
	require.NoError(t, Apply[types.Job](c, KindJob, OpInsert, job))

	stored, err := c.Store.Jobs.Get("job-1", "job-1")
	require.NoError(t, err)
	require.Equal(t, types.JobStateInit, stored.State)

	stored.State = types.JobStateEnabled
	require.NoError(t, Apply[types.Job](c, KindJob, OpReplace, stored))

	reloaded, err := c.Store.Jobs.Get("job-1", "job-1")
	require.NoError(t, err)
	require.Equal(t, types.JobStateEnabled, reloaded.State)

	require.NoError(t, Apply[types.Job](c, KindJob, OpDelete, reloaded))
	_, err = c.Store.Jobs.Get("job-1", "job-1")
	require.Error(t, err)
}

func TestApplyPublishesControlPlaneEvents(t *testing.T) {
	c := bootstrapTestCluster(t)

	sub := c.Events.Subscribe()
	defer c.Events.Unsubscribe(sub)

	job := &types.Job{
		Meta:      types.Meta{Partition: "job-2", Row: "job-2"},
		JobID:     "job-2",
		State:     types.JobStateInit,
		CreatedAt: time.Now(),
	}
	require.NoError(t, Apply[types.Job](c, KindJob, OpInsert, job))

	select {
	case event := <-sub:
		require.Equal(t, types.EventJobCreated, event.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job_created event")
	}
}

func TestApplyRejectedWhenNotLeader(t *testing.T) {
	c, err := New(Config{NodeID: "follower", BindAddr: "127.0.0.1:0", DataDir: t.TempDir()})
	require.NoError(t, err)
	defer func() { _ = c.Store.Close() }()

	job := &types.Job{Meta: types.Meta{Partition: "job-3", Row: "job-3"}, JobID: "job-3"}
	err = Apply[types.Job](c, KindJob, OpInsert, job)
	require.ErrorIs(t, err, ErrNotLeader)
}
