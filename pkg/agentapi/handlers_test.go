package agentapi

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/onefuzz/controlplane/pkg/cloud"
	"github.com/onefuzz/controlplane/pkg/cluster"
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

func newTestServer(t *testing.T, repos *repository.Repositories) *Server {
	t.Helper()
	return New(repos, nil, nil, cloud.NewFake(), time.Second, zerolog.Nop())
}

func TestRegistrationInsertsNodeAndGrantsQueueHandle(t *testing.T) {
	repos := newTestRepos(t)
	_, err := repos.Pools.Create("pool-a", types.OSLinux, "x64", true, "")
	require.NoError(t, err)

	s := newTestServer(t, repos)

	req := httptest.NewRequest("POST", "/agents/registration?machine_id=m1&pool_name=pool-a&os=linux", nil)
	w := httptest.NewRecorder()
	s.handlePostRegistration(w, req)
	require.Equal(t, 200, w.Code)

	var resp registrationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.CommandsURL)

	node, err := repos.Nodes.FindByMachineID("m1")
	require.NoError(t, err)
	require.Equal(t, types.NodeStateInit, node.State)
}

func TestRegistrationTwiceYieldsOneNode(t *testing.T) {
	repos := newTestRepos(t)
	_, err := repos.Pools.Create("pool-b", types.OSLinux, "x64", true, "")
	require.NoError(t, err)
	s := newTestServer(t, repos)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/agents/registration?machine_id=m2&pool_name=pool-b&os=linux", nil)
		w := httptest.NewRecorder()
		s.handlePostRegistration(w, req)
		require.Equal(t, 200, w.Code)
	}

	nodes, err := repos.Nodes.ListByPool("pool-b")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
}

func TestRegistrationRejectsOSMismatch(t *testing.T) {
	repos := newTestRepos(t)
	_, err := repos.Pools.Create("pool-c", types.OSWindows, "x64", true, "")
	require.NoError(t, err)
	s := newTestServer(t, repos)

	req := httptest.NewRequest("POST", "/agents/registration?machine_id=m3&pool_name=pool-c&os=linux", nil)
	w := httptest.NewRecorder()
	s.handlePostRegistration(w, req)
	require.Equal(t, 400, w.Code)
}

func TestCanScheduleDeniesWhenTaskGone(t *testing.T) {
	repos := newTestRepos(t)
	_, err := repos.Pools.Create("pool-d", types.OSLinux, "x64", true, "")
	require.NoError(t, err)
	node, err := repos.Nodes.Register("m4", "pool-d", "", "", "1.0", types.OSLinux)
	require.NoError(t, err)
	node.State = types.NodeStateFree
	require.NoError(t, repos.Nodes.Replace(node))

	s := newTestServer(t, repos)
	body, _ := json.Marshal(canScheduleRequest{MachineID: "m4", TaskID: "no-such-task", JobID: "no-such-job"})
	req := httptest.NewRequest("POST", "/agents/can_schedule", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleCanSchedule(w, req)
	require.Equal(t, 200, w.Code)

	var resp canScheduleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.False(t, resp.Allowed)
	require.True(t, resp.WorkStopped)
}

func TestCanScheduleAllowsFreeNodeWithRunnableTask(t *testing.T) {
	repos := newTestRepos(t)
	_, err := repos.Pools.Create("pool-e", types.OSLinux, "x64", true, "")
	require.NoError(t, err)
	node, err := repos.Nodes.Register("m5", "pool-e", "", "", "1.0", types.OSLinux)
	require.NoError(t, err)
	node.State = types.NodeStateFree
	require.NoError(t, repos.Nodes.Replace(node))

	job, err := repos.Jobs.Create("proj", "job", "build-1", 1, "", types.UserInfo{})
	require.NoError(t, err)
	task, err := repos.Tasks.Create(job, "task-1", types.TaskConfig{PoolName: "pool-e"}, types.OSLinux, types.UserInfo{})
	require.NoError(t, err)

	s := newTestServer(t, repos)
	body, _ := json.Marshal(canScheduleRequest{MachineID: "m5", TaskID: task.TaskID, JobID: job.JobID})
	req := httptest.NewRequest("POST", "/agents/can_schedule", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleCanSchedule(w, req)
	require.Equal(t, 200, w.Code)

	var resp canScheduleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Allowed)

	reloaded, err := repos.Nodes.Get("pool-e", "m5")
	require.NoError(t, err)
	require.True(t, reloaded.ScaleInProtected)
}

func TestEventsWorkerRunningThenDoneTransitionsTaskAndCleansNodeTasks(t *testing.T) {
	repos := newTestRepos(t)
	_, err := repos.Pools.Create("pool-f", types.OSLinux, "x64", true, "")
	require.NoError(t, err)
	_, err = repos.Nodes.Register("m6", "pool-f", "", "", "1.0", types.OSLinux)
	require.NoError(t, err)

	job, err := repos.Jobs.Create("proj", "job", "build-1", 1, "", types.UserInfo{})
	require.NoError(t, err)
	task, err := repos.Tasks.Create(job, "task-1", types.TaskConfig{PoolName: "pool-f"}, types.OSLinux, types.UserInfo{})
	require.NoError(t, err)
	task.State = types.TaskStateScheduled
	require.NoError(t, repos.Tasks.Replace(task))

	_, err = repos.NodeTasks.Create("m6", task.TaskID, job.JobID, types.TaskStateSettingUp)
	require.NoError(t, err)

	s := newTestServer(t, repos)

	runningEnv := types.AgentEventEnvelope{
		MachineID: "m6",
		EventID:   "e1",
		Event: types.NodeEvent{
			WorkerEvent: &types.WorkerEvent{Kind: "running", TaskID: task.TaskID, JobID: job.JobID},
		},
	}
	body, _ := json.Marshal(runningEnv)
	req := httptest.NewRequest("POST", "/agents/events", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleEvents(w, req)
	require.Equal(t, 200, w.Code)

	reloadedTask, err := repos.Tasks.Get(job.JobID, task.TaskID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStateRunning, reloadedTask.State)

	doneEnv := types.AgentEventEnvelope{
		MachineID: "m6",
		EventID:   "e2",
		Event: types.NodeEvent{
			WorkerEvent: &types.WorkerEvent{Kind: "done", TaskID: task.TaskID, JobID: job.JobID, Success: true},
		},
	}
	body, _ = json.Marshal(doneEnv)
	req = httptest.NewRequest("POST", "/agents/events", bytes.NewReader(body))
	w = httptest.NewRecorder()
	s.handleEvents(w, req)
	require.Equal(t, 200, w.Code)

	reloadedTask, err = repos.Tasks.Get(job.JobID, task.TaskID)
	require.NoError(t, err)
	require.Equal(t, types.TaskStateStopping, reloadedTask.State)

	rows, err := repos.NodeTasks.ListByMachine("m6")
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestCommandsGetReturnsOldestThenDeleteConsumesIt(t *testing.T) {
	repos := newTestRepos(t)
	s := newTestServer(t, repos)

	_, err := repos.NodeMessages.Enqueue("m7", types.NodeMessageStop, "")
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/agents/commands?machine_id=m7", nil)
	w := httptest.NewRecorder()
	s.handleGetCommands(w, req)
	require.Equal(t, 200, w.Code)

	var msg types.NodeMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	require.Equal(t, types.NodeMessageStop, msg.Kind)

	req = httptest.NewRequest("DELETE", "/agents/commands?machine_id=m7&message_id="+msg.MessageID, nil)
	w = httptest.NewRecorder()
	s.handleDeleteCommands(w, req)
	require.Equal(t, 200, w.Code)

	_, err = repos.NodeMessages.Oldest("m7")
	require.Error(t, err)
}
