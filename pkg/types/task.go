package types

import "time"

// TaskState is the lifecycle state of a Task.
type TaskState string

const (
	TaskStateInit       TaskState = "init"
	TaskStateWaiting    TaskState = "waiting"
	TaskStateScheduled  TaskState = "scheduled"
	TaskStateSettingUp  TaskState = "setting_up"
	TaskStateRunning    TaskState = "running"
	TaskStateStopping   TaskState = "stopping"
	TaskStateStopped    TaskState = "stopped"
	TaskStateWaitJob    TaskState = "wait_job"
)

// ShutdownStates is the subset of TaskState in which a task is
// winding down or finished.
var ShutdownStates = map[TaskState]bool{
	TaskStateStopping: true,
	TaskStateStopped:  true,
}

// InShutdown reports whether s is in the shutdown subset.
func (s TaskState) InShutdown() bool { return ShutdownStates[s] }

// Terminal reports whether the state never transitions further.
func (s TaskState) Terminal() bool { return s == TaskStateStopped }

// DefaultTaskHeartbeatTimeout is the default staleness window after
// which a Running Task with no heartbeat is forced to Stopping.
const DefaultTaskHeartbeatTimeout = 30 * time.Minute

// OS identifies the operating system a Task or Pool targets.
type OS string

const (
	OSLinux   OS = "linux"
	OSWindows OS = "windows"
)

// TaskType names the kind of fuzzing workload (libfuzzer_fuzz, afl,
// generic_analysis, …). Left open-ended; the core does not interpret it
// beyond using it as an opaque config field handed to the agent.
type TaskType string

// TaskConfig is the user-supplied definition of what a Task runs. It is
// immutable after creation.
type TaskConfig struct {
	Type              TaskType `json:"type"`
	Containers        map[string]string `json:"containers"`
	PoolName          string   `json:"pool_name"`
	VMCount           int      `json:"vm_count"`
	Debug             []string `json:"debug,omitempty"`
	PrereqTasks       []string `json:"prereq_tasks,omitempty"`
	Colocate          bool     `json:"colocate,omitempty"`
	RebootAfterSetup  bool     `json:"reboot_after_setup,omitempty"`
}

// Task is a single fuzzing workload definition scheduled onto Nodes.
// Partition is job_id, Row is task_id.
type Task struct {
	Meta

	JobID         string     `json:"job_id"`
	TaskID        string     `json:"task_id"`
	State         TaskState  `json:"state"`
	Config        TaskConfig `json:"config"`
	OS            OS         `json:"os"`
	AuthSecretID  string     `json:"auth_secret_id,omitempty"`
	Heartbeat     time.Time  `json:"heartbeat,omitempty"`
	EndTime       time.Time  `json:"end_time,omitempty"`
	Error         *Error     `json:"error,omitempty"`
	UserInfo      UserInfo   `json:"user_info"`
	CreatedAt     time.Time  `json:"created_at"`
}

// HeartbeatStale reports whether a Running Task's heartbeat has aged
// past timeout.
func (t *Task) HeartbeatStale(now time.Time, timeout time.Duration) bool {
	if t.Heartbeat.IsZero() {
		return false
	}
	return now.Sub(t.Heartbeat) > timeout
}

// ReadyToSchedule reports the Scheduler's per-task eligibility
// predicate, given the resolved states of its
// prerequisites (true = Running or Stopped-successfully).
func (t *Task) ReadyToSchedule(jobState JobState, prereqsSatisfied bool) bool {
	if t.State != TaskStateWaiting {
		return false
	}
	if jobState != JobStateInit && jobState != JobStateEnabled {
		return false
	}
	return prereqsSatisfied
}
