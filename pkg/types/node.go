package types

import "time"

// NodeState is the lifecycle state of a Node.
type NodeState string

const (
	NodeStateInit      NodeState = "init"
	NodeStateFree      NodeState = "free"
	NodeStateSettingUp NodeState = "setting_up"
	NodeStateRebooting NodeState = "rebooting"
	NodeStateReady     NodeState = "ready"
	NodeStateBusy      NodeState = "busy"
	NodeStateDone      NodeState = "done"
	NodeStateShutdown  NodeState = "shutdown"
	NodeStateHalt      NodeState = "halt"
)

// ReadyForReset is the subset of NodeState eligible for reimage.
var ReadyForReset = map[NodeState]bool{
	NodeStateDone:     true,
	NodeStateShutdown: true,
	NodeStateHalt:     true,
}

// InReadyForReset reports whether s is in the ReadyForReset subset.
func (s NodeState) InReadyForReset() bool { return ReadyForReset[s] }

// Terminal reports whether the state never transitions further.
func (s NodeState) Terminal() bool { return s == NodeStateHalt }

// DefaultNodeHeartbeatTimeout is the staleness window after which a
// Node is considered dead.
const DefaultNodeHeartbeatTimeout = 15 * time.Minute

// BusyWithoutWorkGrace is the heartbeat age past which
// CleanupBusyNodesWithoutWork force-transitions a Busy Node holding no
// NodeTasks rows to Done.
const BusyWithoutWorkGrace = 30 * time.Minute

// Node is the control-plane record of a single worker VM. Partition is
// pool name, Row is machine id.
type Node struct {
	Meta

	MachineID         string    `json:"machine_id"`
	PoolName          string    `json:"pool_name"`
	PoolID            string    `json:"pool_id"`
	ScalesetID        string    `json:"scaleset_id,omitempty"`
	InstanceID        string    `json:"instance_id,omitempty"`
	AgentVersion      string    `json:"agent_version"`
	OS                OS        `json:"os"`
	Managed           bool      `json:"managed"`
	State             NodeState `json:"state"`
	InitializedAt     time.Time `json:"initialized_at,omitempty"`
	Heartbeat         time.Time `json:"heartbeat,omitempty"`
	ReimageRequested  bool      `json:"reimage_requested,omitempty"`
	DeleteRequested   bool      `json:"delete_requested,omitempty"`
	DebugKeep         bool      `json:"debug_keep,omitempty"`
	ScaleInProtected  bool      `json:"scale_in_protected,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// HeartbeatStale reports whether the Node has missed heartbeats past
// timeout.
func (n *Node) HeartbeatStale(now time.Time, timeout time.Duration) bool {
	if n.Heartbeat.IsZero() {
		return false
	}
	return now.Sub(n.Heartbeat) > timeout
}

// NodeTasks associates a machine with a task it is executing. Partition is machine id, Row is task id.
type NodeTasks struct {
	Meta

	MachineID string    `json:"machine_id"`
	TaskID    string    `json:"task_id"`
	JobID     string    `json:"job_id"`
	State     TaskState `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// NodeMessageKind enumerates the command envelopes addressed to a Node.
type NodeMessageKind string

const (
	NodeMessageStop      NodeMessageKind = "stop"
	NodeMessageReimage   NodeMessageKind = "reimage"
	NodeMessageAddSSHKey NodeMessageKind = "add_ssh_key"
)

// NodeMessage is a command envelope addressed to a single machine,
// delivered via get/delete polling. Payload carries
// kind-specific data (the public key for add_ssh_key); TaskID is
// populated for stop commands issued against a specific task.
type NodeMessage struct {
	Meta

	MachineID string          `json:"machine_id"`
	MessageID string          `json:"message_id"`
	Kind      NodeMessageKind `json:"kind"`
	TaskID    string          `json:"task_id,omitempty"`
	Payload   string          `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ProxyForward is the relationship between a user debug session and a
// scaleset node.
type ProxyForward struct {
	Meta

	ScalesetID string    `json:"scaleset_id"`
	MachineID  string    `json:"machine_id"`
	DstPort    int       `json:"dst_port"`
	Region     string    `json:"region"`
	ProxyID    string    `json:"proxy_id"`
	Expiry     time.Time `json:"expiry"`
}

// Expired reports whether a ProxyForward's lease has lapsed.
func (p *ProxyForward) Expired(now time.Time) bool {
	return now.After(p.Expiry)
}
