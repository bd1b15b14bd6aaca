package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/raft"

	"github.com/onefuzz/controlplane/pkg/events"
	"github.com/onefuzz/controlplane/pkg/storage"
	"github.com/onefuzz/controlplane/pkg/types"
)

// FSM applies replicated Commands against the local Record Store and
// republishes the resulting mutation on the in-process event broker so
// pkg/realtime's websocket hub observes it without polling. The FSM is
// lock-free: every underlying TypedStore op is already transactional.
type FSM struct {
	store  *storage.Store
	broker *events.Broker
}

func newFSM(store *storage.Store, broker *events.Broker) *FSM {
	return &FSM{store: store, broker: broker}
}

// Apply implements raft.FSM. The returned commandResult is unwrapped by
// Apply[T] on the caller that issued the command.
func (f *FSM) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return commandResult{Err: fmt.Errorf("fsm: unmarshal command: %w", err)}
	}
	return commandResult{Err: f.apply(cmd)}
}

func (f *FSM) apply(cmd Command) error {
	switch cmd.Kind {
	case KindJob:
		job, err := applyEntity(f.store.Jobs, cmd.Op, cmd.Data)
		if err == nil {
			f.publishJobEvent(cmd.Op, job)
		}
		return err

	case KindTask:
		task, err := applyEntity(f.store.Tasks, cmd.Op, cmd.Data)
		if err == nil {
			f.publishTaskEvent(cmd.Op, task)
		}
		return err

	case KindPool:
		_, err := applyEntity(f.store.Pools, cmd.Op, cmd.Data)
		return err

	case KindScaleset:
		scaleset, err := applyEntity(f.store.Scalesets, cmd.Op, cmd.Data)
		if err == nil && cmd.Op == OpReplace {
			f.publish(types.EventScalesetResize, scaleset)
		}
		return err

	case KindNode:
		node, err := applyEntity(f.store.Nodes, cmd.Op, cmd.Data)
		if err == nil {
			f.publishNodeEvent(cmd.Op, node)
		}
		return err

	case KindNodeTasks:
		_, err := applyEntity(f.store.NodeTasks, cmd.Op, cmd.Data)
		return err

	case KindNodeMessage:
		_, err := applyEntity(f.store.NodeMessages, cmd.Op, cmd.Data)
		return err

	case KindProxyForward:
		_, err := applyEntity(f.store.ProxyForwards, cmd.Op, cmd.Data)
		return err

	case KindWorkSet:
		_, err := applyEntity(f.store.WorkSets, cmd.Op, cmd.Data)
		return err

	case KindTaskEvent:
		_, err := applyEntity(f.store.TaskEvents, cmd.Op, cmd.Data)
		return err

	default:
		return fmt.Errorf("fsm: unknown command kind %q", cmd.Kind)
	}
}

// applyEntity decodes data into a fresh T and dispatches it to the
// matching TypedStore method. Kept as a free function, not a Cluster
// method, since Go methods cannot carry their own type parameters.
func applyEntity[T any, PT storage.Entity[T]](store *storage.TypedStore[T, PT], op Op, data json.RawMessage) (PT, error) {
	var t T
	pt := PT(&t)
	if err := json.Unmarshal(data, pt); err != nil {
		return nil, fmt.Errorf("fsm: unmarshal payload: %w", err)
	}

	var err error
	switch op {
	case OpInsert:
		err = store.Insert(pt)
	case OpReplace:
		err = store.Replace(pt)
	case OpDelete:
		err = store.Delete(pt)
	default:
		err = fmt.Errorf("fsm: unknown op %q", op)
	}
	return pt, err
}

func (f *FSM) publish(kind types.ControlPlaneEventKind, payload interface{}) {
	f.broker.Publish(&types.ControlPlaneEvent{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func (f *FSM) publishJobEvent(op Op, job *types.Job) {
	switch {
	case op == OpInsert:
		f.publish(types.EventJobCreated, job)
	case op == OpReplace && job.State == types.JobStateStopped:
		f.publish(types.EventJobStopped, job)
	}
}

func (f *FSM) publishTaskEvent(op Op, task *types.Task) {
	switch {
	case op == OpInsert:
		f.publish(types.EventTaskCreated, task)
	case op == OpReplace && task.Error != nil:
		f.publish(types.EventTaskFailed, task)
	case op == OpReplace && task.State == types.TaskStateStopped:
		f.publish(types.EventTaskStopped, task)
	}
}

func (f *FSM) publishNodeEvent(op Op, node *types.Node) {
	switch op {
	case OpInsert:
		f.publish(types.EventNodeCreated, node)
	case OpDelete:
		f.publish(types.EventNodeDeleted, node)
	}
}

// snapshot is the serialized form of the entire Record Store taken for
// Raft log compaction.
type snapshot struct {
	Jobs          []*types.Job          `json:"jobs"`
	Tasks         []*types.Task         `json:"tasks"`
	Pools         []*types.Pool         `json:"pools"`
	Scalesets     []*types.Scaleset     `json:"scalesets"`
	Nodes         []*types.Node         `json:"nodes"`
	NodeTasks     []*types.NodeTasks    `json:"node_tasks"`
	NodeMessages  []*types.NodeMessage  `json:"node_messages"`
	ProxyForwards []*types.ProxyForward `json:"proxy_forwards"`
	WorkSets      []*types.WorkSet      `json:"worksets"`
	TaskEvents    []*types.TaskEvent    `json:"task_events"`
}

// Snapshot implements raft.FSM.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	jobs, err := f.store.Jobs.Query(nil)
	if err != nil {
		return nil, err
	}
	tasks, err := f.store.Tasks.Query(nil)
	if err != nil {
		return nil, err
	}
	pools, err := f.store.Pools.Query(nil)
	if err != nil {
		return nil, err
	}
	scalesets, err := f.store.Scalesets.Query(nil)
	if err != nil {
		return nil, err
	}
	nodes, err := f.store.Nodes.Query(nil)
	if err != nil {
		return nil, err
	}
	nodeTasks, err := f.store.NodeTasks.Query(nil)
	if err != nil {
		return nil, err
	}
	nodeMessages, err := f.store.NodeMessages.Query(nil)
	if err != nil {
		return nil, err
	}
	proxyForwards, err := f.store.ProxyForwards.Query(nil)
	if err != nil {
		return nil, err
	}
	workSets, err := f.store.WorkSets.Query(nil)
	if err != nil {
		return nil, err
	}
	taskEvents, err := f.store.TaskEvents.Query(nil)
	if err != nil {
		return nil, err
	}

	return &fsmSnapshot{snapshot: snapshot{
		Jobs:          jobs,
		Tasks:         tasks,
		Pools:         pools,
		Scalesets:     scalesets,
		Nodes:         nodes,
		NodeTasks:     nodeTasks,
		NodeMessages:  nodeMessages,
		ProxyForwards: proxyForwards,
		WorkSets:      workSets,
		TaskEvents:    taskEvents,
	}}, nil
}

// Restore implements raft.FSM. Existing records with the same key are
// overwritten by restoring via Insert-or-Replace semantics; a fresh
// bbolt-backed Store always restores into an empty set of buckets.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("fsm: decode snapshot: %w", err)
	}

	for _, j := range snap.Jobs {
		if err := f.store.Jobs.Insert(j); err != nil {
			return err
		}
	}
	for _, t := range snap.Tasks {
		if err := f.store.Tasks.Insert(t); err != nil {
			return err
		}
	}
	for _, p := range snap.Pools {
		if err := f.store.Pools.Insert(p); err != nil {
			return err
		}
	}
	for _, s := range snap.Scalesets {
		if err := f.store.Scalesets.Insert(s); err != nil {
			return err
		}
	}
	for _, n := range snap.Nodes {
		if err := f.store.Nodes.Insert(n); err != nil {
			return err
		}
	}
	for _, nt := range snap.NodeTasks {
		if err := f.store.NodeTasks.Insert(nt); err != nil {
			return err
		}
	}
	for _, nm := range snap.NodeMessages {
		if err := f.store.NodeMessages.Insert(nm); err != nil {
			return err
		}
	}
	for _, pf := range snap.ProxyForwards {
		if err := f.store.ProxyForwards.Insert(pf); err != nil {
			return err
		}
	}
	for _, ws := range snap.WorkSets {
		if err := f.store.WorkSets.Insert(ws); err != nil {
			return err
		}
	}
	for _, te := range snap.TaskEvents {
		if err := f.store.TaskEvents.Insert(te); err != nil {
			return err
		}
	}
	return nil
}

type fsmSnapshot struct {
	snapshot snapshot
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s.snapshot)
	if err != nil {
		sink.Cancel()
		return err
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
