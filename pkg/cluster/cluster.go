// Package cluster replicates the Record Store across replicas via
// Raft so that every control-plane mutation is durable on a majority
// of nodes before any caller treats it as committed. Reads never
// cross the wire: each replica serves them from its local store,
// writes go through the leader's Raft log.
package cluster

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/pkg/errors"

	"github.com/onefuzz/controlplane/pkg/events"
	"github.com/onefuzz/controlplane/pkg/log"
	"github.com/onefuzz/controlplane/pkg/metrics"
	"github.com/onefuzz/controlplane/pkg/storage"
)

// Op names the mutation a Command performs.
type Op string

const (
	OpInsert  Op = "insert"
	OpReplace Op = "replace"
	OpDelete  Op = "delete"
)

// Kind names which TypedStore a Command addresses.
type Kind string

const (
	KindJob          Kind = "job"
	KindTask         Kind = "task"
	KindPool         Kind = "pool"
	KindScaleset     Kind = "scaleset"
	KindNode         Kind = "node"
	KindNodeTasks    Kind = "node_tasks"
	KindNodeMessage  Kind = "node_message"
	KindProxyForward Kind = "proxy_forward"
	KindWorkSet      Kind = "workset"
	KindTaskEvent    Kind = "task_event"
)

// Command is the unit of Raft replication: every mutation to the
// Record Store goes through Apply as one of these.
type Command struct {
	Kind Kind            `json:"kind"`
	Op   Op              `json:"op"`
	Data json.RawMessage `json:"data"`
}

// commandResult is what FSM.Apply hands back through
// raft.ApplyFuture.Response().
type commandResult struct {
	Err error
}

// ErrNotLeader is returned by Apply when called against a follower;
// only the Raft leader accepts writes.
var ErrNotLeader = errors.New("cluster: this node is not the raft leader")

// Config configures a single replica.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Cluster wraps one Raft-replicated replica of the Record Store.
type Cluster struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft *raft.Raft
	fsm  *FSM

	Store  *storage.Store
	Events *events.Broker
}

// New opens the local Record Store and event broker but does not start
// Raft; call Bootstrap or Join afterward.
func New(cfg Config) (*Cluster, error) {
	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	broker := events.NewBroker()
	broker.Start()

	return &Cluster{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      newFSM(store, broker),
		Store:    store,
		Events:   broker,
	}, nil
}

// setupRaft builds the Raft node with timeouts tuned for a small,
// low-latency control-plane cluster, TCP transport, file snapshots,
// and BoltDB log/stable stores.
func (c *Cluster) setupRaft() (*raft.Raft, error) {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(c.nodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", c.bindAddr)
	if err != nil {
		return nil, errors.Wrap(err, "resolve bind address")
	}
	transport, err := raft.NewTCPTransport(c.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, errors.Wrap(err, "create tcp transport")
	}

	snapshots, err := raft.NewFileSnapshotStore(filepath.Join(c.dataDir, "snapshots"), 2, os.Stderr)
	if err != nil {
		return nil, errors.Wrap(err, "create snapshot store")
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-log.db"))
	if err != nil {
		return nil, errors.Wrap(err, "create raft log store")
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, errors.Wrap(err, "create raft stable store")
	}

	return raft.NewRaft(config, c.fsm, logStore, stableStore, snapshots, transport)
}

// Bootstrap starts Raft as the sole member of a brand-new cluster.
func (c *Cluster) Bootstrap() error {
	r, err := c.setupRaft()
	if err != nil {
		return err
	}
	c.raft = r

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(c.nodeID), Address: raft.ServerAddress(c.bindAddr)},
		},
	})
	if err := future.Error(); err != nil {
		return errors.Wrap(err, "bootstrap cluster")
	}
	clusterLog := log.WithComponent("cluster")
	clusterLog.Info().Str("node_id", c.nodeID).Msg("bootstrapped single-node raft cluster")
	return nil
}

type joinRequest struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
}

// Join starts this replica's local Raft instance unbootstrapped and
// asks an existing leader to add it as a voter over the same
// JSON/HTTPS admin surface, rather than a bespoke manager-to-manager
// protocol: the control plane's only wire format is JSON/HTTPS.
func (c *Cluster) Join(leaderAdminAddr string) error {
	r, err := c.setupRaft()
	if err != nil {
		return err
	}
	c.raft = r

	body, err := json.Marshal(joinRequest{NodeID: c.nodeID, Address: c.bindAddr})
	if err != nil {
		return errors.Wrap(err, "marshal join request")
	}

	url := fmt.Sprintf("http://%s/admin/cluster/join", leaderAdminAddr)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "contact leader")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cluster: join rejected by leader: %s", resp.Status)
	}
	return nil
}

// AddVoter is called by the leader's admin handler in response to a
// joinRequest to actually admit the new replica to the configuration.
func (c *Cluster) AddVoter(nodeID, address string) error {
	if c.raft.State() != raft.Leader {
		return ErrNotLeader
	}
	future := c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	return future.Error()
}

// RemoveServer evicts a replica from the Raft configuration, used when
// an operator decommissions a control-plane node.
func (c *Cluster) RemoveServer(nodeID string) error {
	if c.raft.State() != raft.Leader {
		return ErrNotLeader
	}
	future := c.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	return future.Error()
}

// GetClusterServers returns the current Raft configuration.
func (c *Cluster) GetClusterServers() ([]raft.Server, error) {
	future := c.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, err
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this replica currently holds Raft
// leadership; only the leader accepts Apply calls. A replica that has
// not yet called Bootstrap or Join has no Raft node at all and is
// never a leader.
func (c *Cluster) IsLeader() bool {
	return c.raft != nil && c.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's bind address, or "" if none
// is known.
func (c *Cluster) LeaderAddr() string {
	if c.raft == nil {
		return ""
	}
	addr, _ := c.raft.LeaderWithID()
	return string(addr)
}

// RefreshMetrics publishes this replica's Raft status to Prometheus;
// the serve loop drives it on a fixed tick.
func (c *Cluster) RefreshMetrics() {
	if c.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}
	if idx, ok := c.raft.Stats()["applied_index"]; ok {
		if v, err := strconv.ParseFloat(idx, 64); err == nil {
			metrics.RaftAppliedIndex.Set(v)
		}
	}
}

// Shutdown stops the event broker and the Raft node, then closes the
// underlying store, in that order so no in-flight apply lands on a
// closed database.
func (c *Cluster) Shutdown() error {
	c.Events.Stop()
	if c.raft != nil {
		if err := c.raft.Shutdown().Error(); err != nil {
			return errors.Wrap(err, "shutdown raft")
		}
	}
	return c.Store.Close()
}

// Apply commits a single typed mutation through Raft and blocks until
// this node's FSM has applied it: marshal, raft.Apply, unwrap
// future.Response(). T/PT mirror pkg/storage's Entity constraint so
// callers pass the same concrete *types.X the repositories already
// hold. On a successful insert or replace, the caller's entity is
// advanced to the stamp every replica's state machine computed for
// this write, so the caller may keep mutating the same value.
func Apply[T any, PT storage.Entity[T]](c *Cluster, kind Kind, op Op, entity PT) error {
	if !c.IsLeader() {
		return ErrNotLeader
	}

	data, err := json.Marshal(entity)
	if err != nil {
		return errors.Wrap(err, "marshal command payload")
	}
	raw, err := json.Marshal(Command{Kind: kind, Op: op, Data: data})
	if err != nil {
		return errors.Wrap(err, "marshal command")
	}

	timer := metrics.NewTimer()
	future := c.raft.Apply(raw, 5*time.Second)
	timer.ObserveDuration(metrics.RaftApplyDuration)

	if err := future.Error(); err != nil {
		return errors.Wrap(err, "raft apply")
	}
	if result, ok := future.Response().(commandResult); ok {
		if result.Err != nil {
			return result.Err
		}
	}
	if op == OpInsert || op == OpReplace {
		meta := entity.RecordMeta()
		meta.ETag = storage.NextETag(meta.ETag, data)
	}
	return nil
}
