// Package storage implements the Record Store Abstraction: typed
// entity CRUD with optimistic concurrency over a key/value table
// service. The reference backend is BoltDB with a bucket per entity
// kind; every mutation is conditioned on a version stamp.
package storage

import (
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/onefuzz/controlplane/pkg/types"
)

var (
	bucketJobs          = []byte("jobs")
	bucketTasks         = []byte("tasks")
	bucketPools         = []byte("pools")
	bucketScalesets     = []byte("scalesets")
	bucketNodes         = []byte("nodes")
	bucketNodeTasks     = []byte("node_tasks")
	bucketNodeMessages  = []byte("node_messages")
	bucketProxyForwards = []byte("proxy_forwards")
	bucketWorkSets      = []byte("worksets")
	bucketTaskEvents    = []byte("task_events")

	allBuckets = [][]byte{
		bucketJobs, bucketTasks, bucketPools, bucketScalesets, bucketNodes,
		bucketNodeTasks, bucketNodeMessages, bucketProxyForwards,
		bucketWorkSets, bucketTaskEvents,
	}
)

// Store is the Record Store Abstraction: one TypedStore per entity
// kind, each independently addressable by the
// repositories in pkg/repository.
type Store struct {
	db *bolt.DB

	Jobs          *TypedStore[types.Job, *types.Job]
	Tasks         *TypedStore[types.Task, *types.Task]
	Pools         *TypedStore[types.Pool, *types.Pool]
	Scalesets     *TypedStore[types.Scaleset, *types.Scaleset]
	Nodes         *TypedStore[types.Node, *types.Node]
	NodeTasks     *TypedStore[types.NodeTasks, *types.NodeTasks]
	NodeMessages  *TypedStore[types.NodeMessage, *types.NodeMessage]
	ProxyForwards *TypedStore[types.ProxyForward, *types.ProxyForward]
	WorkSets      *TypedStore[types.WorkSet, *types.WorkSet]
	TaskEvents    *TypedStore[types.TaskEvent, *types.TaskEvent]
}

// Open opens (creating if absent) a BoltDB-backed Store rooted at
// dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "controlplane.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open boltdb")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:            db,
		Jobs:          newTypedStore[types.Job](db, bucketJobs),
		Tasks:         newTypedStore[types.Task](db, bucketTasks),
		Pools:         newTypedStore[types.Pool](db, bucketPools),
		Scalesets:     newTypedStore[types.Scaleset](db, bucketScalesets),
		Nodes:         newTypedStore[types.Node](db, bucketNodes),
		NodeTasks:     newTypedStore[types.NodeTasks](db, bucketNodeTasks),
		NodeMessages:  newTypedStore[types.NodeMessage](db, bucketNodeMessages),
		ProxyForwards: newTypedStore[types.ProxyForward](db, bucketProxyForwards),
		WorkSets:      newTypedStore[types.WorkSet](db, bucketWorkSets),
		TaskEvents:    newTypedStore[types.TaskEvent](db, bucketTaskEvents),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Reachable performs a cheap read to confirm the database is usable,
// used by the readiness handler in pkg/api.
func (s *Store) Reachable() error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if b == nil {
			return errors.New("storage: jobs bucket missing")
		}
		return nil
	})
}
