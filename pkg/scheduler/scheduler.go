// Package scheduler implements the Scheduler component:
// transforming ready Tasks into WorkSets enqueued onto Pool queues.
// The scheduler is a single pass over the Waiting set, invoked on a
// timer plus an edge trigger, each step logged and metrics-timed,
// errors on one unit never aborting the pass. github.com/samber/lo
// does the Pool×colocate grouping.
package scheduler

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/onefuzz/controlplane/pkg/metrics"
	"github.com/onefuzz/controlplane/pkg/queue"
	"github.com/onefuzz/controlplane/pkg/repository"
	"github.com/onefuzz/controlplane/pkg/storage"
	"github.com/onefuzz/controlplane/pkg/types"
)

// Scheduler turns ready Tasks into WorkSets enqueued on Pool queues.
type Scheduler struct {
	repos  *repository.Repositories
	queue  *queue.Queue
	logger zerolog.Logger
}

// New constructs a Scheduler over the given collaborators.
func New(repos *repository.Repositories, q *queue.Queue, logger zerolog.Logger) *Scheduler {
	return &Scheduler{repos: repos, queue: q, logger: logger}
}

// bucketKey groups Waiting tasks by
// target Pool, and separately by whether they may be colocated.
type bucketKey struct {
	PoolName string
	Colocate bool
}

// envelope is the opaque message body the Pool's queue carries,
// referencing the WorkSet record rather than inlining it.
type envelope struct {
	WorkSetID string `json:"workset_id"`
}

// RunOnce performs a single scheduling pass: every Waiting Task whose
// Job and prerequisites are ready is bucketed into a WorkSet and
// enqueued. Errors against one Task or WorkSet are logged and do not
// abort the remaining work.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	waiting, err := s.repos.Tasks.Waiting()
	if err != nil {
		return errors.Wrap(err, "list waiting tasks")
	}

	ready := s.selectReady(waiting)
	if len(ready) == 0 {
		return nil
	}

	buckets := lo.GroupBy(ready, func(t *types.Task) bucketKey {
		return bucketKey{PoolName: t.Config.PoolName, Colocate: t.Config.Colocate}
	})

	for key, tasks := range buckets {
		sort.Slice(tasks, func(i, j int) bool {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		})

		for _, group := range s.packWorkSets(key, tasks) {
			if err := s.dispatch(ctx, key.PoolName, group); err != nil {
				s.logger.Error().Err(err).Str("pool_name", key.PoolName).Msg("failed to dispatch workset")
			}
		}
	}
	return nil
}

// selectReady picks the dispatchable set: a Waiting Task whose
// Job is still accepting work, whose listed prerequisites have all
// succeeded or are Running, and whose target Pool is Running.
func (s *Scheduler) selectReady(tasks []*types.Task) []*types.Task {
	return lo.Filter(tasks, func(t *types.Task, _ int) bool {
		job, err := s.repos.Jobs.Get(t.JobID)
		if err != nil {
			s.logger.Error().Err(err).Str("task_id", t.TaskID).Msg("failed to resolve job for waiting task")
			return false
		}
		if job.State == types.JobStateStopping || job.State == types.JobStateStopped {
			// The job began stopping between
			// selection and transition; the Task processor's
			// Stopping branch will pick this Task up instead.
			return false
		}
		if !t.ReadyToSchedule(job.State, s.prereqsSatisfied(t)) {
			return false
		}

		pool, err := s.repos.Pools.GetByName(t.Config.PoolName)
		if err != nil || pool.State != types.PoolStateRunning {
			return false
		}
		return true
	})
}

// prereqsSatisfied reports whether every prerequisite task listed in
// t's config is Running or stopped successfully.
func (s *Scheduler) prereqsSatisfied(t *types.Task) bool {
	for _, prereqID := range t.Config.PrereqTasks {
		prereq, err := s.repos.Tasks.Get(t.JobID, prereqID)
		if err != nil {
			return false
		}
		succeededStopped := prereq.State == types.TaskStateStopped && prereq.Error == nil
		if prereq.State != types.TaskStateRunning && !succeededStopped {
			return false
		}
	}
	return true
}

// packWorkSets builds the dispatch units: colocated tasks are packed
// consecutively up to the per-pool vm_count ceiling; non-colocated
// tasks each become their own single-task group.
func (s *Scheduler) packWorkSets(key bucketKey, tasks []*types.Task) [][]*types.Task {
	if !key.Colocate {
		return lo.Map(tasks, func(t *types.Task, _ int) []*types.Task {
			return []*types.Task{t}
		})
	}

	var groups [][]*types.Task
	var current []*types.Task
	vmCount := 0
	limit := types.DefaultMaxVMCountPerWorkSet

	for _, t := range tasks {
		if len(current) > 0 && vmCount+t.Config.VMCount > limit {
			groups = append(groups, current)
			current = nil
			vmCount = 0
		}
		current = append(current, t)
		vmCount += t.Config.VMCount
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

// dispatch commits one WorkSet: insert the WorkSet record, enqueue
// its envelope, and conditionally transition each member Task to
// Scheduled. A VersionConflict on any member abandons the WorkSet for
// that task only — the envelope stays enqueued, so nothing is lost,
// and the task is picked up again on the next pass while still
// Waiting.
func (s *Scheduler) dispatch(ctx context.Context, poolName string, tasks []*types.Task) error {
	wsTasks := make([]types.WorkSetTask, 0, len(tasks))
	rebootAfterSetup := false
	for _, t := range tasks {
		wsTasks = append(wsTasks, types.WorkSetTask{JobID: t.JobID, TaskID: t.TaskID, Config: t.Config})
		if t.Config.RebootAfterSetup {
			rebootAfterSetup = true
		}
	}

	ws, err := s.repos.WorkSets.Create(poolName, "", wsTasks, rebootAfterSetup)
	if err != nil {
		return errors.Wrap(err, "create workset")
	}

	pool, err := s.repos.Pools.GetByName(poolName)
	if err != nil {
		return errors.Wrap(err, "resolve pool queue name")
	}

	body, err := json.Marshal(envelope{WorkSetID: ws.WorkSetID})
	if err != nil {
		return errors.Wrap(err, "marshal workset envelope")
	}
	if _, err := s.queue.Enqueue(ctx, pool.QueueName, body, 0); err != nil {
		return errors.Wrap(err, "enqueue workset envelope")
	}

	for _, t := range tasks {
		t.State = types.TaskStateScheduled
		if err := s.repos.Tasks.Replace(t); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				s.logger.Warn().Str("task_id", t.TaskID).Str("workset_id", ws.WorkSetID).Msg("task changed concurrently, abandoning its place in this workset")
				metrics.SchedulerAbandonedWorkSets.Inc()
				continue
			}
			s.logger.Error().Err(err).Str("task_id", t.TaskID).Msg("failed to transition scheduled task")
			continue
		}
		metrics.TasksScheduled.Inc()
	}
	metrics.WorkSetsEnqueued.Inc()
	return nil
}

// Run drives RunOnce on interval until ctx is cancelled. pkg/periodic
// does not use it: it calls RunOnce from its own "scheduler" timer and
// again at the end of every "tasks" tick, right after the Task
// processor has moved tasks to Waiting.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("scheduler pass failed")
			}
		}
	}
}
