package periodic

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/onefuzz/controlplane/pkg/metrics"
	"github.com/onefuzz/controlplane/pkg/queue"
	"github.com/onefuzz/controlplane/pkg/storage"
	"github.com/onefuzz/controlplane/pkg/types"
)

// logProcessorErr records a processor failure: version conflicts are
// expected contention (counted, retried next tick), anything else is
// logged as an error.
func (d *Drivers) logProcessorErr(err error, entity, id string) {
	if errors.Is(err, storage.ErrVersionConflict) {
		metrics.ProcessorVersionConflicts.WithLabelValues(entity).Inc()
		d.logger.Debug().Str("entity", entity).Str("id", id).Msg("lost to concurrent writer, retrying next tick")
		return
	}
	d.logger.Error().Err(err).Str("entity", entity).Str("id", id).Msg("processor failed")
}

// forEach processes entities with at most MaxConcurrentPerEntity in
// flight. Ordering across entities is not guaranteed; per-entity
// serialization is the version stamp's job, not this pool's.
func forEach[T any](items []T, fn func(T)) {
	sem := make(chan struct{}, MaxConcurrentPerEntity)
	var wg sync.WaitGroup
	for _, item := range items {
		sem <- struct{}{}
		wg.Add(1)
		go func(it T) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(it)
		}(item)
	}
	wg.Wait()
}

// runScheduler drives the "tasks" cadence's sibling: the Scheduler's
// own bucketing pass.
func (d *Drivers) runScheduler(ctx context.Context) {
	if err := d.sched.RunOnce(ctx); err != nil {
		d.logger.Error().Err(err).Str("timer", "scheduler").Msg("scheduler pass failed")
	}
}

// runWorkers implements the "workers" timer. Each entity kind is driven to completion
// before the next begins, since Scaleset transitions (e.g. Shutdown)
// are responsive to Pool and Node state.
func (d *Drivers) runWorkers(ctx context.Context) {
	pools, err := d.procs.Pool.SearchNeedsWork()
	if err != nil {
		d.logger.Error().Err(err).Str("timer", "workers").Str("entity", "pool").Msg("search failed")
	}
	forEach(pools, func(pool *types.Pool) {
		if _, err := d.procs.Pool.ProcessStateUpdate(pool); err != nil {
			d.logProcessorErr(err, "pool", pool.PoolID)
		}
	})

	nodes, err := d.procs.Node.SearchNeedsWork()
	if err != nil {
		d.logger.Error().Err(err).Str("timer", "workers").Str("entity", "node").Msg("search failed")
	}
	forEach(nodes, func(node *types.Node) {
		if _, err := d.procs.Node.ProcessStateUpdate(node); err != nil {
			d.logProcessorErr(err, "node", node.MachineID)
		}
	})

	if err := d.procs.Node.MarkOutdatedNodes(); err != nil {
		d.logger.Error().Err(err).Str("timer", "workers").Msg("mark outdated nodes failed")
	}
	if err := d.procs.Node.CleanupBusyNodesWithoutWork(); err != nil {
		d.logger.Error().Err(err).Str("timer", "workers").Msg("cleanup busy-without-work nodes failed")
	}

	scalesets, err := d.procs.Scaleset.SearchNeedsWork()
	if err != nil {
		d.logger.Error().Err(err).Str("timer", "workers").Str("entity", "scaleset").Msg("search failed")
	}
	forEach(scalesets, func(ss *types.Scaleset) {
		if _, err := d.procs.Scaleset.ProcessStateUpdate(ss); err != nil {
			d.logProcessorErr(err, "scaleset", ss.ScalesetID)
		}
	})

	d.refreshWorkerGauges(ctx)
}

// refreshWorkerGauges re-publishes the pool/scaleset/node state gauges
// and each Running pool's queue depth.
func (d *Drivers) refreshWorkerGauges(ctx context.Context) {
	pools, err := d.repos.Pools.List(nil)
	if err == nil {
		metrics.PoolsTotal.Reset()
		for _, p := range pools {
			metrics.PoolsTotal.WithLabelValues(string(p.State)).Inc()
			if p.State == types.PoolStateRunning && d.queue != nil {
				if depth, derr := d.queue.Depth(ctx, p.QueueName); derr == nil {
					metrics.QueueDepth.WithLabelValues(p.QueueName).Set(float64(depth))
				}
			}
		}
	}

	scalesets, err := d.repos.Scalesets.List(nil)
	if err == nil {
		metrics.ScalesetsTotal.Reset()
		for _, ss := range scalesets {
			metrics.ScalesetsTotal.WithLabelValues(string(ss.State)).Inc()
		}
	}

	nodes, err := d.repos.Nodes.List(nil)
	if err == nil {
		metrics.NodesTotal.Reset()
		for _, n := range nodes {
			metrics.NodesTotal.WithLabelValues(n.PoolName, string(n.State)).Inc()
		}
	}
}

// runTasks implements the "tasks" timer. Tasks are driven before Jobs so a
// Job whose last Task just finished sees the up-to-date state on the
// same tick, then the Scheduler runs last so newly-Waiting tasks from
// this same tick are immediately eligible.
func (d *Drivers) runTasks(ctx context.Context) {
	tasks, err := d.procs.Task.SearchNeedsWork()
	if err != nil {
		d.logger.Error().Err(err).Str("timer", "tasks").Str("entity", "task").Msg("search failed")
	}
	forEach(tasks, func(t *types.Task) {
		if _, err := d.procs.Task.ProcessStateUpdate(t); err != nil {
			d.logProcessorErr(err, "task", t.TaskID)
		}
	})

	jobs, err := d.procs.Job.SearchNeedsWork()
	if err != nil {
		d.logger.Error().Err(err).Str("timer", "tasks").Str("entity", "job").Msg("search failed")
	}
	forEach(jobs, func(j *types.Job) {
		if _, err := d.procs.Job.ProcessStateUpdate(j); err != nil {
			d.logProcessorErr(err, "job", j.JobID)
		}
	})

	if err := d.sched.RunOnce(ctx); err != nil {
		d.logger.Error().Err(err).Str("timer", "tasks").Msg("scheduler pass failed")
	}

	d.refreshTaskGauges()
}

// refreshTaskGauges re-publishes the job/task state gauges.
func (d *Drivers) refreshTaskGauges() {
	jobs, err := d.repos.Jobs.List(nil)
	if err == nil {
		metrics.JobsTotal.Reset()
		for _, j := range jobs {
			metrics.JobsTotal.WithLabelValues(string(j.State)).Inc()
		}
	}

	tasks, err := d.repos.Tasks.List(nil)
	if err == nil {
		metrics.TasksTotal.Reset()
		for _, t := range tasks {
			metrics.TasksTotal.WithLabelValues(string(t.State)).Inc()
		}
	}
}

// runProxy implements the "proxy" timer: every lapsed forwarding rule is deleted.
// The proxy VM itself owns the actual tunnel teardown; this
// driver only reaps the control-plane record once its lease expires.
func (d *Drivers) runProxy(ctx context.Context) {
	expired, err := d.repos.ProxyForwards.ListExpired(time.Now())
	if err != nil {
		d.logger.Error().Err(err).Str("timer", "proxy").Msg("list expired proxy forwards failed")
		return
	}
	for _, fwd := range expired {
		if err := d.repos.ProxyForwards.Delete(fwd); err != nil {
			d.logger.Error().Err(err).Str("scaleset_id", fwd.ScalesetID).Msg("failed to delete expired proxy forward")
		}
	}
}

// runRepro implements the "repro" timer. No Repro entity, repository,
// or processor exists yet, so the tick is a no-op. The cadence is
// still registered so a future repro module only needs to fill in
// this function, not touch the timer wiring.
func (d *Drivers) runRepro(ctx context.Context) {
}

// runDaily implements the "daily" timer. It reuses
// NodeProcessor.MarkOutdatedNodes, which flags nodes on a Scaleset
// whose NeedsConfigUpdate bit is set (itself computed by
// ScalesetProcessor.processRunning comparing against the owning
// Pool's config hash) for reimage on their next Free tick. The
// webhook-log-purge half has no delivery-log entity to act on yet,
// so there is nothing to purge.
func (d *Drivers) runDaily(ctx context.Context) {
	if err := d.procs.Node.MarkOutdatedNodes(); err != nil {
		d.logger.Error().Err(err).Str("timer", "daily").Msg("mark outdated nodes failed")
	}
}

// retentionHorizon is the age past which entities are scrubbed of
// user-identifying fields.
func (d *Drivers) retentionHorizon() time.Time {
	return time.Now().Add(-18 * 30 * 24 * time.Hour)
}

// runRetention implements the "retention" timer. A Pool's queue is
// deleted by PoolProcessor.processHalt as part of the normal Halt
// transition, and a Task's on Stopped, so the only queues left over
// are ones whose owning record no longer exists (deleted by an
// operator, or lost to a bug); this pass diffs the queue namespace
// against live owners and reaps the rest. It then clears the UserInfo
// stamp on Jobs and Tasks older than the retention horizon.
func (d *Drivers) runRetention(ctx context.Context) {
	d.reapAbandonedQueues(ctx)
	d.scrubUserInfo()
}

func (d *Drivers) reapAbandonedQueues(ctx context.Context) {
	pools, err := d.repos.Pools.List(func(*types.Pool) bool { return true })
	if err != nil {
		d.logger.Error().Err(err).Str("timer", "retention").Msg("list pools failed")
		return
	}
	tasks, err := d.repos.Tasks.SearchNeedsWork()
	if err != nil {
		d.logger.Error().Err(err).Str("timer", "retention").Msg("list tasks failed")
		return
	}

	live := make(map[string]bool, len(pools)+len(tasks))
	for _, p := range pools {
		live[p.QueueName] = true
	}
	for _, t := range tasks {
		live[t.TaskID] = true
	}

	names, err := d.queue.ListQueues(ctx)
	if err != nil {
		d.logger.Error().Err(err).Str("timer", "retention").Msg("list queues failed")
		return
	}
	for _, name := range names {
		base := strings.TrimSuffix(name, "-poison")
		if queue.Reserved[base] || live[base] {
			continue
		}
		if err := d.queue.DeleteQueue(ctx, name); err != nil {
			d.logger.Error().Err(err).Str("queue", name).Msg("delete abandoned queue failed")
			continue
		}
		d.logger.Info().Str("queue", name).Msg("deleted abandoned queue")
	}
}

// scrubUserInfo blanks the who-created-this stamp on entities past the
// retention horizon. Version conflicts are swallowed; a concurrent
// writer just means the entity gets scrubbed on a later tick.
func (d *Drivers) scrubUserInfo() {
	horizon := d.retentionHorizon()

	jobs, err := d.repos.Jobs.List(func(j *types.Job) bool {
		return j.CreatedAt.Before(horizon) && j.UserInfo != (types.UserInfo{})
	})
	if err != nil {
		d.logger.Error().Err(err).Str("timer", "retention").Msg("list jobs for scrub failed")
		return
	}
	for _, j := range jobs {
		j.UserInfo = types.UserInfo{}
		if err := d.repos.Jobs.Replace(j); err != nil && !errors.Is(err, storage.ErrVersionConflict) {
			d.logger.Error().Err(err).Str("job_id", j.JobID).Msg("scrub job user info failed")
		}
	}

	tasks, err := d.repos.Tasks.List(func(t *types.Task) bool {
		return t.CreatedAt.Before(horizon) && t.UserInfo != (types.UserInfo{})
	})
	if err != nil {
		d.logger.Error().Err(err).Str("timer", "retention").Msg("list tasks for scrub failed")
		return
	}
	for _, t := range tasks {
		t.UserInfo = types.UserInfo{}
		if err := d.repos.Tasks.Replace(t); err != nil && !errors.Is(err, storage.ErrVersionConflict) {
			d.logger.Error().Err(err).Str("task_id", t.TaskID).Msg("scrub task user info failed")
		}
	}
}
