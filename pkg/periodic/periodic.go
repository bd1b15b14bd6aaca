// Package periodic implements the Periodic Drivers component:
// six named timers, each owning a disjoint slice of work, driving the
// processors and scheduler built in pkg/processor and pkg/scheduler.
// Each tick carries a per-entity bounded worker pool, a
// self-exclusion guard against overlapping ticks of the same timer,
// and a "log and continue" failure policy. Scheduling is
// github.com/robfig/cron/v3 @every entries.
package periodic

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/onefuzz/controlplane/pkg/config"
	"github.com/onefuzz/controlplane/pkg/metrics"
	"github.com/onefuzz/controlplane/pkg/processor"
	"github.com/onefuzz/controlplane/pkg/queue"
	"github.com/onefuzz/controlplane/pkg/repository"
	"github.com/onefuzz/controlplane/pkg/scheduler"
)

// MaxConcurrentPerEntity bounds in-flight ProcessStateUpdate calls per
// entity kind within a single tick.
const MaxConcurrentPerEntity = 10

// Drivers owns the six named timers, the Scheduler's own tick, and the
// cron scheduler running them.
type Drivers struct {
	cron   *cron.Cron
	logger zerolog.Logger

	repos *repository.Repositories
	procs *processor.Processors
	sched *scheduler.Scheduler
	queue *queue.Queue

	running sync.Map // timer name -> *int32 guard
}

// New constructs Drivers over the given collaborators and schedules
// every control-plane timer, plus the Scheduler's own tick.
func New(repos *repository.Repositories, procs *processor.Processors, sched *scheduler.Scheduler, q *queue.Queue, intervals config.Intervals, logger zerolog.Logger) (*Drivers, error) {
	d := &Drivers{
		cron:   cron.New(cron.WithSeconds()),
		logger: logger,
		repos:  repos,
		procs:  procs,
		sched:  sched,
		queue:  q,
	}

	schedules := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context)
	}{
		{"scheduler", intervals.Scheduler, d.runScheduler},
		{"workers", intervals.Workers, d.runWorkers},
		{"tasks", intervals.Tasks, d.runTasks},
		{"proxy", intervals.Proxy, d.runProxy},
		{"repro", intervals.Repro, d.runRepro},
		{"daily", intervals.Daily, d.runDaily},
		{"retention", intervals.Retention, d.runRetention},
	}

	for _, s := range schedules {
		if _, err := d.cron.AddFunc(every(s.interval), d.guarded(s.name, s.fn)); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// guarded wraps a timer's handler so that an instance already running
// self-terminates the new tick rather than overlapping it.
func (d *Drivers) guarded(name string, fn func(context.Context)) func() {
	guard, _ := d.running.LoadOrStore(name, new(int32))
	flag := guard.(*int32)

	return func() {
		if !atomic.CompareAndSwapInt32(flag, 0, 1) {
			d.logger.Debug().Str("timer", name).Msg("previous tick still running, skipping")
			return
		}
		defer atomic.StoreInt32(flag, 0)

		timer := metrics.NewTimer()
		defer timer.ObserveDurationVec(metrics.ProcessorTickDuration, name)

		fn(context.Background())
	}
}

// Start begins running every scheduled timer.
func (d *Drivers) Start() {
	d.cron.Start()
}

// Stop halts the cron scheduler and waits for any in-flight tick to
// finish.
func (d *Drivers) Stop() {
	<-d.cron.Stop().Done()
}
