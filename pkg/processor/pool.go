package processor

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/onefuzz/controlplane/pkg/queue"
	"github.com/onefuzz/controlplane/pkg/repository"
	"github.com/onefuzz/controlplane/pkg/types"
)

// PoolProcessor is the Pool state machine.
type PoolProcessor struct {
	repos  *repository.Repositories
	queue  *queue.Queue
	logger zerolog.Logger
}

// SearchNeedsWork returns every Pool. Halt is included: processHalt
// still deletes the queue and the record.
func (p *PoolProcessor) SearchNeedsWork() ([]*types.Pool, error) {
	return p.repos.Pools.List(nil)
}

// ProcessStateUpdate advances pool by one step.
func (p *PoolProcessor) ProcessStateUpdate(pool *types.Pool) (*types.Pool, error) {
	switch pool.State {
	case types.PoolStateInit:
		return p.processInit(pool)
	case types.PoolStateShutdown:
		return p.processShutdown(pool)
	case types.PoolStateHalt:
		return p.processHalt(pool)
	case types.PoolStateRunning:
		return pool, nil
	default:
		return pool, errors.Errorf("pool: unknown state %q", pool.State)
	}
}

// processInit creates the Pool's dedicated queue.
func (p *PoolProcessor) processInit(pool *types.Pool) (*types.Pool, error) {
	ctx := backgroundContext()
	if err := p.queue.CreateQueue(ctx, pool.QueueName); err != nil {
		p.logger.Error().Err(err).Str("pool_name", pool.Name).Msg("failed to create pool queue")
		return pool, nil
	}

	pool.State = types.PoolStateRunning
	if err := p.repos.Pools.Replace(pool); err != nil {
		return pool, errors.Wrap(err, "transition pool to running")
	}
	return pool, nil
}

// processShutdown waits until every Scaleset backing the pool has
// reached Halt before finalizing.
func (p *PoolProcessor) processShutdown(pool *types.Pool) (*types.Pool, error) {
	scalesets, err := p.repos.Scalesets.ListByPool(pool.Name)
	if err != nil {
		return pool, errors.Wrap(err, "list scalesets for shutting-down pool")
	}

	for _, ss := range scalesets {
		if ss.State.Terminal() {
			continue
		}
		if ss.State != types.ScalesetStateShutdown {
			ss.State = types.ScalesetStateShutdown
			if err := p.repos.Scalesets.Replace(ss); err != nil {
				p.logger.Error().Err(err).Str("scaleset_id", ss.ScalesetID).Msg("failed to propagate pool shutdown to scaleset")
			}
		}
		return pool, nil
	}

	pool.State = types.PoolStateHalt
	if err := p.repos.Pools.Replace(pool); err != nil {
		return pool, errors.Wrap(err, "transition pool to halt")
	}
	return pool, nil
}

// processHalt deletes the Pool's queue and the record itself.
func (p *PoolProcessor) processHalt(pool *types.Pool) (*types.Pool, error) {
	ctx := backgroundContext()
	if err := p.queue.DeleteQueue(ctx, pool.QueueName); err != nil {
		p.logger.Error().Err(err).Str("pool_name", pool.Name).Msg("failed to delete pool queue")
		return pool, nil
	}
	if err := p.repos.Pools.Delete(pool); err != nil {
		return pool, errors.Wrap(err, "delete halted pool")
	}
	return pool, nil
}
