package processor

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/onefuzz/controlplane/pkg/cloud"
	"github.com/onefuzz/controlplane/pkg/config"
	"github.com/onefuzz/controlplane/pkg/repository"
	"github.com/onefuzz/controlplane/pkg/types"
)

// ScalesetProcessor is the Scaleset state machine.
type ScalesetProcessor struct {
	repos    *repository.Repositories
	provider cloud.Provider
	timeouts config.Timeouts
	logger   zerolog.Logger
}

// SearchNeedsWork returns every Scaleset except CreationFailed ones.
// Halt is included: processHalt still deletes the cloud scale-set and
// the record.
func (p *ScalesetProcessor) SearchNeedsWork() ([]*types.Scaleset, error) {
	return p.repos.Scalesets.List(func(s *types.Scaleset) bool {
		return s.State != types.ScalesetStateCreationFailed
	})
}

// ProcessStateUpdate advances scaleset by one step.
func (p *ScalesetProcessor) ProcessStateUpdate(scaleset *types.Scaleset) (*types.Scaleset, error) {
	switch scaleset.State {
	case types.ScalesetStateInit:
		return p.processInit(scaleset)
	case types.ScalesetStateSetup:
		return p.processSetup(scaleset)
	case types.ScalesetStateResize:
		return p.processResize(scaleset)
	case types.ScalesetStateRunning:
		return p.processRunning(scaleset)
	case types.ScalesetStateShutdown:
		return p.processShutdown(scaleset)
	case types.ScalesetStateHalt:
		return p.processHalt(scaleset)
	case types.ScalesetStateCreationFailed:
		return scaleset, nil
	default:
		return scaleset, errors.Errorf("scaleset: unknown state %q", scaleset.State)
	}
}

// processInit asks the cloud provider to create the scale-set.
func (p *ScalesetProcessor) processInit(scaleset *types.Scaleset) (*types.Scaleset, error) {
	ctx, cancel := contextWithTimeout(p.timeouts.CloudAdapterCall)
	defer cancel()

	spec := cloud.ScaleSetSpec{
		Region:          scaleset.Region,
		VMSku:           scaleset.VMSku,
		Image:           scaleset.Image,
		Size:            scaleset.RequestedSize,
		Tags:            scaleset.Tags,
		EphemeralOSDisk: scaleset.EphemeralOSDisk,
		SpotInstance:    scaleset.SpotInstance,
	}

	cloudID, err := p.provider.CreateScaleSet(ctx, spec)
	if err != nil {
		scaleset.State = types.ScalesetStateCreationFailed
		scaleset.Error = &types.Error{Code: "CREATE_FAILED", Errors: []string{err.Error()}}
		if rerr := p.repos.Scalesets.Replace(scaleset); rerr != nil {
			return scaleset, errors.Wrap(rerr, "record scaleset creation failure")
		}
		p.logger.Error().Err(err).Str("scaleset_id", scaleset.ScalesetID).Msg("scale-set creation failed")
		return scaleset, nil
	}

	scaleset.CloudID = cloudID
	scaleset.State = types.ScalesetStateSetup
	if err := p.repos.Scalesets.Replace(scaleset); err != nil {
		return scaleset, errors.Wrap(err, "transition scaleset to setup")
	}
	return scaleset, nil
}

// processSetup polls the cloud provider until the scale-set reports
// ready.
func (p *ScalesetProcessor) processSetup(scaleset *types.Scaleset) (*types.Scaleset, error) {
	ctx, cancel := contextWithTimeout(p.timeouts.CloudAdapterCall)
	defer cancel()

	status, err := p.provider.Status(ctx, scaleset.CloudID)
	if err != nil {
		p.logger.Error().Err(err).Str("scaleset_id", scaleset.ScalesetID).Msg("failed to poll scaleset status")
		return scaleset, nil
	}
	if !status.Ready {
		return scaleset, nil
	}

	scaleset.CurrentSize = status.CurrentSize
	scaleset.State = types.ScalesetStateResize
	if err := p.repos.Scalesets.Replace(scaleset); err != nil {
		return scaleset, errors.Wrap(err, "transition scaleset to resize")
	}
	return scaleset, nil
}

// processResize reconciles current size against requested size,
// holding the state until the cloud reports the target reached.
func (p *ScalesetProcessor) processResize(scaleset *types.Scaleset) (*types.Scaleset, error) {
	ctx, cancel := contextWithTimeout(p.timeouts.CloudAdapterCall)
	defer cancel()

	if scaleset.CurrentSize != scaleset.RequestedSize {
		if err := p.provider.ResizeScaleSet(ctx, scaleset.CloudID, scaleset.RequestedSize); err != nil {
			p.logger.Error().Err(err).Str("scaleset_id", scaleset.ScalesetID).Msg("failed to resize scaleset")
			return scaleset, nil
		}
	}

	status, err := p.provider.Status(ctx, scaleset.CloudID)
	if err != nil {
		p.logger.Error().Err(err).Str("scaleset_id", scaleset.ScalesetID).Msg("failed to poll resizing scaleset")
		return scaleset, nil
	}
	scaleset.CurrentSize = status.CurrentSize
	if status.CurrentSize != scaleset.RequestedSize {
		// Still converging; stay in Resize and persist the size we saw.
		if err := p.repos.Scalesets.Replace(scaleset); err != nil {
			return scaleset, errors.Wrap(err, "record resizing scaleset size")
		}
		return scaleset, nil
	}

	scaleset.State = types.ScalesetStateRunning
	if err := p.repos.Scalesets.Replace(scaleset); err != nil {
		return scaleset, errors.Wrap(err, "transition scaleset to running")
	}
	return scaleset, nil
}

// processRunning syncs the cloud-reported size, then reacts to a
// requested size change or an owning Pool's configuration drift:
// either moves back to Resize, or marks NeedsConfigUpdate so the
// daily driver reimages the member nodes.
func (p *ScalesetProcessor) processRunning(scaleset *types.Scaleset) (*types.Scaleset, error) {
	ctx, cancel := contextWithTimeout(p.timeouts.CloudAdapterCall)
	defer cancel()

	if status, err := p.provider.Status(ctx, scaleset.CloudID); err == nil {
		scaleset.CurrentSize = status.CurrentSize
	} else {
		p.logger.Error().Err(err).Str("scaleset_id", scaleset.ScalesetID).Msg("failed to sync scaleset size")
	}

	if scaleset.CurrentSize != scaleset.RequestedSize {
		scaleset.State = types.ScalesetStateResize
		if err := p.repos.Scalesets.Replace(scaleset); err != nil {
			return scaleset, errors.Wrap(err, "requeue scaleset for resize")
		}
		return scaleset, nil
	}

	pool, err := p.repos.Pools.GetByName(scaleset.PoolName)
	if err == nil && scaleset.Outdated(pool.ConfigHash) && !scaleset.NeedsConfigUpdate {
		scaleset.NeedsConfigUpdate = true
		if err := p.repos.Scalesets.Replace(scaleset); err != nil {
			return scaleset, errors.Wrap(err, "mark scaleset needing config update")
		}
	}
	return scaleset, nil
}

// processShutdown drains the scale-set to zero, flagging every member
// Node for deletion, before finalizing.
func (p *ScalesetProcessor) processShutdown(scaleset *types.Scaleset) (*types.Scaleset, error) {
	ctx, cancel := contextWithTimeout(p.timeouts.CloudAdapterCall)
	defer cancel()

	nodes, err := p.repos.Nodes.ListByScaleset(scaleset.ScalesetID)
	if err != nil {
		return scaleset, errors.Wrap(err, "list nodes for draining scaleset")
	}
	for _, node := range nodes {
		if node.DeleteRequested {
			continue
		}
		node.DeleteRequested = true
		if err := p.repos.Nodes.Replace(node); err != nil {
			p.logger.Error().Err(err).Str("machine_id", node.MachineID).Msg("failed to flag node for scaleset drain")
		}
	}

	if scaleset.RequestedSize != 0 {
		scaleset.RequestedSize = 0
		if err := p.repos.Scalesets.Replace(scaleset); err != nil {
			return scaleset, errors.Wrap(err, "request scaleset drain")
		}
	}
	if err := p.provider.ResizeScaleSet(ctx, scaleset.CloudID, 0); err != nil {
		p.logger.Error().Err(err).Str("scaleset_id", scaleset.ScalesetID).Msg("failed to drain scaleset")
		return scaleset, nil
	}

	status, err := p.provider.Status(ctx, scaleset.CloudID)
	if err != nil {
		p.logger.Error().Err(err).Str("scaleset_id", scaleset.ScalesetID).Msg("failed to poll draining scaleset")
		return scaleset, nil
	}
	if status.CurrentSize > 0 || len(nodes) > 0 {
		return scaleset, nil
	}

	scaleset.State = types.ScalesetStateHalt
	if err := p.repos.Scalesets.Replace(scaleset); err != nil {
		return scaleset, errors.Wrap(err, "transition scaleset to halt")
	}
	return scaleset, nil
}

// processHalt deletes the cloud scale-set and the record itself.
func (p *ScalesetProcessor) processHalt(scaleset *types.Scaleset) (*types.Scaleset, error) {
	ctx, cancel := contextWithTimeout(p.timeouts.CloudAdapterCall)
	defer cancel()

	if scaleset.CloudID != "" {
		if err := p.provider.DeleteScaleSet(ctx, scaleset.CloudID); err != nil {
			p.logger.Error().Err(err).Str("scaleset_id", scaleset.ScalesetID).Msg("failed to delete cloud scaleset")
			return scaleset, nil
		}
	}
	if err := p.repos.Scalesets.Delete(scaleset); err != nil {
		return scaleset, errors.Wrap(err, "delete halted scaleset")
	}
	return scaleset, nil
}
