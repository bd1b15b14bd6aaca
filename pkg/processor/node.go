package processor

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/onefuzz/controlplane/pkg/cloud"
	"github.com/onefuzz/controlplane/pkg/config"
	"github.com/onefuzz/controlplane/pkg/repository"
	"github.com/onefuzz/controlplane/pkg/types"
)

// NodeProcessor is the Node state machine, plus the two
// bulk helpers that ride the same tick: MarkOutdatedNodes and
// CleanupBusyNodesWithoutWork. Stop/reimage commands for a Node travel
// through NodeMessages, not the Queue abstraction, so no *queue.Queue
// collaborator is needed here.
type NodeProcessor struct {
	repos    *repository.Repositories
	provider cloud.Provider
	timeouts config.Timeouts
	logger   zerolog.Logger

	// latestAgentVersion is what MarkOutdatedNodes compares each
	// node's reported agent version against; empty disables the check.
	latestAgentVersion string
}

// SearchNeedsWork returns every Node. Halt is included: processHalt
// still deletes the cloud instance and the record.
func (p *NodeProcessor) SearchNeedsWork() ([]*types.Node, error) {
	return p.repos.Nodes.List(nil)
}

// ProcessStateUpdate advances node by one step.
func (p *NodeProcessor) ProcessStateUpdate(node *types.Node) (*types.Node, error) {
	switch node.State {
	case types.NodeStateInit:
		return p.processInit(node)
	case types.NodeStateFree:
		return p.processFree(node)
	case types.NodeStateDone:
		return p.processDone(node)
	case types.NodeStateShutdown:
		return p.processShutdown(node)
	case types.NodeStateHalt:
		return p.processHalt(node)
	case types.NodeStateSettingUp, types.NodeStateRebooting, types.NodeStateReady, types.NodeStateBusy:
		return node, nil
	default:
		return node, errors.Errorf("node: unknown state %q", node.State)
	}
}

// processInit releases a newly registered Node straight to Free; the
// agent itself drives SettingUp/Rebooting/Ready through POST
// /agents/events.
func (p *NodeProcessor) processInit(node *types.Node) (*types.Node, error) {
	node.State = types.NodeStateFree
	node.InitializedAt = time.Now()
	if err := p.repos.Nodes.Replace(node); err != nil {
		return node, errors.Wrap(err, "transition node to free")
	}
	return node, nil
}

// processFree handles the three reasons an idle Node leaves Free:
// an explicit reimage or delete request, or the owning Scaleset being
// able to shrink.
func (p *NodeProcessor) processFree(node *types.Node) (*types.Node, error) {
	if !node.ReimageRequested && !node.DeleteRequested {
		if node.ScalesetID == "" {
			return node, nil
		}
		scaleset, err := p.repos.Scalesets.Get(node.ScalesetID)
		if err != nil {
			return node, nil
		}
		ctx, cancel := contextWithTimeout(p.timeouts.CloudAdapterCall)
		defer cancel()
		shrink, err := p.provider.CouldShrink(ctx, scaleset.CloudID)
		if err != nil || !shrink {
			return node, nil
		}
	}

	node.State = types.NodeStateShutdown
	if err := p.repos.Nodes.Replace(node); err != nil {
		return node, errors.Wrap(err, "transition free node to shutdown")
	}
	return node, nil
}

// processDone releases this Node's NodeTasks rows (unless debug-keep
// is set) before moving on to Shutdown.
func (p *NodeProcessor) processDone(node *types.Node) (*types.Node, error) {
	if !node.DebugKeep {
		rows, err := p.repos.NodeTasks.ListByMachine(node.MachineID)
		if err != nil {
			return node, errors.Wrap(err, "list node tasks for done node")
		}
		for _, row := range rows {
			if err := p.repos.NodeTasks.Delete(row); err != nil {
				p.logger.Error().Err(err).Str("machine_id", node.MachineID).Str("task_id", row.TaskID).Msg("failed to release node tasks row")
			}
		}
	}

	node.State = types.NodeStateShutdown
	if err := p.repos.Nodes.Replace(node); err != nil {
		return node, errors.Wrap(err, "transition done node to shutdown")
	}
	return node, nil
}

// processShutdown enqueues a stop NodeMessage and waits for the agent
// to acknowledge by going quiet before finalizing to Halt.
func (p *NodeProcessor) processShutdown(node *types.Node) (*types.Node, error) {
	if _, err := p.repos.NodeMessages.Enqueue(node.MachineID, types.NodeMessageStop, ""); err != nil {
		p.logger.Error().Err(err).Str("machine_id", node.MachineID).Msg("failed to enqueue node stop message")
		return node, nil
	}

	heartbeatTimeout := p.timeouts.NodeHeartbeat
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = types.DefaultNodeHeartbeatTimeout
	}
	if node.Heartbeat.IsZero() || node.HeartbeatStale(time.Now(), heartbeatTimeout) {
		node.State = types.NodeStateHalt
		if err := p.repos.Nodes.Replace(node); err != nil {
			return node, errors.Wrap(err, "transition shutting-down node to halt")
		}
	}
	return node, nil
}

// processHalt requests the cloud provider delete the underlying
// instance, then deletes the record.
func (p *NodeProcessor) processHalt(node *types.Node) (*types.Node, error) {
	if node.ScalesetID != "" && node.InstanceID != "" {
		scaleset, err := p.repos.Scalesets.Get(node.ScalesetID)
		if err == nil {
			ctx, cancel := contextWithTimeout(p.timeouts.CloudAdapterCall)
			derr := p.provider.DeleteInstance(ctx, scaleset.CloudID, node.InstanceID)
			cancel()
			if derr != nil {
				p.logger.Error().Err(derr).Str("machine_id", node.MachineID).Msg("failed to delete instance")
				return node, nil
			}
		}
	}

	if err := p.repos.Nodes.Delete(node); err != nil {
		return node, errors.Wrap(err, "delete halted node")
	}
	return node, nil
}

// MarkOutdatedNodes flags for reimage every Node running a stale agent
// version and every Node on an outdated Scaleset, so the next
// Free-state pass retires them.
func (p *NodeProcessor) MarkOutdatedNodes() error {
	if p.latestAgentVersion != "" {
		nodes, err := p.repos.Nodes.SearchNeedsWork()
		if err != nil {
			return errors.Wrap(err, "search nodes for version check")
		}
		for _, node := range nodes {
			if node.ReimageRequested || node.AgentVersion == p.latestAgentVersion {
				continue
			}
			node.ReimageRequested = true
			if err := p.repos.Nodes.Replace(node); err != nil {
				p.logger.Error().Err(err).Str("machine_id", node.MachineID).Str("agent_version", node.AgentVersion).Msg("failed to mark stale-version node")
			}
		}
	}

	scalesets, err := p.repos.Scalesets.SearchNeedsWork()
	if err != nil {
		return errors.Wrap(err, "search scalesets for outdated nodes")
	}

	for _, ss := range scalesets {
		if !ss.NeedsConfigUpdate {
			continue
		}
		nodes, err := p.repos.Nodes.ListByScaleset(ss.ScalesetID)
		if err != nil {
			p.logger.Error().Err(err).Str("scaleset_id", ss.ScalesetID).Msg("failed to list nodes for outdated scaleset")
			continue
		}
		for _, node := range nodes {
			if node.ReimageRequested {
				continue
			}
			node.ReimageRequested = true
			if err := p.repos.Nodes.Replace(node); err != nil {
				p.logger.Error().Err(err).Str("machine_id", node.MachineID).Msg("failed to mark node outdated")
			}
		}
	}
	return nil
}

// CleanupBusyNodesWithoutWork force-transitions to Done a Busy Node
// that holds no NodeTasks rows and whose last heartbeat is older than
// BusyWithoutWorkGrace. How long the Node has held no rows is not
// tracked: a Node that keeps heartbeating, or has never sent a
// heartbeat, stays Busy.
func (p *NodeProcessor) CleanupBusyNodesWithoutWork() error {
	nodes, err := p.repos.Nodes.SearchNeedsWork()
	if err != nil {
		return errors.Wrap(err, "search nodes for busy-without-work cleanup")
	}

	grace := p.timeouts.BusyWithoutWork
	if grace <= 0 {
		grace = types.BusyWithoutWorkGrace
	}

	for _, node := range nodes {
		if node.State != types.NodeStateBusy {
			continue
		}
		rows, err := p.repos.NodeTasks.ListByMachine(node.MachineID)
		if err != nil {
			p.logger.Error().Err(err).Str("machine_id", node.MachineID).Msg("failed to list node tasks for busy node")
			continue
		}
		if len(rows) > 0 {
			continue
		}
		if !node.HeartbeatStale(time.Now(), grace) {
			continue
		}

		node.State = types.NodeStateDone
		if err := p.repos.Nodes.Replace(node); err != nil {
			p.logger.Error().Err(err).Str("machine_id", node.MachineID).Msg("failed to force busy-without-work node to done")
		}
	}
	return nil
}
