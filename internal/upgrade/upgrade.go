// Package upgrade implements the upgrade coordinator: the three
// upgrade-aware movement flavours (singleton-replica affinity-correlated
// placement, scaleout-1 relaxation, general upgrade moves) plus
// preferred-location restoration once an upgrade completes.
package upgrade

import (
	"sort"

	"github.com/clusterfabric/plb/internal/constraint"
	"github.com/clusterfabric/plb/internal/domain"
	"github.com/clusterfabric/plb/internal/model"
	"github.com/clusterfabric/plb/internal/movement"
	"github.com/clusterfabric/plb/internal/store"
	"github.com/clusterfabric/plb/pkg/logger"
)

// Config carries the upgrade-specific relaxation toggles.
type Config struct {
	CheckAffinityForUpgradePlacement                bool
	RelaxScaleoutConstraintDuringUpgrade            bool
	IsSingletonReplicaMoveAllowedDuringUpgradeEntry bool
	RelaxAffinityConstraintDuringUpgrade            bool
}

// Coordinator runs the upgrade-aware movement rules.
type Coordinator struct {
	log *logger.Logger
}

// New creates an upgrade coordinator.
func New(log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.NewDefault("upgrade")
	}
	return &Coordinator{log: log}
}

// Run executes every upgrade-aware rule over each domain:
// affinity-correlated singleton placement, general upgrade moves, then
// preferred-location restoration.
func (c *Coordinator) Run(snap store.Snapshot, ws *constraint.WorkingState, cfg constraint.EvalConfig, ucfg Config) movement.Map {
	out := make(movement.Map)
	for _, d := range snap.Domains {
		c.singletonAffinityPlacement(snap, ws, cfg, ucfg, d, out)
		c.generalUpgradeMoves(snap, ws, cfg, ucfg, d, out)
		c.restorePreferredLocations(snap, ws, cfg, d, out)
	}
	return out
}

// singletonAffinityPlacement handles both the affinity-correlated flavour
// and the scaleout-1 flavour: a scaleout-1 application's effective
// relaxation is already applied by the Scaleout and NodeCapacity
// constraints when ucfg.RelaxScaleoutConstraintDuringUpgrade and
// cfg.RelaxCapacityConstraintForUpgrade are set, so this rule only needs to
// find the atomic target and move the affinity partner alongside it.
func (c *Coordinator) singletonAffinityPlacement(snap store.Snapshot, ws *constraint.WorkingState, cfg constraint.EvalConfig, ucfg Config, d domain.Domain, out movement.Map) {
	if !ucfg.CheckAffinityForUpgradePlacement {
		return
	}
	for _, part := range snap.PartitionsForDomain(d) {
		if !part.Flags.UpgradeInProgress || part.ReplicaDifference != 1 {
			continue
		}
		svc, ok := snap.Services[part.ServiceName]
		if !ok || svc.AffinityParent == "" {
			continue
		}
		parentSvc, ok := snap.Services[svc.AffinityParent]
		if !ok {
			continue
		}
		c.tryAtomicPlacement(snap, ws, cfg, part, svc, parentSvc, out)
	}
}

// tryAtomicPlacement attempts to place the new replica of part on a target
// node and move the parent service's single stable partition alongside it;
// if any step of the plan fails, the whole attempt is rolled back and
// nothing moves. Target selection prefers nodes in already-completed
// upgrade domains.
func (c *Coordinator) tryAtomicPlacement(snap store.Snapshot, ws *constraint.WorkingState, cfg constraint.EvalConfig, part model.Partition, svc, parentSvc model.Service, out movement.Map) {
	var completedUDs map[string]struct{}
	if svc.ApplicationName != "" {
		if app, ok := snap.Applications[svc.ApplicationName]; ok {
			completedUDs = app.CompletedUpgradeDomains
		}
	}

	hosted := ws.HostNodes(part.ID)
	role := roleNeeded(svc, hosted)
	for _, nodeID := range rankedUpgradeTargets(snap, ws, svc, hosted, completedUDs) {
		cp := ws.Checkpoint()

		addMove := constraint.Move{PartitionID: part.ID, ServiceName: svc.Name, ToNode: nodeID, IsAdd: true, Role: role, UpgradeRelated: true}
		ctx := &constraint.EvalContext{WS: ws, Snap: snap, Config: cfg}
		ws.Apply(addMove)
		if constraint.Blocks(constraint.Evaluate(ctx, addMove)) {
			ws.Restore(cp)
			continue
		}

		partner := stablePartner(snap, parentSvc.Name)
		if partner == nil {
			out.Add(part.ID, withTarget(movement.AddActionFor(role), nodeID))
			return
		}
		r := onlyReplica(*partner)
		if r == nil || r.NodeID == nodeID {
			out.Add(part.ID, withTarget(movement.AddActionFor(role), nodeID))
			return
		}
		moveMove := constraint.Move{PartitionID: partner.ID, ServiceName: parentSvc.Name, FromNode: r.NodeID, ToNode: nodeID, Role: r.Role, UpgradeRelated: true}
		ws.Apply(moveMove)
		if constraint.Blocks(constraint.Evaluate(ctx, moveMove)) {
			ws.Restore(cp)
			continue
		}

		out.Add(part.ID, withTarget(movement.AddActionFor(role), nodeID))
		out.Add(partner.ID, movement.MoveActionFor(r.Role, r.NodeID, nodeID))
		return
	}
	c.log.WithField("partition_id", part.ID).Debug("upgrade: atomic affinity placement infeasible, nothing moved")
}

func withTarget(a movement.Action, target string) movement.Action {
	a.TargetNode = target
	return a
}

// generalUpgradeMoves handles swap-out primaries, ghost-replica cleanup, and
// void movements.
func (c *Coordinator) generalUpgradeMoves(snap store.Snapshot, ws *constraint.WorkingState, cfg constraint.EvalConfig, ucfg Config, d domain.Domain, out movement.Map) {
	for _, part := range snap.PartitionsForDomain(d) {
		svc, ok := snap.Services[part.ServiceName]
		if !ok {
			continue
		}
		handled := c.resolveGhostPrimaries(snap, ws, cfg, ucfg, part, svc, out)
		for _, r := range part.Replicas {
			if _, done := handled[r.NodeID]; done {
				continue
			}
			if r.Flags.MoveInProgress {
				if n, ok := snap.Nodes[r.NodeID]; !ok || !n.Usable() {
					out.Add(part.ID, movement.Action{Type: movement.RequestedPlacementNotPossible})
					continue
				}
			}
			if !ucfg.IsSingletonReplicaMoveAllowedDuringUpgradeEntry {
				continue
			}
			if r.Role == model.RolePrimary && r.Flags.PrimaryToBeSwappedOut {
				secondary := viableSecondary(part, r.NodeID)
				if secondary == nil {
					continue
				}
				move := constraint.Move{PartitionID: part.ID, ServiceName: svc.Name, FromNode: r.NodeID, ToNode: secondary.NodeID, Role: model.RolePrimary, UpgradeRelated: true}
				ctx := &constraint.EvalContext{WS: ws, Snap: snap, Config: cfg}
				cp := ws.Checkpoint()
				ws.Apply(move)
				if constraint.Blocks(constraint.Evaluate(ctx, move)) {
					ws.Restore(cp)
					continue
				}
				out.Add(part.ID, movement.Action{Type: movement.SwapPrimarySecondary, SourceNode: r.NodeID, TargetNode: secondary.NodeID})
			}
		}
	}
}

// resolveGhostPrimaries handles a partition left with two replicas both
// flagged primary-to-be-swapped-out after an interrupted upgrade: one is the
// live primary, the other a ghost the Failover Manager hasn't reclaimed yet.
// It swaps the lower-id primary out to a viable secondary the ordinary way,
// then drops every other flagged primary outright, since a ghost owns no
// role to move into and simply needs to go away.
func (c *Coordinator) resolveGhostPrimaries(snap store.Snapshot, ws *constraint.WorkingState, cfg constraint.EvalConfig, ucfg Config, part model.Partition, svc model.Service, out movement.Map) map[string]struct{} {
	handled := make(map[string]struct{})
	if !ucfg.IsSingletonReplicaMoveAllowedDuringUpgradeEntry {
		return handled
	}
	var ghosts []model.Replica
	for _, r := range part.Replicas {
		if r.Role == model.RolePrimary && r.Flags.PrimaryToBeSwappedOut && r.Movable() {
			ghosts = append(ghosts, r)
		}
	}
	if len(ghosts) < 2 {
		return handled
	}
	sort.Slice(ghosts, func(i, j int) bool { return ghosts[i].NodeID < ghosts[j].NodeID })

	primary := ghosts[0]
	if secondary := viableSecondary(part, primary.NodeID); secondary != nil {
		move := constraint.Move{PartitionID: part.ID, ServiceName: svc.Name, FromNode: primary.NodeID, ToNode: secondary.NodeID, Role: model.RolePrimary, UpgradeRelated: true}
		ctx := &constraint.EvalContext{WS: ws, Snap: snap, Config: cfg}
		cp := ws.Checkpoint()
		ws.Apply(move)
		if constraint.Blocks(constraint.Evaluate(ctx, move)) {
			ws.Restore(cp)
		} else {
			out.Add(part.ID, movement.Action{Type: movement.SwapPrimarySecondary, SourceNode: primary.NodeID, TargetNode: secondary.NodeID})
			handled[primary.NodeID] = struct{}{}
			handled[secondary.NodeID] = struct{}{}
		}
	}

	for _, ghost := range ghosts[1:] {
		ws.ApplyDrop(part.ID, svc.Name, ghost.NodeID, ghost.Role)
		out.Add(part.ID, movement.Action{Type: movement.DropPrimary, SourceNode: ghost.NodeID})
		handled[ghost.NodeID] = struct{}{}
	}
	return handled
}

// restorePreferredLocations pulls replicas back to their preferred location
// once the owning application's upgrade has completed, subject to all
// constraints.
func (c *Coordinator) restorePreferredLocations(snap store.Snapshot, ws *constraint.WorkingState, cfg constraint.EvalConfig, d domain.Domain, out movement.Map) {
	for _, part := range snap.PartitionsForDomain(d) {
		svc, ok := snap.Services[part.ServiceName]
		if !ok {
			continue
		}
		if svc.ApplicationName != "" {
			if app, ok := snap.Applications[svc.ApplicationName]; ok && app.UpgradeInProgress {
				continue // restoration only applies once the application's upgrade has completed
			}
		}
		for _, r := range part.ReadyMovableReplicas() {
			preferred := r.Flags.PreferredPrimaryLocation
			if r.Role != model.RolePrimary {
				preferred = r.Flags.PreferredReplicaLocation
			}
			if preferred == "" || preferred == r.NodeID {
				continue
			}
			move := constraint.Move{PartitionID: part.ID, ServiceName: svc.Name, FromNode: r.NodeID, ToNode: preferred, Role: r.Role, PreferredLocation: preferred}
			ctx := &constraint.EvalContext{WS: ws, Snap: snap, Config: cfg}
			cp := ws.Checkpoint()
			ws.Apply(move)
			if constraint.Blocks(constraint.Evaluate(ctx, move)) {
				ws.Restore(cp)
				continue
			}
			out.Add(part.ID, movement.MoveActionFor(r.Role, r.NodeID, preferred))
		}
	}
}

func roleNeeded(svc model.Service, hosted map[string]model.ReplicaRole) model.ReplicaRole {
	if !svc.Stateful {
		return model.RoleNone
	}
	for _, role := range hosted {
		if role == model.RolePrimary {
			return model.RoleSecondary
		}
	}
	return model.RolePrimary
}

func viableSecondary(part model.Partition, excludeNode string) *model.Replica {
	for i := range part.Replicas {
		r := part.Replicas[i]
		if r.Role == model.RoleSecondary && r.Movable() && r.NodeID != excludeNode {
			return &part.Replicas[i]
		}
	}
	return nil
}

// stablePartner returns the parent service's single non-deleted partition
// with no pending replica difference, if exactly one exists (the singleton
// pattern affinity-correlated upgrade assumes).
func stablePartner(snap store.Snapshot, serviceName string) *model.Partition {
	var found *model.Partition
	for id, p := range snap.Partitions {
		if p.Deleted || p.ServiceName != serviceName || p.ReplicaDifference != 0 {
			continue
		}
		if found != nil {
			return nil // more than one stable partition: outside the singleton pattern, skip
		}
		cp := snap.Partitions[id]
		found = &cp
	}
	return found
}

func onlyReplica(p model.Partition) *model.Replica {
	for i := range p.Replicas {
		if p.Replicas[i].Movable() {
			return &p.Replicas[i]
		}
	}
	return nil
}

// rankedUpgradeTargets ranks eligible nodes for an upgrade-time placement,
// preferring already-completed upgrade domains, then constraint slack. Nodes
// already hosting a replica of the upgrading partition are not candidates.
func rankedUpgradeTargets(snap store.Snapshot, ws *constraint.WorkingState, svc model.Service, hosted map[string]model.ReplicaRole, completedUDs map[string]struct{}) []string {
	st := snap.ServiceTypes[svc.ServiceTypeName]
	type row struct {
		id        string
		completed bool
		slack     float64
	}
	var rows []row
	for _, n := range snap.NodeList() {
		if !n.Usable() || st.Blocked(n.InstanceID) {
			continue
		}
		if _, already := hosted[n.InstanceID]; already {
			continue
		}
		_, completed := completedUDs[n.UpgradeDomain]
		rows = append(rows, row{id: n.InstanceID, completed: completed, slack: slack(ws, svc, n.InstanceID)})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].completed != rows[j].completed {
			return rows[i].completed
		}
		if rows[i].slack != rows[j].slack {
			return rows[i].slack < rows[j].slack
		}
		return rows[i].id < rows[j].id
	})
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.id
	}
	return out
}

func slack(ws *constraint.WorkingState, svc model.Service, nodeID string) float64 {
	var total float64
	for _, ms := range svc.Metrics {
		w := ms.Weight
		if w == 0 {
			w = 1
		}
		total += w * (ws.NodeLoad(nodeID, ms.Name) + ws.CarriedReservation(nodeID, ms.Name))
	}
	return total
}
