// Package placement implements the Placement phase: for every
// partition with a positive replica difference (or no replicas yet), it
// proposes Add actions that satisfy the full constraint set.
package placement

import (
	"sort"

	"github.com/clusterfabric/plb/internal/constraint"
	"github.com/clusterfabric/plb/internal/domain"
	"github.com/clusterfabric/plb/internal/model"
	"github.com/clusterfabric/plb/internal/movement"
	"github.com/clusterfabric/plb/internal/reservation"
	"github.com/clusterfabric/plb/internal/store"
	"github.com/clusterfabric/plb/pkg/logger"
)

// Phase runs the placement procedure over a set of service domains.
type Phase struct {
	log  *logger.Logger
	acct *reservation.Accountant
}

// New creates a placement phase.
func New(log *logger.Logger, acct *reservation.Accountant) *Phase {
	if log == nil {
		log = logger.NewDefault("placement")
	}
	return &Phase{log: log, acct: acct}
}

// Run executes the placement procedure for every domain in snap, using ws as
// the shared working state so later domains see the committed effect of
// earlier ones, and returns the proposed movement map.
func (p *Phase) Run(snap store.Snapshot, ws *constraint.WorkingState, cfg constraint.EvalConfig) movement.Map {
	out := make(movement.Map)
	for _, d := range snap.Domains {
		p.runDomain(snap, ws, cfg, d, out)
	}
	return out
}

func (p *Phase) runDomain(snap store.Snapshot, ws *constraint.WorkingState, cfg constraint.EvalConfig, d domain.Domain, out movement.Map) {
	for _, part := range snap.PartitionsForDomain(d) {
		svc, ok := snap.Services[part.ServiceName]
		if !ok {
			continue
		}
		p.dropFlagged(ws, part, svc, out)
		if everyNode(svc) {
			p.placeOnEveryNode(snap, ws, cfg, part, svc, out)
			continue
		}
		p.placeCounted(snap, ws, cfg, part, svc, out)
	}
}

// dropFlagged emits a drop for every replica the Failover Manager has
// already marked for removal (ToBeDroppedByFM, ToBeDroppedByPLB,
// ToBeDroppedForNodeDeactivation), independent of the partition's
// replica difference: these are mandatory removals, not candidates a phase
// weighs against constraints, since taking a replica away can't create a
// placement violation. Dropping a primary this way always needs a
// replacement, so when a viable secondary exists it is promoted in the same
// pass rather than leaving the partition without a primary until the next
// refresh.
func (p *Phase) dropFlagged(ws *constraint.WorkingState, part model.Partition, svc model.Service, out movement.Map) {
	for _, r := range part.Replicas {
		if !r.Movable() || !flaggedForDrop(r) {
			continue
		}
		if r.Role == model.RolePrimary {
			if promotee := viableUnflaggedSecondary(part, r.NodeID); promotee != nil {
				ws.ApplyDrop(part.ID, svc.Name, r.NodeID, r.Role)
				out.Add(part.ID, movement.Action{Type: movement.DropPrimary, SourceNode: r.NodeID})
				out.Add(part.ID, movement.Action{Type: movement.PromoteSecondary, TargetNode: promotee.NodeID})
				continue
			}
		}
		ws.ApplyDrop(part.ID, svc.Name, r.NodeID, r.Role)
		action := movement.DropActionFor(r.Role)
		action.SourceNode = r.NodeID
		out.Add(part.ID, action)
	}
}

func flaggedForDrop(r model.Replica) bool {
	return r.Flags.ToBeDroppedByFM || r.Flags.ToBeDroppedByPLB || r.Flags.ToBeDroppedForNodeDeactivation
}

func viableUnflaggedSecondary(part model.Partition, excludeNode string) *model.Replica {
	for i := range part.Replicas {
		r := part.Replicas[i]
		if r.Role == model.RoleSecondary && r.Movable() && r.NodeID != excludeNode && !flaggedForDrop(r) {
			return &part.Replicas[i]
		}
	}
	return nil
}

// everyNode reports whether the service's partitions should run one instance
// on every eligible node.
func everyNode(svc model.Service) bool {
	return !svc.Stateful && svc.TargetReplicaSetSize == 0
}

func (p *Phase) placeOnEveryNode(snap store.Snapshot, ws *constraint.WorkingState, cfg constraint.EvalConfig, part model.Partition, svc model.Service, out movement.Map) {
	hosted := ws.HostNodes(part.ID)
	for _, n := range eligibleNodes(snap, svc) {
		if _, already := hosted[n.InstanceID]; already {
			continue
		}
		move := constraint.Move{PartitionID: part.ID, ServiceName: svc.Name, ToNode: n.InstanceID, IsAdd: true, Role: model.RoleNone}
		ctx := &constraint.EvalContext{WS: ws, Snap: snap, Config: cfg}
		cp := ws.Checkpoint()
		ws.Apply(move)
		if constraint.Blocks(constraint.Evaluate(ctx, move)) {
			ws.Restore(cp)
			continue
		}
		out.Add(part.ID, movement.Action{Type: movement.AddInstance, TargetNode: n.InstanceID})
	}
}

func (p *Phase) placeCounted(snap store.Snapshot, ws *constraint.WorkingState, cfg constraint.EvalConfig, part model.Partition, svc model.Service, out movement.Map) {
	needed := part.ReplicaDifference
	if len(part.Replicas) == 0 {
		needed = svc.TargetReplicaSetSize
	}
	if needed < 0 {
		p.dropExcess(ws, part, svc, -needed, out)
		return
	}
	if needed == 0 {
		return
	}

	for i := 0; i < needed; i++ {
		role := roleNeeded(svc, ws.HostNodes(part.ID))
		candidates := rankedCandidates(snap, ws, cfg, part, svc, role)

		placed := false
		for _, n := range candidates {
			move := constraint.Move{
				PartitionID:    part.ID,
				ServiceName:    svc.Name,
				ToNode:         n.InstanceID,
				IsAdd:          true,
				Role:           role,
				UpgradeRelated: part.Flags.UpgradeInProgress,
			}
			ctx := &constraint.EvalContext{WS: ws, Snap: snap, Config: cfg}
			cp := ws.Checkpoint()
			ws.Apply(move)
			if constraint.Blocks(constraint.Evaluate(ctx, move)) {
				ws.Restore(cp)
				continue
			}
			action := movement.AddActionFor(role)
			action.TargetNode = n.InstanceID
			out.Add(part.ID, action)
			placed = true
			break
		}
		if !placed {
			p.log.WithField("partition_id", part.ID).Debug("placement: no eligible candidate found")
			return
		}
	}
}

// dropExcess handles an over-provisioned partition (negative replica
// difference): it selects count replicas to remove
// and emits the matching Drop action for each, via the ranking in
// rankedDropCandidates.
func (p *Phase) dropExcess(ws *constraint.WorkingState, part model.Partition, svc model.Service, count int, out movement.Map) {
	victims := rankedDropCandidates(part)
	for i := 0; i < count && i < len(victims); i++ {
		r := victims[i]
		ws.ApplyDrop(part.ID, svc.Name, r.NodeID, r.Role)
		action := movement.DropActionFor(r.Role)
		action.SourceNode = r.NodeID
		out.Add(part.ID, action)
	}
}

// rankedDropCandidates orders a partition's movable replicas for removal
// when it holds more than its target count: secondaries go before the
// primary so the partition keeps quorum as long as possible, and within a
// role the highest node id goes first for determinism.
func rankedDropCandidates(part model.Partition) []model.Replica {
	var out []model.Replica
	for _, r := range part.Replicas {
		if r.Movable() {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role != model.RolePrimary
		}
		return out[i].NodeID > out[j].NodeID
	})
	return out
}

// roleNeeded decides whether the next replica to add should be primary or
// secondary: a partition always needs exactly one primary.
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

// eligibleNodes returns nodes that are usable and not on the service type's
// block-list, sorted by instance id.
func eligibleNodes(snap store.Snapshot, svc model.Service) []model.Node {
	st := snap.ServiceTypes[svc.ServiceTypeName]
	var out []model.Node
	for _, n := range snap.NodeList() {
		if !n.Usable() {
			continue
		}
		if st.Blocked(n.InstanceID) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// rankedCandidates orders eligible nodes: affinity alignment first, then
// constraint slack (ascending), then FD/UD diversity, then node id.
func rankedCandidates(snap store.Snapshot, ws *constraint.WorkingState, cfg constraint.EvalConfig, part model.Partition, svc model.Service, role model.ReplicaRole) []model.Node {
	nodes := eligibleNodes(snap, svc)
	hosted := ws.HostNodes(part.ID)

	var parentHosts map[string]model.ReplicaRole
	if svc.AffinityParent != "" {
		parentHosts = ws.ServiceHostNodeRoles(svc.AffinityParent)
	}
	usedDomains := usedFaultUpgradeDomains(snap, ws, part.ID)

	type scored struct {
		node    model.Node
		aligned bool
		slack   float64
		diverse bool
	}
	rows := make([]scored, 0, len(nodes))
	for _, n := range nodes {
		if _, already := hosted[n.InstanceID]; already {
			continue // one replica of a partition per node
		}
		_, aligned := parentHosts[n.InstanceID]
		slack := slackFor(ws, svc, n.InstanceID)
		_, fdUsed := usedDomains[n.FaultDomain]
		_, udUsed := usedDomains[n.UpgradeDomain]
		rows = append(rows, scored{node: n, aligned: aligned, slack: slack, diverse: !fdUsed && !udUsed})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].aligned != rows[j].aligned {
			return rows[i].aligned
		}
		if rows[i].slack != rows[j].slack {
			return rows[i].slack < rows[j].slack
		}
		if rows[i].diverse != rows[j].diverse {
			return rows[i].diverse
		}
		return rows[i].node.InstanceID < rows[j].node.InstanceID
	})

	out := make([]model.Node, len(rows))
	for i, r := range rows {
		out[i] = r.node
	}
	return out
}

// slackFor computes the weighted sum of (load + carried reservation) across
// the service's tracked metrics on nodeID: lower is more attractive.
func slackFor(ws *constraint.WorkingState, svc model.Service, nodeID string) float64 {
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

// usedFaultUpgradeDomains returns the set of fault-domain and upgrade-domain
// values already occupied by partitionID's current host nodes.
func usedFaultUpgradeDomains(snap store.Snapshot, ws *constraint.WorkingState, partitionID string) map[string]struct{} {
	out := make(map[string]struct{})
	for nodeID := range ws.HostNodes(partitionID) {
		n, ok := snap.Nodes[nodeID]
		if !ok {
			continue
		}
		if n.FaultDomain != "" {
			out[n.FaultDomain] = struct{}{}
		}
		if n.UpgradeDomain != "" {
			out[n.UpgradeDomain] = struct{}{}
		}
	}
	return out
}
