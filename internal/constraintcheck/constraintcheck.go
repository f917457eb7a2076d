// Package constraintcheck implements the Constraint Check phase:
// it scans the current observed state for violations in priority order and
// searches, within a bounded budget, for a fix that resolves each one
// without introducing a higher-or-equal-priority violation elsewhere.
package constraintcheck

import (
	"sort"
	"time"

	"github.com/clusterfabric/plb/internal/constraint"
	"github.com/clusterfabric/plb/internal/domain"
	"github.com/clusterfabric/plb/internal/model"
	"github.com/clusterfabric/plb/internal/movement"
	"github.com/clusterfabric/plb/internal/store"
	"github.com/clusterfabric/plb/pkg/logger"
	"github.com/clusterfabric/plb/pkg/metrics"
)

// Budget bounds the search performed per refresh.
type Budget struct {
	IterationsPerRound int
	SearchTimeout      time.Duration
}

// Phase runs the constraint check procedure.
type Phase struct {
	log *logger.Logger
}

// New creates a constraint check phase.
func New(log *logger.Logger) *Phase {
	if log == nil {
		log = logger.NewDefault("constraintcheck")
	}
	return &Phase{log: log}
}

// Run scans every domain for violations and proposes fixes within budget.
func (p *Phase) Run(snap store.Snapshot, ws *constraint.WorkingState, cfg constraint.EvalConfig, budget Budget) movement.Map {
	out := make(movement.Map)
	deadline := time.Now().Add(budget.SearchTimeout)
	iterations := 0
	for _, d := range snap.Domains {
		p.runDomain(snap, ws, cfg, budget, deadline, &iterations, d, out)
	}
	return out
}

func (p *Phase) runDomain(snap store.Snapshot, ws *constraint.WorkingState, cfg constraint.EvalConfig, budget Budget, deadline time.Time, iterations *int, d domain.Domain, out movement.Map) {
	for _, c := range constraint.All() {
		for _, part := range snap.PartitionsForDomain(d) {
			svc, ok := snap.Services[part.ServiceName]
			if !ok {
				continue
			}
			for _, r := range part.ReadyMovableReplicas() {
				if *iterations >= budget.IterationsPerRound || time.Now().After(deadline) {
					return
				}
				*iterations++

				// Detection: evaluate the replica's existing placement
				// without applying anything, so statuses describe the
				// cluster as it stands. Transient overcommit is judged
				// only for a move's target, so a node whose departures are
				// already committed is judged by its post-commit load.
				detectCfg := cfg
				detectCfg.PreventTransientOvercommit = false
				ctx := &constraint.EvalContext{WS: ws, Snap: snap, Config: detectCfg}
				current := constraint.Move{PartitionID: part.ID, ServiceName: svc.Name, ToNode: r.NodeID, Role: r.Role}
				statuses := constraint.Evaluate(ctx, current)
				if statuses[c.Name()] != constraint.Violated {
					continue
				}
				metrics.ViolationsDetected.WithLabelValues(c.Name()).Inc()
				p.attemptFix(snap, ws, cfg, part, svc, r, c, statuses, out)
			}
		}
	}
}

// attemptFix searches viable alternative nodes for r, accepting the first
// one whose resulting statuses are non-worsening relative to its current
// placement, so a fix never introduces a higher-priority violation than the
// one it resolves.
func (p *Phase) attemptFix(snap store.Snapshot, ws *constraint.WorkingState, cfg constraint.EvalConfig, part model.Partition, svc model.Service, r model.Replica, violated constraint.Constraint, before map[string]constraint.Status, out movement.Map) {
	st := snap.ServiceTypes[svc.ServiceTypeName]
	hosted := ws.HostNodes(part.ID)
	var candidates []model.Node
	for _, n := range snap.NodeList() {
		if n.InstanceID == r.NodeID || !n.Usable() || st.Blocked(n.InstanceID) {
			continue
		}
		if _, already := hosted[n.InstanceID]; already {
			continue // one replica of a partition per node
		}
		candidates = append(candidates, n)
	}
	sort.Slice(candidates, func(i, j int) bool {
		si, sj := slack(ws, svc, candidates[i].InstanceID), slack(ws, svc, candidates[j].InstanceID)
		if si != sj {
			return si < sj
		}
		return candidates[i].InstanceID < candidates[j].InstanceID
	})

	for _, n := range candidates {
		cp := ws.Checkpoint()
		move := constraint.Move{
			PartitionID: part.ID, ServiceName: svc.Name,
			FromNode: r.NodeID, ToNode: n.InstanceID, Role: r.Role,
			UpgradeRelated: part.Flags.UpgradeInProgress,
		}
		ctx := &constraint.EvalContext{WS: ws, Snap: snap, Config: cfg}
		ws.Apply(move)
		after := constraint.Evaluate(ctx, move)
		if constraint.Blocks(after) || !constraint.NonWorsening(before, after) {
			ws.Restore(cp)
			continue
		}
		out.Add(part.ID, movement.MoveActionFor(r.Role, r.NodeID, n.InstanceID))
		metrics.ViolationsResolved.WithLabelValues(violated.Name()).Inc()
		return
	}
	p.log.WithField("partition_id", part.ID).WithField("constraint", violated.Name()).
		Debug("constraint check: no fix found within budget")
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
