package constraint

import "github.com/clusterfabric/plb/internal/model"

// NodeCapacity is priority 4: actual load plus carried reservation must not
// exceed the node's declared capacity for each metric the service
// tracks. RelaxCapacityConstraintForUpgrade
// tolerates one replica's worth of overcommit for upgrade-marked moves.
// With PreventTransientOvercommit, the check runs against the node's worst
// intermediate load (all committed arrivals, no committed departures), so
// no execution order the FM picks can overcommit the node mid-plan.
type NodeCapacity struct{}

func (NodeCapacity) Name() string  { return "node_capacity" }
func (NodeCapacity) Priority() int { return 4 }

func (NodeCapacity) Check(ctx *EvalContext, m Move) Status {
	node, ok := ctx.Snap.Nodes[m.ToNode]
	if !ok {
		return Violated
	}
	svc, ok := ctx.Snap.Services[m.ServiceName]
	if !ok {
		return Satisfied
	}
	for _, ms := range svc.Metrics {
		capVal, ok := node.Capacities[ms.Name]
		if !ok {
			continue
		}
		load := ctx.WS.NodeLoad(m.ToNode, ms.Name)
		if ctx.Config.PreventTransientOvercommit {
			if transient := ctx.WS.NodeTransientLoad(m.ToNode, ms.Name); transient > load {
				load = transient
			}
		}
		carried := ctx.WS.CarriedReservation(m.ToNode, ms.Name)

		relax := 0.0
		if ctx.Config.RelaxCapacityConstraintForUpgrade && m.UpgradeRelated {
			if m.Role == model.RolePrimary {
				relax = ms.PrimaryDefault
			} else {
				relax = ms.SecondaryDefault
			}
		}
		if load+carried > capVal+relax {
			return Violated
		}
	}
	return Satisfied
}
