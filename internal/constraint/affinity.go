package constraint

// Affinity is priority 7: a child service's replicas must align with its
// affinity parent's host nodes. AlignedAffinity demands
// the child land on a node the parent already occupies; non-aligned
// affinity only demands the child coexist with the parent on some node
// across the cluster. RelaxAffinityConstraintDuringUpgrade demotes this to
// best-effort globally.
type Affinity struct{}

func (Affinity) Name() string  { return "affinity" }
func (Affinity) Priority() int { return 7 }

func (Affinity) Check(ctx *EvalContext, m Move) Status {
	svc, ok := ctx.Snap.Services[m.ServiceName]
	if !ok || svc.AffinityParent == "" {
		return Satisfied
	}
	if ctx.Config.RelaxAffinityConstraintDuringUpgrade {
		return RelaxedAllowed
	}
	if _, ok := ctx.Snap.Services[svc.AffinityParent]; !ok {
		return Satisfied
	}
	parentHosts := ctx.WS.ServiceHostNodeRoles(svc.AffinityParent)
	if len(parentHosts) == 0 {
		return Satisfied
	}

	if svc.AlignedAffinity {
		if _, ok := parentHosts[m.ToNode]; ok {
			return Satisfied
		}
		return Violated
	}

	for n := range ctx.WS.ServiceHostNodeRoles(svc.Name) {
		if _, ok := parentHosts[n]; ok {
			return Satisfied
		}
	}
	return Violated
}
