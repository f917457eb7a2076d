package constraint

// FaultUpgradeDomain is priority 8: replicas of one partition must spread
// across distinct fault domains and distinct upgrade domains.
type FaultUpgradeDomain struct{}

func (FaultUpgradeDomain) Name() string  { return "fault_upgrade_domain" }
func (FaultUpgradeDomain) Priority() int { return 8 }

func (FaultUpgradeDomain) Check(ctx *EvalContext, m Move) Status {
	node, ok := ctx.Snap.Nodes[m.ToNode]
	if !ok {
		return Violated
	}
	for n := range ctx.WS.HostNodes(m.PartitionID) {
		if n == m.ToNode || n == m.FromNode {
			continue
		}
		other, ok := ctx.Snap.Nodes[n]
		if !ok {
			continue
		}
		if node.FaultDomain != "" && other.FaultDomain == node.FaultDomain {
			return Violated
		}
		if node.UpgradeDomain != "" && other.UpgradeDomain == node.UpgradeDomain {
			return Violated
		}
	}
	return Satisfied
}
