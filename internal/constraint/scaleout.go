package constraint

// Scaleout is priority 3: the number of distinct nodes hosting an
// application's replicas must stay within its declared maximum. The
// scaleout-1 upgrade relaxation temporarily raises a maximum of
// one node to two while an upgrade is in progress.
type Scaleout struct{}

func (Scaleout) Name() string  { return "scaleout" }
func (Scaleout) Priority() int { return 3 }

func (Scaleout) Check(ctx *EvalContext, m Move) Status {
	svc, ok := ctx.Snap.Services[m.ServiceName]
	if !ok || svc.ApplicationName == "" {
		return Satisfied
	}
	app, ok := ctx.Snap.Applications[svc.ApplicationName]
	if !ok || !app.ScaleoutLimited() {
		return Satisfied
	}
	max := app.MaxNodeCount
	if ctx.Config.RelaxScaleoutConstraintDuringUpgrade && app.UpgradeInProgress && max == 1 {
		max = 2
	}
	if len(ctx.WS.AppNodeSet(app.Name)) > max {
		return Violated
	}
	return Satisfied
}
