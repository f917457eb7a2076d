package constraint

// AppCapacity is priority 5: an application's total and per-node load must
// stay within its declared maxima for every metric it tracks.
type AppCapacity struct{}

func (AppCapacity) Name() string  { return "app_capacity" }
func (AppCapacity) Priority() int { return 5 }

func (AppCapacity) Check(ctx *EvalContext, m Move) Status {
	svc, ok := ctx.Snap.Services[m.ServiceName]
	if !ok || svc.ApplicationName == "" {
		return Satisfied
	}
	app, ok := ctx.Snap.Applications[svc.ApplicationName]
	if !ok {
		return Satisfied
	}
	for _, mc := range app.Metrics {
		if mc.PerNodeCapacity > 0 {
			if ctx.WS.AppNodeLoad(app.Name, m.ToNode, mc.Metric) > mc.PerNodeCapacity {
				return Violated
			}
		}
		if mc.TotalCapacity > 0 {
			if ctx.WS.AppTotalLoad(app.Name, mc.Metric) > mc.TotalCapacity {
				return Violated
			}
		}
	}
	return Satisfied
}
