package constraint

// Reservation is priority 6: every node hosting a replica of a reserving
// application must be able to set aside at least perNodeReservation of
// spare capacity for it; if no such headroom exists the constraint reports
// a violation.
type Reservation struct{}

func (Reservation) Name() string  { return "reservation" }
func (Reservation) Priority() int { return 6 }

func (Reservation) Check(ctx *EvalContext, m Move) Status {
	svc, ok := ctx.Snap.Services[m.ServiceName]
	if !ok || svc.ApplicationName == "" {
		return Satisfied
	}
	app, ok := ctx.Snap.Applications[svc.ApplicationName]
	if !ok || !app.ReservationActive() {
		return Satisfied
	}
	for n := range ctx.WS.AppNodeSet(app.Name) {
		node, ok := ctx.Snap.Nodes[n]
		if !ok {
			continue
		}
		for _, mc := range app.Metrics {
			if mc.PerNodeReservation <= 0 {
				continue
			}
			capVal, ok := node.Capacities[mc.Metric]
			if !ok {
				continue
			}
			// The application's own load on the node consumes its
			// reservation, so only the load of everything else competes
			// with the reserved headroom.
			otherLoad := ctx.WS.NodeLoad(n, mc.Metric) - ctx.WS.AppNodeLoad(app.Name, n, mc.Metric)
			if capVal-otherLoad < mc.PerNodeReservation {
				return Violated
			}
		}
	}
	return Satisfied
}
