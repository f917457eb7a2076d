// Package reservation implements the reservation accountant: the
// cluster-wide view of reserved capacity, the per-node carried-reservation
// view that feeds capacity decisions, and the validation rule applied when an
// application's reservation is created or raised.
package reservation

import (
	"sort"

	"github.com/clusterfabric/plb/internal/model"
)

// ClusterView is the cluster-wide reservation rollup for one metric.
type ClusterView struct {
	Metric           string
	ReservedCapacity float64
	ReservedLoadUsed float64
}

// Accountant computes reservation views from a snapshot of applications and
// their actual per-node loads. It holds no mutable state of its own: every
// call is a pure function of the supplied snapshot, consistent with phases
// reading an immutable snapshot.
type Accountant struct{}

// New creates a reservation accountant.
func New() *Accountant { return &Accountant{} }

// AppActualLoad is the observed total load of one application on one metric
// across the whole cluster, used to compute reservedLoadUsed.
type AppActualLoad map[string]float64 // application name -> actual load

// ClusterViews computes the per-metric cluster reservation rollup across all
// applications with an active reservation.
func (a *Accountant) ClusterViews(apps []model.Application, actual map[string]AppActualLoad) []ClusterView {
	byMetric := make(map[string]*ClusterView)
	for _, app := range apps {
		if app.Deleted || !app.ReservationActive() {
			continue
		}
		for _, mc := range app.Metrics {
			if mc.PerNodeReservation <= 0 {
				continue
			}
			view, ok := byMetric[mc.Metric]
			if !ok {
				view = &ClusterView{Metric: mc.Metric}
				byMetric[mc.Metric] = view
			}
			reservedCapacity := float64(app.MinNodeCount) * mc.PerNodeReservation
			view.ReservedCapacity += reservedCapacity

			actualLoad := 0.0
			if am, ok := actual[mc.Metric]; ok {
				actualLoad = am[app.Name]
			}
			used := actualLoad
			if used > reservedCapacity {
				used = reservedCapacity
			}
			if used < 0 {
				used = 0
			}
			view.ReservedLoadUsed += used
		}
	}

	out := make([]ClusterView, 0, len(byMetric))
	for _, v := range byMetric {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out
}

// NodeAppLoad is the observed per-node load of one application on one
// metric, used to compute each node's carried (unused) reservation.
type NodeAppLoad map[string]map[string]float64 // app name -> node id -> load

// CarriedReservation returns, for a given (node, metric), the sum across all
// applications with an active reservation of their unused per-node
// reservation on that node:
//
//	appNodeReserved = max(0, perNodeReservation - sum(ready-replica loads of
//	that app on that node))
func (a *Accountant) CarriedReservation(nodeID, metric string, apps []model.Application, nodeAppLoad map[string]NodeAppLoad) float64 {
	perMetric, ok := nodeAppLoad[metric]
	if !ok {
		perMetric = NodeAppLoad{}
	}
	var carried float64
	for _, app := range apps {
		if app.Deleted || !app.ReservationActive() {
			continue
		}
		mc, ok := app.MetricCapacity(metric)
		if !ok || mc.PerNodeReservation <= 0 {
			continue
		}
		loadOnNode := 0.0
		if byNode, ok := perMetric[app.Name]; ok {
			loadOnNode = byNode[nodeID]
		}
		unused := mc.PerNodeReservation - loadOnNode
		if unused > 0 {
			carried += unused
		}
	}
	return carried
}

// ValidateUpdate checks whether raising or creating an application's
// reservation would push cluster-wide reserved capacity above cluster
// capacity for any metric.
// Lowering or removing reservation always succeeds, so callers should only
// invoke this when the new reservation is greater than or equal to the old
// one for the metric in question.
func (a *Accountant) ValidateUpdate(updated model.Application, others []model.Application, clusterCapacity map[string]float64) (metric string, ok bool) {
	totals := make(map[string]float64)
	for _, app := range others {
		if app.Deleted || app.Name == updated.Name || !app.ReservationActive() {
			continue
		}
		for _, mc := range app.Metrics {
			totals[mc.Metric] += float64(app.MinNodeCount) * mc.PerNodeReservation
		}
	}
	if updated.ReservationActive() {
		for _, mc := range updated.Metrics {
			totals[mc.Metric] += float64(updated.MinNodeCount) * mc.PerNodeReservation
		}
	}
	for metricName, total := range totals {
		if cap, ok := clusterCapacity[metricName]; ok && total > cap {
			return metricName, false
		}
	}
	return "", true
}
