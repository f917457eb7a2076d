// Package query implements the Query service: cluster, node,
// and application load rollups served from the engine's last completed
// refresh. Every rollup folds reservation into the reported load figure and
// returns PLBNotReady until the first refresh has committed.
package query

import (
	"sync"

	"github.com/clusterfabric/plb/internal/constraint"
	"github.com/clusterfabric/plb/internal/plberrors"
	"github.com/clusterfabric/plb/internal/reservation"
	"github.com/clusterfabric/plb/internal/store"
)

// Config carries the per-metric buffer percentage used to derive buffered
// capacity: capacity × (1 − bufferPercent).
type Config struct {
	BufferPercent map[string]float64
}

func (c Config) bufferPercent(metric string) float64 {
	if c.BufferPercent == nil {
		return 0
	}
	return c.BufferPercent[metric]
}

// LoadInfo is the rollup shape shared by cluster, node and application
// queries. ReservedCapacity and ReservedLoadUsed are populated
// on the cluster rollup only; reservation at node and application scope is
// already folded into Load.
type LoadInfo struct {
	Metric              string
	Capacity            float64
	BufferedCapacity    float64
	Load                float64
	RemainingUnbuffered float64
	RemainingBuffered   float64
	IsCapacityViolation bool
	ReservedCapacity    float64
	ReservedLoadUsed    float64
}

func buildInfo(metric string, capacity, load float64, cfg Config) LoadInfo {
	buffered := capacity * (1 - cfg.bufferPercent(metric))
	return LoadInfo{
		Metric:              metric,
		Capacity:            capacity,
		BufferedCapacity:    buffered,
		Load:                load,
		RemainingUnbuffered: capacity - load,
		RemainingBuffered:   buffered - load,
		IsCapacityViolation: load > capacity,
	}
}

// Service answers load queries against the most recently committed
// refresh. It holds its own snapshot/working-state pair, so the next
// refresh builds its state without touching this service. Each query holds
// the read lock while it runs; Commit takes the write lock only to swap in
// the new pair.
type Service struct {
	cfg  Config
	acct *reservation.Accountant

	mu    sync.RWMutex
	ready bool
	snap  store.Snapshot
	ws    *constraint.WorkingState
}

// New creates a query service.
func New(cfg Config) *Service {
	return &Service{cfg: cfg, acct: reservation.New()}
}

// Commit publishes the state produced by the most recent refresh, making
// it visible to subsequent queries. ws is the post-decision working state,
// not post-FM-execution state, so rollups reflect accepted moves
// immediately.
func (s *Service) Commit(snap store.Snapshot, ws *constraint.WorkingState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	s.ws = ws
	s.ready = true
}

// Ready reports whether at least one refresh has committed.
func (s *Service) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// ClusterLoadInformation rolls up capacity and effective load for metric
// across the whole cluster.
func (s *Service) ClusterLoadInformation(metric string) (LoadInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return LoadInfo{}, plberrors.PLBNotReady()
	}

	var capacity, load float64
	for _, n := range s.snap.NodeList() {
		capacity += n.Capacities[metric]
		load += s.nodeEffectiveLoad(n.InstanceID, metric)
	}
	info := buildInfo(metric, capacity, load, s.cfg)
	info.ReservedCapacity, info.ReservedLoadUsed = s.clusterReservation(metric)
	return info, nil
}

// clusterReservation rolls up the cluster-wide reservation view for
// metric: total reserved capacity across reserving
// applications and how much of it their actual load already consumes.
func (s *Service) clusterReservation(metric string) (reservedCapacity, reservedLoadUsed float64) {
	apps := s.snap.ApplicationList()
	actual := map[string]reservation.AppActualLoad{metric: {}}
	for _, app := range apps {
		if !app.ReservationActive() {
			continue
		}
		actual[metric][app.Name] = s.ws.AppTotalLoad(app.Name, metric)
	}
	for _, v := range s.acct.ClusterViews(apps, actual) {
		if v.Metric == metric {
			return v.ReservedCapacity, v.ReservedLoadUsed
		}
	}
	return 0, 0
}

// NodeLoadInformation rolls up capacity and effective load for metric on a
// single node.
func (s *Service) NodeLoadInformation(nodeID, metric string) (LoadInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return LoadInfo{}, plberrors.PLBNotReady()
	}
	n, ok := s.snap.Nodes[nodeID]
	if !ok {
		return LoadInfo{}, plberrors.NotFound("node", nodeID)
	}
	return buildInfo(metric, n.Capacities[metric], s.nodeEffectiveLoad(nodeID, metric), s.cfg), nil
}

// nodeEffectiveLoad is the node's actual load plus the unused reservation
// every application with an active reservation still carries there: that
// capacity is earmarked and unavailable even though nothing is running
// against it yet.
func (s *Service) nodeEffectiveLoad(nodeID, metric string) float64 {
	return s.ws.NodeLoad(nodeID, metric) + s.ws.CarriedReservation(nodeID, metric)
}

// ApplicationLoadInformation rolls up capacity and effective load for metric
// across an application's replicas. Effective load is floored at
// the application's committed reservation for the metric, since a live
// reservation sets aside that much capacity whether or not it is currently
// used.
func (s *Service) ApplicationLoadInformation(appName, metric string) (LoadInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return LoadInfo{}, plberrors.PLBNotReady()
	}
	app, ok := s.snap.Applications[appName]
	if !ok || app.Deleted {
		return LoadInfo{}, plberrors.InvalidApplication(appName)
	}

	var capacity float64
	if mc, ok := app.MetricCapacity(metric); ok {
		capacity = mc.TotalCapacity
	}

	load := s.ws.AppTotalLoad(appName, metric)
	if app.ReservationActive() {
		if mc, ok := app.MetricCapacity(metric); ok {
			reservedFloor := float64(app.MinNodeCount) * mc.PerNodeReservation
			if reservedFloor > load {
				load = reservedFloor
			}
		}
	}
	return buildInfo(metric, capacity, load, s.cfg), nil
}
