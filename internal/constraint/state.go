package constraint

import (
	"github.com/clusterfabric/plb/internal/loadtable"
	"github.com/clusterfabric/plb/internal/model"
	"github.com/clusterfabric/plb/internal/reservation"
	"github.com/clusterfabric/plb/internal/store"
)

// WorkingState is the mutable, in-flight view of cluster load and placement
// a phase builds up as it commits candidate moves within a single
// refresh. It starts from
// the actual reported loads in a Snapshot/Table pair and layers committed
// moves as deltas, so constraints evaluated later in the same phase see the
// cumulative effect of earlier commits without mutating the underlying
// store.
type WorkingState struct {
	snap  store.Snapshot
	loads *loadtable.Table
	acct  *reservation.Accountant

	baseLoad map[string]map[string]float64 // node -> metric -> actual load
	loadDlt  map[string]map[string]float64 // node -> metric -> delta from commits

	baseAppNodeLoad map[string]map[string]map[string]float64 // app -> node -> metric -> load
	appNodeDlt      map[string]map[string]map[string]float64

	baseAppTotal map[string]map[string]float64 // app -> metric -> load
	appTotalDlt  map[string]map[string]float64

	baseHosts map[string]map[string]model.ReplicaRole // partitionID -> node -> role
	addHosts  map[string]map[string]model.ReplicaRole
	delHosts  map[string]map[string]struct{}

	appPartitions map[string][]string // app -> partition ids of its services

	// loadIn accumulates only the arrivals committed this refresh, never the
	// departures. baseLoad+loadIn is the worst intermediate load a node can
	// see while the FM executes the plan in an arbitrary order (arrivals land
	// before departures free space), which is what
	// PreventTransientOvercommit checks against.
	loadIn map[string]map[string]float64
}

// NewWorkingState builds a working state from a snapshot and its associated
// load table, pre-aggregating actual per-node and per-application load once.
func NewWorkingState(snap store.Snapshot, loads *loadtable.Table, acct *reservation.Accountant) *WorkingState {
	ws := &WorkingState{
		snap:            snap,
		loads:           loads,
		acct:            acct,
		baseLoad:        map[string]map[string]float64{},
		loadDlt:         map[string]map[string]float64{},
		baseAppNodeLoad: map[string]map[string]map[string]float64{},
		appNodeDlt:      map[string]map[string]map[string]float64{},
		baseAppTotal:    map[string]map[string]float64{},
		appTotalDlt:     map[string]map[string]float64{},
		baseHosts:       map[string]map[string]model.ReplicaRole{},
		addHosts:        map[string]map[string]model.ReplicaRole{},
		delHosts:        map[string]map[string]struct{}{},
		appPartitions:   map[string][]string{},
		loadIn:          map[string]map[string]float64{},
	}

	for _, p := range snap.Partitions {
		if p.Deleted {
			continue
		}
		svc, ok := snap.Services[p.ServiceName]
		if !ok {
			continue
		}
		if svc.ApplicationName != "" {
			ws.appPartitions[svc.ApplicationName] = append(ws.appPartitions[svc.ApplicationName], p.ID)
		}
		for _, r := range p.Replicas {
			if !r.CountsForCapacity() {
				continue
			}
			ws.setBaseHost(p.ID, r.NodeID, r.Role)
			for _, ms := range svc.Metrics {
				v := loads.Load(p.ID, r, svc, ms.Name)
				ws.addBaseLoad(r.NodeID, ms.Name, v)
				if svc.ApplicationName != "" {
					ws.addBaseAppNodeLoad(svc.ApplicationName, r.NodeID, ms.Name, v)
					ws.addBaseAppTotal(svc.ApplicationName, ms.Name, v)
				}
			}
		}
	}
	return ws
}

func (ws *WorkingState) setBaseHost(partitionID, node string, role model.ReplicaRole) {
	m, ok := ws.baseHosts[partitionID]
	if !ok {
		m = map[string]model.ReplicaRole{}
		ws.baseHosts[partitionID] = m
	}
	m[node] = role
}

func (ws *WorkingState) addBaseLoad(node, metric string, v float64) {
	m, ok := ws.baseLoad[node]
	if !ok {
		m = map[string]float64{}
		ws.baseLoad[node] = m
	}
	m[metric] += v
}

func (ws *WorkingState) addBaseAppNodeLoad(app, node, metric string, v float64) {
	byNode, ok := ws.baseAppNodeLoad[app]
	if !ok {
		byNode = map[string]map[string]float64{}
		ws.baseAppNodeLoad[app] = byNode
	}
	byMetric, ok := byNode[node]
	if !ok {
		byMetric = map[string]float64{}
		byNode[node] = byMetric
	}
	byMetric[metric] += v
}

func (ws *WorkingState) addBaseAppTotal(app, metric string, v float64) {
	m, ok := ws.baseAppTotal[app]
	if !ok {
		m = map[string]float64{}
		ws.baseAppTotal[app] = m
	}
	m[metric] += v
}

// NodeLoad returns the current (actual plus committed-this-round) load on
// nodeID for metric.
func (ws *WorkingState) NodeLoad(nodeID, metric string) float64 {
	return ws.baseLoad[nodeID][metric] + ws.loadDlt[nodeID][metric]
}

// AppNodeLoad returns the current load attributable to application appName
// on nodeID for metric.
func (ws *WorkingState) AppNodeLoad(appName, nodeID, metric string) float64 {
	return ws.baseAppNodeLoad[appName][nodeID][metric] + ws.appNodeDlt[appName][nodeID][metric]
}

// AppTotalLoad returns the current cluster-wide load attributable to
// application appName for metric.
func (ws *WorkingState) AppTotalLoad(appName, metric string) float64 {
	return ws.baseAppTotal[appName][metric] + ws.appTotalDlt[appName][metric]
}

// CarriedReservation returns the current carried (unused) reservation on
// nodeID for metric. Only applications actually present on the node (at
// least one capacity-counting replica there) carry reservation against it;
// an application with no replica on the node reserves nothing there.
func (ws *WorkingState) CarriedReservation(nodeID, metric string) float64 {
	var present []model.Application
	nodeAppLoad := map[string]reservation.NodeAppLoad{
		metric: {},
	}
	for _, app := range ws.snap.ApplicationList() {
		if !app.ReservationActive() || !ws.appPresentOn(app.Name, nodeID) {
			continue
		}
		present = append(present, app)
		nodeAppLoad[metric][app.Name] = map[string]float64{
			nodeID: ws.AppNodeLoad(app.Name, nodeID, metric),
		}
	}
	return ws.acct.CarriedReservation(nodeID, metric, present, nodeAppLoad)
}

// AppUnusedReservation returns how much of appName's per-node reservation on
// nodeID is not yet consumed by its own replicas there. Zero when the app
// carries no reservation or is absent from the node.
func (ws *WorkingState) AppUnusedReservation(appName, nodeID, metric string) float64 {
	app, ok := ws.snap.Applications[appName]
	if !ok || !app.ReservationActive() || !ws.appPresentOn(appName, nodeID) {
		return 0
	}
	mc, ok := app.MetricCapacity(metric)
	if !ok || mc.PerNodeReservation <= 0 {
		return 0
	}
	unused := mc.PerNodeReservation - ws.AppNodeLoad(appName, nodeID, metric)
	if unused < 0 {
		return 0
	}
	return unused
}

func (ws *WorkingState) appPresentOn(appName, nodeID string) bool {
	for _, pid := range ws.appPartitions[appName] {
		if _, ok := ws.HostNodes(pid)[nodeID]; ok {
			return true
		}
	}
	return false
}

// NodeTransientLoad returns the worst intermediate load nodeID can see for
// metric while this refresh's plan executes: every committed arrival has
// landed, no committed departure has freed space yet.
func (ws *WorkingState) NodeTransientLoad(nodeID, metric string) float64 {
	return ws.baseLoad[nodeID][metric] + ws.loadIn[nodeID][metric]
}

// HostNodes returns the current (post-commit) set of capacity-counting host
// nodes for partitionID, mapped to their replica role.
func (ws *WorkingState) HostNodes(partitionID string) map[string]model.ReplicaRole {
	out := make(map[string]model.ReplicaRole)
	for n, r := range ws.baseHosts[partitionID] {
		if _, removed := ws.delHosts[partitionID][n]; removed {
			continue
		}
		out[n] = r
	}
	for n, r := range ws.addHosts[partitionID] {
		out[n] = r
	}
	return out
}

// AppNodeSet returns the current set of distinct nodes hosting any replica
// owned by appName, across all of its services' partitions.
func (ws *WorkingState) AppNodeSet(appName string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, svc := range ws.snap.Services {
		if svc.ApplicationName != appName {
			continue
		}
		for _, p := range ws.snap.Partitions {
			if p.Deleted || p.ServiceName != svc.Name {
				continue
			}
			for n := range ws.HostNodes(p.ID) {
				out[n] = struct{}{}
			}
		}
	}
	return out
}

// ServiceHostNodeRoles aggregates, across every non-deleted partition of
// serviceName, the set of host nodes and the role present there (Primary
// wins if both a primary and secondary replica of the service land on the
// same node, which cannot normally happen within one partition but may
// across partitions of the same service).
func (ws *WorkingState) ServiceHostNodeRoles(serviceName string) map[string]model.ReplicaRole {
	out := make(map[string]model.ReplicaRole)
	for _, p := range ws.snap.Partitions {
		if p.Deleted || p.ServiceName != serviceName {
			continue
		}
		for n, role := range ws.HostNodes(p.ID) {
			if existing, ok := out[n]; !ok || (role == model.RolePrimary && existing != model.RolePrimary) {
				out[n] = role
			}
		}
	}
	return out
}

// Apply commits m, folding its load delta and host-set change into the
// working state so subsequent Check calls in the same phase see its effect.
func (ws *WorkingState) Apply(m Move) {
	svc, ok := ws.snap.Services[m.ServiceName]
	if !ok {
		return
	}

	for _, ms := range svc.Metrics {
		var v float64
		if m.IsAdd {
			if m.Role == model.RolePrimary {
				v = ms.PrimaryDefault
			} else {
				v = ms.SecondaryDefault
			}
		} else {
			v = ws.loads.Load(m.PartitionID, model.Replica{NodeID: m.FromNode, Role: m.Role}, svc, ms.Name)
			ws.addDelta(ws.loadDlt, m.FromNode, ms.Name, -v)
			if svc.ApplicationName != "" {
				ws.addAppNodeDelta(svc.ApplicationName, m.FromNode, ms.Name, -v)
				ws.addAppTotalDelta(svc.ApplicationName, ms.Name, -v)
			}
		}
		ws.addDelta(ws.loadDlt, m.ToNode, ms.Name, v)
		ws.addDelta(ws.loadIn, m.ToNode, ms.Name, v)
		if svc.ApplicationName != "" {
			ws.addAppNodeDelta(svc.ApplicationName, m.ToNode, ms.Name, v)
			ws.addAppTotalDelta(svc.ApplicationName, ms.Name, v)
		}
	}

	if !m.IsAdd {
		del, ok := ws.delHosts[m.PartitionID]
		if !ok {
			del = map[string]struct{}{}
			ws.delHosts[m.PartitionID] = del
		}
		del[m.FromNode] = struct{}{}
	}
	add, ok := ws.addHosts[m.PartitionID]
	if !ok {
		add = map[string]model.ReplicaRole{}
		ws.addHosts[m.PartitionID] = add
	}
	add[m.ToNode] = m.Role
}

// ApplyDrop commits the removal of a replica with no destination node (a
// negative replica difference or a ToBeDropped* flag). Unlike Apply, it
// never folds a ToNode delta in, so a pure drop
// doesn't leave a "" entry in loadDlt/addHosts the way reusing Apply with an
// empty ToNode would.
func (ws *WorkingState) ApplyDrop(partitionID, serviceName, fromNode string, role model.ReplicaRole) {
	svc, ok := ws.snap.Services[serviceName]
	if !ok {
		return
	}
	for _, ms := range svc.Metrics {
		v := ws.loads.Load(partitionID, model.Replica{NodeID: fromNode, Role: role}, svc, ms.Name)
		ws.addDelta(ws.loadDlt, fromNode, ms.Name, -v)
		if svc.ApplicationName != "" {
			ws.addAppNodeDelta(svc.ApplicationName, fromNode, ms.Name, -v)
			ws.addAppTotalDelta(svc.ApplicationName, ms.Name, -v)
		}
	}
	del, ok := ws.delHosts[partitionID]
	if !ok {
		del = map[string]struct{}{}
		ws.delHosts[partitionID] = del
	}
	del[fromNode] = struct{}{}
}

func (ws *WorkingState) addDelta(m map[string]map[string]float64, node, metric string, v float64) {
	byMetric, ok := m[node]
	if !ok {
		byMetric = map[string]float64{}
		m[node] = byMetric
	}
	byMetric[metric] += v
}

func (ws *WorkingState) addAppNodeDelta(app, node, metric string, v float64) {
	byNode, ok := ws.appNodeDlt[app]
	if !ok {
		byNode = map[string]map[string]float64{}
		ws.appNodeDlt[app] = byNode
	}
	byMetric, ok := byNode[node]
	if !ok {
		byMetric = map[string]float64{}
		byNode[node] = byMetric
	}
	byMetric[metric] += v
}

func (ws *WorkingState) addAppTotalDelta(app, metric string, v float64) {
	m, ok := ws.appTotalDlt[app]
	if !ok {
		m = map[string]float64{}
		ws.appTotalDlt[app] = m
	}
	m[metric] += v
}

// Checkpoint is an opaque snapshot of a WorkingState's committed deltas,
// used by bounded-search phases (constraint check, balancing) to try a
// candidate move and back out of it cheaply if it does not pan out.
type Checkpoint struct {
	loadDlt     map[string]map[string]float64
	loadIn      map[string]map[string]float64
	appNodeDlt  map[string]map[string]map[string]float64
	appTotalDlt map[string]map[string]float64
	addHosts    map[string]map[string]model.ReplicaRole
	delHosts    map[string]map[string]struct{}
}

// Checkpoint captures the current delta state for later restoration.
func (ws *WorkingState) Checkpoint() Checkpoint {
	return Checkpoint{
		loadDlt:     cloneNested2(ws.loadDlt),
		loadIn:      cloneNested2(ws.loadIn),
		appNodeDlt:  cloneNested3(ws.appNodeDlt),
		appTotalDlt: cloneNested2(ws.appTotalDlt),
		addHosts:    cloneRoles(ws.addHosts),
		delHosts:    cloneSets(ws.delHosts),
	}
}

// Restore rolls the working state's deltas back to a prior checkpoint,
// discarding any moves applied since.
func (ws *WorkingState) Restore(cp Checkpoint) {
	ws.loadDlt = cp.loadDlt
	ws.loadIn = cp.loadIn
	ws.appNodeDlt = cp.appNodeDlt
	ws.appTotalDlt = cp.appTotalDlt
	ws.addHosts = cp.addHosts
	ws.delHosts = cp.delHosts
}

func cloneNested2(m map[string]map[string]float64) map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(m))
	for k, inner := range m {
		innerCopy := make(map[string]float64, len(inner))
		for ik, iv := range inner {
			innerCopy[ik] = iv
		}
		out[k] = innerCopy
	}
	return out
}

func cloneNested3(m map[string]map[string]map[string]float64) map[string]map[string]map[string]float64 {
	out := make(map[string]map[string]map[string]float64, len(m))
	for k, inner := range m {
		out[k] = cloneNested2(inner)
	}
	return out
}

func cloneRoles(m map[string]map[string]model.ReplicaRole) map[string]map[string]model.ReplicaRole {
	out := make(map[string]map[string]model.ReplicaRole, len(m))
	for k, inner := range m {
		innerCopy := make(map[string]model.ReplicaRole, len(inner))
		for ik, iv := range inner {
			innerCopy[ik] = iv
		}
		out[k] = innerCopy
	}
	return out
}

func cloneSets(m map[string]map[string]struct{}) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{}, len(m))
	for k, inner := range m {
		innerCopy := make(map[string]struct{}, len(inner))
		for ik := range inner {
			innerCopy[ik] = struct{}{}
		}
		out[k] = innerCopy
	}
	return out
}
