// Package engine wires the entity store, the three decision phases, the
// upgrade coordinator and the query service into one external surface: the
// `Update*` ingress calls, `ProcessPendingUpdates`, `Refresh`,
// `SetMovementEnabled`, `UpdateClusterUpgrade`, `TriggerSwapPrimary`, and
// `CompareNodeForPromotion`. It is the engine's single logical scheduler:
// `Refresh` runs the eligible phases synchronously, in order, each gated by
// its own minimum interval measured from its previous successful run.
package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/clusterfabric/plb/internal/balancing"
	"github.com/clusterfabric/plb/internal/constraint"
	"github.com/clusterfabric/plb/internal/constraintcheck"
	"github.com/clusterfabric/plb/internal/model"
	"github.com/clusterfabric/plb/internal/movement"
	"github.com/clusterfabric/plb/internal/placement"
	"github.com/clusterfabric/plb/internal/plberrors"
	"github.com/clusterfabric/plb/internal/query"
	"github.com/clusterfabric/plb/internal/reservation"
	"github.com/clusterfabric/plb/internal/store"
	"github.com/clusterfabric/plb/internal/upgrade"
	"github.com/clusterfabric/plb/pkg/config"
	"github.com/clusterfabric/plb/pkg/logger"
	"github.com/clusterfabric/plb/pkg/metrics"
)

// swapRequest is a pending TriggerSwapPrimary call, applied at the start of
// the next Refresh against the freshest working state.
type swapRequest struct {
	serviceName string
	partitionID string
	sourceNode  string
	targetNode  string
}

// Engine is the top-level decision engine.
type Engine struct {
	log   *logger.Logger
	cfg   config.EngineConfig
	store *store.Store

	placementPhase *placement.Phase
	ccPhase        *constraintcheck.Phase
	balPhase       *balancing.Phase
	upgradeCoord   *upgrade.Coordinator
	query          *query.Service

	idempotency *movement.IdempotencyCache

	mu                  sync.Mutex
	lastPlacement       time.Time
	lastConstraintCheck time.Time
	lastLoadBalancing   time.Time
	lastNodeDown        time.Time
	lastNewNode         time.Time
	knownNodes          map[string]bool // instance id -> Up, as observed at the previous refresh
	pendingSwaps        []swapRequest

	lastMovements movement.Map
	lastSnap      store.Snapshot
	lastWS        *constraint.WorkingState
}

// New builds an engine from configuration, wiring every phase to a shared
// store and query surface.
func New(cfg config.EngineConfig, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault("engine")
	}
	st := store.New(log)
	return &Engine{
		log:            log,
		cfg:            cfg,
		store:          st,
		placementPhase: placement.New(log, st.ReservationAccountant()),
		ccPhase:        constraintcheck.New(log),
		balPhase:       balancing.New(log),
		upgradeCoord:   upgrade.New(log),
		query:          query.New(query.Config{BufferPercent: cfg.ClusterCapacityBufferPercent}),
		idempotency:    movement.NewIdempotencyCache(),
		knownNodes:     make(map[string]bool),
	}
}

// Store exposes the underlying entity store to the ingress surface
// (httpapi handlers call Update*/Delete* directly on it).
func (e *Engine) Store() *store.Store { return e.store }

// Query exposes the query service to the ingress surface.
func (e *Engine) Query() *query.Service { return e.query }

// ProcessPendingUpdates drains queued entity mutations without running any
// decision phase.
func (e *Engine) ProcessPendingUpdates() error {
	return e.store.ProcessPendingUpdates()
}

// SetMovementEnabled toggles movement emission for placement/balancing and
// constraint check independently.
func (e *Engine) SetMovementEnabled(placementOrBalancing, constraintCheck bool) {
	e.store.SetMovementEnabled(placementOrBalancing, constraintCheck)
}

// UpdateClusterUpgrade sets the cluster upgrade flags for an application.
func (e *Engine) UpdateClusterUpgrade(applicationName string, inProgress bool, completedUDs []string) error {
	return e.store.UpdateClusterUpgrade(applicationName, inProgress, completedUDs)
}

// TriggerSwapPrimary queues a forced primary/secondary swap to be validated
// and, if it clears the constraint set, committed at the start of the next
// Refresh. An invalid service or partition is a no-op that still returns
// success; the same leniency extends to an unknown partition guid, since
// the caller may be racing a concurrent deletion.
func (e *Engine) TriggerSwapPrimary(serviceName, partitionID, sourceNode, targetNode string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingSwaps = append(e.pendingSwaps, swapRequest{
		serviceName: serviceName,
		partitionID: partitionID,
		sourceNode:  sourceNode,
		targetNode:  targetNode,
	})
	return nil
}

// CompareNodeForPromotion ranks nodeA against nodeB as a promotion target
// for the named partition by weightedSlack, evaluated against the most
// recently committed working state. weightedSlack is the placement phase's
// constraint-slack heuristic with the owning application's unused
// reservation on the node credited back. It returns -1 when nodeA is the
// stronger candidate (more slack, i.e. lower carried load), 1 when nodeB
// is, and 0 when they tie or the engine has not completed a refresh yet.
func (e *Engine) CompareNodeForPromotion(serviceName, partitionID, nodeA, nodeB string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastWS == nil {
		return 0
	}
	svc, ok := e.lastSnap.Services[serviceName]
	if !ok {
		return 0
	}
	slackA := weightedSlack(e.lastWS, svc, nodeA)
	slackB := weightedSlack(e.lastWS, svc, nodeB)
	switch {
	case slackA < slackB:
		return -1
	case slackA > slackB:
		return 1
	default:
		return 0
	}
}

// weightedSlack ranks a node's carried load for promotion: lower is more
// attractive. The service's own application gets credit for its unused
// reservation on the node, since promoting into headroom the application
// already paid for consumes no new capacity.
func weightedSlack(ws *constraint.WorkingState, svc model.Service, nodeID string) float64 {
	var total float64
	for _, ms := range svc.Metrics {
		w := ms.Weight
		if w == 0 {
			w = 1
		}
		effective := ws.NodeLoad(nodeID, ms.Name) + ws.CarriedReservation(nodeID, ms.Name)
		if svc.ApplicationName != "" {
			effective -= ws.AppUnusedReservation(svc.ApplicationName, nodeID, ms.Name)
		}
		total += w * effective
	}
	return total
}

// Refresh runs the three decision phases in order, each gated by its own
// minimum interval measured from its previous successful run: Placement,
// Constraint Check, Load Balancing. The upgrade coordinator runs first
// every refresh; its atomic rules must preempt ordinary placement for the
// partitions they touch. `now` is a parameter, not a wall-clock read, so
// phase scheduling stays deterministic under test.
func (e *Engine) Refresh(now time.Time) error {
	if err := e.store.ProcessPendingUpdates(); err != nil {
		return err
	}
	snap := e.store.Snapshot()
	if !snap.Ready {
		return plberrors.PLBNotReady()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.trackTopology(snap, now)
	evalCfg := e.evalConfig()
	ws := constraint.NewWorkingState(snap, e.store.Loads(), e.store.ReservationAccountant())

	out := make(movement.Map)
	e.applyPendingSwaps(snap, ws, evalCfg, out)

	placementOrBalancing, constraintCheckEnabled := e.store.MovementEnabled()

	upgradeOut := e.upgradeCoord.Run(snap, ws, evalCfg, e.upgradeConfig())
	mergeInto(out, upgradeOut)

	placementSnap := snap.WithoutPartitions(partitionIDs(upgradeOut))

	if placementOrBalancing && now.Sub(e.lastPlacement) >= e.cfg.MinPlacementInterval {
		started := time.Now()
		placementOut := e.placementPhase.Run(placementSnap, ws, evalCfg)
		metrics.RefreshDuration.WithLabelValues("placement").Observe(time.Since(started).Seconds())
		mergeInto(out, placementOut)
		e.lastPlacement = now
	}

	if constraintCheckEnabled && now.Sub(e.lastConstraintCheck) >= e.cfg.MinConstraintCheckInterval {
		started := time.Now()
		ccOut := e.ccPhase.Run(snap, ws, evalCfg, constraintcheck.Budget{
			IterationsPerRound: e.cfg.ConstraintCheckIterationsPerRound,
			SearchTimeout:      e.cfg.ConstraintCheckSearchTimeout,
		})
		metrics.RefreshDuration.WithLabelValues("constraint_check").Observe(time.Since(started).Seconds())
		mergeInto(out, ccOut)
		e.lastConstraintCheck = now
	}

	if placementOrBalancing && e.balancingEligible(now) {
		started := time.Now()
		balOut := e.balPhase.Run(snap, ws, evalCfg, balancing.Config{
			MaxIterations: e.cfg.MaxSimulatedAnnealingIterations,
			Threshold:     e.cfg.BalancingThreshold,
		})
		metrics.RefreshDuration.WithLabelValues("load_balancing").Observe(time.Since(started).Seconds())
		mergeInto(out, balOut)
		e.lastLoadBalancing = now
	}

	out = e.dedupeIdempotent(out, now)

	e.lastMovements = out
	e.lastSnap = snap
	e.lastWS = ws
	e.query.Commit(snap, ws)

	e.publishMetrics(snap, ws, out)
	return nil
}

// Movements returns the movement map produced by the most recent Refresh.
func (e *Engine) Movements() movement.Map {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(movement.Map, len(e.lastMovements))
	for k, v := range e.lastMovements {
		out[k] = v
	}
	return out
}

func (e *Engine) applyPendingSwaps(snap store.Snapshot, ws *constraint.WorkingState, cfg constraint.EvalConfig, out movement.Map) {
	swaps := e.pendingSwaps
	e.pendingSwaps = nil
	for _, req := range swaps {
		svc, ok := snap.Services[req.serviceName]
		if !ok {
			continue
		}
		part, ok := snap.Partitions[req.partitionID]
		if !ok || part.Deleted {
			continue
		}
		move := constraint.Move{
			PartitionID: part.ID,
			ServiceName: svc.Name,
			FromNode:    req.sourceNode,
			ToNode:      req.targetNode,
			Role:        model.RolePrimary,
		}
		ctx := &constraint.EvalContext{WS: ws, Snap: snap, Config: cfg}
		cp := ws.Checkpoint()
		ws.Apply(move)
		if constraint.Blocks(constraint.Evaluate(ctx, move)) {
			ws.Restore(cp)
			e.log.WithField("partition_id", part.ID).Debug("triggered swap primary rejected by constraint set")
			continue
		}
		out.Add(part.ID, movement.Action{Type: movement.SwapPrimarySecondary, SourceNode: req.sourceNode, TargetNode: req.targetNode})
	}
}

// trackTopology records node up/down and new-node transitions so
// BalancingDelayAfterNodeDown / BalancingDelayAfterNewNode can hold off
// balancing briefly after topology churn.
func (e *Engine) trackTopology(snap store.Snapshot, now time.Time) {
	for _, n := range snap.NodeList() {
		wasUp, known := e.knownNodes[n.InstanceID]
		switch {
		case !known:
			e.lastNewNode = now
		case wasUp && !n.Up:
			e.lastNodeDown = now
		}
		e.knownNodes[n.InstanceID] = n.Up
	}
	for id := range e.knownNodes {
		if _, ok := snap.Nodes[id]; !ok {
			delete(e.knownNodes, id)
		}
	}
}

func (e *Engine) balancingEligible(now time.Time) bool {
	if now.Sub(e.lastLoadBalancing) < e.cfg.MinLoadBalancingInterval {
		return false
	}
	if !e.lastNodeDown.IsZero() && now.Sub(e.lastNodeDown) < e.cfg.BalancingDelayAfterNodeDown {
		return false
	}
	if !e.lastNewNode.IsZero() && now.Sub(e.lastNewNode) < e.cfg.BalancingDelayAfterNewNode {
		return false
	}
	return true
}

func (e *Engine) evalConfig() constraint.EvalConfig {
	return constraint.EvalConfig{
		PreventTransientOvercommit:           e.cfg.PreventTransientOvercommit,
		RelaxCapacityConstraintForUpgrade:    e.cfg.RelaxCapacityConstraintForUpgrade,
		RelaxScaleoutConstraintDuringUpgrade: e.cfg.RelaxScaleoutConstraintDuringUpgrade,
		RelaxAffinityConstraintDuringUpgrade: e.cfg.RelaxAffinityConstraintDuringUpgrade,
	}
}

func (e *Engine) upgradeConfig() upgrade.Config {
	return upgrade.Config{
		CheckAffinityForUpgradePlacement:                e.cfg.CheckAffinityForUpgradePlacement,
		RelaxScaleoutConstraintDuringUpgrade:            e.cfg.RelaxScaleoutConstraintDuringUpgrade,
		IsSingletonReplicaMoveAllowedDuringUpgradeEntry: e.cfg.IsSingletonReplicaMoveAllowedDuringUpgradeEntry,
		RelaxAffinityConstraintDuringUpgrade:            e.cfg.RelaxAffinityConstraintDuringUpgrade,
	}
}

// dedupeIdempotent records every PartitionMovement in the idempotency cache
// and forgets partitions that dropped out of the map since the last
// refresh. It returns out unchanged: the full map, repeats included, is
// handed to the FM, so the cache never changes which movements are emitted.
func (e *Engine) dedupeIdempotent(out movement.Map, now time.Time) movement.Map {
	for _, pm := range out {
		e.idempotency.Seen(pm, now)
	}
	for id := range e.lastMovements {
		if _, stillPresent := out[id]; !stillPresent {
			e.idempotency.Forget(id)
		}
	}
	return out
}

func mergeInto(dst, src movement.Map) {
	for id, pm := range src {
		for _, a := range pm.Actions {
			dst.Add(id, a)
		}
	}
}

func partitionIDs(m movement.Map) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for id := range m {
		out[id] = struct{}{}
	}
	return out
}

func (e *Engine) publishMetrics(snap store.Snapshot, ws *constraint.WorkingState, out movement.Map) {
	degraded := e.store.DegradedDomains()
	metrics.DomainsDegraded.Set(float64(len(degraded)))

	for _, pm := range out {
		for _, a := range pm.Actions {
			metrics.MovementsProposed.WithLabelValues(string(a.Type)).Inc()
		}
	}

	seenMetrics := make(map[string]struct{})
	for _, n := range snap.NodeList() {
		for metric := range n.Capacities {
			seenMetrics[metric] = struct{}{}
		}
	}
	names := make([]string, 0, len(seenMetrics))
	for m := range seenMetrics {
		names = append(names, m)
	}
	sort.Strings(names)
	for _, m := range names {
		info, err := e.query.ClusterLoadInformation(m)
		if err != nil {
			continue
		}
		metrics.ClusterRemainingCapacity.WithLabelValues(m).Set(info.RemainingUnbuffered)
	}

	apps := snap.ApplicationList()
	actual := make(map[string]map[string]float64) // metric -> app -> load
	for _, app := range apps {
		if !app.ReservationActive() {
			continue
		}
		for _, mc := range app.Metrics {
			byApp, ok := actual[mc.Metric]
			if !ok {
				byApp = map[string]float64{}
				actual[mc.Metric] = byApp
			}
			byApp[app.Name] = ws.AppTotalLoad(app.Name, mc.Metric)
		}
	}
	actualWrapped := make(map[string]reservation.AppActualLoad, len(actual))
	for metric, byApp := range actual {
		actualWrapped[metric] = reservation.AppActualLoad(byApp)
	}
	for _, v := range e.store.ReservationAccountant().ClusterViews(apps, actualWrapped) {
		metrics.ReservedCapacity.WithLabelValues(v.Metric).Set(v.ReservedCapacity)
	}
}
