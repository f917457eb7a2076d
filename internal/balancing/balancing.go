// Package balancing implements the Load Balancing phase:
// simulated annealing over a domain's per-node load, proposing moves that
// reduce imbalance subject to the full constraint set.
package balancing

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"

	"golang.org/x/crypto/blake2b"

	"github.com/clusterfabric/plb/internal/constraint"
	"github.com/clusterfabric/plb/internal/domain"
	"github.com/clusterfabric/plb/internal/model"
	"github.com/clusterfabric/plb/internal/movement"
	"github.com/clusterfabric/plb/internal/store"
	"github.com/clusterfabric/plb/pkg/logger"
)

// Config parametrizes the annealing schedule.
type Config struct {
	MaxIterations int
	Threshold     float64
}

// Phase runs the load balancing procedure. Moves only (no cross-partition
// swaps): balancing's "random move" is modelled as relocating one replica at
// a time, which is sufficient to explore the same state space a swap would
// and keeps each accepted/rejected step a single atomic constraint check;
// swap actions remain the upgrade coordinator's vocabulary.
type Phase struct {
	log *logger.Logger
}

// New creates a load balancing phase.
func New(log *logger.Logger) *Phase {
	if log == nil {
		log = logger.NewDefault("balancing")
	}
	return &Phase{log: log}
}

type metricInfo struct {
	weight float64
	defrag bool
}

// Run executes simulated annealing over every domain and returns the
// proposed movement map.
func (p *Phase) Run(snap store.Snapshot, ws *constraint.WorkingState, cfg constraint.EvalConfig, budget Config) movement.Map {
	out := make(movement.Map)
	for _, d := range snap.Domains {
		p.runDomain(snap, ws, cfg, budget, d, out)
	}
	return out
}

func (p *Phase) runDomain(snap store.Snapshot, ws *constraint.WorkingState, cfg constraint.EvalConfig, budget Config, d domain.Domain, out movement.Map) {
	parts := snap.PartitionsForDomain(d)
	if len(parts) == 0 {
		return
	}
	metrics := domainMetrics(snap, d)
	if len(metrics) == 0 {
		return
	}
	nodes := usableNodes(snap)
	if len(nodes) < 2 {
		return
	}

	current := weightedScore(ws, nodes, metrics)
	if current <= budget.Threshold {
		p.log.WithField("domain_id", d.ID).Debug("balancing: domain already within threshold, skipping")
		return
	}

	rng := rand.New(rand.NewSource(seedFor(d, snap)))
	maxIter := budget.MaxIterations
	if maxIter <= 0 {
		maxIter = 1
	}
	temp := 1.0
	cooling := math.Pow(0.001, 1.0/float64(maxIter))

	for iter := 0; iter < maxIter; iter++ {
		temp *= cooling
		if current <= budget.Threshold {
			return
		}

		part := parts[rng.Intn(len(parts))]
		svc, ok := snap.Services[part.ServiceName]
		if !ok {
			continue
		}
		replicas := part.ReadyMovableReplicas()
		if len(replicas) == 0 {
			continue
		}
		r := replicas[rng.Intn(len(replicas))]
		target := nodes[rng.Intn(len(nodes))]
		if target.InstanceID == r.NodeID {
			continue
		}
		if _, already := ws.HostNodes(part.ID)[target.InstanceID]; already {
			continue // one replica of a partition per node
		}

		move := constraint.Move{
			PartitionID: part.ID, ServiceName: svc.Name,
			FromNode: r.NodeID, ToNode: target.InstanceID, Role: r.Role,
			UpgradeRelated: part.Flags.UpgradeInProgress,
		}
		ctx := &constraint.EvalContext{WS: ws, Snap: snap, Config: cfg}
		cp := ws.Checkpoint()
		ws.Apply(move)
		if constraint.Blocks(constraint.Evaluate(ctx, move)) {
			ws.Restore(cp)
			continue
		}
		candidate := weightedScore(ws, nodes, metrics)

		accept := candidate < current
		if !accept {
			prob := math.Exp(-(candidate - current) / math.Max(temp, 1e-9))
			accept = rng.Float64() < prob
		}
		if !accept {
			ws.Restore(cp)
			continue
		}
		current = candidate
		out.Add(part.ID, movement.MoveActionFor(r.Role, r.NodeID, target.InstanceID))
	}
}

func domainMetrics(snap store.Snapshot, d domain.Domain) map[string]metricInfo {
	out := make(map[string]metricInfo)
	for _, name := range d.Services {
		svc, ok := snap.Services[name]
		if !ok {
			continue
		}
		for _, m := range svc.Metrics {
			w := m.Weight
			if w == 0 {
				w = 1
			}
			out[m.Name] = metricInfo{weight: w, defrag: m.Defrag}
		}
	}
	return out
}

func usableNodes(snap store.Snapshot) []model.Node {
	var out []model.Node
	for _, n := range snap.NodeList() {
		if n.Usable() {
			out = append(out, n)
		}
	}
	return out
}

// weightedScore is the weighted sum over metrics of stddev(per-node
// load), with defrag metrics instead scored by
// the count of nodes carrying any load (lower is better: fewer, fuller
// nodes), rewarding concentration over spread. Per-node load here is the
// effective load (actual plus carried reservation), so a node whose spare
// capacity is earmarked by an application reservation is scored as the
// occupied node it really is.
func weightedScore(ws *constraint.WorkingState, nodes []model.Node, metrics map[string]metricInfo) float64 {
	var total float64
	for name, info := range metrics {
		vals := make([]float64, len(nodes))
		for i, n := range nodes {
			vals[i] = ws.NodeLoad(n.InstanceID, name) + ws.CarriedReservation(n.InstanceID, name)
		}
		total += info.weight * metricContribution(info.defrag, vals)
	}
	return total
}

func metricContribution(defrag bool, vals []float64) float64 {
	if defrag {
		var active float64
		for _, v := range vals {
			if v > 1e-9 {
				active++
			}
		}
		return active
	}
	return stddev(vals)
}

func stddev(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var mean float64
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))

	var sumSq float64
	for _, v := range vals {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(vals)))
}

// seedFor derives a stable annealing seed from the domain id and its
// partitions' versions via blake2b, so two engines observing the same
// domain state pick the same random move sequence.
func seedFor(d domain.Domain, snap store.Snapshot) int64 {
	h, _ := blake2b.New256(nil)
	fmt.Fprintf(h, "%s", d.ID)
	for _, p := range snap.PartitionsForDomain(d) {
		fmt.Fprintf(h, "|%s:%d", p.ID, p.Version)
	}
	sum := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
