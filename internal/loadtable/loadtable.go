// Package loadtable implements the per-partition, per-replica reported
// load table: a sync.RWMutex guarding plain maps, with deterministic
// iteration via sorted keys.
package loadtable

import (
	"sort"
	"sync"
	"time"

	"github.com/clusterfabric/plb/internal/model"
)

// Table holds reported loads keyed by (partitionID, nodeID, metric) and
// answers queries with service-default fallback.
type Table struct {
	mu     sync.RWMutex
	values map[model.LoadKey]model.LoadReport
}

// New creates an empty load table.
func New() *Table {
	return &Table{values: make(map[model.LoadKey]model.LoadReport)}
}

// Report is one partial load update for a single node. Partial reports
// update only the provided (metric, node) pairs and never reset omitted
// ones.
type Report struct {
	NodeID string
	Metric string
	Value  float64
}

// Apply merges the supplied reports into the table with last-writer-wins
// semantics, keyed by the supplied observation time.
func (t *Table) Apply(partitionID string, reports []Report, observedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range reports {
		key := model.LoadKey{PartitionID: partitionID, NodeID: r.NodeID, Metric: r.Metric}
		existing, ok := t.values[key]
		if ok && existing.UpdatedAt.After(observedAt) {
			continue // a newer report already landed; last-writer-wins by observation time
		}
		t.values[key] = model.LoadReport{Value: r.Value, UpdatedAt: observedAt}
	}
}

// Get returns the reported load for (partitionID, nodeID, metric), or
// (0, false) if nothing has ever been reported for that slot.
func (t *Table) Get(partitionID, nodeID, metric string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.values[model.LoadKey{PartitionID: partitionID, NodeID: nodeID, Metric: metric}]
	return v.Value, ok
}

// Load returns the effective load for a replica: the reported value if
// present, otherwise the service's default for the replica's current role.
func (t *Table) Load(partitionID string, replica model.Replica, svc model.Service, metric string) float64 {
	if v, ok := t.Get(partitionID, replica.NodeID, metric); ok {
		return v
	}
	spec, ok := svc.MetricByName(metric)
	if !ok {
		return 0
	}
	if replica.Role == model.RolePrimary {
		return spec.PrimaryDefault
	}
	return spec.SecondaryDefault
}

// DropPartition removes every slot belonging to partitionID. Used when a
// partition is tombstoned.
func (t *Table) DropPartition(partitionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.values {
		if k.PartitionID == partitionID {
			delete(t.values, k)
		}
	}
}

// PartitionNodeMetrics returns the sorted list of (nodeID, metric) pairs with
// an explicit report for partitionID. Exposed for tests and diagnostics.
func (t *Table) PartitionNodeMetrics(partitionID string) []model.LoadKey {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []model.LoadKey
	for k := range t.values {
		if k.PartitionID == partitionID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].Metric < out[j].Metric
	})
	return out
}
