package placement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterfabric/plb/internal/constraint"
	"github.com/clusterfabric/plb/internal/domain"
	"github.com/clusterfabric/plb/internal/loadtable"
	"github.com/clusterfabric/plb/internal/model"
	"github.com/clusterfabric/plb/internal/movement"
	"github.com/clusterfabric/plb/internal/reservation"
	"github.com/clusterfabric/plb/internal/store"
)

func twoNodeSnapshot() store.Snapshot {
	svc := model.Service{
		Name: "svc1", ServiceTypeName: "st1", Stateful: true, TargetReplicaSetSize: 2,
		Metrics: []model.MetricSpec{{Name: "cpu", Weight: 1, PrimaryDefault: 10, SecondaryDefault: 5}},
	}
	part := model.Partition{ID: "p1", ServiceName: "svc1"}
	return store.Snapshot{
		Nodes: map[string]model.Node{
			"n1": {InstanceID: "n1", Up: true, Capacities: map[string]float64{"cpu": 100}},
			"n2": {InstanceID: "n2", Up: true, Capacities: map[string]float64{"cpu": 100}},
		},
		ServiceTypes: map[string]model.ServiceType{"st1": {Name: "st1"}},
		Services:     map[string]model.Service{"svc1": svc},
		Applications: map[string]model.Application{},
		Partitions:   map[string]model.Partition{"p1": part},
		Domains:      []domain.Domain{{ID: "svc1", Services: []string{"svc1"}}},
		Ready:        true,
	}
}

func TestPlacementPhaseAddsPrimaryThenSecondary(t *testing.T) {
	snap := twoNodeSnapshot()
	ws := constraint.NewWorkingState(snap, loadtable.New(), reservation.New())
	phase := New(nil, reservation.New())

	out := phase.Run(snap, ws, constraint.EvalConfig{})
	pm, ok := out["p1"]
	require.True(t, ok)
	require.Len(t, pm.Actions, 2)
	assert.Equal(t, movement.AddPrimary, pm.Actions[0].Type)
	assert.Equal(t, movement.AddSecondary, pm.Actions[1].Type)
	assert.NotEqual(t, pm.Actions[0].TargetNode, pm.Actions[1].TargetNode)
}

func TestPlacementPhaseSkipsBlockedNode(t *testing.T) {
	snap := twoNodeSnapshot()
	st := snap.ServiceTypes["st1"]
	st.BlockList = map[string]struct{}{"n2": {}}
	snap.ServiceTypes["st1"] = st

	ws := constraint.NewWorkingState(snap, loadtable.New(), reservation.New())
	phase := New(nil, reservation.New())
	out := phase.Run(snap, ws, constraint.EvalConfig{})

	pm := out["p1"]
	require.Len(t, pm.Actions, 1) // only n1 eligible, one replica possible (needs 2 nodes to hold 2 replicas)
	assert.Equal(t, "n1", pm.Actions[0].TargetNode)
}

func TestPlacementPhaseNoActionWhenNoCandidates(t *testing.T) {
	svc := model.Service{Name: "svc1", ServiceTypeName: "st1", Stateful: true, TargetReplicaSetSize: 1}
	snap := store.Snapshot{
		Nodes:        map[string]model.Node{"n1": {InstanceID: "n1", Up: false}},
		ServiceTypes: map[string]model.ServiceType{"st1": {Name: "st1"}},
		Services:     map[string]model.Service{"svc1": svc},
		Partitions:   map[string]model.Partition{"p1": {ID: "p1", ServiceName: "svc1"}},
		Domains:      []domain.Domain{{ID: "svc1", Services: []string{"svc1"}}},
	}
	ws := constraint.NewWorkingState(snap, loadtable.New(), reservation.New())
	phase := New(nil, reservation.New())
	out := phase.Run(snap, ws, constraint.EvalConfig{})
	assert.Empty(t, out)
}

func TestEveryNodePlacementAddsInstancePerEligibleNode(t *testing.T) {
	svc := model.Service{Name: "svc1", ServiceTypeName: "st1", Stateful: false, TargetReplicaSetSize: 0}
	snap := store.Snapshot{
		Nodes: map[string]model.Node{
			"n1": {InstanceID: "n1", Up: true},
			"n2": {InstanceID: "n2", Up: true},
		},
		ServiceTypes: map[string]model.ServiceType{"st1": {Name: "st1"}},
		Services:     map[string]model.Service{"svc1": svc},
		Partitions:   map[string]model.Partition{"p1": {ID: "p1", ServiceName: "svc1"}},
		Domains:      []domain.Domain{{ID: "svc1", Services: []string{"svc1"}}},
	}
	ws := constraint.NewWorkingState(snap, loadtable.New(), reservation.New())
	phase := New(nil, reservation.New())
	out := phase.Run(snap, ws, constraint.EvalConfig{})
	pm := out["p1"]
	require.Len(t, pm.Actions, 2)
	assert.Equal(t, movement.AddInstance, pm.Actions[0].Type)
}
