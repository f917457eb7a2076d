package constraint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterfabric/plb/internal/loadtable"
	"github.com/clusterfabric/plb/internal/model"
	"github.com/clusterfabric/plb/internal/reservation"
	"github.com/clusterfabric/plb/internal/store"
)

func baseSnapshot() store.Snapshot {
	return store.Snapshot{
		Nodes: map[string]model.Node{
			"n1": {InstanceID: "n1", Up: true, Capacities: map[string]float64{"cpu": 100}, FaultDomain: "dc1/r1", UpgradeDomain: "ud1"},
			"n2": {InstanceID: "n2", Up: true, Capacities: map[string]float64{"cpu": 100}, FaultDomain: "dc1/r2", UpgradeDomain: "ud2"},
		},
		ServiceTypes: map[string]model.ServiceType{
			"st1": {Name: "st1", BlockList: map[string]struct{}{"n2": {}}},
		},
		Services: map[string]model.Service{
			"svc1": {
				Name: "svc1", ServiceTypeName: "st1",
				Metrics: []model.MetricSpec{{Name: "cpu", PrimaryDefault: 10, SecondaryDefault: 5}},
			},
		},
		Applications: map[string]model.Application{},
		Partitions:   map[string]model.Partition{},
	}
}

func newCtx(snap store.Snapshot) *EvalContext {
	loads := loadtable.New()
	ws := NewWorkingState(snap, loads, reservation.New())
	return &EvalContext{WS: ws, Snap: snap}
}

func TestBlockListViolatesForBlockedNode(t *testing.T) {
	ctx := newCtx(baseSnapshot())
	status := BlockList{}.Check(ctx, Move{ServiceName: "svc1", ToNode: "n2", IsAdd: true, Role: model.RolePrimary})
	assert.Equal(t, Violated, status)
}

func TestBlockListSatisfiedForOpenNode(t *testing.T) {
	ctx := newCtx(baseSnapshot())
	status := BlockList{}.Check(ctx, Move{ServiceName: "svc1", ToNode: "n1", IsAdd: true, Role: model.RolePrimary})
	assert.Equal(t, Satisfied, status)
}

func TestPlacementConstraintExpression(t *testing.T) {
	snap := baseSnapshot()
	svc := snap.Services["svc1"]
	svc.PlacementConstraint = `region == "east"`
	snap.Services["svc1"] = svc
	n1 := snap.Nodes["n1"]
	n1.Properties = map[string]string{"region": "east"}
	snap.Nodes["n1"] = n1

	ctx := newCtx(snap)
	status := PlacementConstraint{}.Check(ctx, Move{ServiceName: "svc1", ToNode: "n1", IsAdd: true})
	assert.Equal(t, Satisfied, status)

	n2 := snap.Nodes["n2"]
	n2.Properties = map[string]string{"region": "west"}
	snap.Nodes["n2"] = n2
	ctx2 := newCtx(snap)
	status2 := PlacementConstraint{}.Check(ctx2, Move{ServiceName: "svc1", ToNode: "n2", IsAdd: true})
	assert.Equal(t, Violated, status2)
}

func TestNodeCapacityRespectsMetricLimit(t *testing.T) {
	snap := baseSnapshot()
	n1 := snap.Nodes["n1"]
	n1.Capacities = map[string]float64{"cpu": 5}
	snap.Nodes["n1"] = n1

	ctx := newCtx(snap)
	move := Move{ServiceName: "svc1", ToNode: "n1", IsAdd: true, Role: model.RolePrimary}
	ctx.WS.Apply(move)
	status := NodeCapacity{}.Check(ctx, move)
	assert.Equal(t, Violated, status)
}

func TestNodeCapacityRelaxedDuringUpgrade(t *testing.T) {
	snap := baseSnapshot()
	n1 := snap.Nodes["n1"]
	n1.Capacities = map[string]float64{"cpu": 5}
	snap.Nodes["n1"] = n1

	ctx := newCtx(snap)
	ctx.Config.RelaxCapacityConstraintForUpgrade = true
	move := Move{ServiceName: "svc1", ToNode: "n1", IsAdd: true, Role: model.RolePrimary, UpgradeRelated: true}
	ctx.WS.Apply(move)
	status := NodeCapacity{}.Check(ctx, move)
	assert.Equal(t, Satisfied, status)
}

func TestScaleoutBlocksBeyondMax(t *testing.T) {
	snap := baseSnapshot()
	svc := snap.Services["svc1"]
	svc.ApplicationName = "app1"
	snap.Services["svc1"] = svc
	snap.Applications["app1"] = model.Application{Name: "app1", MaxNodeCount: 1}
	snap.Partitions["p1"] = model.Partition{
		ID: "p1", ServiceName: "svc1",
		Replicas: []model.Replica{{NodeID: "n1", Role: model.RolePrimary, State: model.StateReady}},
	}
	snap.Partitions["p2"] = model.Partition{ID: "p2", ServiceName: "svc1", ReplicaDifference: 1}

	ctx := newCtx(snap)
	move := Move{ServiceName: "svc1", PartitionID: "p2", ToNode: "n2", IsAdd: true, Role: model.RolePrimary}
	ctx.WS.Apply(move)
	status := Scaleout{}.Check(ctx, move)
	require.Equal(t, Violated, status)
}

func TestPreferredLocationNeverBlocks(t *testing.T) {
	ctx := newCtx(baseSnapshot())
	status := PreferredLocation{}.Check(ctx, Move{ToNode: "n2", PreferredLocation: "n1"})
	assert.Equal(t, RelaxedAllowed, status)
}

func TestFaultDomainRejectsSharedDomain(t *testing.T) {
	snap := baseSnapshot()
	n2 := snap.Nodes["n2"]
	n2.FaultDomain = "dc1/r1" // collides with n1
	snap.Nodes["n2"] = n2
	snap.Partitions["p1"] = model.Partition{
		ID: "p1", ServiceName: "svc1",
		Replicas: []model.Replica{{NodeID: "n1", Role: model.RolePrimary, State: model.StateReady}},
	}

	ctx := newCtx(snap)
	status := FaultUpgradeDomain{}.Check(ctx, Move{ServiceName: "svc1", PartitionID: "p1", ToNode: "n2", IsAdd: true, Role: model.RoleSecondary})
	assert.Equal(t, Violated, status)
}

func TestFirstViolatedPriorityPicksHighestPriority(t *testing.T) {
	statuses := map[string]Status{
		"app_capacity": Violated,
		"block_list":   Violated,
	}
	priority, name, ok := FirstViolatedPriority(statuses)
	require.True(t, ok)
	assert.Equal(t, 1, priority)
	assert.Equal(t, "block_list", name)
}

func TestNonWorseningDetectsNewViolation(t *testing.T) {
	before := map[string]Status{"node_capacity": Satisfied}
	after := map[string]Status{"node_capacity": Violated}
	assert.False(t, NonWorsening(before, after))
}
