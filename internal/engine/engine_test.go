package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterfabric/plb/internal/model"
	"github.com/clusterfabric/plb/internal/movement"
	"github.com/clusterfabric/plb/internal/plberrors"
	"github.com/clusterfabric/plb/pkg/config"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	return New(config.New().Engine, nil)
}

// Queries return PLBNotReady until at least one refresh has completed.
func TestQueryBeforeFirstRefreshReturnsPLBNotReady(t *testing.T) {
	e := testEngine(t)
	_, err := e.Query().ClusterLoadInformation("cpu")
	require.Error(t, err)
	assert.True(t, plberrors.Is(err, plberrors.CodePLBNotReady))
}

// TriggerSwapPrimary with an invalid service is a no-op that still returns
// success.
func TestTriggerSwapPrimaryNoOpOnUnknownService(t *testing.T) {
	e := testEngine(t)
	err := e.TriggerSwapPrimary("missing-service", "missing-partition", "n1", "n2")
	require.NoError(t, err)
	require.NoError(t, e.Refresh(time.Now()))
	assert.Empty(t, e.Movements())
}

// A reservation fully covered by actual load produces
// no movement and rolls up reservedLoadUsed == actual load.
func TestReservationAccountingNoMovementWhenAlreadyPlaced(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.Store().UpdateNode(model.Node{InstanceID: "n1", Up: true, Version: 1, Capacities: map[string]float64{"cpu": 1000}}))
	require.NoError(t, e.Store().UpdateNode(model.Node{InstanceID: "n2", Up: true, Version: 1, Capacities: map[string]float64{"cpu": 1000}}))
	require.NoError(t, e.Store().UpdateServiceType(model.ServiceType{Name: "st1", Version: 1}))
	require.NoError(t, e.Store().UpdateApplication(model.Application{
		Name: "A", MinNodeCount: 1, MaxNodeCount: 2, Version: 1,
		Metrics: []model.ApplicationMetricCapacity{{Metric: "cpu", TotalCapacity: 100, PerNodeCapacity: 50, PerNodeReservation: 10}},
	}))
	require.NoError(t, e.Store().ProcessPendingUpdates())
	require.NoError(t, e.Store().UpdateService(model.Service{
		Name: "svcA", ServiceTypeName: "st1", ApplicationName: "A", Stateful: true, TargetReplicaSetSize: 1, Version: 1,
		Metrics: []model.MetricSpec{{Name: "cpu", Weight: 1, PrimaryDefault: 10, SecondaryDefault: 10}},
	}))
	require.NoError(t, e.Store().ProcessPendingUpdates())
	require.NoError(t, e.Store().UpdateFailoverUnit(model.Partition{
		ID: "p1", ServiceName: "svcA", Version: 1,
		Replicas: []model.Replica{{NodeID: "n1", Role: model.RolePrimary, State: model.StateReady}},
	}))

	require.NoError(t, e.Refresh(time.Now()))

	assert.Empty(t, e.Movements())
	info, err := e.Query().ApplicationLoadInformation("A", "cpu")
	require.NoError(t, err)
	assert.Equal(t, 10.0, info.Load)

	cluster, err := e.Query().ClusterLoadInformation("cpu")
	require.NoError(t, err)
	assert.Equal(t, 10.0, cluster.ReservedCapacity)
	assert.Equal(t, 10.0, cluster.ReservedLoadUsed)

	// The unplaced node carries nothing: reservation follows the
	// application's replicas, not the whole cluster.
	n2, err := e.Query().NodeLoadInformation("n2", "cpu")
	require.NoError(t, err)
	assert.Zero(t, n2.Load)
}

// Round-trip law: removing an application's capacities zeroes its
// reservation rollups.
func TestApplicationReservationRoundTrip(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.Store().UpdateNode(model.Node{InstanceID: "n1", Up: true, Version: 1, Capacities: map[string]float64{"cpu": 1000}}))
	require.NoError(t, e.Store().UpdateApplication(model.Application{
		Name: "A", MinNodeCount: 1, Version: 1,
		Metrics: []model.ApplicationMetricCapacity{{Metric: "cpu", PerNodeReservation: 10}},
	}))
	require.NoError(t, e.Refresh(time.Now()))

	require.NoError(t, e.Store().UpdateApplication(model.Application{Name: "A", MinNodeCount: 1, Version: 2}))
	require.NoError(t, e.Refresh(time.Now().Add(time.Minute)))

	cluster, err := e.Query().ClusterLoadInformation("cpu")
	require.NoError(t, err)
	assert.Zero(t, cluster.ReservedCapacity)
	assert.Zero(t, cluster.ReservedLoadUsed)
}

// Invariant: the cluster rollup equals the sum of node rollups,
// and remaining unbuffered capacity is exactly capacity minus load.
func TestClusterRollupEqualsNodeRollups(t *testing.T) {
	e := testEngine(t)
	for i := 0; i < 3; i++ {
		id := nodeID(i)
		require.NoError(t, e.Store().UpdateNode(model.Node{InstanceID: id, Up: true, Version: 1, Capacities: map[string]float64{"cpu": 100}}))
	}
	require.NoError(t, e.Store().UpdateServiceType(model.ServiceType{Name: "st1", Version: 1}))
	require.NoError(t, e.Store().ProcessPendingUpdates())
	require.NoError(t, e.Store().UpdateService(model.Service{
		Name: "svc1", ServiceTypeName: "st1", Stateful: true, TargetReplicaSetSize: 2, Version: 1,
		Metrics: []model.MetricSpec{{Name: "cpu", Weight: 1, PrimaryDefault: 30, SecondaryDefault: 15}},
	}))
	require.NoError(t, e.Store().ProcessPendingUpdates())
	require.NoError(t, e.Store().UpdateFailoverUnit(model.Partition{
		ID: "p1", ServiceName: "svc1", Version: 1,
		Replicas: []model.Replica{
			{NodeID: "n0", Role: model.RolePrimary, State: model.StateReady},
			{NodeID: "n1", Role: model.RoleSecondary, State: model.StateReady},
		},
	}))

	require.NoError(t, e.Refresh(time.Now()))

	cluster, err := e.Query().ClusterLoadInformation("cpu")
	require.NoError(t, err)

	var sum float64
	for i := 0; i < 3; i++ {
		info, err := e.Query().NodeLoadInformation(nodeID(i), "cpu")
		require.NoError(t, err)
		sum += info.Load
	}
	assert.Equal(t, sum, cluster.Load)
	assert.Equal(t, cluster.Capacity-cluster.Load, cluster.RemainingUnbuffered)
}

// A reservation larger than any node's capacity makes
// placement infeasible everywhere, so no movement is emitted.
func TestPlacementRejectsWhenReservationExceedsNodeCapacity(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.Store().UpdateNode(model.Node{InstanceID: "n1", Up: true, Version: 1, Capacities: map[string]float64{"cpu": 90}}))
	require.NoError(t, e.Store().UpdateNode(model.Node{InstanceID: "n2", Up: true, Version: 1, Capacities: map[string]float64{"cpu": 90}}))
	require.NoError(t, e.Store().UpdateServiceType(model.ServiceType{Name: "st1", Version: 1}))
	require.NoError(t, e.Store().UpdateApplication(model.Application{
		Name: "A", MinNodeCount: 1, Version: 1,
		Metrics: []model.ApplicationMetricCapacity{{Metric: "cpu", PerNodeReservation: 100}},
	}))
	require.NoError(t, e.Store().ProcessPendingUpdates())
	require.NoError(t, e.Store().UpdateService(model.Service{
		Name: "svcA", ServiceTypeName: "st1", ApplicationName: "A", Stateful: true, TargetReplicaSetSize: 1, Version: 1,
		Metrics: []model.MetricSpec{{Name: "cpu", Weight: 1, PrimaryDefault: 10, SecondaryDefault: 10}},
	}))
	require.NoError(t, e.Store().ProcessPendingUpdates())
	require.NoError(t, e.Store().UpdateFailoverUnit(model.Partition{
		ID: "p1", ServiceName: "svcA", Version: 1, ReplicaDifference: 1,
	}))

	require.NoError(t, e.Refresh(time.Now()))

	assert.Empty(t, e.Movements())
}

// A single node accumulates more load than its
// capacity allows; constraint check proposes exactly one move off of it.
func TestConstraintCheckFixesSingleOverloadedNode(t *testing.T) {
	e := testEngine(t)
	for i := 0; i < 5; i++ {
		id := nodeID(i)
		require.NoError(t, e.Store().UpdateNode(model.Node{InstanceID: id, Up: true, Version: 1, Capacities: map[string]float64{"cpu": 100}}))
	}
	require.NoError(t, e.Store().UpdateServiceType(model.ServiceType{Name: "st1", Version: 1}))
	require.NoError(t, e.Store().ProcessPendingUpdates())
	svcHeavy := model.Service{
		Name: "heavy", ServiceTypeName: "st1", Stateful: true, TargetReplicaSetSize: 1, Version: 1,
		Metrics: []model.MetricSpec{{Name: "cpu", Weight: 1, PrimaryDefault: 70}},
	}
	svcLight := model.Service{
		Name: "light", ServiceTypeName: "st1", Stateful: true, TargetReplicaSetSize: 1, Version: 1,
		Metrics: []model.MetricSpec{{Name: "cpu", Weight: 1, PrimaryDefault: 40}},
	}
	require.NoError(t, e.Store().UpdateService(svcHeavy))
	require.NoError(t, e.Store().UpdateService(svcLight))
	require.NoError(t, e.Store().ProcessPendingUpdates())
	require.NoError(t, e.Store().UpdateFailoverUnit(model.Partition{
		ID: "p-heavy", ServiceName: "heavy", Version: 1,
		Replicas: []model.Replica{{NodeID: "n0", Role: model.RolePrimary, State: model.StateReady}},
	}))
	require.NoError(t, e.Store().UpdateFailoverUnit(model.Partition{
		ID: "p-light", ServiceName: "light", Version: 1,
		Replicas: []model.Replica{{NodeID: "n0", Role: model.RolePrimary, State: model.StateReady}},
	}))

	require.NoError(t, e.Refresh(time.Now()))

	movements := e.Movements()
	var moved []movement.Action
	for _, pm := range movements {
		moved = append(moved, pm.Actions...)
	}
	require.Len(t, moved, 1)
	assert.Equal(t, "n0", moved[0].SourceNode)
	assert.NotEqual(t, "n0", moved[0].TargetNode)
}

// A reservation-free capacity update always succeeds;
// raising min-nodes afterward to a level that overcommits cluster capacity
// fails with InsufficientClusterCapacity and leaves the application
// unchanged.
func TestApplicationCapacityUpdateRequiresReservationToValidate(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.Store().UpdateNode(model.Node{InstanceID: "n1", Up: true, Version: 1, Capacities: map[string]float64{"cpu": 100}}))
	require.NoError(t, e.Store().UpdateNode(model.Node{InstanceID: "n2", Up: true, Version: 1, Capacities: map[string]float64{"cpu": 100}}))

	require.NoError(t, e.Store().UpdateApplication(model.Application{
		Name: "App1", Version: 1,
		Metrics: []model.ApplicationMetricCapacity{{Metric: "cpu", TotalCapacity: 600, PerNodeCapacity: 300, PerNodeReservation: 200}},
	}))
	require.NoError(t, e.Store().ProcessPendingUpdates())

	err := e.Store().UpdateApplication(model.Application{
		Name: "App1", MinNodeCount: 2, Version: 2,
		Metrics: []model.ApplicationMetricCapacity{{Metric: "cpu", TotalCapacity: 600, PerNodeCapacity: 300, PerNodeReservation: 200}},
	})
	require.Error(t, err)
	assert.True(t, plberrors.Is(err, plberrors.CodeInsufficientClusterCapacity))
}

// Disabling placement/balancing suppresses new-replica adds even though the
// partition still has a positive replica difference.
func TestSetMovementEnabledGatesPlacement(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.Store().UpdateNode(model.Node{InstanceID: "n1", Up: true, Version: 1, Capacities: map[string]float64{"cpu": 100}}))
	require.NoError(t, e.Store().UpdateServiceType(model.ServiceType{Name: "st1", Version: 1}))
	require.NoError(t, e.Store().ProcessPendingUpdates())
	require.NoError(t, e.Store().UpdateService(model.Service{
		Name: "svc1", ServiceTypeName: "st1", Stateful: true, TargetReplicaSetSize: 1, Version: 1,
		Metrics: []model.MetricSpec{{Name: "cpu", Weight: 1, PrimaryDefault: 10}},
	}))
	require.NoError(t, e.Store().ProcessPendingUpdates())
	require.NoError(t, e.Store().UpdateFailoverUnit(model.Partition{ID: "p1", ServiceName: "svc1", Version: 1, ReplicaDifference: 1}))

	e.SetMovementEnabled(false, true)
	require.NoError(t, e.Refresh(time.Now()))
	assert.Empty(t, e.Movements())

	e.SetMovementEnabled(true, true)
	require.NoError(t, e.Refresh(time.Now().Add(time.Hour)))
	assert.NotEmpty(t, e.Movements())
}

func nodeID(i int) string {
	return "n" + string(rune('0'+i))
}
