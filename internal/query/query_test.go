package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterfabric/plb/internal/constraint"
	"github.com/clusterfabric/plb/internal/domain"
	"github.com/clusterfabric/plb/internal/loadtable"
	"github.com/clusterfabric/plb/internal/model"
	"github.com/clusterfabric/plb/internal/plberrors"
	"github.com/clusterfabric/plb/internal/reservation"
	"github.com/clusterfabric/plb/internal/store"
)

func baseSnapshot() store.Snapshot {
	svc := model.Service{
		Name: "svc1", ServiceTypeName: "st1", Stateful: true, TargetReplicaSetSize: 2,
		ApplicationName: "app1",
		Metrics:         []model.MetricSpec{{Name: "cpu", Weight: 1, PrimaryDefault: 10, SecondaryDefault: 5}},
	}
	part := model.Partition{
		ID: "p1", ServiceName: "svc1",
		Replicas: []model.Replica{
			{NodeID: "n1", Role: model.RolePrimary, State: model.StateReady},
			{NodeID: "n2", Role: model.RoleSecondary, State: model.StateReady},
		},
	}
	app := model.Application{
		Name: "app1", MinNodeCount: 1,
		Metrics: []model.ApplicationMetricCapacity{{Metric: "cpu", TotalCapacity: 200, PerNodeReservation: 20}},
	}
	return store.Snapshot{
		Nodes: map[string]model.Node{
			"n1": {InstanceID: "n1", Up: true, Capacities: map[string]float64{"cpu": 100}},
			"n2": {InstanceID: "n2", Up: true, Capacities: map[string]float64{"cpu": 100}},
		},
		ServiceTypes: map[string]model.ServiceType{"st1": {Name: "st1"}},
		Services:     map[string]model.Service{"svc1": svc},
		Applications: map[string]model.Application{"app1": app},
		Partitions:   map[string]model.Partition{"p1": part},
		Domains:      []domain.Domain{{ID: "svc1", Services: []string{"svc1"}}},
		Ready:        true,
	}
}

func TestQueryReturnsNotReadyBeforeFirstCommit(t *testing.T) {
	s := New(Config{})
	_, err := s.ClusterLoadInformation("cpu")
	require.Error(t, err)
	assert.True(t, plberrors.Is(err, plberrors.CodePLBNotReady))
}

func TestClusterLoadEqualsSumOfNodeLoads(t *testing.T) {
	snap := baseSnapshot()
	ws := constraint.NewWorkingState(snap, loadtable.New(), reservation.New())
	s := New(Config{BufferPercent: map[string]float64{"cpu": 0.1}})
	s.Commit(snap, ws)

	cluster, err := s.ClusterLoadInformation("cpu")
	require.NoError(t, err)

	n1, err := s.NodeLoadInformation("n1", "cpu")
	require.NoError(t, err)
	n2, err := s.NodeLoadInformation("n2", "cpu")
	require.NoError(t, err)

	assert.InDelta(t, n1.Load+n2.Load, cluster.Load, 1e-9)
	assert.InDelta(t, cluster.Capacity-cluster.Load, cluster.RemainingUnbuffered, 1e-9)
	assert.InDelta(t, 200, cluster.Capacity, 1e-9)
	assert.InDelta(t, 180, cluster.BufferedCapacity, 1e-9)
}

func TestApplicationLoadFlooredAtReservation(t *testing.T) {
	snap := baseSnapshot()
	// Lower the reported load below the committed reservation floor.
	svc := snap.Services["svc1"]
	svc.Metrics[0].PrimaryDefault = 1
	svc.Metrics[0].SecondaryDefault = 1
	snap.Services["svc1"] = svc

	ws := constraint.NewWorkingState(snap, loadtable.New(), reservation.New())
	s := New(Config{})
	s.Commit(snap, ws)

	info, err := s.ApplicationLoadInformation("app1", "cpu")
	require.NoError(t, err)
	assert.InDelta(t, 20, info.Load, 1e-9) // MinNodeCount(1) * PerNodeReservation(20)
	assert.InDelta(t, 200, info.Capacity, 1e-9)
}

func TestApplicationLoadInformationUnknownApplication(t *testing.T) {
	snap := baseSnapshot()
	ws := constraint.NewWorkingState(snap, loadtable.New(), reservation.New())
	s := New(Config{})
	s.Commit(snap, ws)

	_, err := s.ApplicationLoadInformation("nope", "cpu")
	require.Error(t, err)
}
