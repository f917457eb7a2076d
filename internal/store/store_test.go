package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterfabric/plb/internal/model"
	"github.com/clusterfabric/plb/internal/plberrors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(nil)
}

func TestUpdateServiceRequiresKnownServiceType(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateService(model.Service{Name: "svc1", ServiceTypeName: "missing", Version: 1})
	require.Error(t, err)
	assert.True(t, plberrors.Is(err, plberrors.CodeInvalidServiceType))
}

func TestUpdateServiceRejectsStaleVersion(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpdateServiceType(model.ServiceType{Name: "st1", Version: 1}))
	require.NoError(t, s.ProcessPendingUpdates())

	require.NoError(t, s.UpdateService(model.Service{Name: "svc1", ServiceTypeName: "st1", Version: 2}))
	require.NoError(t, s.ProcessPendingUpdates())

	err := s.UpdateService(model.Service{Name: "svc1", ServiceTypeName: "st1", Version: 1})
	require.Error(t, err)
	assert.True(t, plberrors.Is(err, plberrors.CodeAlreadyExists))
}

func TestUpdateServiceRejectsDeletedApplication(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpdateServiceType(model.ServiceType{Name: "st1", Version: 1}))
	require.NoError(t, s.UpdateApplication(model.Application{Name: "app1", Version: 1}))
	require.NoError(t, s.ProcessPendingUpdates())
	require.NoError(t, s.DeleteApplication("app1"))
	require.NoError(t, s.ProcessPendingUpdates())

	err := s.UpdateService(model.Service{Name: "svc1", ServiceTypeName: "st1", ApplicationName: "app1", Version: 1})
	require.Error(t, err)
	assert.True(t, plberrors.Is(err, plberrors.CodeApplicationInstanceDeleted))
}

func TestUpdateApplicationRejectsOvercommit(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpdateNode(model.Node{InstanceID: "n1", Up: true, Version: 1, Capacities: map[string]float64{"cpu": 100}}))
	require.NoError(t, s.ProcessPendingUpdates())

	require.NoError(t, s.UpdateApplication(model.Application{
		Name: "app1", MinNodeCount: 1, Version: 1,
		Metrics: []model.ApplicationMetricCapacity{{Metric: "cpu", PerNodeReservation: 60}},
	}))
	require.NoError(t, s.ProcessPendingUpdates())

	err := s.UpdateApplication(model.Application{
		Name: "app2", MinNodeCount: 1, Version: 1,
		Metrics: []model.ApplicationMetricCapacity{{Metric: "cpu", PerNodeReservation: 60}},
	})
	require.Error(t, err)
	assert.True(t, plberrors.Is(err, plberrors.CodeInsufficientClusterCapacity))
}

func TestProcessPendingUpdatesRecomputesDomains(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpdateServiceType(model.ServiceType{Name: "st1", Version: 1}))
	require.NoError(t, s.ProcessPendingUpdates())

	require.NoError(t, s.UpdateService(model.Service{
		Name: "svc-a", ServiceTypeName: "st1", Version: 1,
		Metrics: []model.MetricSpec{{Name: "shared"}},
	}))
	require.NoError(t, s.UpdateService(model.Service{
		Name: "svc-b", ServiceTypeName: "st1", Version: 1,
		Metrics: []model.MetricSpec{{Name: "shared"}},
	}))
	require.NoError(t, s.ProcessPendingUpdates())

	snap := s.Snapshot()
	require.True(t, snap.Ready)
	require.Len(t, snap.Domains, 1)
	assert.Equal(t, []string{"svc-a", "svc-b"}, snap.Domains[0].Services)
}

func TestUpdateLoadOrMoveCostRequiresKnownPartition(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateLoadOrMoveCost(LoadUpdate{PartitionID: "missing", Metric: "cpu", PrimaryLoad: 1}, time.Now())
	require.Error(t, err)
	assert.True(t, plberrors.Is(err, plberrors.CodeNotFound))
}

func TestDegradedDomainTracking(t *testing.T) {
	s := newTestStore(t)
	s.MarkDegraded("dom1", "invariant violated")
	assert.True(t, s.IsDegraded("dom1"))
	assert.Len(t, s.DegradedDomains(), 1)
	s.ClearDegraded("dom1")
	assert.False(t, s.IsDegraded("dom1"))
}

func TestSetMovementEnabled(t *testing.T) {
	s := newTestStore(t)
	pb, cc := s.MovementEnabled()
	assert.True(t, pb)
	assert.True(t, cc)
	s.SetMovementEnabled(false, true)
	pb, cc = s.MovementEnabled()
	assert.False(t, pb)
	assert.True(t, cc)
}
