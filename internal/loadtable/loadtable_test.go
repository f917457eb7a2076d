package loadtable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/clusterfabric/plb/internal/model"
)

func testService() model.Service {
	return model.Service{
		Name: "svc1",
		Metrics: []model.MetricSpec{
			{Name: "cpu", PrimaryDefault: 10, SecondaryDefault: 5},
			{Name: "mem", PrimaryDefault: 100, SecondaryDefault: 50},
		},
	}
}

func TestLoadFallsBackToRoleDefault(t *testing.T) {
	tab := New()
	svc := testService()

	primary := model.Replica{NodeID: "n1", Role: model.RolePrimary}
	secondary := model.Replica{NodeID: "n2", Role: model.RoleSecondary}

	assert.Equal(t, 10.0, tab.Load("p1", primary, svc, "cpu"))
	assert.Equal(t, 5.0, tab.Load("p1", secondary, svc, "cpu"))
	assert.Zero(t, tab.Load("p1", primary, svc, "untracked"))
}

func TestPartialReportLeavesOmittedSlotsAlone(t *testing.T) {
	tab := New()
	svc := testService()
	now := time.Now()

	tab.Apply("p1", []Report{
		{NodeID: "n1", Metric: "cpu", Value: 42},
		{NodeID: "n1", Metric: "mem", Value: 400},
	}, now)

	// Later report touches cpu only; mem keeps its previous value.
	tab.Apply("p1", []Report{{NodeID: "n1", Metric: "cpu", Value: 60}}, now.Add(time.Second))

	primary := model.Replica{NodeID: "n1", Role: model.RolePrimary}
	assert.Equal(t, 60.0, tab.Load("p1", primary, svc, "cpu"))
	assert.Equal(t, 400.0, tab.Load("p1", primary, svc, "mem"))
}

func TestStaleReportDoesNotOverwriteNewer(t *testing.T) {
	tab := New()
	now := time.Now()

	tab.Apply("p1", []Report{{NodeID: "n1", Metric: "cpu", Value: 60}}, now)
	tab.Apply("p1", []Report{{NodeID: "n1", Metric: "cpu", Value: 10}}, now.Add(-time.Minute))

	v, ok := tab.Get("p1", "n1", "cpu")
	assert.True(t, ok)
	assert.Equal(t, 60.0, v)
}

func TestDropPartitionRemovesAllSlots(t *testing.T) {
	tab := New()
	now := time.Now()
	tab.Apply("p1", []Report{{NodeID: "n1", Metric: "cpu", Value: 60}}, now)
	tab.Apply("p2", []Report{{NodeID: "n1", Metric: "cpu", Value: 30}}, now)

	tab.DropPartition("p1")

	_, ok := tab.Get("p1", "n1", "cpu")
	assert.False(t, ok)
	_, ok = tab.Get("p2", "n1", "cpu")
	assert.True(t, ok)
}
