// Package model defines the engine's cluster state data model.
package model

import "time"

// DeactivationIntent describes the requested deactivation level for a node.
type DeactivationIntent string

const (
	DeactivationNone       DeactivationIntent = "none"
	DeactivationPause      DeactivationIntent = "pause"
	DeactivationRestart    DeactivationIntent = "restart"
	DeactivationRemoveData DeactivationIntent = "remove_data"
	DeactivationRemoveNode DeactivationIntent = "remove_node"
)

// DeactivationStatus describes the observed progress of a deactivation.
type DeactivationStatus string

const (
	DeactivationStatusNone       DeactivationStatus = "none"
	DeactivationStatusInProgress DeactivationStatus = "in_progress"
	DeactivationStatusCompleted  DeactivationStatus = "completed"
)

// Node is a physical host that can hold replicas.
type Node struct {
	InstanceID         string
	Up                 bool
	DeactivationIntent DeactivationIntent
	DeactivationStatus DeactivationStatus
	Properties         map[string]string
	FaultDomain        string // slash-separated path, e.g. "dc1/rack3/host7"
	UpgradeDomain      string
	Capacities         map[string]float64 // metric -> capacity
	Version            uint64
}

// Usable reports whether the node may host new placements.
func (n Node) Usable() bool {
	if !n.Up {
		return false
	}
	return n.DeactivationStatus != DeactivationStatusInProgress && n.DeactivationStatus != DeactivationStatusCompleted
}

// ServiceType groups services that share placement restrictions.
type ServiceType struct {
	Name      string
	BlockList map[string]struct{} // node instance id -> present
	Version   uint64
}

// Blocked reports whether nodeID is on this service type's block-list.
func (t ServiceType) Blocked(nodeID string) bool {
	_, ok := t.BlockList[nodeID]
	return ok
}

// MetricSpec describes a single metric tracked by a service.
type MetricSpec struct {
	Name             string
	Weight           float64
	PrimaryDefault   float64
	SecondaryDefault float64
	Defrag           bool // "defrag metric": prefer packing over spreading
}

// Service describes a replicated workload.
type Service struct {
	Name                 string
	ServiceTypeName      string
	ApplicationName      string // optional; "" if not owned by an application
	Stateful             bool
	PersistedState       bool
	TargetReplicaSetSize int
	PartitionCount       int
	PlacementConstraint  string // boolean expression over node properties
	AffinityParent       string // optional parent service name
	AlignedAffinity      bool
	Metrics              []MetricSpec
	DefaultMoveCost      float64
	ServicePackage       string
	Version              uint64
}

// MetricByName returns the metric spec by name, if tracked.
func (s Service) MetricByName(name string) (MetricSpec, bool) {
	for _, m := range s.Metrics {
		if m.Name == name {
			return m, true
		}
	}
	return MetricSpec{}, false
}

// ReplicaRole enumerates the role a replica plays within a partition.
type ReplicaRole string

const (
	RoleNone      ReplicaRole = "none"
	RolePrimary   ReplicaRole = "primary"
	RoleSecondary ReplicaRole = "secondary"
	RoleStandBy   ReplicaRole = "standby"
	RoleDropped   ReplicaRole = "dropped"
)

// ReplicaState enumerates the lifecycle state of a replica.
type ReplicaState string

const (
	StateReady   ReplicaState = "ready"
	StateInBuild ReplicaState = "in_build"
	StateStandBy ReplicaState = "standby"
	StateDropped ReplicaState = "dropped"
)

// ReplicaFlags is the bitset of boolean replica flags reported by the FM.
type ReplicaFlags struct {
	PrimaryToBeSwappedOut          bool
	PrimaryToBePlaced              bool
	ReplicaToBePlaced              bool
	MoveInProgress                 bool
	ToBeDroppedByFM                bool
	ToBeDroppedByPLB               bool
	ToBeDroppedForNodeDeactivation bool
	ToBePromoted                   bool
	PendingRemove                  bool
	Deleted                        bool
	PreferredPrimaryLocation       string // node instance id, "" if unset
	EndpointAvailable              bool
	PreferredReplicaLocation       string // node instance id, "" if unset
}

// Replica is one hosted copy of a partition.
type Replica struct {
	NodeID string
	Role   ReplicaRole
	State  ReplicaState
	Up     bool
	Flags  ReplicaFlags
}

// Movable reports whether the replica counts toward most constraints and
// can be relocated. StandBy and InBuild replicas participate in capacity
// accounting but cannot be moved.
func (r Replica) Movable() bool {
	return r.State == StateReady && !r.Flags.Deleted && !r.Flags.PendingRemove
}

// CountsForCapacity reports whether the replica's load should be counted
// against node/application capacity.
func (r Replica) CountsForCapacity() bool {
	switch r.State {
	case StateReady, StateInBuild, StateStandBy:
		return !r.Flags.Deleted
	default:
		return false
	}
}

// PartitionFlags is the bitset of boolean partition flags reported by the FM.
type PartitionFlags struct {
	UpgradeInProgress     bool
	ApplicationUpgrade    bool
	Reconfiguration       bool
	PrimaryToBeSwappedOut bool
}

// Partition is a failover unit: an atomically-replicated unit of a service.
type Partition struct {
	ID                string // GUID
	ServiceName       string
	Version           uint64
	ReplicaDifference int // desired minus current; may be negative
	Replicas          []Replica
	Flags             PartitionFlags
	Deleted           bool
}

// ReadyMovableReplicas returns the subset of replicas that are Ready and movable.
func (p Partition) ReadyMovableReplicas() []Replica {
	out := make([]Replica, 0, len(p.Replicas))
	for _, r := range p.Replicas {
		if r.Movable() {
			out = append(out, r)
		}
	}
	return out
}

// HostNodeIDs returns the set of node ids currently hosting a
// capacity-counting replica of this partition.
func (p Partition) HostNodeIDs() map[string]struct{} {
	out := make(map[string]struct{}, len(p.Replicas))
	for _, r := range p.Replicas {
		if r.CountsForCapacity() {
			out[r.NodeID] = struct{}{}
		}
	}
	return out
}

// ApplicationMetricCapacity describes one metric's reservation/capacity terms
// for an application.
type ApplicationMetricCapacity struct {
	Metric             string
	TotalCapacity      float64
	PerNodeCapacity    float64
	PerNodeReservation float64
}

// Application groups services under shared scaleout/reservation policy.
type Application struct {
	Name                    string
	MinNodeCount            int // reservation active only if > 0
	MaxNodeCount            int // scaleout cap; 0 = unlimited
	Metrics                 []ApplicationMetricCapacity
	UpgradeInProgress       bool
	CompletedUpgradeDomains map[string]struct{}
	ServicePackages         []string
	Deleted                 bool
	Version                 uint64
}

// ReservationActive reports whether the application carries a live reservation.
func (a Application) ReservationActive() bool {
	return a.MinNodeCount > 0
}

// MetricCapacity returns the capacity terms for a metric, if declared.
func (a Application) MetricCapacity(metric string) (ApplicationMetricCapacity, bool) {
	for _, m := range a.Metrics {
		if m.Metric == metric {
			return m, true
		}
	}
	return ApplicationMetricCapacity{}, false
}

// ScaleoutLimited reports whether the application enforces a node cap.
func (a Application) ScaleoutLimited() bool {
	return a.MaxNodeCount > 0
}

// LoadKey identifies one reported load value slot.
type LoadKey struct {
	PartitionID string
	NodeID      string
	Metric      string
}

// LoadReport is a point-in-time load observation, timestamped for
// last-writer-wins merge semantics.
type LoadReport struct {
	Value     float64
	UpdatedAt time.Time
}
