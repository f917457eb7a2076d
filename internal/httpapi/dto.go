package httpapi

// Request DTOs for the JSON ingress surface, validated via struct tags
// with go-playground/validator before anything reaches the entity store.

type nodeRequest struct {
	InstanceID         string             `json:"instance_id" validate:"required"`
	Up                 bool               `json:"up"`
	DeactivationIntent string             `json:"deactivation_intent"`
	DeactivationStatus string             `json:"deactivation_status"`
	Properties         map[string]string  `json:"properties"`
	FaultDomain        string             `json:"fault_domain"`
	UpgradeDomain      string             `json:"upgrade_domain"`
	Capacities         map[string]float64 `json:"capacities"`
	Version            uint64             `json:"version" validate:"required"`
}

type serviceTypeRequest struct {
	Name      string   `json:"name" validate:"required"`
	BlockList []string `json:"block_list"`
	Version   uint64   `json:"version" validate:"required"`
}

type metricSpecRequest struct {
	Name             string  `json:"name" validate:"required"`
	Weight           float64 `json:"weight" validate:"gte=0"`
	PrimaryDefault   float64 `json:"primary_default" validate:"gte=0"`
	SecondaryDefault float64 `json:"secondary_default" validate:"gte=0"`
	Defrag           bool    `json:"defrag"`
}

type serviceRequest struct {
	Name                 string              `json:"name" validate:"required"`
	ServiceTypeName      string              `json:"service_type_name" validate:"required"`
	ApplicationName      string              `json:"application_name"`
	Stateful             bool                `json:"stateful"`
	PersistedState       bool                `json:"persisted_state"`
	TargetReplicaSetSize int                 `json:"target_replica_set_size" validate:"gte=0"`
	PartitionCount       int                 `json:"partition_count" validate:"gte=0"`
	PlacementConstraint  string              `json:"placement_constraint"`
	AffinityParent       string              `json:"affinity_parent"`
	AlignedAffinity      bool                `json:"aligned_affinity"`
	Metrics              []metricSpecRequest `json:"metrics" validate:"dive"`
	DefaultMoveCost      float64             `json:"default_move_cost" validate:"gte=0"`
	ServicePackage       string              `json:"service_package"`
	Version              uint64              `json:"version" validate:"required"`
}

type applicationMetricRequest struct {
	Metric             string  `json:"metric" validate:"required"`
	TotalCapacity      float64 `json:"total_capacity" validate:"gte=0"`
	PerNodeCapacity    float64 `json:"per_node_capacity" validate:"gte=0"`
	PerNodeReservation float64 `json:"per_node_reservation" validate:"gte=0"`
}

type applicationRequest struct {
	Name            string                     `json:"name" validate:"required"`
	MinNodeCount    int                        `json:"min_node_count" validate:"gte=0"`
	MaxNodeCount    int                        `json:"max_node_count" validate:"gte=0"`
	Metrics         []applicationMetricRequest `json:"metrics" validate:"dive"`
	ServicePackages []string                   `json:"service_packages"`
	Version         uint64                     `json:"version" validate:"required"`
}

type replicaFlagsRequest struct {
	PrimaryToBeSwappedOut          bool   `json:"primary_to_be_swapped_out"`
	PrimaryToBePlaced              bool   `json:"primary_to_be_placed"`
	ReplicaToBePlaced              bool   `json:"replica_to_be_placed"`
	MoveInProgress                 bool   `json:"move_in_progress"`
	ToBeDroppedByFM                bool   `json:"to_be_dropped_by_fm"`
	ToBeDroppedByPLB               bool   `json:"to_be_dropped_by_plb"`
	ToBeDroppedForNodeDeactivation bool   `json:"to_be_dropped_for_node_deactivation"`
	ToBePromoted                   bool   `json:"to_be_promoted"`
	PendingRemove                  bool   `json:"pending_remove"`
	Deleted                        bool   `json:"deleted"`
	PreferredPrimaryLocation       string `json:"preferred_primary_location"`
	EndpointAvailable              bool   `json:"endpoint_available"`
	PreferredReplicaLocation       string `json:"preferred_replica_location"`
}

type replicaRequest struct {
	NodeID string              `json:"node_id" validate:"required"`
	Role   string              `json:"role" validate:"required,oneof=none primary secondary standby dropped"`
	State  string              `json:"state" validate:"required,oneof=ready in_build standby dropped"`
	Up     bool                `json:"up"`
	Flags  replicaFlagsRequest `json:"flags"`
}

type partitionFlagsRequest struct {
	UpgradeInProgress     bool `json:"upgrade_in_progress"`
	ApplicationUpgrade    bool `json:"application_upgrade"`
	Reconfiguration       bool `json:"reconfiguration"`
	PrimaryToBeSwappedOut bool `json:"primary_to_be_swapped_out"`
}

type partitionRequest struct {
	ID                string                `json:"id" validate:"required"`
	ServiceName       string                `json:"service_name" validate:"required"`
	Version           uint64                `json:"version" validate:"required"`
	ReplicaDifference int                   `json:"replica_difference"`
	Replicas          []replicaRequest      `json:"replicas" validate:"dive"`
	Flags             partitionFlagsRequest `json:"flags"`
}

type loadReportRequest struct {
	PartitionID          string             `json:"partition_id" validate:"required"`
	ServiceName          string             `json:"service_name" validate:"required"`
	Metric               string             `json:"metric" validate:"required"`
	PrimaryLoad          float64            `json:"primary_load"`
	SecondaryLoadsByNode map[string]float64 `json:"secondary_loads_by_node"`
}

type movementEnabledRequest struct {
	PlacementOrBalancing bool `json:"placement_or_balancing"`
	ConstraintCheck      bool `json:"constraint_check"`
}

type clusterUpgradeRequest struct {
	ApplicationName         string   `json:"application_name" validate:"required"`
	InProgress              bool     `json:"in_progress"`
	CompletedUpgradeDomains []string `json:"completed_upgrade_domains"`
}

type swapPrimaryRequest struct {
	ServiceName string `json:"service_name" validate:"required"`
	PartitionID string `json:"partition_id" validate:"required"`
	SourceNode  string `json:"source_node" validate:"required"`
	TargetNode  string `json:"target_node" validate:"required"`
}

type promotionCompareRequest struct {
	ServiceName string `json:"service_name" validate:"required"`
	PartitionID string `json:"partition_id" validate:"required"`
	NodeA       string `json:"node_a" validate:"required"`
	NodeB       string `json:"node_b" validate:"required"`
}
