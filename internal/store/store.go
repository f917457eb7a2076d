// Package store implements the entity store: the versioned,
// in-memory registry of nodes, applications, service types, services,
// partitions, and replicas, with referential-integrity checks on every
// upsert and service-domain recomputation after every batch of updates.
//
// The layout is map-backed and mutex-guarded: maps behind a single
// sync.RWMutex, deterministic (sorted) iteration on every read.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/clusterfabric/plb/internal/domain"
	"github.com/clusterfabric/plb/internal/loadtable"
	"github.com/clusterfabric/plb/internal/model"
	"github.com/clusterfabric/plb/internal/plberrors"
	"github.com/clusterfabric/plb/internal/reservation"
	"github.com/clusterfabric/plb/pkg/logger"
)

// DegradedInfo records why a domain was taken out of phase processing.
type DegradedInfo struct {
	Reason string
	SetAt  time.Time
}

// Store is the entity store. Update* calls validate synchronously against
// the current state and, if valid, enqueue the mutation;
// ProcessPendingUpdates drains the queue on the engine worker and
// recomputes service-domain membership once per drain.
type Store struct {
	mu  sync.RWMutex
	log *logger.Logger

	nodes           map[string]model.Node
	serviceTypes    map[string]model.ServiceType
	services        map[string]model.Service
	applications    map[string]model.Application
	partitions      map[string]model.Partition
	loads           *loadtable.Table
	reservationAcct *reservation.Accountant

	pending         []func()
	domains         []domain.Domain
	domainsComputed bool

	degraded map[string]DegradedInfo

	movementsEnabled struct {
		placementOrBalancing bool
		constraintCheck      bool
	}
}

// New creates an empty entity store.
func New(log *logger.Logger) *Store {
	if log == nil {
		log = logger.NewDefault("store")
	}
	s := &Store{
		log:             log,
		nodes:           make(map[string]model.Node),
		serviceTypes:    make(map[string]model.ServiceType),
		services:        make(map[string]model.Service),
		applications:    make(map[string]model.Application),
		partitions:      make(map[string]model.Partition),
		loads:           loadtable.New(),
		reservationAcct: reservation.New(),
		degraded:        make(map[string]DegradedInfo),
	}
	s.movementsEnabled.placementOrBalancing = true
	s.movementsEnabled.constraintCheck = true
	return s
}

// Loads exposes the load table for load-aware components (phases, queries).
func (s *Store) Loads() *loadtable.Table { return s.loads }

// ReservationAccountant exposes the reservation accountant shared by the
// constraint working state and the query service.
func (s *Store) ReservationAccountant() *reservation.Accountant { return s.reservationAcct }

// UpdateNode is an idempotent replace of node state under a monotonic
// version.
func (s *Store) UpdateNode(n model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.nodes[n.InstanceID]; ok && n.Version <= existing.Version {
		return plberrors.AlreadyExists("node", n.InstanceID, n.Version)
	}
	if n.Properties == nil {
		n.Properties = map[string]string{}
	}
	if n.Capacities == nil {
		n.Capacities = map[string]float64{}
	}
	s.pending = append(s.pending, func() {
		s.nodes[n.InstanceID] = n
	})
	return nil
}

// UpdateServiceType upserts a service type's identity and block-list.
func (s *Store) UpdateServiceType(t model.ServiceType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.serviceTypes[t.Name]; ok && t.Version <= existing.Version {
		return plberrors.AlreadyExists("service_type", t.Name, t.Version)
	}
	if t.BlockList == nil {
		t.BlockList = map[string]struct{}{}
	}
	s.pending = append(s.pending, func() {
		s.serviceTypes[t.Name] = t
	})
	return nil
}

// DeleteServiceType removes a service type, refusing if a live service
// still references it, so every service always points at an existing type.
func (s *Store) DeleteServiceType(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.serviceTypes[name]; !ok {
		return plberrors.NotFound("service_type", name)
	}
	for _, svc := range s.services {
		if svc.ServiceTypeName == name {
			return plberrors.InvalidInput("service_type", fmt.Sprintf("still referenced by service %q", svc.Name))
		}
	}
	s.pending = append(s.pending, func() {
		delete(s.serviceTypes, name)
	})
	return nil
}

// UpdateService upserts a service description, validating its service-type
// and (optional) application references.
func (s *Store) UpdateService(desc model.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.services[desc.Name]; ok {
		if desc.Version <= existing.Version {
			return plberrors.AlreadyExists("service", desc.Name, desc.Version)
		}
		if existing.ServiceTypeName != desc.ServiceTypeName {
			return plberrors.InvalidInput("service_type", "service type of an existing service cannot change")
		}
	}
	if _, ok := s.serviceTypes[desc.ServiceTypeName]; !ok {
		return plberrors.InvalidServiceType(desc.ServiceTypeName)
	}
	if desc.ApplicationName != "" {
		app, ok := s.applications[desc.ApplicationName]
		if !ok {
			return plberrors.InvalidApplication(desc.ApplicationName)
		}
		if app.Deleted {
			return plberrors.ApplicationInstanceDeleted(desc.ApplicationName)
		}
	}
	s.pending = append(s.pending, func() {
		s.services[desc.Name] = desc
	})
	return nil
}

// DeleteService removes a service and tombstones its partitions.
func (s *Store) DeleteService(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.services[name]; !ok {
		return plberrors.NotFound("service", name)
	}
	s.pending = append(s.pending, func() {
		delete(s.services, name)
		for id, p := range s.partitions {
			if p.ServiceName == name {
				p.Deleted = true
				s.partitions[id] = p
				s.loads.DropPartition(id)
			}
		}
	})
	return nil
}

// UpdateApplication upserts an application, rejecting reservation changes
// that would overcommit cluster capacity for any metric.
func (s *Store) UpdateApplication(desc model.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.applications[desc.Name]; ok && desc.Version <= existing.Version {
		return plberrors.AlreadyExists("application", desc.Name, desc.Version)
	}

	if desc.ReservationActive() {
		clusterCapacity := s.clusterCapacityLocked()
		others := make([]model.Application, 0, len(s.applications))
		for name, app := range s.applications {
			if name == desc.Name {
				continue
			}
			others = append(others, app)
		}
		if metric, ok := s.reservationAcct.ValidateUpdate(desc, others, clusterCapacity); !ok {
			return plberrors.InsufficientClusterCapacity(metric)
		}
	}

	desc.Deleted = false
	if desc.CompletedUpgradeDomains == nil {
		desc.CompletedUpgradeDomains = map[string]struct{}{}
	}
	s.pending = append(s.pending, func() {
		s.applications[desc.Name] = desc
	})
	return nil
}

// DeleteApplication soft-deletes an application; subsequent service adds
// against it fail with ApplicationInstanceDeleted.
func (s *Store) DeleteApplication(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.applications[name]
	if !ok {
		return plberrors.NotFound("application", name)
	}
	app.Deleted = true
	s.pending = append(s.pending, func() {
		s.applications[name] = app
	})
	return nil
}

func (s *Store) clusterCapacityLocked() map[string]float64 {
	totals := make(map[string]float64)
	for _, n := range s.nodes {
		for metric, cap := range n.Capacities {
			totals[metric] += cap
		}
	}
	return totals
}

// UpdateFailoverUnit upserts a partition's replica set and flags.
func (s *Store) UpdateFailoverUnit(p model.Partition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.partitions[p.ID]; ok && p.Version <= existing.Version {
		return plberrors.AlreadyExists("partition", p.ID, p.Version)
	}
	if _, ok := s.services[p.ServiceName]; !ok {
		return plberrors.NotFound("service", p.ServiceName)
	}
	s.pending = append(s.pending, func() {
		s.partitions[p.ID] = p
	})
	return nil
}

// DeleteFailoverUnit tombstones a partition.
func (s *Store) DeleteFailoverUnit(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partitions[id]
	if !ok {
		return plberrors.NotFound("partition", id)
	}
	p.Deleted = true
	s.pending = append(s.pending, func() {
		s.partitions[id] = p
		s.loads.DropPartition(id)
	})
	return nil
}

// LoadUpdate is one (partition, metric) load/move-cost report.
type LoadUpdate struct {
	PartitionID          string
	ServiceName          string
	Metric               string
	PrimaryLoad          float64
	SecondaryLoadsByNode map[string]float64
}

// UpdateLoadOrMoveCost merges a load report into the load table. Applied
// immediately (not queued) because the load table's last-writer-wins merge
// is commutative with respect to observation time, so ordering against other
// pending entity updates does not affect the result.
func (s *Store) UpdateLoadOrMoveCost(u LoadUpdate, observedAt time.Time) error {
	s.mu.RLock()
	p, ok := s.partitions[u.PartitionID]
	s.mu.RUnlock()
	if !ok {
		return plberrors.NotFound("partition", u.PartitionID)
	}

	reports := make([]loadtable.Report, 0, 1+len(u.SecondaryLoadsByNode))
	for _, r := range p.Replicas {
		if r.Role == model.RolePrimary {
			reports = append(reports, loadtable.Report{NodeID: r.NodeID, Metric: u.Metric, Value: u.PrimaryLoad})
		}
	}
	for node, v := range u.SecondaryLoadsByNode {
		reports = append(reports, loadtable.Report{NodeID: node, Metric: u.Metric, Value: v})
	}
	s.loads.Apply(u.PartitionID, reports, observedAt)
	return nil
}

// ProcessPendingUpdates drains the pending-mutation queue and recomputes
// service-domain membership once.
func (s *Store) ProcessPendingUpdates() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.pending
	s.pending = nil
	for _, fn := range pending {
		fn()
	}
	if len(pending) == 0 && s.domainsComputed {
		return nil
	}

	services := make([]model.Service, 0, len(s.services))
	for _, svc := range s.services {
		services = append(services, svc)
	}
	s.domains = domain.Compute(services)
	s.domainsComputed = true
	s.log.WithField("domain_count", len(s.domains)).Debug("recomputed service domains")
	return nil
}

// Snapshot returns an immutable, deep-enough copy of current state for a
// phase run or query.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Nodes:        make(map[string]model.Node, len(s.nodes)),
		ServiceTypes: make(map[string]model.ServiceType, len(s.serviceTypes)),
		Services:     make(map[string]model.Service, len(s.services)),
		Applications: make(map[string]model.Application, len(s.applications)),
		Partitions:   make(map[string]model.Partition, len(s.partitions)),
		Domains:      append([]domain.Domain(nil), s.domains...),
		Ready:        s.domainsComputed,
	}
	for k, v := range s.nodes {
		snap.Nodes[k] = v
	}
	for k, v := range s.serviceTypes {
		snap.ServiceTypes[k] = v
	}
	for k, v := range s.services {
		snap.Services[k] = v
	}
	for k, v := range s.applications {
		snap.Applications[k] = v
	}
	for k, v := range s.partitions {
		snap.Partitions[k] = v
	}
	return snap
}

// MarkDegraded flags domainID as degraded with the given reason until
// ClearDegraded is called. The flag is reported by IsDegraded and
// DegradedDomains and counted by the engine's degraded-domain gauge; no
// decision phase reads it, so a degraded domain is still processed on
// subsequent refreshes.
func (s *Store) MarkDegraded(domainID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded[domainID] = DegradedInfo{Reason: reason, SetAt: time.Now()}
	s.log.WithField("domain_id", domainID).WithField("reason", reason).Warn("domain marked degraded")
}

// ClearDegraded removes the degraded flag from a domain.
func (s *Store) ClearDegraded(domainID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.degraded, domainID)
}

// IsDegraded reports whether domainID is currently degraded.
func (s *Store) IsDegraded(domainID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.degraded[domainID]
	return ok
}

// DegradedDomains returns a snapshot of all currently degraded domains.
func (s *Store) DegradedDomains() map[string]DegradedInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]DegradedInfo, len(s.degraded))
	for k, v := range s.degraded {
		out[k] = v
	}
	return out
}

// SetMovementEnabled toggles movement emission for placement/balancing and
// for constraint check independently.
func (s *Store) SetMovementEnabled(placementOrBalancing, constraintCheck bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.movementsEnabled.placementOrBalancing = placementOrBalancing
	s.movementsEnabled.constraintCheck = constraintCheck
}

// MovementEnabled reports the current movement-emission gates.
func (s *Store) MovementEnabled() (placementOrBalancing, constraintCheck bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.movementsEnabled.placementOrBalancing, s.movementsEnabled.constraintCheck
}

// UpdateClusterUpgrade sets the cluster-wide upgrade flags on an
// application. Upgrade state is tracked per-application as boolean flags
// plus the set of completed upgrade domains, never a hidden state machine.
func (s *Store) UpdateClusterUpgrade(applicationName string, inProgress bool, completedUDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.applications[applicationName]
	if !ok {
		return plberrors.InvalidApplication(applicationName)
	}
	app.UpgradeInProgress = inProgress
	set := make(map[string]struct{}, len(completedUDs))
	for _, ud := range completedUDs {
		set[ud] = struct{}{}
	}
	app.CompletedUpgradeDomains = set
	s.pending = append(s.pending, func() {
		s.applications[applicationName] = app
	})
	return nil
}
