package store

import (
	"sort"

	"github.com/clusterfabric/plb/internal/domain"
	"github.com/clusterfabric/plb/internal/model"
)

// Snapshot is an immutable, copy-on-refresh view of cluster state. Phases
// and queries hold it for the duration of a refresh or read without
// touching the store's lock.
type Snapshot struct {
	Nodes        map[string]model.Node
	ServiceTypes map[string]model.ServiceType
	Services     map[string]model.Service
	Applications map[string]model.Application
	Partitions   map[string]model.Partition
	Domains      []domain.Domain
	Ready        bool
}

// NodeList returns nodes sorted by instance id for deterministic iteration.
func (s Snapshot) NodeList() []model.Node {
	out := make([]model.Node, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// ServiceList returns services sorted by name.
func (s Snapshot) ServiceList() []model.Service {
	out := make([]model.Service, 0, len(s.Services))
	for _, v := range s.Services {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ApplicationList returns applications sorted by name.
func (s Snapshot) ApplicationList() []model.Application {
	out := make([]model.Application, 0, len(s.Applications))
	for _, v := range s.Applications {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PartitionsForDomain returns the (non-deleted) partitions whose service
// belongs to the given domain, sorted by partition id.
func (s Snapshot) PartitionsForDomain(d domain.Domain) []model.Partition {
	members := make(map[string]struct{}, len(d.Services))
	for _, name := range d.Services {
		members[name] = struct{}{}
	}
	var out []model.Partition
	for _, p := range s.Partitions {
		if p.Deleted {
			continue
		}
		if _, ok := members[p.ServiceName]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WithoutPartitions returns a shallow copy of the snapshot with the named
// partition ids removed, so a phase run afterward treats them exactly like
// tombstoned partitions (PartitionsForDomain already skips Deleted entries).
// Used by the engine to keep the ordinary Placement phase from re-proposing
// an add for a partition the upgrade coordinator already placed this
// refresh.
func (s Snapshot) WithoutPartitions(ids map[string]struct{}) Snapshot {
	if len(ids) == 0 {
		return s
	}
	out := s
	out.Partitions = make(map[string]model.Partition, len(s.Partitions))
	for id, p := range s.Partitions {
		if _, skip := ids[id]; skip {
			continue
		}
		out.Partitions[id] = p
	}
	return out
}

// ApplicationsForDomain returns the distinct, non-deleted applications owning
// at least one service in the domain.
func (s Snapshot) ApplicationsForDomain(d domain.Domain) []model.Application {
	seen := make(map[string]struct{})
	var out []model.Application
	for _, name := range d.Services {
		svc, ok := s.Services[name]
		if !ok || svc.ApplicationName == "" {
			continue
		}
		if _, dup := seen[svc.ApplicationName]; dup {
			continue
		}
		app, ok := s.Applications[svc.ApplicationName]
		if !ok || app.Deleted {
			continue
		}
		seen[svc.ApplicationName] = struct{}{}
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
