// Package domain computes service domains: the maximal connected
// components of services under "shares a metric" or "affinitized". Each
// phase of the engine runs independently per domain.
package domain

import (
	"sort"

	"github.com/clusterfabric/plb/internal/model"
)

// Domain is one connected component of services.
type Domain struct {
	ID       string // stable id: the lexicographically smallest service name in the component
	Services []string
}

// unionFind is a small disjoint-set structure keyed by service name.
type unionFind struct {
	parent map[string]string
}

func newUnionFind(names []string) *unionFind {
	uf := &unionFind{parent: make(map[string]string, len(names))}
	for _, n := range names {
		uf.parent[n] = n
	}
	return uf
}

func (uf *unionFind) find(x string) string {
	root := x
	for uf.parent[root] != root {
		root = uf.parent[root]
	}
	for uf.parent[x] != root {
		next := uf.parent[x]
		uf.parent[x] = root
		x = next
	}
	return root
}

func (uf *unionFind) union(a, b string) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	// deterministic merge direction keeps domain ids stable across re-computation
	if ra < rb {
		uf.parent[rb] = ra
	} else {
		uf.parent[ra] = rb
	}
}

// Compute groups services into domains: two services are linked when they
// share a metric name, or when one is the affinity parent of the other,
// transitively.
func Compute(services []model.Service) []Domain {
	names := make([]string, 0, len(services))
	byName := make(map[string]model.Service, len(services))
	for _, s := range services {
		names = append(names, s.Name)
		byName[s.Name] = s
	}
	sort.Strings(names)
	uf := newUnionFind(names)

	metricOwners := make(map[string][]string)
	for _, name := range names {
		svc := byName[name]
		for _, m := range svc.Metrics {
			metricOwners[m.Name] = append(metricOwners[m.Name], name)
		}
	}
	for _, owners := range metricOwners {
		for i := 1; i < len(owners); i++ {
			uf.union(owners[0], owners[i])
		}
	}

	for _, name := range names {
		svc := byName[name]
		if svc.AffinityParent != "" {
			if _, ok := byName[svc.AffinityParent]; ok {
				uf.union(name, svc.AffinityParent)
			}
		}
	}

	groups := make(map[string][]string)
	for _, name := range names {
		root := uf.find(name)
		groups[root] = append(groups[root], name)
	}

	out := make([]Domain, 0, len(groups))
	for root, members := range groups {
		sort.Strings(members)
		out = append(out, Domain{ID: root, Services: members})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
