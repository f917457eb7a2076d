// Package constraint implements the nine prioritized placement constraints
// shared by all three decision phases. Each constraint is a
// closed variant of a shared capability set (check, priority) rather than a
// type hierarchy: adding a constraint means adding a variant, not extending
// a base type.
package constraint

import (
	"github.com/clusterfabric/plb/internal/model"
	"github.com/clusterfabric/plb/internal/store"
)

// Status is the outcome of evaluating one constraint against a proposed move.
type Status int

const (
	Satisfied Status = iota
	Violated
	ImprovesButStillViolated
	RelaxedAllowed
)

func (s Status) String() string {
	switch s {
	case Satisfied:
		return "satisfied"
	case Violated:
		return "violated"
	case ImprovesButStillViolated:
		return "improves_but_still_violated"
	case RelaxedAllowed:
		return "relaxed_allowed"
	default:
		return "unknown"
	}
}

// Move is one candidate replica placement or relocation under evaluation.
// For an add (IsAdd true), FromNode is empty and the replica does not yet
// exist anywhere; for a move/swap, FromNode names its current host.
type Move struct {
	PartitionID       string
	ServiceName       string
	Role              model.ReplicaRole
	FromNode          string
	ToNode            string
	IsAdd             bool
	UpgradeRelated    bool   // true if this move is being evaluated under upgrade relaxations
	PreferredLocation string // replica's PreferredPrimaryLocation/PreferredReplicaLocation, if any
}

// EvalConfig carries the subset of engine configuration that constraint
// checks consult.
type EvalConfig struct {
	PreventTransientOvercommit           bool
	RelaxCapacityConstraintForUpgrade    bool
	RelaxScaleoutConstraintDuringUpgrade bool
	RelaxAffinityConstraintDuringUpgrade bool
}

// EvalContext bundles the snapshot, working load state and configuration a
// constraint needs to evaluate a move.
type EvalContext struct {
	WS     *WorkingState
	Snap   store.Snapshot
	Config EvalConfig
}

// Constraint is the shared capability every prioritized constraint
// implements. Priority 1 is evaluated (and protected) first.
type Constraint interface {
	Name() string
	Priority() int
	Check(ctx *EvalContext, m Move) Status
}

// All returns the nine constraints in fixed priority order: block-list >
// placement constraint > scaleout > node capacity > app capacity >
// reservation > affinity > FD/UD > preferred location.
func All() []Constraint {
	return []Constraint{
		BlockList{},
		PlacementConstraint{},
		Scaleout{},
		NodeCapacity{},
		AppCapacity{},
		Reservation{},
		Affinity{},
		FaultUpgradeDomain{},
		PreferredLocation{},
	}
}

// Evaluate runs every constraint against the proposed cluster state and
// returns a status keyed by constraint name. The contract is that ctx.WS
// already reflects m: callers Checkpoint, Apply the move, Evaluate, and
// Restore when the result blocks. Evaluating without applying judges the
// state as it stands, which is how the constraint check phase detects
// existing violations.

func Evaluate(ctx *EvalContext, m Move) map[string]Status {
	out := make(map[string]Status, 9)
	for _, c := range All() {
		out[c.Name()] = c.Check(ctx, m)
	}
	return out
}

// Blocks reports whether any constraint hard-blocks m.
func Blocks(statuses map[string]Status) bool {
	for _, s := range statuses {
		if s == Violated {
			return true
		}
	}
	return false
}

// FirstViolatedPriority returns the priority and name of the highest-priority
// (lowest Priority() number) violated constraint in statuses, if any.
func FirstViolatedPriority(statuses map[string]Status) (priority int, name string, ok bool) {
	for _, c := range All() {
		if statuses[c.Name()] == Violated {
			return c.Priority(), c.Name(), true
		}
	}
	return 0, "", false
}

// NonWorsening reports whether moving from the `before` statuses to `after`
// introduces no new violation anywhere. The constraint check phase accepts a
// fix only when Blocks is false and NonWorsening holds; it makes no separate
// priority comparison.
func NonWorsening(before, after map[string]Status) bool {
	for _, c := range All() {
		if after[c.Name()] == Violated && before[c.Name()] != Violated {
			return false
		}
	}
	return true
}
