// Package movement defines the engine's egress vocabulary: the actions a
// phase can propose against a partition, and their textual rendering for
// the Failover Manager consumer.
package movement

import (
	"fmt"

	"github.com/clusterfabric/plb/internal/model"
)

// ActionType enumerates every movement kind the engine can propose.
type ActionType string

const (
	MovePrimary                   ActionType = "move_primary"
	MoveSecondary                 ActionType = "move_secondary"
	MoveInstance                  ActionType = "move_instance"
	SwapPrimarySecondary          ActionType = "swap_primary_secondary"
	AddPrimary                    ActionType = "add_primary"
	AddSecondary                  ActionType = "add_secondary"
	AddInstance                   ActionType = "add_instance"
	DropPrimary                   ActionType = "drop_primary"
	DropSecondary                 ActionType = "drop_secondary"
	DropInstance                  ActionType = "drop_instance"
	PromoteSecondary              ActionType = "promote_secondary"
	RequestedPlacementNotPossible ActionType = "requested_placement_not_possible"
)

// Action is one proposed step against a partition's replica set.
type Action struct {
	Type       ActionType
	SourceNode string // "" for adds
	TargetNode string // "" for drops and void
}

// String renders the action the way a consumer displays it to operators.
func (a Action) String() string {
	switch a.Type {
	case MovePrimary:
		return fmt.Sprintf("move primary %s=>%s", a.SourceNode, a.TargetNode)
	case MoveSecondary:
		return fmt.Sprintf("move secondary %s=>%s", a.SourceNode, a.TargetNode)
	case MoveInstance:
		return fmt.Sprintf("move instance %s=>%s", a.SourceNode, a.TargetNode)
	case SwapPrimarySecondary:
		return fmt.Sprintf("swap primary %s<=>%s", a.SourceNode, a.TargetNode)
	case AddPrimary:
		return fmt.Sprintf("add primary %s", a.TargetNode)
	case AddSecondary:
		return fmt.Sprintf("add secondary %s", a.TargetNode)
	case AddInstance:
		return fmt.Sprintf("add instance %s", a.TargetNode)
	case DropPrimary:
		return fmt.Sprintf("drop primary %s", a.SourceNode)
	case DropSecondary:
		return fmt.Sprintf("drop secondary %s", a.SourceNode)
	case DropInstance:
		return fmt.Sprintf("drop instance %s", a.SourceNode)
	case PromoteSecondary:
		return fmt.Sprintf("promote secondary %s", a.TargetNode)
	case RequestedPlacementNotPossible:
		return "void movement"
	default:
		return string(a.Type)
	}
}

// PartitionMovement is the ordered list of actions proposed for one
// partition during a single refresh.
type PartitionMovement struct {
	PartitionID string
	Actions     []Action
}

// String renders the full `"<fu> <action>"` form for every action.
func (pm PartitionMovement) String() string {
	out := ""
	for i, a := range pm.Actions {
		if i > 0 {
			out += "; "
		}
		out += fmt.Sprintf("%s %s", pm.PartitionID, a.String())
	}
	return out
}

// Map is the engine's egress: partition id to proposed movement.
type Map map[string]PartitionMovement

// Add appends action to the movement list for partitionID, creating the
// entry if necessary.
func (m Map) Add(partitionID string, a Action) {
	pm := m[partitionID]
	pm.PartitionID = partitionID
	pm.Actions = append(pm.Actions, a)
	m[partitionID] = pm
}

// AddActionFor returns the Add variant matching role, for phases proposing
// a brand-new replica.
func AddActionFor(role model.ReplicaRole) Action {
	switch role {
	case model.RolePrimary:
		return Action{Type: AddPrimary}
	case model.RoleSecondary:
		return Action{Type: AddSecondary}
	default:
		return Action{Type: AddInstance}
	}
}

// MoveActionFor returns the Move variant matching role, for phases
// relocating an existing replica.
func MoveActionFor(role model.ReplicaRole, from, to string) Action {
	t := MoveInstance
	switch role {
	case model.RolePrimary:
		t = MovePrimary
	case model.RoleSecondary:
		t = MoveSecondary
	}
	return Action{Type: t, SourceNode: from, TargetNode: to}
}

// DropActionFor returns the Drop variant matching role, for phases removing
// a replica the partition no longer needs (negative replica difference or a
// ToBeDropped* flag).
func DropActionFor(role model.ReplicaRole) Action {
	switch role {
	case model.RolePrimary:
		return Action{Type: DropPrimary}
	case model.RoleSecondary:
		return Action{Type: DropSecondary}
	default:
		return Action{Type: DropInstance}
	}
}
