package constraint

import "github.com/PaesslerAG/gval"

// PlacementConstraint is priority 2: the service's boolean expression over
// node properties must evaluate true on the hosting node.
// Expressions are evaluated with gval's full arithmetic/logic/string
// language, consistent with the free-form string properties nodes carry.
type PlacementConstraint struct{}

func (PlacementConstraint) Name() string  { return "placement_constraint" }
func (PlacementConstraint) Priority() int { return 2 }

func (PlacementConstraint) Check(ctx *EvalContext, m Move) Status {
	svc, ok := ctx.Snap.Services[m.ServiceName]
	if !ok || svc.PlacementConstraint == "" {
		return Satisfied
	}
	node, ok := ctx.Snap.Nodes[m.ToNode]
	if !ok {
		return Violated
	}
	vars := make(map[string]interface{}, len(node.Properties))
	for k, v := range node.Properties {
		vars[k] = v
	}
	result, err := gval.Evaluate(svc.PlacementConstraint, vars)
	if err != nil {
		return Violated
	}
	if truthy, _ := result.(bool); truthy {
		return Satisfied
	}
	return Violated
}
