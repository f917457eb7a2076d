package constraint

// BlockList is priority 1: a replica may never land on a node in its service
// type's block-list.
type BlockList struct{}

func (BlockList) Name() string  { return "block_list" }
func (BlockList) Priority() int { return 1 }

func (BlockList) Check(ctx *EvalContext, m Move) Status {
	svc, ok := ctx.Snap.Services[m.ServiceName]
	if !ok {
		return Satisfied
	}
	st, ok := ctx.Snap.ServiceTypes[svc.ServiceTypeName]
	if !ok {
		return Satisfied
	}
	if st.Blocked(m.ToNode) {
		return Violated
	}
	return Satisfied
}
