package constraint

// PreferredLocation is priority 9: best-effort attraction of a replica back
// to the node it was marked to prefer, typically after an upgrade
// completes. It never
// blocks a move; at most it reports that a move leaves the preference
// unsatisfied.
type PreferredLocation struct{}

func (PreferredLocation) Name() string  { return "preferred_location" }
func (PreferredLocation) Priority() int { return 9 }

func (PreferredLocation) Check(_ *EvalContext, m Move) Status {
	if m.PreferredLocation == "" || m.ToNode == m.PreferredLocation {
		return Satisfied
	}
	return RelaxedAllowed
}
