package node

// Gate is the acceptance predicate the host consults before assigning a
// task.  Implementations must be side-effect free and must not block.
type Gate interface {
	IsAcceptingTasks() bool
}

// Availability is the base availability signal of the underlying
// runner, combined with the node's own flag by the gate.
type Availability interface {
	Available() bool
}

// AvailabilityFunc adapts a function to Availability.
type AvailabilityFunc func() bool

// Available calls f.
func (f AvailabilityFunc) Available() bool { return f() }

// AlwaysAvailable is the default base availability.
var AlwaysAvailable Availability = AvailabilityFunc(func() bool { return true })

// IsAcceptingTasks reports whether the node may receive a task: its own
// flag is still set and the base signal reports available.
func (n *Node) IsAcceptingTasks() bool {
	return n.accepting.Load() && n.base.Available()
}

// CountAccepting returns how many gates are open.
func CountAccepting[G Gate](gates []G) int {
	count := 0
	for _, g := range gates {
		if g.IsAcceptingTasks() {
			count++
		}
	}
	return count
}
