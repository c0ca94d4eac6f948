package chat

// State is the lifecycle of a locally originated change.
type State int

const (
	// StatePending: applied locally, backend answer outstanding.
	StatePending State = iota
	// StateConfirmed: the backend accepted the change.
	StateConfirmed
	// StateRejected: the backend refused the change; the prior value
	// is authoritative again.
	StateRejected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// mutation is an optimistic change to one value. The rollback contract
// is the pure transition resolve: confirmed keeps next, rejected returns
// to prior.
type mutation[T comparable] struct {
	prior T
	next  T
	state State
}

func newMutation[T comparable](prior, next T) mutation[T] {
	return mutation[T]{prior: prior, next: next, state: StatePending}
}

// resolve settles a pending mutation with the backend's answer. A
// settled mutation is returned unchanged.
func (m mutation[T]) resolve(err error) mutation[T] {
	if m.state != StatePending {
		return m
	}
	if err != nil {
		m.state = StateRejected
	} else {
		m.state = StateConfirmed
	}
	return m
}

// value is what the local state should show for this mutation.
func (m mutation[T]) value() T {
	if m.state == StateRejected {
		return m.prior
	}
	return m.next
}

// revert reports whether current must be rolled back after a rejection.
// A current value that no longer equals next was overwritten by a later
// mutation, which then owns the value.
func (m mutation[T]) revert(current T) bool {
	return m.state == StateRejected && current == m.next
}
