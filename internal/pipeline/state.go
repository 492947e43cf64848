package pipeline

// State is a day run's position in the stage sequence.
type State string

const (
	StatePending     State = "pending"
	StateFetching    State = "fetching"
	StateNormalizing State = "normalizing"
	StateAggregating State = "aggregating"
	StateRetiring    State = "retiring"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// next maps each non-terminal state to its successor.
var next = map[State]State{
	StatePending:     StateFetching,
	StateFetching:    StateNormalizing,
	StateNormalizing: StateAggregating,
	StateAggregating: StateRetiring,
	StateRetiring:    StateDone,
}

// CanTransition reports whether from -> to is a legal step. Any
// non-terminal state may fail.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	return next[from] == to
}
