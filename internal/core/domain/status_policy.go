package domain

// TransitionPolicy decides whether an order may move from one status to another.
// Both statuses are already known to be members of the status set.
type TransitionPolicy interface {
	Allow(from, to OrderStatus) error
}

// AnyTransition accepts every move between valid statuses.
type AnyTransition struct{}

func (AnyTransition) Allow(from, to OrderStatus) error {
	return nil
}

// TransitionTable only accepts the listed edges.
type TransitionTable map[OrderStatus][]OrderStatus

func (t TransitionTable) Allow(from, to OrderStatus) error {
	for _, next := range t[from] {
		if next == to {
			return nil
		}
	}
	return &TransitionError{From: from, To: to}
}
