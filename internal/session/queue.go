package session

// Queue pairs CI registration requests with their replies in the order
// they were sent.
type Queue[T any] struct {
	slots []slot[T]
}

type slot[T any] struct {
	replied bool
	ok      bool
	value   T
}

// Sent adds an outstanding request.
func (q *Queue[T]) Sent() {
	q.slots = append(q.slots, slot[T]{})
}

// Resolve fills the oldest outstanding request. It reports false when
// nothing is outstanding, i.e. the reply is stale.
func (q *Queue[T]) Resolve(ok bool, value T) bool {
	for i := range q.slots {
		if !q.slots[i].replied {
			q.slots[i] = slot[T]{replied: true, ok: ok, value: value}
			return true
		}
	}
	return false
}

// Ack consumes the oldest request once it has a reply.
func (q *Queue[T]) Ack() (AckState, T) {
	var zero T
	if len(q.slots) == 0 || !q.slots[0].replied {
		return Pending, zero
	}
	s := q.slots[0]
	q.slots = q.slots[1:]
	if !s.ok {
		return Stopped, zero
	}
	return Done, s.value
}

// Outstanding is the number of requests without a consumed reply.
func (q *Queue[T]) Outstanding() int { return len(q.slots) }

func (q *Queue[T]) Reset() { q.slots = nil }
