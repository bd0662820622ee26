package nvdec

import "sync"

// Queue is an unbounded FIFO used for hand-offs between pipeline stages.
// Pop blocks until an item arrives or the queue is killed. Kill is the
// shutdown path: it wakes every blocked Pop and fails all later operations,
// discarding whatever was still enqueued.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	killed bool
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends an item and wakes one blocked reader.
// Pushes after Kill are silently dropped.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	if !q.killed {
		q.items = append(q.items, item)
		q.cond.Signal()
	}
	q.mu.Unlock()
}

// Pop removes the oldest item, blocking until one is available.
// It returns ok=false once the queue has been killed.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.killed {
		q.cond.Wait()
	}

	var zero T
	if q.killed {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero // release reference
	q.items = q.items[1:]
	return item, true
}

// TryPop removes the oldest item without blocking.
// It returns ok=false if the queue is empty or killed.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.killed || len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// Len returns the number of items currently enqueued.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Kill shuts the queue down. All blocked and future Pop calls return
// ok=false and pending items are dropped. Kill is idempotent.
func (q *Queue[T]) Kill() {
	q.mu.Lock()
	if !q.killed {
		q.killed = true
		q.items = nil
		q.cond.Broadcast()
	}
	q.mu.Unlock()
}
