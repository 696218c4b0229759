package runner

import "sync"

// evalQueue serializes final transcript fragments for evaluation. Fragments
// are processed strictly in arrival order; when the queue is full the
// oldest pending fragment is dropped so a stalled provider degrades into
// missed evaluations instead of unbounded memory or out-of-order commits.
type evalQueue struct {
	mu       sync.Mutex
	items    []string
	capacity int
	dropped  int
	closed   bool
	wake     chan struct{}
}

func newEvalQueue(capacity int) *evalQueue {
	if capacity <= 0 {
		capacity = 8
	}
	return &evalQueue{
		capacity: capacity,
		wake:     make(chan struct{}, 1),
	}
}

// Push enqueues a fragment. It reports whether an older fragment was
// dropped to make room.
func (q *evalQueue) Push(fragment string) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, fragment)
	// Signal while still holding the lock: Close flips closed and closes
	// wake under the same lock, so this send can never hit a closed channel.
	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.mu.Unlock()
	return dropped
}

// Pop blocks until a fragment is available or the queue is closed. The
// second return value is false once the queue is closed and drained.
func (q *evalQueue) Pop() (string, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		if q.closed {
			q.mu.Unlock()
			return "", false
		}
		q.mu.Unlock()
		<-q.wake
	}
}

// Close wakes any blocked Pop. Pending fragments are still drained.
func (q *evalQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.wake)
	q.mu.Unlock()
}

// Dropped returns how many fragments were discarded under pressure.
func (q *evalQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
