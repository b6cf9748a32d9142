package tasks

import "sync"

type queueItem struct {
	id       string
	priority int
}

// taskQueue is the bounded submission queue. Entries are ordered by
// priority, first-in-first-out within a priority. Capacity is claimed
// through reserve before the task row is persisted so concurrent
// submissions cannot overshoot.
type taskQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []queueItem
	capacity int
	reserved int
	closed   bool
}

func newTaskQueue(capacity int) *taskQueue {
	q := &taskQueue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// reserve claims one slot ahead of push. Returns false at capacity or
// after close.
func (q *taskQueue) reserve() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items)+q.reserved >= q.capacity {
		return false
	}
	q.reserved++
	return true
}

// unreserve returns a claimed slot that never became an entry.
func (q *taskQueue) unreserve() {
	q.mu.Lock()
	if q.reserved > 0 {
		q.reserved--
	}
	q.mu.Unlock()
}

// push converts a reservation into a queued entry and wakes one worker.
func (q *taskQueue) push(id string, priority int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reserved > 0 {
		q.reserved--
	}
	if q.closed {
		return
	}
	q.insert(id, priority)
	q.cond.Signal()
}

// requeue re-inserts a retried task. Retries bypass the capacity check;
// the task already held a slot when it was first admitted.
func (q *taskQueue) requeue(id string, priority int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.insert(id, priority)
	q.cond.Signal()
}

// insert places the entry behind existing entries of the same or higher
// priority. Callers hold q.mu.
func (q *taskQueue) insert(id string, priority int) {
	pos := len(q.items)
	for i := 0; i < len(q.items); i++ {
		if q.items[i].priority < priority {
			pos = i
			break
		}
	}
	q.items = append(q.items, queueItem{})
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = queueItem{id: id, priority: priority}
}

// pop blocks until an entry is available or the queue closes. Returns
// false once closed; remaining entries are abandoned to crash recovery.
func (q *taskQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return "", false
	}
	id := q.items[0].id
	q.items = q.items[1:]
	return id, true
}

// remove deletes a queued entry by ID. Returns false when the entry was
// already popped.
func (q *taskQueue) remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := 0; i < len(q.items); i++ {
		if q.items[i].id == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// depth reports queued entries, not counting in-flight reservations.
func (q *taskQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close wakes every waiting worker and rejects further entries.
func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}
