// Package workqueue implements the per-object FIFO completion ordering
// described in spec §4.2 (component C7): async operations on the data
// loop may complete out of submission order, but observers must see
// completions in submission order per object.
//
// Grounded on the per-tag serialization discipline in go-ublk's
// internal/queue/runner.go (one state slot per in-flight unit, results
// recorded then drained in order), generalized here from "one mutex per
// tag" to "one ordered queue per object".
package workqueue

import "sync"

// Callback is invoked exactly once when a WorkItem completes or is
// cancelled.
type Callback func(result error, user any)

// item is one submitted, possibly still-pending unit of work.
type item struct {
	seq      uint64
	done     bool
	result   error
	callback Callback
	user     any
}

// WorkQueue holds, per owner object, the FIFO of outstanding WorkItems.
type WorkQueue struct {
	mu    sync.Mutex
	queue map[any][]*item
}

// New creates an empty WorkQueue.
func New() *WorkQueue {
	return &WorkQueue{queue: make(map[any][]*item)}
}

// Add appends a new pending WorkItem for owner.
func (q *WorkQueue) Add(owner any, seq uint64, cb Callback, user any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue[owner] = append(q.queue[owner], &item{seq: seq, callback: cb, user: user})
}

// Complete records the result for (owner, seq), then drains from the
// head of owner's queue every consecutive entry with a recorded result,
// invoking callbacks in submission order. Completing an unknown
// (owner, seq) is a no-op.
func (q *WorkQueue) Complete(owner any, seq uint64, result error) {
	q.mu.Lock()
	items := q.queue[owner]
	var found *item
	for _, it := range items {
		if it.seq == seq && !it.done {
			found = it
			break
		}
	}
	if found == nil {
		q.mu.Unlock()
		return
	}
	found.done = true
	found.result = result

	ready := q.drainLocked(owner)
	q.mu.Unlock()

	for _, r := range ready {
		if r.callback != nil {
			r.callback(r.result, r.user)
		}
	}
}

// drainLocked pops every consecutive completed entry from the head of
// owner's queue and returns them in order. Caller must hold q.mu.
func (q *WorkQueue) drainLocked(owner any) []*item {
	items := q.queue[owner]
	var ready []*item
	i := 0
	for i < len(items) && items[i].done {
		ready = append(ready, items[i])
		i++
	}
	if i > 0 {
		items = items[i:]
	}
	if len(items) == 0 {
		delete(q.queue, owner)
	} else {
		q.queue[owner] = items
	}
	return ready
}

// Cancel cancels every outstanding WorkItem for owner, invoking each
// callback with CANCELLED-equivalent result, in submission order, then
// removes owner's queue entirely.
func (q *WorkQueue) Cancel(owner any, cancelled error) {
	q.mu.Lock()
	items := q.queue[owner]
	delete(q.queue, owner)
	q.mu.Unlock()

	for _, it := range items {
		if it.callback != nil {
			it.callback(cancelled, it.user)
		}
	}
}

// Pending reports how many outstanding (not yet drained) WorkItems owner
// has.
func (q *WorkQueue) Pending(owner any) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue[owner])
}
