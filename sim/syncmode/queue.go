// Implements the per-source delivery queue. Each queue has exactly one
// producer (the source's callback goroutine) and one consumer (the Tick
// caller), so a slice guarded by a mutex plus a wakeup signal is all the
// synchronization required.

package syncmode

import (
	"sync"
	"time"
)

// itemQueue is an unbounded FIFO of delivered items. Items enter in
// production order and are only ever removed from the front.
type itemQueue struct {
	mu     sync.Mutex
	items  []Item
	wakeup chan struct{} // 1-buffered; producer signals a waiting consumer
}

func newItemQueue() *itemQueue {
	return &itemQueue{wakeup: make(chan struct{}, 1)}
}

// push appends an item to the back of the queue and wakes the consumer.
func (q *itemQueue) push(it Item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()
	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}

// pop removes and returns the front item, waiting until one is available or
// the deadline passes. A false second return means the deadline expired.
func (q *itemQueue) pop(deadline time.Time) (Item, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return it, true
		}
		q.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, false
		}
		timer := time.NewTimer(wait)
		select {
		case <-q.wakeup:
			timer.Stop()
		case <-timer.C:
			// Re-check the queue once more: an item may have landed between
			// the length check and the timer firing.
			q.mu.Lock()
			n := len(q.items)
			q.mu.Unlock()
			if n == 0 {
				return nil, false
			}
		}
	}
}

// Len returns the number of queued items.
func (q *itemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
