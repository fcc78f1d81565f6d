package queue

import (
	"sync"

	"github.com/centrifugal/protocol"
)

// Item is a single command prepared for the wire. Control items (connect,
// refresh, ping replies) jump ahead of normal items on removal.
type Item struct {
	Data      []byte
	FrameType protocol.FrameType
	Control   bool
}

// Queue is an unbounded queue of Item with two removal priorities.
// The queue is goroutine safe.
// Inspired by http://blog.dubbelboer.com/2015/04/25/go-faster-queue.html (MIT)
type Queue struct {
	mu      sync.RWMutex
	cond    *sync.Cond
	rings   [2]ring
	size    int
	closed  bool
	initCap int
}

// ring is a single circular buffer of items. Methods must be called
// with the owning Queue mutex held.
type ring struct {
	nodes []Item
	head  int
	tail  int
	cnt   int
}

const (
	ringControl = 0
	ringNormal  = 1
)

// New returns a new Item queue with initial capacity per priority ring.
func New(initialCapacity int) *Queue {
	q := &Queue{initCap: initialCapacity}
	q.rings[ringControl].nodes = make([]Item, initialCapacity)
	q.rings[ringNormal].nodes = make([]Item, initialCapacity)
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (r *ring) resize(n int) {
	nodes := make([]Item, n)
	if r.head < r.tail {
		copy(nodes, r.nodes[r.head:r.tail])
	} else {
		copy(nodes, r.nodes[r.head:])
		copy(nodes[len(r.nodes)-r.head:], r.nodes[:r.tail])
	}

	r.tail = r.cnt % n
	r.head = 0
	r.nodes = nodes
}

func (r *ring) add(i Item) {
	if r.cnt == len(r.nodes) {
		// Also tested a growth rate of 1.5, see: http://stackoverflow.com/questions/2269063/buffer-growth-strategy
		// In Go this resulted in a higher memory usage.
		r.resize(r.cnt * 2)
	}
	r.nodes[r.tail] = i
	r.tail = (r.tail + 1) % len(r.nodes)
	r.cnt++
}

func (r *ring) remove() Item {
	i := r.nodes[r.head]
	r.head = (r.head + 1) % len(r.nodes)
	r.cnt--
	return i
}

func ringIndex(i Item) int {
	if i.Control {
		return ringControl
	}
	return ringNormal
}

// Add an Item to the back of its priority ring.
// Returns false if the queue is closed; in that case the Item is dropped.
func (q *Queue) Add(i Item) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.rings[ringIndex(i)].add(i)
	q.size += len(i.Data)
	q.cond.Signal()
	q.mu.Unlock()
	return true
}

// AddMany adds several items at once with a single lock acquire.
func (q *Queue) AddMany(items ...Item) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	for _, i := range items {
		q.rings[ringIndex(i)].add(i)
		q.size += len(i.Data)
	}
	q.cond.Broadcast()
	q.mu.Unlock()
	return true
}

// Close the queue and discard all entries in the queue.
// All goroutines in Wait() will return.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.rings[ringControl] = ring{}
	q.rings[ringNormal] = ring{}
	q.size = 0
	q.cond.Broadcast()
}

// CloseRemaining will close the queue and return all entries in
// priority order. All goroutines in Wait() will return.
func (q *Queue) CloseRemaining() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return []Item{}
	}
	rem := make([]Item, 0, q.rings[ringControl].cnt+q.rings[ringNormal].cnt)
	for ri := range q.rings {
		for q.rings[ri].cnt > 0 {
			rem = append(rem, q.rings[ri].remove())
		}
	}
	q.closed = true
	q.rings[ringControl] = ring{}
	q.rings[ringNormal] = ring{}
	q.size = 0
	q.cond.Broadcast()
	return rem
}

// Closed returns true if the queue has been closed.
// The call cannot guarantee that the queue hasn't been
// closed while the function returns, so only "true" has a definite meaning.
func (q *Queue) Closed() bool {
	q.mu.RLock()
	c := q.closed
	q.mu.RUnlock()
	return c
}

// Wait for an item to be added.
// If there are items on the queue will return immediately.
// Will return false if the queue is closed.
// Otherwise, returns true.
func (q *Queue) Wait() bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.rings[ringControl].cnt != 0 || q.rings[ringNormal].cnt != 0 {
		q.mu.Unlock()
		return true
	}
	q.cond.Wait()
	q.mu.Unlock()
	return true
}

// Remove will remove an Item from the queue, control ring first.
// If false is returned, it either means 1) there were no items on the queue
// or 2) the queue is closed.
func (q *Queue) Remove() (Item, bool) {
	q.mu.Lock()
	var i Item
	switch {
	case q.rings[ringControl].cnt > 0:
		i = q.rings[ringControl].remove()
	case q.rings[ringNormal].cnt > 0:
		i = q.rings[ringNormal].remove()
	default:
		q.mu.Unlock()
		return Item{}, false
	}
	q.size -= len(i.Data)

	for ri := range q.rings {
		r := &q.rings[ri]
		if n := len(r.nodes) / 2; n >= q.initCap && r.cnt <= n {
			r.resize(n)
		}
	}

	q.mu.Unlock()
	return i, true
}

// Cap returns the summed capacity of both rings (without allocations).
func (q *Queue) Cap() int {
	q.mu.RLock()
	c := cap(q.rings[ringControl].nodes) + cap(q.rings[ringNormal].nodes)
	q.mu.RUnlock()
	return c
}

// Len returns the current number of queued items.
func (q *Queue) Len() int {
	q.mu.RLock()
	l := q.rings[ringControl].cnt + q.rings[ringNormal].cnt
	q.mu.RUnlock()
	return l
}

// Size returns the current size of the queue in bytes.
func (q *Queue) Size() int {
	q.mu.RLock()
	s := q.size
	q.mu.RUnlock()
	return s
}
