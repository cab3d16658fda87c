package connection

import (
	"sync"

	"github.com/rickgao/tasklink/internal/transport"
)

// eventQueue buffers inbound events between a session's read loop and its
// dispatch loop. push never blocks, so the read loop keeps routing acks
// while a slow handler holds up dispatch.
//
// A queue starts held: events pile up but next does not return them until
// release. The manager releases a session only after announcing Connected,
// so listeners attached by observers see the session's first event.
type eventQueue struct {
	mu    sync.Mutex
	ready *sync.Cond
	items []transport.Frame
	head  int // next item to hand out

	held    bool
	closed  bool
	dropped bool
}

func newEventQueue(sizeHint int) *eventQueue {
	q := &eventQueue{
		items: make([]transport.Frame, 0, max(sizeHint, 1)),
		held:  true,
	}
	q.ready = sync.NewCond(&q.mu)
	return q
}

// push appends f. It returns false once the queue is closed.
func (q *eventQueue) push(f transport.Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, f)
	if !q.held {
		q.ready.Signal()
	}
	return true
}

// next blocks until an event may be dispatched. It returns false when the
// queue was discarded, or closed with nothing left to hand out.
func (q *eventQueue) next() (transport.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		switch {
		case q.dropped:
			return transport.Frame{}, false
		case !q.held && q.head < len(q.items):
			return q.pop(), true
		case q.closed && q.head == len(q.items):
			return transport.Frame{}, false
		}
		q.ready.Wait()
	}
}

// pop removes the head item. Must be called with lock held.
func (q *eventQueue) pop() transport.Frame {
	f := q.items[q.head]
	q.items[q.head] = transport.Frame{}
	q.head++

	// Reclaim the consumed prefix once it is half the backing array.
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head*2 >= cap(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return f
}

// release lets next hand out events.
func (q *eventQueue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.held = false
	q.ready.Broadcast()
}

// close stops accepting events. What is already queued is still handed out.
func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.ready.Broadcast()
}

// discard closes the queue and drops everything not yet handed out. It
// returns how many events were dropped.
func (q *eventQueue) discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items) - q.head
	q.items = nil
	q.head = 0
	q.closed = true
	q.dropped = true
	q.ready.Broadcast()
	return n
}

// backlog returns the number of events waiting for dispatch.
func (q *eventQueue) backlog() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}
