package transport

import (
	"context"
	"sync"
)

// eventQueue is an unbounded FIFO between event producers and one consumer.
// push never blocks.
type eventQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []Event
	stopped bool
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	if !q.stopped {
		q.items = append(q.items, ev)
	}
	q.mu.Unlock()
	q.cond.Signal()
}

// pop blocks until an event is available or the queue is stopped.
func (q *eventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.stopped {
		q.cond.Wait()
	}
	if q.stopped {
		return nil, false
	}
	ev := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return ev, true
}

func (q *eventQueue) stop() {
	q.mu.Lock()
	q.stopped = true
	q.items = nil
	q.mu.Unlock()
	q.cond.Broadcast()
}

// dispatch delivers events to notify in order until ctx is done.
func (q *eventQueue) dispatch(ctx context.Context, notify func(Event)) {
	go func() {
		<-ctx.Done()
		q.stop()
	}()
	for {
		ev, ok := q.pop()
		if !ok {
			return
		}
		notify(ev)
	}
}
