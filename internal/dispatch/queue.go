package dispatch

import (
	"sync"
	"time"
)

// queue is a bounded FIFO with a wake-up channel. Producers never block.
type queue struct {
	mu       sync.Mutex
	buf      []queued
	head     int
	size     int
	closed   bool
	overflow OverflowPolicy
	now      func() time.Time

	ready chan struct{}
	done  chan struct{}
}

// queued 记录入队时间，批量窗口从这里开始计算。
type queued struct {
	e  Event
	at time.Time
}

func newQueue(capacity int, overflow OverflowPolicy) *queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &queue{
		buf:      make([]queued, capacity),
		overflow: overflow,
		now:      time.Now,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// push enqueues e. dropped reports an event discarded to make room.
func (q *queue) push(e Event) (dropped bool, err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, ErrQueueClosed
	}
	if q.size == len(q.buf) {
		if q.overflow == OverflowRejectNew {
			q.mu.Unlock()
			return false, ErrQueueFull
		}
		q.buf[q.head] = queued{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		dropped = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = queued{e: e, at: q.now()}
	q.size++
	q.mu.Unlock()
	q.notify()
	return dropped, nil
}

func (q *queue) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (Event, bool) {
	e, _, ok := q.popWithTime()
	return e, ok
}

// popWithTime also returns when the event was enqueued.
func (q *queue) popWithTime() (Event, time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return Event{}, time.Time{}, false
	}
	item := q.buf[q.head]
	q.buf[q.head] = queued{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return item.e, item.at, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// close stops new pushes; queued events stay poppable.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
