package packet

import (
	"context"
	"sync"
)

// Queue is a bounded FIFO of packets between one producer and one
// consumer. A notifier, when set, runs after every successful put; it is a
// hint that something is ready, not a count.
type Queue struct {
	ch chan *Packet

	mu     sync.Mutex
	notify func()
}

func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan *Packet, capacity)}
}

func (q *Queue) SetNotifier(fn func()) {
	q.mu.Lock()
	q.notify = fn
	q.mu.Unlock()
}

func (q *Queue) notified() {
	q.mu.Lock()
	fn := q.notify
	q.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// TryPut appends p unless the queue is full. The caller keeps p on false.
func (q *Queue) TryPut(p *Packet) bool {
	select {
	case q.ch <- p:
	default:
		return false
	}

	q.notified()

	return true
}

// Put appends p, waiting for room until ctx is done.
func (q *Queue) Put(ctx context.Context, p *Packet) error {
	select {
	case q.ch <- p:
	case <-ctx.Done():
		return ctx.Err()
	}

	q.notified()

	return nil
}

// Take removes the oldest packet, waiting until one arrives or ctx is done.
func (q *Queue) Take(ctx context.Context) (*Packet, error) {
	select {
	case p := <-q.ch:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Queue) TryTake() (*Packet, bool) {
	select {
	case p := <-q.ch:
		return p, true
	default:
		return nil, false
	}
}

func (q *Queue) Len() int {
	return len(q.ch)
}

func (q *Queue) Cap() int {
	return cap(q.ch)
}
