package pipeline

import "sync"

// inbox runs application callbacks one at a time, in arrival order, off the
// connection's read loop. The zero value is ready to use. A worker goroutine
// exists only while work is queued.
type inbox struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

// push queues fn behind everything pushed before it.
func (q *inbox) push(fn func()) {
	q.mu.Lock()
	q.queue = append(q.queue, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	go q.drain()
}

func (q *inbox) drain() {
	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.queue[0]
		q.queue[0] = nil
		q.queue = q.queue[1:]
		q.mu.Unlock()
		fn()
	}
}
