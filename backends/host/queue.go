package host

import (
	"github.com/gomlx/graphrt/backends"
)

// Queue is one serial, in-order execution stream of the host backend. Work
// enqueued on the same queue runs in enqueue order on a dedicated goroutine;
// work on different queues runs unordered with respect to each other, which
// is exactly the gap fences bridge.
type Queue struct {
	id    backends.QueueID
	tasks chan func()
	done  chan struct{}
}

const queueDepth = 128

func newQueue(id backends.QueueID) *Queue {
	q := &Queue{
		id:    id,
		tasks: make(chan func(), queueDepth),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for fn := range q.tasks {
		fn()
	}
}

// ID of the queue.
func (q *Queue) ID() backends.QueueID { return q.id }

// Enqueue fn to run after all previously enqueued work. It may block if the
// queue is full.
func (q *Queue) Enqueue(fn func()) {
	q.tasks <- fn
}

// Sync blocks until all work enqueued before the call has run.
func (q *Queue) Sync() {
	marker := make(chan struct{})
	q.Enqueue(func() { close(marker) })
	<-marker
}

// shutdown drains the queue and stops its goroutine.
func (q *Queue) shutdown() {
	close(q.tasks)
	<-q.done
}
