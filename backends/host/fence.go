package host

import (
	"sync"

	"github.com/gomlx/graphrt/backends"
)

// fence synchronizes one value produced and consumed on different queues.
//
// The producer's before-transition arms the fence with a fresh ready
// channel; its after-transition enqueues a marker on the producing queue, so
// that the channel closes only when the queue has drained past the
// production -- including any asynchronous work the kernel enqueued.
// Consumers on a different (provider, queue) wait on the channel; consumers
// on the producing queue rely on queue order and skip the wait.
//
// Every consumer's after-transition additionally enqueues a completion
// marker on its own queue: the value may be freed while an asynchronous read
// is still queued, and BeforeRelease waits on those markers (and on the
// producer's) so the pooled buffer is never recycled under pending work.
type fence struct {
	name    string
	backend *Backend

	mu               sync.Mutex
	hasProducer      bool
	producerProvider string
	producerQueue    backends.QueueID
	ready            chan struct{}
	pendingReads     []chan struct{}
}

// Compile-time check:
var _ backends.Fence = (*fence)(nil)

// NewFence creates a fence for a value crossing queue boundaries. The value
// name is for diagnostics only. It implements backends.Backend.
func (b *Backend) NewFence(valueName string) backends.Fence {
	return &fence{name: valueName, backend: b}
}

func (f *fence) BeforeUsingAsOutput(provider string, queue backends.QueueID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hasProducer = true
	f.producerProvider = provider
	f.producerQueue = queue
	f.ready = make(chan struct{})
}

func (f *fence) AfterUsedAsOutput(queue backends.QueueID) {
	f.mu.Lock()
	ready := f.ready
	provider := f.producerProvider
	producerQueue := f.producerQueue
	f.mu.Unlock()
	if ready == nil {
		return
	}
	if provider == BackendName && int(producerQueue) < len(f.backend.queues) {
		f.backend.queues[producerQueue].Enqueue(func() { close(ready) })
	} else {
		close(ready)
	}
}

func (f *fence) BeforeUsingAsInput(provider string, queue backends.QueueID) {
	f.mu.Lock()
	hasProducer := f.hasProducer
	producerProvider := f.producerProvider
	producerQueue := f.producerQueue
	ready := f.ready
	f.mu.Unlock()
	if !hasProducer || ready == nil {
		// Never produced through this fence (e.g. a feed): already visible.
		return
	}
	if provider == producerProvider && queue == producerQueue {
		// Same stream: in-order execution makes the wait unnecessary.
		return
	}
	<-ready
}

func (f *fence) AfterUsedAsInput(queue backends.QueueID) {
	if int(queue) < 0 || int(queue) >= len(f.backend.queues) {
		return
	}
	// The reading kernel may have only enqueued its work; mark the point the
	// consuming queue has drained past it.
	done := make(chan struct{})
	f.backend.queues[queue].Enqueue(func() { close(done) })
	f.mu.Lock()
	f.pendingReads = append(f.pendingReads, done)
	f.mu.Unlock()
}

func (f *fence) BeforeRelease() {
	f.mu.Lock()
	ready := f.ready
	pendingReads := f.pendingReads
	f.pendingReads = nil
	f.mu.Unlock()
	if ready != nil {
		<-ready
	}
	for _, done := range pendingReads {
		<-done
	}
}
