// Package host implements the generic host (CPU) backend for graphrt.
//
// It provides pooled buffer allocation, serial in-order queues that kernels
// may enqueue asynchronous work on, channel-based fences bridging those
// queues, and a small set of reference kernels used by tests and tools.
package host

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphrt/backends"
)

// BackendName to be used in GRAPHRT_BACKEND to select this backend. It is
// also this backend's provider identity in fence transitions, and matches
// backends.HostProvider.
const BackendName = backends.HostProvider

func init() {
	backends.Register(BackendName, New)
}

// New constructs a host Backend. The configuration, if not empty, is the
// number of queues to create, e.g. "4". The default is 2.
func New(config string) backends.Backend {
	numQueues := 2
	if config != "" {
		var err error
		numQueues, err = strconv.Atoi(config)
		if err != nil || numQueues < 1 {
			exceptions.Panicf("host backend configuration must be a positive number of queues, got %q", config)
		}
	}
	return newBackend(numQueues)
}

func newBackend(numQueues int) *Backend {
	b := &Backend{
		queues: make([]*Queue, numQueues),
	}
	for i := range b.queues {
		b.queues[i] = newQueue(backends.QueueID(i))
	}
	return b
}

// Backend implements backends.Backend (and backends.Allocator) for the host.
type Backend struct {
	// bufferPools maps bufferPoolKey to *sync.Pool of reusable buffers.
	bufferPools sync.Map

	// allocatedBytes tracks bytes handed out by Allocate and not yet freed.
	allocatedBytes atomic.Int64

	queues    []*Queue
	finalized sync.Once
}

// Compile-time check:
var _ backends.Backend = (*Backend)(nil)

// Name returns the backend's short name, its provider identity.
func (b *Backend) Name() string { return BackendName }

// Description of the backend for pretty-printing.
func (b *Backend) Description() string {
	return "Host (CPU) backend with serial queues"
}

// NumDevices returns 1: the host is a single device.
func (b *Backend) NumDevices() backends.DeviceNum { return 1 }

// NumQueues returns the number of serial queues created for this backend.
func (b *Backend) NumQueues() int { return len(b.queues) }

// Queue returns the queue with the given id. It panics on invalid ids.
func (b *Backend) Queue(id backends.QueueID) *Queue {
	if int(id) < 0 || int(id) >= len(b.queues) {
		exceptions.Panicf("host backend has %d queues, no queue %d", len(b.queues), id)
	}
	return b.queues[id]
}

// Allocator for the given device. The host has only device 0.
func (b *Backend) Allocator(deviceNum backends.DeviceNum) backends.Allocator {
	if deviceNum != 0 {
		exceptions.Panicf("host backend only supports device 0, got device %d", deviceNum)
	}
	return b
}

// Finalize drains and stops the queues and makes the backend invalid.
func (b *Backend) Finalize() {
	b.finalized.Do(func() {
		for _, q := range b.queues {
			q.shutdown()
		}
	})
}
