package host

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphrt/types/shapes"
)

func TestAllocatorPoolsBuffers(t *testing.T) {
	b := newBackend(1)
	defer b.Finalize()

	shape := shapes.Make(dtypes.Float32, 16)
	buffer := must.M1(b.Allocate(shape))
	assert.Equal(t, shape.Memory(), b.AllocatedBytes())

	buf := buffer.(*Buffer)
	assert.True(t, buf.valid)
	assert.Len(t, buf.flat.([]float32), 16)

	require.NoError(t, b.Free(buffer))
	assert.False(t, buf.valid)
	assert.Equal(t, uintptr(0), b.AllocatedBytes())

	// Double free is an error.
	require.Error(t, b.Free(buffer))
}

func TestBufferFlatDataRoundTrip(t *testing.T) {
	b := newBackend(1)
	defer b.Finalize()

	shape := shapes.Make(dtypes.Int64, 2, 2)
	buffer := must.M1(b.BufferFromFlatData([]int64{1, 2, 3, 4}, shape))
	out := make([]int64, 4)
	require.NoError(t, b.BufferToFlatData(buffer, out))
	assert.Equal(t, []int64{1, 2, 3, 4}, out)

	// DType mismatches are rejected.
	_, err := b.BufferFromFlatData([]float32{1}, shapes.Make(dtypes.Int32, 1))
	require.Error(t, err)
	_, err = b.BufferFromFlatData([]int32{1, 2}, shapes.Make(dtypes.Int32, 1))
	require.Error(t, err)
}

func TestQueueOrderAndSync(t *testing.T) {
	b := newBackend(2)
	defer b.Finalize()

	var order []int
	q := b.Queue(0)
	for i := 0; i < 10; i++ {
		q.Enqueue(func() { order = append(order, i) })
	}
	q.Sync()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestFenceCrossQueueWait(t *testing.T) {
	b := newBackend(2)
	defer b.Finalize()

	fence := b.NewFence("crossing")
	var produced atomic.Bool

	// Producer on queue 0: the "kernel" enqueues slow work, then the
	// executor-side transitions run.
	fence.BeforeUsingAsOutput(BackendName, 0)
	b.Queue(0).Enqueue(func() {
		time.Sleep(20 * time.Millisecond)
		produced.Store(true)
	})
	fence.AfterUsedAsOutput(0)

	// Consumer on queue 1 must observe the produced data after its
	// before-transition, despite the producer running asynchronously.
	fence.BeforeUsingAsInput(BackendName, 1)
	assert.True(t, produced.Load(), "before-input on another queue must wait for the producing queue")
	fence.AfterUsedAsInput(1)
}

func TestFenceSameQueueIsNoOp(t *testing.T) {
	b := newBackend(1)
	defer b.Finalize()

	fence := b.NewFence("local")
	fence.BeforeUsingAsOutput(BackendName, 0)
	b.Queue(0).Enqueue(func() { time.Sleep(5 * time.Millisecond) })
	fence.AfterUsedAsOutput(0)

	start := time.Now()
	fence.BeforeUsingAsInput(BackendName, 0)
	assert.Less(t, time.Since(start), 5*time.Millisecond,
		"same-queue consumers rely on queue order and must not wait")
}

func TestFenceBeforeReleaseWaitsForQueuedRead(t *testing.T) {
	b := newBackend(2)
	defer b.Finalize()

	fence := b.NewFence("freed-early")
	fence.BeforeUsingAsOutput(BackendName, 0)
	fence.AfterUsedAsOutput(0)

	// Consumer on queue 1 enqueues its read and declares the use finished
	// before the read has run.
	var read atomic.Bool
	fence.BeforeUsingAsInput(BackendName, 1)
	b.Queue(1).Enqueue(func() {
		time.Sleep(20 * time.Millisecond)
		read.Store(true)
	})
	fence.AfterUsedAsInput(1)

	fence.BeforeRelease()
	assert.True(t, read.Load(), "the buffer is not releasable until the queued read completed")
}

func TestFenceWithoutProducerIsPassThrough(t *testing.T) {
	b := newBackend(1)
	defer b.Finalize()
	fence := b.NewFence("feed")
	done := make(chan struct{})
	go func() {
		fence.BeforeUsingAsInput(BackendName, 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("before-input with no producer must not block")
	}
}
