package host

import (
	"reflect"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/graphrt/backends"
	"github.com/gomlx/graphrt/types/shapes"
)

// Compile-time check:
var _ backends.Allocator = (*Backend)(nil)

// Buffer for the host backend: a shape and the flat data.
//
// The flat data is always a slice of the Go type corresponding to
// shape.DType. Buffers are recycled through per-(dtype, size) pools.
type Buffer struct {
	shape shapes.Shape
	valid bool

	flat any
}

// Shape of the buffer.
func (buf *Buffer) Shape() shapes.Shape { return buf.shape }

// Flat returns the slice backing the buffer. It becomes invalid once the
// buffer is freed.
func (buf *Buffer) Flat() any { return buf.flat }

type bufferPoolKey struct {
	dtype  dtypes.DType
	length int
}

// getBufferPool for the given dtype/length.
func (b *Backend) getBufferPool(dtype dtypes.DType, length int) *sync.Pool {
	key := bufferPoolKey{dtype: dtype, length: length}
	poolInterface, ok := b.bufferPools.Load(key)
	if !ok {
		poolInterface, _ = b.bufferPools.LoadOrStore(key, &sync.Pool{
			New: func() interface{} {
				return &Buffer{
					flat:  reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), length, length).Interface(),
					shape: shapes.Make(dtype, length),
				}
			},
		})
	}
	return poolInterface.(*sync.Pool)
}

func (b *Backend) getBuffer(dtype dtypes.DType, length int) *Buffer {
	pool := b.getBufferPool(dtype, length)
	buf := pool.Get().(*Buffer)
	buf.valid = true
	return buf
}

func (b *Backend) putBuffer(buf *Buffer) {
	if buf == nil || !buf.shape.Ok() {
		return
	}
	buf.valid = false
	pool := b.getBufferPool(buf.shape.DType, buf.shape.Size())
	pool.Put(buf)
}

// copyFlat assumes both flat slices are of the same underlying type.
func copyFlat(flatDst, flatSrc any) {
	reflect.Copy(reflect.ValueOf(flatDst), reflect.ValueOf(flatSrc))
}

// Allocate a pooled buffer for a dense value of the given shape.
// It implements backends.Allocator.
func (b *Backend) Allocate(shape shapes.Shape) (backends.Buffer, error) {
	if !shape.Ok() {
		return nil, errors.Errorf("cannot allocate a buffer for an invalid shape")
	}
	buf := b.getBuffer(shape.DType, shape.Size())
	buf.shape = shape.Clone()
	b.allocatedBytes.Add(int64(shape.Memory()))
	return buf, nil
}

// Free returns a buffer to its pool. It implements backends.Allocator.
func (b *Backend) Free(buffer backends.Buffer) error {
	buf, ok := buffer.(*Buffer)
	if !ok {
		return errors.Errorf("buffer is not a %q backend buffer", BackendName)
	}
	if !buf.valid {
		return errors.Errorf("Free(%p): buffer was already freed (shape=%s)", buf, buf.shape)
	}
	b.allocatedBytes.Add(-int64(buf.shape.Memory()))
	b.putBuffer(buf)
	return nil
}

// AllocatedBytes currently handed out and not yet freed.
func (b *Backend) AllocatedBytes() uintptr {
	return uintptr(b.allocatedBytes.Load())
}

// BufferFromFlatData creates a buffer with a copy of the data given as a
// flat slice of the Go type corresponding to shape.DType.
func (b *Backend) BufferFromFlatData(flat any, shape shapes.Shape) (backends.Buffer, error) {
	if dtypes.FromGoType(reflect.TypeOf(flat).Elem()) != shape.DType {
		return nil, errors.Errorf("flat data type (%s) does not match shape DType (%s)",
			reflect.TypeOf(flat).Elem(), shape.DType)
	}
	if reflect.ValueOf(flat).Len() != shape.Size() {
		return nil, errors.Errorf("flat data has %d elements, shape %s needs %d",
			reflect.ValueOf(flat).Len(), shape, shape.Size())
	}
	buffer, err := b.Allocate(shape)
	if err != nil {
		return nil, err
	}
	copyFlat(buffer.(*Buffer).flat, flat)
	return buffer, nil
}

// BufferToFlatData copies the buffer contents into the given flat slice,
// which must have exactly shape.Size() elements.
func (b *Backend) BufferToFlatData(buffer backends.Buffer, flat any) error {
	buf, ok := buffer.(*Buffer)
	if !ok {
		return errors.Errorf("buffer is not a %q backend buffer", BackendName)
	}
	if !buf.valid {
		return errors.Errorf("buffer (%p) was already freed", buf)
	}
	copyFlat(flat, buf.flat)
	return nil
}
