package backends

import "github.com/gomlx/graphrt/types/shapes"

// Buffer represents data (a tensor) stored wherever the backend executes --
// it may be device memory. It is opaque to the engine: only the backend that
// created it knows how to interpret it.
type Buffer any

// Allocator manages buffers for one device of a backend.
//
// The engine uses it to allocate the transient values of a run and to return
// them when the plan says they are dead. Allocators are shared across
// concurrent runs and must be safe for concurrent use.
type Allocator interface {
	// Allocate a buffer large enough for a dense value of the given shape.
	Allocate(shape shapes.Shape) (Buffer, error)

	// Free returns a buffer previously obtained from Allocate. The buffer
	// must not be used afterward.
	Free(buffer Buffer) error

	// AllocatedBytes reports the bytes currently handed out and not yet
	// freed. Informational only.
	AllocatedBytes() uintptr
}
