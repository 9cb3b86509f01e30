// Package shapes defines Shape, the static description of a tensor value: its
// DType (see github.com/gomlx/gopjrt/dtypes) and its dimensions.
//
// Shapes are used in two places: to describe the buffers held by the value
// slots of an execution frame, and as the key material of the memory-pattern
// cache -- two runs with the same ordered sequence of input shapes can share
// one allocation layout.
//
// Go float16 support (commonly used by accelerators) uses the
// github.com/x448/float16 implementation.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape of a tensor value: a DType plus one dimension per axis.
// A rank-0 (no dimensions) shape is a scalar.
//
// Use Make to create one. The zero value is invalid (Ok() == false).
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape with the given dtype and dimensions.
// It panics (with a stack trace) if any dimension is <= 0.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// Scalar returns a rank-0 shape for the given Go type.
func Scalar[T dtypes.Supported]() Shape {
	return Shape{DType: dtypes.FromGenericsType[T]()}
}

// Invalid returns an invalid shape: Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid shape -- a zero-initialized Shape{} is not.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank is the number of axes. Scalars have rank 0.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape is valid and has rank 0.
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. Negative axis counts from the
// end, as with slice indexing. Out-of-bounds axes panic.
func (s Shape) Dim(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += s.Rank()
	}
	if adjusted < 0 || adjusted >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjusted]
}

// Shape returns itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// Size is the number of elements of DType the shape holds: the product of all
// dimensions, 1 for scalars.
func (s Shape) Size() (size int) {
	size = 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return
}

// Memory is the number of bytes needed to store a dense array of this shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares dtype and dimensions.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType {
		return false
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// String implements fmt.Stringer, printing as "(dtype)[dims...]".
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// HasShape is implemented by anything that can report a Shape -- values,
// buffers, shapes themselves.
type HasShape interface {
	Shape() Shape
}
