package engine

import (
	"fmt"

	"github.com/gomlx/graphrt/backends"
	"github.com/gomlx/graphrt/types/shapes"
)

// ValueKind discriminates what a Value holds.
type ValueKind int

const (
	// KindTensor is a dense tensor with a known shape.
	KindTensor ValueKind = iota

	// KindSequence is an ordered collection of tensors; it has no single
	// static shape, so runs fed with sequences produce no memory pattern.
	KindSequence

	// KindOpaque is a backend- or kernel-defined value the engine does not
	// interpret.
	KindOpaque
)

// String implements fmt.Stringer.
func (k ValueKind) String() string {
	switch k {
	case KindTensor:
		return "tensor"
	case KindSequence:
		return "sequence"
	case KindOpaque:
		return "opaque"
	}
	return fmt.Sprintf("ValueKind(%d)", int(k))
}

// Value is one runtime value: an opaque typed buffer flowing between
// kernels. Within one run a value lives in a slot of the frame, identified by
// its integer slot index.
type Value struct {
	kind   ValueKind
	shape  shapes.Shape
	buffer backends.Buffer
}

// NewTensorValue creates a dense tensor value with the given shape, holding
// the given backend buffer.
func NewTensorValue(shape shapes.Shape, buffer backends.Buffer) *Value {
	return &Value{kind: KindTensor, shape: shape, buffer: buffer}
}

// NewSequenceValue creates a sequence value holding the given backend buffer.
func NewSequenceValue(buffer backends.Buffer) *Value {
	return &Value{kind: KindSequence, shape: shapes.Invalid(), buffer: buffer}
}

// NewOpaqueValue creates an opaque value holding the given backend buffer.
func NewOpaqueValue(buffer backends.Buffer) *Value {
	return &Value{kind: KindOpaque, shape: shapes.Invalid(), buffer: buffer}
}

// Kind of the value.
func (v *Value) Kind() ValueKind { return v.kind }

// IsTensor returns whether the value is a dense tensor.
func (v *Value) IsTensor() bool { return v != nil && v.kind == KindTensor }

// Shape of the value. Only tensors have a valid shape.
func (v *Value) Shape() shapes.Shape { return v.shape }

// Buffer held by the value. Its concrete type belongs to the backend that
// created it.
func (v *Value) Buffer() backends.Buffer { return v.buffer }

// HasKnownShape returns whether the value is a dense tensor with a valid
// static shape -- the precondition for contributing to a memory-pattern
// signature.
func (v *Value) HasKnownShape() bool {
	return v.IsTensor() && v.shape.Ok()
}

// String implements fmt.Stringer.
func (v *Value) String() string {
	if v == nil {
		return "Value(nil)"
	}
	if v.kind == KindTensor {
		return fmt.Sprintf("Value[%s %s]", v.kind, v.shape)
	}
	return fmt.Sprintf("Value[%s]", v.kind)
}
