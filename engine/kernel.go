package engine

import (
	"github.com/gomlx/graphrt/backends"
	"github.com/gomlx/graphrt/types/shapes"
	"github.com/gomlx/graphrt/types/xsync"
)

// MemType declares the memory residency a kernel expects for one of its
// input positions.
type MemType int

const (
	// MemTypeDefault means the input lives in the node's provider memory.
	MemTypeDefault MemType = iota

	// MemTypeCPUInput means the kernel reads this input from host memory,
	// whatever provider the node otherwise runs on. Fence transitions for
	// such inputs use the host provider identity, since no device-side wait
	// is needed to read host memory.
	MemTypeCPUInput
)

// NodeInfo is the static metadata of one node of the plan: identity, where
// it runs, and which slots it reads and writes.
type NodeInfo struct {
	// Name of the node, used in every error and log line about it.
	Name string

	// OpType is the operator name, for diagnostics and profiling.
	OpType string

	// Provider is the name of the backend the node's kernel runs on.
	Provider string

	// Queue is the hardware queue the kernel enqueues its work on.
	Queue backends.QueueID

	// Inputs, ImplicitInputs and Outputs are slot indices into the frame.
	// Implicit inputs are values a kernel consumes beyond its declared
	// arguments, e.g. captured by a subgraph.
	Inputs         []int
	ImplicitInputs []int
	Outputs        []int

	// InputMemTypes, if non-nil, declares the residency of each input
	// position. Nil means MemTypeDefault for all.
	InputMemTypes []MemType
}

// InputMemType returns the declared residency of input position i.
func (n *NodeInfo) InputMemType(i int) MemType {
	if n.InputMemTypes == nil || i >= len(n.InputMemTypes) {
		return MemTypeDefault
	}
	return n.InputMemTypes[i]
}

// Kernel is the polymorphic unit of computation bound to a node. The engine
// resolves one kernel per node and only ever calls through this interface --
// it never inspects the concrete type.
//
// Compute may enqueue asynchronous work on the node's queue and return before
// that work completes; the fence protocol makes the necessary cross-queue
// synchronization explicit at value boundaries.
type Kernel interface {
	Compute(ctx *Context) error
}

// Context is the per-node invocation context: a view binding the current node
// to its input and output slots in the frame, and to their fences.
type Context struct {
	session   *SessionState
	frame     *Frame
	node      *NodeInfo
	terminate *xsync.Latch
}

// Session the run belongs to.
func (ctx *Context) Session() *SessionState { return ctx.session }

// Node being invoked.
func (ctx *Context) Node() *NodeInfo { return ctx.node }

// Terminated polls the run's cancellation latch. Long-running kernels may
// check it; the engine itself only polls at step boundaries.
func (ctx *Context) Terminated() bool {
	return ctx.terminate != nil && ctx.terminate.Test()
}

// InputCount is the number of declared inputs of the node.
func (ctx *Context) InputCount() int { return len(ctx.node.Inputs) }

// Input returns the value bound to declared input position i.
func (ctx *Context) Input(i int) (*Value, error) {
	return ctx.frame.Value(ctx.node.Inputs[i])
}

// ImplicitInputCount is the number of implicit inputs of the node.
func (ctx *Context) ImplicitInputCount() int { return len(ctx.node.ImplicitInputs) }

// ImplicitInput returns the value bound to implicit input position i.
func (ctx *Context) ImplicitInput(i int) (*Value, error) {
	return ctx.frame.Value(ctx.node.ImplicitInputs[i])
}

// OutputCount is the number of outputs of the node.
func (ctx *Context) OutputCount() int { return len(ctx.node.Outputs) }

// Output returns the value currently bound to output position i, or nil if
// none was produced yet (the common case before AllocateOutput).
func (ctx *Context) Output(i int) (*Value, error) {
	return ctx.frame.Value(ctx.node.Outputs[i])
}

// AllocateOutput allocates a dense tensor for output position i through the
// run's allocator (or the caller's custom allocator, for requested outputs
// that have one), binds it to the output slot and returns it.
func (ctx *Context) AllocateOutput(i int, shape shapes.Shape) (*Value, error) {
	return ctx.frame.allocateValue(ctx.node.Outputs[i], shape)
}

// SetOutput binds an already-built value to output position i. Used by
// kernels producing sequences, opaque values, or aliases of their inputs.
func (ctx *Context) SetOutput(i int, value *Value) error {
	return ctx.frame.bindValue(ctx.node.Outputs[i], value, false)
}

// InputFence returns the fence of declared input i, or nil if the value
// needs none.
func (ctx *Context) InputFence(i int) backends.Fence {
	return ctx.frame.Fence(ctx.node.Inputs[i])
}

// ImplicitInputFence returns the fence of implicit input i, or nil.
func (ctx *Context) ImplicitInputFence(i int) backends.Fence {
	return ctx.frame.Fence(ctx.node.ImplicitInputs[i])
}

// OutputFence returns the fence of output i, or nil.
func (ctx *Context) OutputFence(i int) backends.Fence {
	return ctx.frame.Fence(ctx.node.Outputs[i])
}
