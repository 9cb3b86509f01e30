package host

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
	"k8s.io/klog/v2"

	"github.com/gomlx/graphrt/engine"
	"github.com/gomlx/graphrt/types/shapes"
)

// Reference kernels for the host backend: enough to execute real plans in
// tests and tools, not a complete operator library.
//
// Each kernel binds its output synchronously -- slot-table mutation must
// stay inside the sequential step -- and may defer only the arithmetic to
// the node's queue when built asynchronous, relying on fences for
// cross-queue visibility.

type binaryOp int

const (
	opAdd binaryOp = iota
	opMul
)

func (op binaryOp) String() string {
	if op == opAdd {
		return "Add"
	}
	return "Mul"
}

type binaryKernel struct {
	op    binaryOp
	async bool
}

// NewAdd returns an element-wise addition kernel over inputs 0 and 1. If
// async, the arithmetic is enqueued on the node's queue and Compute returns
// before it runs.
func NewAdd(async bool) engine.Kernel { return &binaryKernel{op: opAdd, async: async} }

// NewMul returns an element-wise multiplication kernel. See NewAdd for async.
func NewMul(async bool) engine.Kernel { return &binaryKernel{op: opMul, async: async} }

func (k *binaryKernel) Compute(ctx *engine.Context) error {
	lhs, rhs, err := binaryInputs(ctx)
	if err != nil {
		return err
	}
	if !lhs.Shape().Equal(rhs.Shape()) {
		return errors.Errorf("%s: input shapes differ: %s vs %s", k.op, lhs.Shape(), rhs.Shape())
	}
	out, err := ctx.AllocateOutput(0, lhs.Shape())
	if err != nil {
		return err
	}
	lhsBuf, rhsBuf, outBuf := lhs.Buffer().(*Buffer), rhs.Buffer().(*Buffer), out.Buffer().(*Buffer)

	compute := func() error { return binaryFlat(k.op, outBuf, lhsBuf, rhsBuf) }
	if !k.async {
		return compute()
	}
	backend, err := hostBackend(ctx)
	if err != nil {
		return err
	}
	node := ctx.Node()
	backend.Queue(node.Queue).Enqueue(func() {
		if err := compute(); err != nil {
			// The step already completed; the defect surfaces in the result.
			klog.Errorf("async %s kernel for node %q failed: %+v", k.op, node.Name, err)
		}
	})
	return nil
}

func binaryInputs(ctx *engine.Context) (lhs, rhs *engine.Value, err error) {
	if ctx.InputCount() != 2 {
		return nil, nil, errors.Errorf("binary kernel needs 2 inputs, node %q declares %d", ctx.Node().Name, ctx.InputCount())
	}
	lhs, err = ctx.Input(0)
	if err != nil {
		return nil, nil, err
	}
	rhs, err = ctx.Input(1)
	if err != nil {
		return nil, nil, err
	}
	if !lhs.IsTensor() || !rhs.IsTensor() {
		return nil, nil, errors.Errorf("binary kernel needs dense tensor inputs, got %s and %s", lhs, rhs)
	}
	return lhs, rhs, nil
}

func binaryFlat(op binaryOp, out, lhs, rhs *Buffer) error {
	switch out.shape.DType {
	case dtypes.Float32:
		binaryFlatGeneric(op, out.flat.([]float32), lhs.flat.([]float32), rhs.flat.([]float32))
	case dtypes.Float64:
		binaryFlatGeneric(op, out.flat.([]float64), lhs.flat.([]float64), rhs.flat.([]float64))
	case dtypes.Int32:
		binaryFlatGeneric(op, out.flat.([]int32), lhs.flat.([]int32), rhs.flat.([]int32))
	case dtypes.Int64:
		binaryFlatGeneric(op, out.flat.([]int64), lhs.flat.([]int64), rhs.flat.([]int64))
	case dtypes.Float16:
		binaryFlatFloat16(op, out.flat.([]float16.Float16), lhs.flat.([]float16.Float16), rhs.flat.([]float16.Float16))
	default:
		return errors.Errorf("%s not implemented for dtype %s", op, out.shape.DType)
	}
	return nil
}

func binaryFlatGeneric[T interface {
	constraints.Integer | constraints.Float
}](op binaryOp, out, lhs, rhs []T) {
	if op == opAdd {
		for i := range out {
			out[i] = lhs[i] + rhs[i]
		}
		return
	}
	for i := range out {
		out[i] = lhs[i] * rhs[i]
	}
}

func binaryFlatFloat16(op binaryOp, out, lhs, rhs []float16.Float16) {
	if op == opAdd {
		for i := range out {
			out[i] = float16.Fromfloat32(lhs[i].Float32() + rhs[i].Float32())
		}
		return
	}
	for i := range out {
		out[i] = float16.Fromfloat32(lhs[i].Float32() * rhs[i].Float32())
	}
}

type matMulKernel struct{}

// NewMatMul returns a naive float32 matrix multiplication kernel over two
// rank-2 inputs.
func NewMatMul() engine.Kernel { return &matMulKernel{} }

func (k *matMulKernel) Compute(ctx *engine.Context) error {
	lhs, rhs, err := binaryInputs(ctx)
	if err != nil {
		return err
	}
	lhsShape, rhsShape := lhs.Shape(), rhs.Shape()
	if lhsShape.DType != dtypes.Float32 || rhsShape.DType != dtypes.Float32 {
		return errors.Errorf("MatMul only implemented for float32, got %s and %s", lhsShape, rhsShape)
	}
	if lhsShape.Rank() != 2 || rhsShape.Rank() != 2 || lhsShape.Dim(1) != rhsShape.Dim(0) {
		return errors.Errorf("MatMul needs compatible rank-2 inputs, got %s and %s", lhsShape, rhsShape)
	}
	m, inner, n := lhsShape.Dim(0), lhsShape.Dim(1), rhsShape.Dim(1)
	out, err := ctx.AllocateOutput(0, shapes.Make(dtypes.Float32, m, n))
	if err != nil {
		return err
	}
	lhsFlat := lhs.Buffer().(*Buffer).flat.([]float32)
	rhsFlat := rhs.Buffer().(*Buffer).flat.([]float32)
	outFlat := out.Buffer().(*Buffer).flat.([]float32)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum float32
			for p := 0; p < inner; p++ {
				sum += lhsFlat[i*inner+p] * rhsFlat[p*n+j]
			}
			outFlat[i*n+j] = sum
		}
	}
	return nil
}

type castKernel struct {
	to dtypes.DType
}

// NewCast returns a kernel converting its single input to the given dtype.
// Only float32 <-> float16 conversions are implemented.
func NewCast(to dtypes.DType) engine.Kernel { return &castKernel{to: to} }

func (k *castKernel) Compute(ctx *engine.Context) error {
	if ctx.InputCount() != 1 {
		return errors.Errorf("Cast needs 1 input, node %q declares %d", ctx.Node().Name, ctx.InputCount())
	}
	in, err := ctx.Input(0)
	if err != nil {
		return err
	}
	if !in.IsTensor() {
		return errors.Errorf("Cast needs a dense tensor input, got %s", in)
	}
	outShape := in.Shape().Clone()
	outShape.DType = k.to
	out, err := ctx.AllocateOutput(0, outShape)
	if err != nil {
		return err
	}
	inBuf := in.Buffer().(*Buffer)
	outBuf := out.Buffer().(*Buffer)
	switch {
	case in.Shape().DType == dtypes.Float32 && k.to == dtypes.Float16:
		src, dst := inBuf.flat.([]float32), outBuf.flat.([]float16.Float16)
		for i := range src {
			dst[i] = float16.Fromfloat32(src[i])
		}
	case in.Shape().DType == dtypes.Float16 && k.to == dtypes.Float32:
		src, dst := inBuf.flat.([]float16.Float16), outBuf.flat.([]float32)
		for i := range src {
			dst[i] = src[i].Float32()
		}
	default:
		return errors.Errorf("Cast from %s to %s not implemented", in.Shape().DType, k.to)
	}
	return nil
}

// hostBackend recovers the *Backend of the session, checking the session
// actually runs on the host backend.
func hostBackend(ctx *engine.Context) (*Backend, error) {
	backend, ok := ctx.Session().Backend().(*Backend)
	if !ok {
		return nil, errors.Errorf("node %q kernel requires the %q backend, session uses %q",
			ctx.Node().Name, BackendName, ctx.Session().Backend().Name())
	}
	return backend, nil
}
