package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphrt/types/shapes"
)

func TestPatternSignature(t *testing.T) {
	dense := func(dims ...int) *Value {
		return NewTensorValue(shapes.Make(dtypes.Float32, dims...), &testBuffer{})
	}

	sig1, ok := PatternSignature([]*Value{dense(1, 3, 224, 224), dense(1, 3, 224, 224)})
	require.True(t, ok)
	sig2, ok := PatternSignature([]*Value{dense(1, 3, 112, 112), dense(1, 3, 112, 112)})
	require.True(t, ok)
	assert.NotEqual(t, sig1, sig2)

	// Same shapes always give the same signature.
	sig1b, ok := PatternSignature([]*Value{dense(1, 3, 224, 224), dense(1, 3, 224, 224)})
	require.True(t, ok)
	assert.Equal(t, sig1, sig1b)

	// A non-tensor input disqualifies the run from pattern caching.
	_, ok = PatternSignature([]*Value{dense(1, 3, 224, 224), NewOpaqueValue(nil)})
	assert.False(t, ok)
}

// singleNodeSession builds a one-node session: two feeds (slots 0, 1), one
// produced output (slot 2), nothing freed.
func singleNodeSession(t *testing.T, backend *testBackend) *SessionState {
	plan := &Plan{
		Steps:  []Step{{NodeIndex: 0, FreeFromIndex: 0, FreeToIndex: -1}},
		Values: []ValueInfo{{Name: "in0"}, {Name: "in1"}, {Name: "out"}},
	}
	nodes := []NodeInfo{
		{Name: "sum", OpType: "Add", Provider: "test", Inputs: []int{0, 1}, Outputs: []int{2}},
	}
	session, err := NewSession(backend, plan, nodes)
	require.NoError(t, err)
	require.NoError(t, session.BindKernel(0, kernelFunc(passThroughShape)))
	return session
}

func TestExecute_MemoryPatternCache(t *testing.T) {
	backend := &testBackend{}
	session := singleNodeSession(t, backend)
	executor := NewSequentialExecutor(nil)

	run := func(feeds []*Value) {
		err := executor.Execute(session, []int{0, 1}, feeds, []int{2}, make([]*Value, 1), nil)
		require.NoError(t, err)
	}

	feeds224 := []*Value{feedValue(backend, 1, 3, 224, 224), feedValue(backend, 1, 3, 224, 224)}
	run(feeds224)
	require.Equal(t, 1, session.NumMemoryPatterns())
	sig224, ok := PatternSignature(feeds224)
	require.True(t, ok)
	group224, found := session.MemoryPatternGroup(sig224)
	require.True(t, found)
	block, found := group224.Pattern(2)
	require.True(t, found, "the produced slot must have a recorded block")
	assert.Equal(t, uintptr(0), block.Offset)
	assert.Equal(t, shapes.Make(dtypes.Float32, 1, 3, 224, 224).Memory(), block.Size)

	// A second run with the identical signature must not recompute: the
	// cached group stays the same instance.
	run([]*Value{feedValue(backend, 1, 3, 224, 224), feedValue(backend, 1, 3, 224, 224)})
	require.Equal(t, 1, session.NumMemoryPatterns())
	groupAgain, found := session.MemoryPatternGroup(sig224)
	require.True(t, found)
	assert.Same(t, group224, groupAgain)

	// A different shape signature gets its own entry.
	run([]*Value{feedValue(backend, 1, 3, 112, 112), feedValue(backend, 1, 3, 112, 112)})
	assert.Equal(t, 2, session.NumMemoryPatterns())

	// A run with a shape-less input produces no entry.
	err := executor.Execute(session, []int{0, 1},
		[]*Value{feedValue(backend, 1, 3, 64, 64), NewOpaqueValue(&testBuffer{})},
		[]int{2}, make([]*Value, 1), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, session.NumMemoryPatterns())
}

func TestExecute_MemoryPatternsDisabled(t *testing.T) {
	backend := &testBackend{}
	session := singleNodeSession(t, backend)
	session.DisableMemoryPatterns()

	executor := NewSequentialExecutor(nil)
	err := executor.Execute(session, []int{0, 1},
		[]*Value{feedValue(backend, 2, 2), feedValue(backend, 2, 2)},
		[]int{2}, make([]*Value, 1), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, session.NumMemoryPatterns())
}
