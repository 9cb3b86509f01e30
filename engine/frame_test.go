package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphrt/types/shapes"
)

func newTestFrame(t *testing.T, backend *testBackend) *Frame {
	session := singleNodeSession(t, backend)
	frame, err := newFrame(session, []int{0}, []*Value{feedValue(backend, 4)}, []int{2}, make([]*Value, 1), nil)
	require.NoError(t, err)
	return frame
}

func TestFrameReleaseRules(t *testing.T) {
	backend := &testBackend{}
	frame := newTestFrame(t, backend)

	// Releasing an empty slot is a defect.
	err := frame.ReleaseValue(1)
	require.Error(t, err)
	assert.Equal(t, CodeReleaseFailed, CodeOf(err))

	// Releasing a borrowed feed is a defect.
	err = frame.ReleaseValue(0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "borrowed")

	// Releasing an owned value works exactly once.
	_, err = frame.allocateValue(1, shapes.Make(dtypes.Float32, 4))
	require.NoError(t, err)
	require.NoError(t, frame.ReleaseValue(1))
	err = frame.ReleaseValue(1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "released twice")

	// Out-of-bounds slots fail.
	require.Error(t, frame.ReleaseValue(-1))
	require.Error(t, frame.ReleaseValue(100))
}

func TestFrameAccessAfterRelease(t *testing.T) {
	backend := &testBackend{}
	frame := newTestFrame(t, backend)

	_, err := frame.allocateValue(1, shapes.Make(dtypes.Float32, 4))
	require.NoError(t, err)
	require.NoError(t, frame.ReleaseValue(1))

	_, err = frame.Value(1)
	require.Error(t, err)
	assert.Equal(t, CodeInvalidPlan, CodeOf(err))

	// Rebinding a released slot is equally a defect.
	_, err = frame.allocateValue(1, shapes.Make(dtypes.Float32, 4))
	require.Error(t, err)
	assert.Equal(t, CodeInvalidPlan, CodeOf(err))
}

func TestFramePatternOffsets(t *testing.T) {
	backend := &testBackend{}
	frame := newTestFrame(t, backend)

	// Two float32[8] allocations: 32 bytes each, aligned to 64.
	_, err := frame.allocateValue(1, shapes.Make(dtypes.Float32, 8))
	require.NoError(t, err)
	_, err = frame.allocateValue(2, shapes.Make(dtypes.Float32, 8))
	require.NoError(t, err)

	group, err := frame.GeneratePatterns()
	require.NoError(t, err)
	first, found := group.Pattern(1)
	require.True(t, found)
	second, found := group.Pattern(2)
	require.True(t, found)
	assert.Equal(t, uintptr(0), first.Offset)
	assert.Equal(t, uintptr(32), first.Size)
	assert.Equal(t, uintptr(64), second.Offset, "blocks are aligned to %d bytes", allocAlignment)
	assert.Equal(t, uintptr(128), group.PeakBytes)
}

func TestFramePreallocatedFetchIsBorrowed(t *testing.T) {
	backend := &testBackend{}
	session := singleNodeSession(t, backend)
	prealloc := feedValue(backend, 4)
	fetches := []*Value{prealloc}
	frame, err := newFrame(session, []int{0}, []*Value{feedValue(backend, 4)}, []int{2}, fetches, nil)
	require.NoError(t, err)

	// The fetch slot is already bound to the caller's value, borrowed.
	value, err := frame.Value(2)
	require.NoError(t, err)
	assert.Same(t, prealloc, value)
	err = frame.ReleaseValue(2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "borrowed")
}
