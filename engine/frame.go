package engine

import (
	"fmt"

	"github.com/gomlx/graphrt/backends"
	"github.com/gomlx/graphrt/types/shapes"
	"k8s.io/klog/v2"
)

// CustomAllocator lets a caller control where one requested output is
// allocated, e.g. directly into caller-visible memory. Buffers it returns
// are owned by the caller, never released by the engine.
type CustomAllocator func(shape shapes.Shape) (backends.Buffer, error)

// allocAlignment is the alignment of blocks in the recorded memory pattern.
const allocAlignment = 64

// slot is one entry of the frame's value table.
type slot struct {
	value *Value

	// owned marks buffers allocated by this frame through the run's
	// allocator. Feeds, preallocated fetches and custom-allocated outputs
	// are borrowed: releasing them is a planner defect.
	owned bool

	// released marks slots whose value was freed by a step's release range.
	// Any later access is a plan defect and fails loudly.
	released bool

	fence backends.Fence
}

// Frame is the value table of one run: NumValues slots, each empty, bound or
// released. A frame belongs to exactly one Execute call, so it needs no
// locking.
type Frame struct {
	session   *SessionState
	allocator backends.Allocator
	slots     []slot

	// fetchPositions maps a requested output's slot index to its position in
	// the fetch list, to find its custom allocator, if any.
	fetchPositions  map[int]int
	fetchAllocators map[int]CustomAllocator

	// Memory-pattern recording: a bump cursor simulating a single arena.
	patternsEnabled bool
	nextOffset      uintptr
	patterns        map[int]BlockPattern
}

// newFrame builds the frame for one run: feeds and preallocated fetches are
// bound as borrowed values, and a fence is created for every slot the plan
// marks as crossing a queue boundary.
func newFrame(session *SessionState, feedIdxs []int, feeds []*Value,
	fetchIdxs []int, fetches []*Value, fetchAllocators map[int]CustomAllocator) (*Frame, error) {
	plan := session.plan
	frame := &Frame{
		session:         session,
		allocator:       session.backend.Allocator(session.deviceNum),
		slots:           make([]slot, plan.NumValues()),
		fetchPositions:  make(map[int]int, len(fetchIdxs)),
		fetchAllocators: fetchAllocators,
		patternsEnabled: session.memoryPatternsEnabled,
	}
	if frame.patternsEnabled {
		frame.patterns = make(map[int]BlockPattern)
	}

	for slotIdx := range frame.slots {
		if plan.Values[slotIdx].NeedsFence {
			frame.slots[slotIdx].fence = session.backend.NewFence(plan.Values[slotIdx].Name)
		}
	}

	for i, slotIdx := range feedIdxs {
		if slotIdx < 0 || slotIdx >= len(frame.slots) {
			return nil, Errorf(CodeInvalidArgument, "feed #%d refers to slot %d, out of bounds for %d values",
				i, slotIdx, len(frame.slots))
		}
		if feeds[i] == nil {
			return nil, Errorf(CodeInvalidArgument, "feed #%d (slot %d, %q) is nil",
				i, slotIdx, plan.Values[slotIdx].Name)
		}
		frame.slots[slotIdx].value = feeds[i]
	}

	for i, slotIdx := range fetchIdxs {
		if slotIdx < 0 || slotIdx >= len(frame.slots) {
			return nil, Errorf(CodeInvalidArgument, "fetch #%d refers to slot %d, out of bounds for %d values",
				i, slotIdx, len(frame.slots))
		}
		frame.fetchPositions[slotIdx] = i
		if i < len(fetches) && fetches[i] != nil {
			// Caller preallocated this output: bind it, borrowed.
			frame.slots[slotIdx].value = fetches[i]
		}
	}
	return frame, nil
}

// valueName for diagnostics.
func (f *Frame) valueName(slotIdx int) string {
	if slotIdx >= 0 && slotIdx < len(f.session.plan.Values) {
		if name := f.session.plan.Values[slotIdx].Name; name != "" {
			return name
		}
	}
	return fmt.Sprintf("#%d", slotIdx)
}

// Value returns the value bound to the slot, nil if the slot is empty.
// Accessing a slot a previous step released is a plan defect and fails.
func (f *Frame) Value(slotIdx int) (*Value, error) {
	if slotIdx < 0 || slotIdx >= len(f.slots) {
		return nil, Errorf(CodeInvalidArgument, "slot %d out of bounds for %d values", slotIdx, len(f.slots))
	}
	if f.slots[slotIdx].released {
		return nil, Errorf(CodeInvalidPlan, "access to slot %d (%q) after it was released -- "+
			"the execution plan freed a value before its last consumer", slotIdx, f.valueName(slotIdx))
	}
	return f.slots[slotIdx].value, nil
}

// Fence of the slot, or nil if the plan marked none.
func (f *Frame) Fence(slotIdx int) backends.Fence {
	if slotIdx < 0 || slotIdx >= len(f.slots) {
		return nil
	}
	return f.slots[slotIdx].fence
}

// allocateValue allocates a dense tensor buffer for the slot and binds it.
// Requested outputs with a custom allocator use it (and the result is
// borrowed); everything else goes through the run's allocator and is owned.
func (f *Frame) allocateValue(slotIdx int, shape shapes.Shape) (*Value, error) {
	if slotIdx < 0 || slotIdx >= len(f.slots) {
		return nil, Errorf(CodeInvalidArgument, "slot %d out of bounds for %d values", slotIdx, len(f.slots))
	}
	if f.slots[slotIdx].released {
		return nil, Errorf(CodeInvalidPlan, "allocation into slot %d (%q) after it was released",
			slotIdx, f.valueName(slotIdx))
	}
	if f.slots[slotIdx].value != nil {
		return f.slots[slotIdx].value, nil // Already bound, e.g. a preallocated fetch.
	}

	if fetchPos, isFetch := f.fetchPositions[slotIdx]; isFetch {
		if custom, found := f.fetchAllocators[fetchPos]; found {
			buffer, err := custom(shape)
			if err != nil {
				return nil, wrapNode(err, "", "custom allocator for output #%d (%q) failed", fetchPos, f.valueName(slotIdx))
			}
			value := NewTensorValue(shape, buffer)
			f.slots[slotIdx].value = value
			return value, nil
		}
	}

	buffer, err := f.allocator.Allocate(shape)
	if err != nil {
		return nil, wrapNode(err, "", "failed to allocate %s for slot %d (%q)", shape, slotIdx, f.valueName(slotIdx))
	}
	value := NewTensorValue(shape, buffer)
	f.slots[slotIdx].value = value
	f.slots[slotIdx].owned = true
	f.recordPattern(slotIdx, shape)
	return value, nil
}

// bindValue binds an externally built value to a slot.
func (f *Frame) bindValue(slotIdx int, value *Value, owned bool) error {
	if slotIdx < 0 || slotIdx >= len(f.slots) {
		return Errorf(CodeInvalidArgument, "slot %d out of bounds for %d values", slotIdx, len(f.slots))
	}
	if f.slots[slotIdx].released {
		return Errorf(CodeInvalidPlan, "binding slot %d (%q) after it was released", slotIdx, f.valueName(slotIdx))
	}
	if value == nil {
		return Errorf(CodeInvalidArgument, "cannot bind nil value to slot %d (%q)", slotIdx, f.valueName(slotIdx))
	}
	f.slots[slotIdx].value = value
	f.slots[slotIdx].owned = owned
	return nil
}

// recordPattern appends the allocation to the simulated arena layout.
func (f *Frame) recordPattern(slotIdx int, shape shapes.Shape) {
	if !f.patternsEnabled {
		return
	}
	size := shape.Memory()
	aligned := (size + allocAlignment - 1) &^ uintptr(allocAlignment-1)
	f.patterns[slotIdx] = BlockPattern{Offset: f.nextOffset, Size: size}
	f.nextOffset += aligned
}

// ReleaseValue frees the slot per the plan's schedule. Owned buffers are
// returned to the run's allocator; the planner never schedules release of a
// borrowed value, so finding one here is a fatal plan defect. So is
// releasing an empty or already-released slot.
func (f *Frame) ReleaseValue(slotIdx int) error {
	if slotIdx < 0 || slotIdx >= len(f.slots) {
		return Errorf(CodeReleaseFailed, "release of slot %d, out of bounds for %d values", slotIdx, len(f.slots))
	}
	s := &f.slots[slotIdx]
	if s.released {
		return Errorf(CodeReleaseFailed, "slot %d (%q) released twice", slotIdx, f.valueName(slotIdx))
	}
	if s.value == nil {
		return Errorf(CodeReleaseFailed, "release of slot %d (%q), which holds no value", slotIdx, f.valueName(slotIdx))
	}
	if !s.owned {
		return Errorf(CodeReleaseFailed, "release of slot %d (%q), which holds a borrowed (caller-owned) value",
			slotIdx, f.valueName(slotIdx))
	}
	if s.fence != nil {
		// Queued kernel work may still be using the buffer.
		s.fence.BeforeRelease()
	}
	if err := f.allocator.Free(s.value.buffer); err != nil {
		return wrapNode(err, "", "failed to free buffer of slot %d (%q)", slotIdx, f.valueName(slotIdx))
	}
	klog.V(2).Infof("released slot %d (%q)", slotIdx, f.valueName(slotIdx))
	s.value = nil
	s.owned = false
	s.released = true
	return nil
}

// Outputs gathers the requested outputs, in order, into fetches. A requested
// output never produced fails with CodeMissingOutput.
func (f *Frame) Outputs(fetchIdxs []int, fetches []*Value) error {
	for i, slotIdx := range fetchIdxs {
		value, err := f.Value(slotIdx)
		if err != nil {
			return err
		}
		if value == nil {
			return Errorf(CodeMissingOutput, "requested output #%d (slot %d, %q) was never produced",
				i, slotIdx, f.valueName(slotIdx))
		}
		fetches[i] = value
	}
	return nil
}

// HasMemoryPatterns returns whether this frame recorded allocation patterns.
func (f *Frame) HasMemoryPatterns() bool { return f.patternsEnabled }

// GeneratePatterns builds the memory-pattern group from the allocations this
// run performed.
func (f *Frame) GeneratePatterns() (*MemoryPatternGroup, error) {
	if !f.patternsEnabled {
		return nil, Errorf(CodeFail, "memory patterns are disabled for this session")
	}
	group := &MemoryPatternGroup{
		PeakBytes: f.nextOffset,
		Patterns:  make(map[int]BlockPattern, len(f.patterns)),
	}
	for slotIdx, block := range f.patterns {
		group.Patterns[slotIdx] = block
	}
	return group, nil
}
