package engine

import (
	"sync"

	"github.com/gomlx/graphrt/backends"
	"github.com/gomlx/graphrt/internal/profiler"
)

// SessionState is the plan-bound, session-level state shared by every run of
// one loaded model partition: the node metadata, the kernels resolved for
// them, and the memory-pattern cache.
//
// The kernel table and node metadata are immutable once the session is
// built. The memory-pattern cache is mutated by concurrent runs and is
// protected by its own mutex; per-run state (frames, fences) never lives
// here.
type SessionState struct {
	backend   backends.Backend
	deviceNum backends.DeviceNum
	plan      *Plan
	nodes     []NodeInfo
	kernels   []Kernel

	prof *profiler.Profiler

	memoryPatternsEnabled bool
	muPatterns            sync.Mutex
	memoryPatterns        map[string]*MemoryPatternGroup
}

// NewSession builds the session state for a validated plan over the given
// nodes. Kernels are bound afterwards with BindKernel, before the first run.
func NewSession(backend backends.Backend, plan *Plan, nodes []NodeInfo) (*SessionState, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	for stepIdx, step := range plan.Steps {
		if step.NodeIndex >= len(nodes) {
			return nil, Errorf(CodeInvalidPlan, "step #%d refers to node %d, but only %d nodes are known",
				stepIdx, step.NodeIndex, len(nodes))
		}
	}
	return &SessionState{
		backend:               backend,
		plan:                  plan,
		nodes:                 nodes,
		kernels:               make([]Kernel, len(nodes)),
		memoryPatternsEnabled: true,
		memoryPatterns:        make(map[string]*MemoryPatternGroup),
	}, nil
}

// BindKernel resolves the kernel for one node. All nodes referenced by plan
// steps must be bound before executing.
func (s *SessionState) BindKernel(nodeIdx int, kernel Kernel) error {
	if nodeIdx < 0 || nodeIdx >= len(s.kernels) {
		return Errorf(CodeInvalidArgument, "node index %d out of bounds for %d nodes", nodeIdx, len(s.kernels))
	}
	s.kernels[nodeIdx] = kernel
	return nil
}

// Kernel resolved for the node, or nil if none was bound -- which the
// executor treats as a fatal plan/registry inconsistency.
func (s *SessionState) Kernel(nodeIdx int) Kernel {
	if nodeIdx < 0 || nodeIdx >= len(s.kernels) {
		return nil
	}
	return s.kernels[nodeIdx]
}

// Node metadata for the given node index.
func (s *SessionState) Node(nodeIdx int) *NodeInfo { return &s.nodes[nodeIdx] }

// Plan bound to this session.
func (s *SessionState) Plan() *Plan { return s.plan }

// Backend the session runs on.
func (s *SessionState) Backend() backends.Backend { return s.backend }

// DeviceNum the session allocates on.
func (s *SessionState) DeviceNum() backends.DeviceNum { return s.deviceNum }

// SetProfiler attaches an observer-only profiler. A nil profiler (the
// default) disables profiling with no effect on correctness.
func (s *SessionState) SetProfiler(prof *profiler.Profiler) { s.prof = prof }

// Profiler attached to the session, possibly nil.
func (s *SessionState) Profiler() *profiler.Profiler { return s.prof }

// DisableMemoryPatterns turns off pattern recording and caching for runs of
// this session.
func (s *SessionState) DisableMemoryPatterns() { s.memoryPatternsEnabled = false }

// MemoryPatternGroup looks up the cached layout for an input-shape
// signature.
func (s *SessionState) MemoryPatternGroup(signature string) (*MemoryPatternGroup, bool) {
	s.muPatterns.Lock()
	defer s.muPatterns.Unlock()
	group, found := s.memoryPatterns[signature]
	return group, found
}

// UpdateMemoryPatternGroupCache offers a freshly generated pattern group for
// the signature. The first successful run wins; later offers for the same
// signature are ignored.
func (s *SessionState) UpdateMemoryPatternGroupCache(signature string, group *MemoryPatternGroup) error {
	if group == nil {
		return Errorf(CodeInvalidArgument, "cannot cache a nil memory pattern group (signature=%q)", signature)
	}
	s.muPatterns.Lock()
	defer s.muPatterns.Unlock()
	if _, found := s.memoryPatterns[signature]; !found {
		s.memoryPatterns[signature] = group
	}
	return nil
}

// NumMemoryPatterns is the number of cached pattern groups.
func (s *SessionState) NumMemoryPatterns() int {
	s.muPatterns.Lock()
	defer s.muPatterns.Unlock()
	return len(s.memoryPatterns)
}
