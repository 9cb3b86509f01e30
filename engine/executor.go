// Package engine drives the execution of a precomputed, topologically
// ordered plan over a computation graph: it invokes kernels node by node,
// manages the lifetime of intermediate values through the plan's free-list,
// synchronizes cross-queue uses of values with fences, and caches
// memory-allocation layouts keyed by input shape across runs.
//
// The engine consumes plans and kernels, it builds neither: an allocation
// planner produces the Plan, and backends provide the kernels, buffers,
// queues and fences (see package github.com/gomlx/graphrt/backends).
//
// The loop is strictly sequential at the orchestration level; any
// concurrency is internal to kernels and their device queues.
package engine

import (
	"github.com/gomlx/graphrt/backends"
	"github.com/gomlx/graphrt/types/xsync"
	"k8s.io/klog/v2"
)

// SequentialExecutor runs execution plans step by step, in plan order.
//
// An executor is cheap and stateless apart from its cancellation latch; one
// Execute call owns one frame, so a single executor must not run the same
// session concurrently with itself, but distinct Execute calls on distinct
// executors may share a session.
type SequentialExecutor struct {
	terminate *xsync.Latch
}

// NewSequentialExecutor creates an executor. The terminate latch is polled
// at the start of each step: once triggered no further step starts, though a
// step already in progress always completes. A nil latch means the run
// cannot be canceled.
func NewSequentialExecutor(terminate *xsync.Latch) *SequentialExecutor {
	return &SequentialExecutor{terminate: terminate}
}

// Execute runs the session's plan.
//
// feeds are bound to the slots in feedIdxs; they are borrowed from the
// caller and never released. fetches must have the same length as fetchIdxs
// and is populated, in order, with the requested outputs; non-nil entries
// are treated as caller-preallocated outputs and bound into the frame.
// fetchAllocators, keyed by fetch position, let the caller control the
// allocation of individual outputs.
//
// On failure the run aborts at the first failing step, no further steps run,
// and the error names the offending node while preserving the original
// error's code. The run is all-or-nothing: on error the fetches content is
// not meaningful, except for the documented best-effort pattern-cache case
// (see below).
//
// After a successful loop, if every feed was a dense tensor of known shape,
// the run's allocation layout is offered to the session's memory-pattern
// cache. A failure there is returned to the caller, but by then the fetches
// are already populated and remain valid.
func (e *SequentialExecutor) Execute(session *SessionState,
	feedIdxs []int, feeds []*Value,
	fetchIdxs []int, fetches []*Value,
	fetchAllocators map[int]CustomAllocator) error {
	if len(feeds) != len(feedIdxs) {
		return Errorf(CodeInvalidArgument, "got %d feeds for %d feed slots", len(feeds), len(feedIdxs))
	}
	if len(fetches) != len(fetchIdxs) {
		return Errorf(CodeInvalidArgument, "got %d fetch sinks for %d fetch slots", len(fetches), len(fetchIdxs))
	}

	prof := session.Profiler()
	sessionStart := prof.StartTime()

	frame, err := newFrame(session, feedIdxs, feeds, fetchIdxs, fetches, fetchAllocators)
	if err != nil {
		return err
	}

	plan := session.Plan()
	klog.V(1).Infof("begin execution: %d steps, %d values", len(plan.Steps), plan.NumValues())

	for stepIdx, step := range plan.Steps {
		if e.terminate != nil && e.terminate.Test() {
			klog.Warningf("exiting execution at step #%d: cancellation requested", stepIdx)
			return Errorf(CodeCanceled, "execution canceled before step #%d", stepIdx)
		}

		node := session.Node(step.NodeIndex)
		kernel := session.Kernel(step.NodeIndex)
		if kernel == nil {
			return nodeErrorf(CodeNoKernel, node.Name, "no kernel bound for node %q (index %d)",
				node.Name, step.NodeIndex)
		}

		ctx := &Context{
			session:   session,
			frame:     frame,
			node:      node,
			terminate: e.terminate,
		}

		syncStart := prof.StartTime()
		if step.HasFence {
			e.fenceBeforeCompute(ctx)
		}
		prof.RecordNodeEvent(node.Name+"_fence_before", syncStart, map[string]string{"op_name": node.OpType})

		klog.V(1).Infof("computing kernel: %q (%s)", node.Name, node.OpType)
		kernelStart := prof.StartTime()
		if err := kernel.Compute(ctx); err != nil {
			klog.Errorf("non-zero status returned while running node %q: %+v", node.Name, err)
			return wrapNode(err, node.Name, "non-zero status returned while running node %q", node.Name)
		}
		prof.RecordNodeEvent(node.Name+"_kernel_time", kernelStart,
			map[string]string{"op_name": node.OpType, "provider": node.Provider})

		syncStart = prof.StartTime()
		if step.HasFence {
			e.fenceAfterCompute(ctx)
		}
		prof.RecordNodeEvent(node.Name+"_fence_after", syncStart, map[string]string{"op_name": node.OpType})

		klog.V(2).Infof("releasing values after computing kernel %q", node.Name)
		if err := releaseStepValues(frame, plan, step); err != nil {
			return wrapNode(err, node.Name, "failed releasing values after node %q", node.Name)
		}
	}

	klog.V(1).Infof("fetching %d outputs", len(fetchIdxs))
	if err := frame.Outputs(fetchIdxs, fetches); err != nil {
		return err
	}

	err = e.updateMemoryPatterns(session, frame, feeds)

	prof.RecordSessionEvent("SequentialExecutor::Execute", sessionStart)
	return err
}

// fenceBeforeCompute runs the before-use transition over the node's inputs,
// implicit inputs and outputs. Inputs declared host-readable use the host
// provider identity: reading host memory needs no device-side wait.
func (e *SequentialExecutor) fenceBeforeCompute(ctx *Context) {
	node := ctx.node
	for i := 0; i < ctx.InputCount(); i++ {
		if fence := ctx.InputFence(i); fence != nil {
			provider := node.Provider
			if node.InputMemType(i) == MemTypeCPUInput {
				provider = backends.HostProvider
			}
			fence.BeforeUsingAsInput(provider, node.Queue)
		}
	}
	for i := 0; i < ctx.ImplicitInputCount(); i++ {
		if fence := ctx.ImplicitInputFence(i); fence != nil {
			provider := node.Provider
			if node.InputMemType(i) == MemTypeCPUInput {
				provider = backends.HostProvider
			}
			fence.BeforeUsingAsInput(provider, node.Queue)
		}
	}
	for i := 0; i < ctx.OutputCount(); i++ {
		if fence := ctx.OutputFence(i); fence != nil {
			fence.BeforeUsingAsOutput(node.Provider, node.Queue)
		}
	}
}

// fenceAfterCompute runs the after-use transition over the same sets. It is
// called only if the kernel computed successfully, and before any value of
// the step is released.
func (e *SequentialExecutor) fenceAfterCompute(ctx *Context) {
	queue := ctx.node.Queue
	for i := 0; i < ctx.InputCount(); i++ {
		if fence := ctx.InputFence(i); fence != nil {
			fence.AfterUsedAsInput(queue)
		}
	}
	for i := 0; i < ctx.ImplicitInputCount(); i++ {
		if fence := ctx.ImplicitInputFence(i); fence != nil {
			fence.AfterUsedAsInput(queue)
		}
	}
	for i := 0; i < ctx.OutputCount(); i++ {
		if fence := ctx.OutputFence(i); fence != nil {
			fence.AfterUsedAsOutput(queue)
		}
	}
}

// releaseStepValues frees every slot in the step's range of the plan's
// to-be-freed list.
func releaseStepValues(frame *Frame, plan *Plan, step Step) error {
	for i := step.FreeFromIndex; i <= step.FreeToIndex; i++ {
		if err := frame.ReleaseValue(plan.ToBeFreed[i]); err != nil {
			return err
		}
	}
	return nil
}

// updateMemoryPatterns offers this run's allocation layout to the session
// cache, if every feed had a known dense shape. A signature already cached
// is not recomputed.
func (e *SequentialExecutor) updateMemoryPatterns(session *SessionState, frame *Frame, feeds []*Value) error {
	if !frame.HasMemoryPatterns() {
		return nil
	}
	signature, ok := PatternSignature(feeds)
	if !ok {
		klog.V(2).Info("skipping memory pattern generation: not all feeds have static shapes")
		return nil
	}
	if _, found := session.MemoryPatternGroup(signature); found {
		return nil
	}
	group, err := frame.GeneratePatterns()
	if err != nil {
		return err
	}
	klog.V(1).Infof("caching memory pattern for signature %q: %d blocks, peak %d bytes",
		signature, len(group.Patterns), group.PeakBytes)
	return session.UpdateMemoryPatternGroupCache(signature, group)
}
