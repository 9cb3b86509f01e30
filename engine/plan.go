package engine

import (
	"io"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// Step is one scheduled kernel invocation of an execution plan: the node to
// run, the sub-range of the plan's to-be-freed list to release once the node
// is done, and whether the node's values need fence synchronization.
//
// The range [FreeFromIndex, FreeToIndex] is inclusive; FreeFromIndex >
// FreeToIndex means the step releases nothing.
type Step struct {
	NodeIndex     int  `json:"node_index"`
	FreeFromIndex int  `json:"free_from_index"`
	FreeToIndex   int  `json:"free_to_index"`
	HasFence      bool `json:"has_fence"`
}

// ValueInfo is the plan's static description of one value slot.
type ValueInfo struct {
	// Name of the value, for diagnostics.
	Name string `json:"name"`

	// NeedsFence marks values produced or consumed across a queue or
	// provider boundary. The frame creates a fence for each such slot.
	NeedsFence bool `json:"needs_fence,omitempty"`
}

// Plan is a precomputed, topologically ordered execution plan: the engine
// consumes it, it never builds one. A planner guarantees that each transient
// value appears in exactly one step's free range, immediately after its last
// consumer, and that no step reads a slot a prior step released.
type Plan struct {
	// Steps in execution order.
	Steps []Step `json:"steps"`

	// ToBeFreed is the shared ordered list of slot indices released over the
	// whole plan. Steps reference it by sub-range.
	ToBeFreed []int `json:"to_be_freed"`

	// Values describes every slot of the run, indexed by slot index.
	Values []ValueInfo `json:"values"`
}

// NumValues is the number of value slots a frame for this plan needs.
func (p *Plan) NumValues() int { return len(p.Values) }

// Validate checks the structural invariants the planner promises: free
// ranges in bounds, disjoint and in non-decreasing order, and every slot
// freed at most once.
//
// It does not (and cannot) verify liveness -- the engine enforces the
// schedule, the planner is responsible for its correctness.
func (p *Plan) Validate() error {
	freed := make(map[int]int, len(p.ToBeFreed)) // slot index -> step that frees it
	cursor := 0
	for stepIdx, step := range p.Steps {
		if step.NodeIndex < 0 {
			return Errorf(CodeInvalidPlan, "step #%d has negative node index %d", stepIdx, step.NodeIndex)
		}
		if step.FreeFromIndex > step.FreeToIndex {
			continue // Nothing to free on this step.
		}
		if step.FreeFromIndex < 0 || step.FreeToIndex >= len(p.ToBeFreed) {
			return Errorf(CodeInvalidPlan, "step #%d free range [%d, %d] out of bounds for to-be-freed list of length %d",
				stepIdx, step.FreeFromIndex, step.FreeToIndex, len(p.ToBeFreed))
		}
		if step.FreeFromIndex < cursor {
			return Errorf(CodeInvalidPlan, "step #%d free range [%d, %d] overlaps or precedes an earlier step's range",
				stepIdx, step.FreeFromIndex, step.FreeToIndex)
		}
		cursor = step.FreeToIndex + 1
		for i := step.FreeFromIndex; i <= step.FreeToIndex; i++ {
			slotIdx := p.ToBeFreed[i]
			if slotIdx < 0 || slotIdx >= p.NumValues() {
				return Errorf(CodeInvalidPlan, "step #%d frees slot %d, out of bounds for %d values",
					stepIdx, slotIdx, p.NumValues())
			}
			if prev, found := freed[slotIdx]; found {
				return Errorf(CodeInvalidPlan, "slot %d freed by both step #%d and step #%d", slotIdx, prev, stepIdx)
			}
			freed[slotIdx] = stepIdx
		}
	}
	return nil
}

// LoadPlan reads a JSON-serialized plan, validating it.
func LoadPlan(r io.Reader) (*Plan, error) {
	plan := &Plan{}
	if err := json.NewDecoder(r).Decode(plan); err != nil {
		return nil, errors.Wrapf(err, "failed to decode execution plan")
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// Save writes the plan as JSON, for diagnostics or for handing to another
// process.
func (p *Plan) Save(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return errors.Wrapf(encoder.Encode(p), "failed to encode execution plan")
}
