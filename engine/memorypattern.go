package engine

import (
	"strings"
)

// BlockPattern is one recorded allocation: where in a hypothetical single
// arena the block for a slot would live, and how large it is.
type BlockPattern struct {
	Offset uintptr `json:"offset"`
	Size   uintptr `json:"size"`
}

// MemoryPatternGroup records the allocation layout one successful run chose
// for its transient values. A later run with the same input-shape signature
// can reuse it to skip general-purpose allocation planning.
type MemoryPatternGroup struct {
	// PeakBytes is the total arena size the pattern needs.
	PeakBytes uintptr `json:"peak_bytes"`

	// Patterns maps slot index to the block allocated for it.
	Patterns map[int]BlockPattern `json:"patterns"`
}

// Pattern returns the block recorded for the given slot index.
func (g *MemoryPatternGroup) Pattern(slotIdx int) (BlockPattern, bool) {
	block, found := g.Patterns[slotIdx]
	return block, found
}

// PatternSignature builds the cache key for a run from its ordered input
// values. It returns ok=false if any input is not a dense tensor with a
// known static shape, in which case no pattern may be cached for the run.
func PatternSignature(feeds []*Value) (signature string, ok bool) {
	var b strings.Builder
	for i, feed := range feeds {
		if !feed.HasKnownShape() {
			return "", false
		}
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(feed.Shape().String())
	}
	return b.String(), true
}
