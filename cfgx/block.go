// Package cfgx implements the CFG-side data model — Basic Block, Function,
// and the CFG Manipulator that keeps their invariants intact under
// mutation (spec.md §3, §4.3).
package cfgx

import (
	"github.com/bolt-go/boltopt/elfbin"
	"github.com/bolt-go/boltopt/instr"
)

// BranchInfo is the profile pair attached to one successor edge: {count,
// mispredicted_count}, paired index-for-index with BasicBlock.Successors
// (spec.md §3 invariant: "the i-th entry in each describes the edge to the
// i-th successor").
type BranchInfo struct {
	Count             uint64
	MispredictedCount uint64
}

// BasicBlock is exclusively owned by its containing Function. See
// spec.md §3 "Basic block" for the full invariant list; AddSuccessor and
// friends below are the only sanctioned way to mutate the parallel
// successor/predecessor/branch-info vectors, grounded on wagon's parallel
// "one slot of metadata per instruction/edge, always updated together"
// discipline (disasm.Disassembly.Code/StackInfo, compile.Target's
// Targets/patchOffsets).
type BasicBlock struct {
	Label *elfbin.Symbol

	InputOffset uint64
	EndOffset   uint64

	Alignment  int
	MaxPadding int

	Valid bool

	LayoutIndex int

	CFIStateAtEntry int

	ExecutionCount uint64

	Instructions []*instr.Instruction

	Successors []*BasicBlock
	BranchInfo []BranchInfo

	Predecessors []*BasicBlock

	LandingPads []*BasicBlock
	Throwers    []*BasicBlock

	PseudoInstrCount int

	// CoveredCalls records the (call-instruction-index, landing-pad,
	// action) tags attached during LSDA parsing, consumed by
	// eh.BuildCallSiteTable once layout is final.
	CoveredCalls []CoveredCallRef
}

// CoveredCallRef points at one instruction within this block that carries
// an EH tag.
type CoveredCallRef struct {
	InstrIndex       int
	LandingPadOffset uint64
	Action           int64
}

// NewBasicBlock constructs an empty, valid block at the given input
// offset.
func NewBasicBlock(label *elfbin.Symbol, inputOffset uint64) *BasicBlock {
	return &BasicBlock{Label: label, InputOffset: inputOffset, Valid: true, LayoutIndex: -1}
}

func indexOf(list []*BasicBlock, b *BasicBlock) int {
	for i, x := range list {
		if x == b {
			return i
		}
	}
	return -1
}

// AddSuccessor appends target as a new successor edge with the given
// profile counts, and symmetrically appends this block to target's
// predecessor list (spec.md §3 invariant (a)).
func (b *BasicBlock) AddSuccessor(target *BasicBlock, count, mispred uint64) {
	b.Successors = append(b.Successors, target)
	b.BranchInfo = append(b.BranchInfo, BranchInfo{Count: count, MispredictedCount: mispred})
	target.Predecessors = append(target.Predecessors, b)
}

// RemoveSuccessor deletes the edge to target (all occurrences, though the
// common case is exactly one) and the matching back-pointer(s) in target.
func (b *BasicBlock) RemoveSuccessor(target *BasicBlock) {
	var succ []*BasicBlock
	var info []BranchInfo
	for i, s := range b.Successors {
		if s == target {
			continue
		}
		succ = append(succ, s)
		info = append(info, b.BranchInfo[i])
	}
	b.Successors, b.BranchInfo = succ, info

	var preds []*BasicBlock
	for _, p := range target.Predecessors {
		if p != b {
			preds = append(preds, p)
		}
	}
	target.Predecessors = preds
}

// ReplaceSuccessor retargets the edge at index i from its old target to
// newTarget, preserving the edge's BranchInfo and fixing up both
// predecessor lists.
func (b *BasicBlock) ReplaceSuccessor(i int, newTarget *BasicBlock) {
	old := b.Successors[i]
	b.Successors[i] = newTarget

	var preds []*BasicBlock
	removed := false
	for _, p := range old.Predecessors {
		if p == b && !removed {
			removed = true
			continue
		}
		preds = append(preds, p)
	}
	old.Predecessors = preds
	newTarget.Predecessors = append(newTarget.Predecessors, b)
}

// SwapConditionalSuccessors exchanges successors[0] and successors[1]
// (and their paired BranchInfo), used after reversing a conditional
// branch's sense so that successors[0] keeps naming the taken target
// (spec.md §3 invariant (d)).
func (b *BasicBlock) SwapConditionalSuccessors() {
	if len(b.Successors) != 2 {
		return
	}
	b.Successors[0], b.Successors[1] = b.Successors[1], b.Successors[0]
	b.BranchInfo[0], b.BranchInfo[1] = b.BranchInfo[1], b.BranchInfo[0]
}

// AddLandingPad registers lp as a landing pad of b and symmetrically adds
// b to lp's thrower list, deduplicating on both sides (spec.md §3
// invariant (b)).
func (b *BasicBlock) AddLandingPad(lp *BasicBlock) {
	if indexOf(b.LandingPads, lp) < 0 {
		b.LandingPads = append(b.LandingPads, lp)
	}
	if indexOf(lp.Throwers, b) < 0 {
		lp.Throwers = append(lp.Throwers, b)
	}
}

// coldAnno is the reserved annotation key used to tag a block's first
// instruction with cold-partition membership.
const coldAnno = "ColdBlock"

// IsCold reports whether b was assigned to the cold partition; the layout
// strategies and fixBranches consult this to decide whether two
// consecutive blocks may fall through to each other.
func (b *BasicBlock) IsCold() bool {
	if len(b.Instructions) == 0 {
		return false
	}
	v, ok := instr.TryGetAnnotationAs[bool](b.Instructions[0], coldAnno)
	return ok && v
}

// MarkCold tags b as belonging to the cold partition.
func (b *BasicBlock) MarkCold(cold bool) {
	if len(b.Instructions) == 0 {
		return
	}
	b.Instructions[0].AddAnnotation(coldAnno, cold)
}
