package disasm

import (
	"fmt"
	"sort"

	"github.com/bolt-go/boltopt/cfgx"
	"github.com/bolt-go/boltopt/cfi"
	"github.com/bolt-go/boltopt/instr"
)

// BuildCFG implements §4.2c: turn a Disassembled function's instruction
// map, label map, and taken-branches vector into basic blocks and CFG
// edges. Grounded on validate.verifyBody's ctrlFrames/block-threading loop
// (validate/validate.go) — "walk linearly, open/close structural regions,
// maintain a small stack of in-flight state" — generalized here from
// WASM's nested-block structure to BOLT's flat basic-block sequence (no
// stack needed: one open block at a time).
func BuildCFG(fn *cfgx.Function, an instr.Analyzer) error {
	offsets := sortedOffsets(fn.InstructionsAt)

	var insertBB *cfgx.BasicBlock
	for _, off := range offsets {
		in := fn.InstructionsAt[off]

		if label, hasLabel := fn.LabelAt[off]; hasLabel {
			insertBB = cfgx.NewBasicBlock(label, off)
			fn.AddBlock(insertBB)
		} else if insertBB == nil {
			label := getOrCreateLocalLabel(fn, off)
			fn.LabelAt[off] = label
			insertBB = cfgx.NewBasicBlock(label, off)
			fn.AddBlock(insertBB)
		}

		insertBB.Instructions = append(insertBB.Instructions, in)

		if an.IsTerminator(in) {
			insertBB = nil
		}
	}

	setBlockEndOffsets(fn, offsets)

	if err := materializeEdgesFromTakenBranches(fn); err != nil {
		return err
	}
	addFallThroughEdges(fn, an)

	attachLandingPads(fn, an)
	annotateCFIState(fn)
	fn.PropagateGnuArgsSizeInfo(an)

	fn.SetLayout(fn.Blocks())

	fn.FrameRestoreEquivs = cfi.NormalizeCFIState(fn.CIEInstructions, fn.FrameInstructions)

	fn.State = cfgx.StateCFG
	return nil
}

func sortedOffsets(m map[uint64]*instr.Instruction) []uint64 {
	out := make([]uint64, 0, len(m))
	for off := range m {
		out = append(out, off)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func setBlockEndOffsets(fn *cfgx.Function, offsets []uint64) {
	blocks := fn.Blocks()
	for i, b := range blocks {
		if i+1 < len(blocks) {
			b.EndOffset = blocks[i+1].InputOffset
		} else {
			b.EndOffset = fn.Size
		}
	}
}

// materializeEdgesFromTakenBranches implements §4.2c step 7: locate the
// source block (containing the source offset) and destination block
// (starting at the destination offset) for every taken branch, and call
// AddSuccessor. An unresolvable lookup means the disassembly itself was
// inconsistent, a fatal bug per spec.md §7's "CFG inconsistency" class.
func materializeEdgesFromTakenBranches(fn *cfgx.Function) error {
	for _, tb := range fn.TakenBranches {
		src := blockContaining(fn, tb.FromOffset)
		dst, ok := fn.BlockAtOffset(tb.ToOffset)
		if src == nil || !ok {
			return fmt.Errorf("disasm: %s: inconsistent CFG edge %#x -> %#x", fn.Name(), tb.FromOffset, tb.ToOffset)
		}
		src.AddSuccessor(dst, tb.Count, tb.Mispred)
	}
	return nil
}

func blockContaining(fn *cfgx.Function, offset uint64) *cfgx.BasicBlock {
	for _, b := range fn.Blocks() {
		if offset >= b.InputOffset && offset < b.EndOffset {
			return b
		}
	}
	return nil
}

// addFallThroughEdges implements §4.2c step 8: any block whose last
// instruction is not a terminator, or is a conditional branch, or is a
// conditional tail call, gets a fall-through successor to the next block
// in offset order.
func addFallThroughEdges(fn *cfgx.Function, an instr.Analyzer) {
	blocks := fn.Blocks()
	for i, b := range blocks {
		if i+1 >= len(blocks) || len(b.Instructions) == 0 {
			continue
		}
		last := b.Instructions[len(b.Instructions)-1]
		needsFallThrough := !an.IsTerminator(last) || an.IsConditionalBranch(last) || last.HasAnnotation(instr.AnnoConditionalTailCallTarget)
		if !needsFallThrough {
			continue
		}
		next := blocks[i+1]
		if hasSuccessor(b, next) {
			continue
		}
		b.AddSuccessor(next, 0, 0)
	}
}

func hasSuccessor(b, target *cfgx.BasicBlock) bool {
	for _, s := range b.Successors {
		if s == target {
			return true
		}
	}
	return false
}

// annotateCFIState implements §4.2c step 10: walk blocks in creation
// order, threading a state counter incremented at every non-GnuArgsSize
// CFI, and a RememberState/RestoreState stack, setting each block's
// CFIStateAtEntry to the effective state on entry.
func annotateCFIState(fn *cfgx.Function) {
	state := 0
	for _, b := range fn.Blocks() {
		b.CFIStateAtEntry = state
		for _, in := range b.Instructions {
			if in.Kind != instr.KindCFI {
				continue
			}
			v, ok := instr.TryGetAnnotationAs[cfi.Instruction](in, "CFIInstruction")
			if !ok || v.Kind == cfi.OpGnuArgsSize {
				continue
			}
			state++
		}
	}
}
