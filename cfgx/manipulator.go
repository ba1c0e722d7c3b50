package cfgx

import (
	"github.com/bolt-go/boltopt/cfi"
	"github.com/bolt-go/boltopt/instr"
)

// EliminateUnreachableBlocks implements §4.3.2: seed a worklist with every
// entry block and landing pad, DFS over successors marking blocks
// reachable, then delete anything left unreached — except blocks ending
// in an indirect branch, which stay live because jump-table targets are
// reached through data, not graph edges. Grounded on compile.Compile's
// side-table-keyed-by-structural-position idiom, here a reachability set
// keyed by block identity.
func (f *Function) EliminateUnreachableBlocks(isIndirectBranchBlock func(*BasicBlock) bool) {
	reachable := make(map[*BasicBlock]bool)
	var worklist []*BasicBlock
	for _, b := range f.blocks {
		if !b.Valid {
			continue
		}
		if f.EntryOffsets[b.InputOffset] || f.isLandingPad(b) {
			worklist = append(worklist, b)
		}
	}
	for len(worklist) > 0 {
		b := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		if reachable[b] {
			continue
		}
		reachable[b] = true
		for _, s := range b.Successors {
			if !reachable[s] {
				worklist = append(worklist, s)
			}
		}
	}

	var toRemove []*BasicBlock
	for _, b := range f.blocks {
		if !b.Valid || reachable[b] {
			continue
		}
		if isIndirectBranchBlock != nil && isIndirectBranchBlock(b) {
			continue
		}
		toRemove = append(toRemove, b)
	}
	for _, b := range toRemove {
		for _, s := range append([]*BasicBlock(nil), b.Successors...) {
			b.RemoveSuccessor(s)
		}
		for _, p := range append([]*BasicBlock(nil), b.Predecessors...) {
			p.RemoveSuccessor(b)
		}
		f.DeleteBlock(b)
	}
	f.recomputeLandingPads()
}

func (f *Function) isLandingPad(b *BasicBlock) bool {
	for _, lp := range f.LandingPads {
		if lp == b {
			return true
		}
	}
	return false
}

// recomputeLandingPads rebuilds f.LandingPads from the live blocks'
// LandingPads/Throwers lists, dropping entries for blocks that have been
// deleted since the last pass.
func (f *Function) recomputeLandingPads() {
	next := make(map[uint64]*BasicBlock)
	for _, b := range f.blocks {
		if !b.Valid {
			continue
		}
		for _, lp := range b.LandingPads {
			if lp.Valid {
				next[lp.InputOffset] = lp
			}
		}
	}
	f.LandingPads = next
}

// LowerConditionalTailCalls implements §4.3.3. getCTCTarget extracts the
// annotation target (or nil if the instruction carries none); the
// analyzer converts the conditional tail call back into a plain
// conditional jump in place. The jump's target operand is not retargeted
// at the new tail-call block, and the new block gets no label.
func (f *Function) LowerConditionalTailCalls(an instr.Analyzer, getCTCTarget func(*instr.Instruction) (*instr.Symbol, bool)) {
	for _, b := range append([]*BasicBlock(nil), f.blocks...) {
		if !b.Valid {
			continue
		}
		for _, in := range b.Instructions {
			target, ok := getCTCTarget(in)
			if !ok {
				continue
			}
			cfiState := b.CFIStateAtEntry

			tailCallBlock := NewBasicBlock(nil, 0)
			tailCallBlock.Instructions = []*instr.Instruction{an.CreateTailCall(target)}
			tailCallBlock.CFIStateAtEntry = cfiState

			an.ConvertTailCallToJmp(in)

			count, _ := instr.TryGetAnnotationAs[uint64](in, instr.AnnoCTCTakenCount)
			mispred, _ := instr.TryGetAnnotationAs[uint64](in, instr.AnnoCTCMispredCount)

			f.InsertBasicBlocks(f.blocks[len(f.blocks)-1], []*BasicBlock{tailCallBlock}, true, false)
			b.AddSuccessor(tailCallBlock, count, mispred)
			b.SwapConditionalSuccessors()

			an.UnsetConditionalTailCall(in)
		}
	}
}

// InsertBasicBlocks implements §4.3.6: splice newBlocks into the storage
// vector immediately after `after`, reindex, recompute landing pads, and
// optionally splice into the layout / propagate CFI state.
func (f *Function) InsertBasicBlocks(after *BasicBlock, newBlocks []*BasicBlock, updateLayout, updateCFIState bool) {
	idx := indexOf(f.blocks, after)
	if idx < 0 {
		f.blocks = append(f.blocks, newBlocks...)
	} else {
		tail := append([]*BasicBlock(nil), f.blocks[idx+1:]...)
		f.blocks = append(f.blocks[:idx+1], append(newBlocks, tail...)...)
	}
	for _, nb := range newBlocks {
		f.OffsetIndex[nb.InputOffset] = nb
	}

	if updateLayout {
		lidx := indexOf(f.Layout, after)
		if lidx < 0 {
			f.Layout = append(f.Layout, newBlocks...)
		} else {
			tail := append([]*BasicBlock(nil), f.Layout[lidx+1:]...)
			f.Layout = append(f.Layout[:lidx+1], append(newBlocks, tail...)...)
		}
		reindexLayout(f.Layout)
	}

	if updateCFIState && after != nil {
		for _, nb := range newBlocks {
			nb.CFIStateAtEntry = after.CFIStateAtEntry
		}
	}

	f.recomputeLandingPads()
}

// FixBranches implements §4.3.4 against f.Layout, using an as the
// instruction analyzer.
func (f *Function) FixBranches(an instr.Analyzer) {
	n := len(f.Layout)
	for i := 0; i < n; i++ {
		b := f.Layout[i]
		if !b.Valid {
			continue
		}
		var nextBB *BasicBlock
		if i+1 < n && f.Layout[i+1].IsCold() == b.IsCold() {
			nextBB = f.Layout[i+1]
		}

		ba := an.AnalyzeBranch(b.Instructions)

		switch len(b.Successors) {
		case 0:
			// nothing to fix
		case 1:
			if ba.Uncond != nil {
				b.Instructions = removeInstr(b.Instructions, ba.Uncond)
			}
			if ba.Cond != nil {
				b.Instructions = removeInstr(b.Instructions, ba.Cond)
			}
			target := b.Successors[0]
			if target != nextBB {
				b.Instructions = append(b.Instructions, an.CreateUncondBranch(&target.Label.Symbol))
			}
		case 2:
			if ba.Cond == nil {
				continue
			}
			t, fall := b.Successors[0], b.Successors[1]
			if t == fall {
				b.RemoveSuccessor(fall)
				continue
			}
			if nextBB == t {
				an.ReverseBranchCondition(ba.Cond, &fall.Label.Symbol)
				b.SwapConditionalSuccessors()
			} else {
				an.ReplaceBranchTarget(ba.Cond, &t.Label.Symbol)
			}
			if t != nextBB && fall != nextBB {
				b.Instructions = append(b.Instructions, an.CreateUncondBranch(&fall.Label.Symbol))
			}
		default:
			// jump-table block: leave branches alone.
		}
	}
}

func removeInstr(list []*instr.Instruction, target *instr.Instruction) []*instr.Instruction {
	out := list[:0:0]
	for _, in := range list {
		if in != target {
			out = append(out, in)
		}
	}
	return out
}

// FinalizeCFIState implements §4.3.5: thread `state` across the layout,
// emitting unwind/replay sequences at each block boundary and resetting
// to 0 at the hot/cold split.
func (f *Function) FinalizeCFIState() {
	state := 0
	prevCold := false
	for _, b := range f.Layout {
		if !b.Valid {
			continue
		}
		if b.IsCold() != prevCold {
			state = 0
		}
		if b.CFIStateAtEntry < state {
			seq := cfi.UnwindCFIState(f.CIEInstructions, f.FrameInstructions, state, b.CFIStateAtEntry, f.FrameRestoreEquivs)
			prependCFI(b, seq)
		} else if b.CFIStateAtEntry > state {
			seq := cfi.ReplayCFIInstrs(f.CIEInstructions, f.FrameInstructions, state, b.CFIStateAtEntry, f.FrameRestoreEquivs)
			prependCFI(b, seq)
		}
		state = b.CFIStateAtEntry
		prevCold = b.IsCold()
	}
	f.stripRememberRestorePseudos()
}

func prependCFI(b *BasicBlock, seq []cfi.Instruction) {
	if len(seq) == 0 {
		return
	}
	pseudos := make([]*instr.Instruction, len(seq))
	for i, s := range seq {
		pseudos[i] = instr.NewInstruction(b.InputOffset, s.Kind.String(), instr.KindCFI, 0)
		pseudos[i].AddAnnotation("CFIInstruction", s)
	}
	b.Instructions = append(pseudos, b.Instructions...)
	b.PseudoInstrCount += len(pseudos)
}

func (f *Function) stripRememberRestorePseudos() {
	for _, b := range f.blocks {
		var kept []*instr.Instruction
		for _, in := range b.Instructions {
			if in.Kind == instr.KindCFI {
				if v, ok := instr.TryGetAnnotationAs[cfi.Instruction](in, "CFIInstruction"); ok {
					if v.Kind == cfi.OpRememberState || v.Kind == cfi.OpRestoreState {
						b.PseudoInstrCount--
						continue
					}
				}
			}
			kept = append(kept, in)
		}
		b.Instructions = kept
	}
}

// PropagateGnuArgsSizeInfo implements §4.2c step 11 (supplemented feature
// 5): in original block order, delete GNU_args_size CFI pseudos and
// instead attach the current args-size value to every subsequent invoke
// instruction until the next GNU_args_size overrides it.
func (f *Function) PropagateGnuArgsSizeInfo(an instr.Analyzer) {
	var current int64
	haveCurrent := false
	for _, b := range f.blocks {
		var kept []*instr.Instruction
		for _, in := range b.Instructions {
			if in.Kind == instr.KindCFI {
				if v, ok := instr.TryGetAnnotationAs[cfi.Instruction](in, "CFIInstruction"); ok && v.Kind == cfi.OpGnuArgsSize {
					current = v.ArgsSize
					haveCurrent = true
					continue
				}
			}
			kept = append(kept, in)
			if haveCurrent && an.IsInvoke(in) {
				an.AddGnuArgsSize(in, current)
			}
		}
		b.Instructions = kept
	}
}
