package disasm

import (
	"github.com/bolt-go/boltopt/cfgx"
	"github.com/bolt-go/boltopt/elfbin"
	"github.com/bolt-go/boltopt/instr"
)

// processIndirectBranch implements §4.2a: distinguish tail calls from
// switch-table dispatches and fixed computed branches. Grounded on
// disasm.go's ops.BrTable case (reads entries, builds a table, stops at
// an out-of-range entry) — the scan-until-out-of-function-range loop
// below is the direct machine-code analog of wagon's scan-a-fixed-
// targetCount-entries loop over br_table depths.
func processIndirectBranch(fn *cfgx.Function, an instr.Analyzer, in *instr.Instruction, offset, funcAddr, size uint64) {
	bctx := fn.BinaryContext()

	stream := orderedInstructions(fn)
	idx := len(stream)
	stream = append(stream, in)

	info := an.AnalyzeIndirectBranch(stream, idx, funcAddr)

	switch info.Classification {
	case instr.ClassifyUnknown:
		fn.Simple = len(fn.Blocks()) <= 1 // sole-block exception per §7
		return

	case instr.ClassifyPossibleTailCall:
		an.ConvertJmpToTailCall(in)
		return

	case instr.ClassifyPossibleFixedBranch:
		fn.TakenBranches = append(fn.TakenBranches, cfgx.TakenBranch{FromOffset: offset, ToOffset: offset})
		return

	case instr.ClassifyPossibleJumpTable, instr.ClassifyPossiblePICJumpTable:
		arrayStart := computeArrayStart(info, funcAddr, offset, uint64(in.Size))

		jt, existing := bctx.JumpTableAt(arrayStart)
		if !existing {
			kind := elfbin.JumpTableAbsolute
			if info.Classification == instr.ClassifyPossiblePICJumpTable {
				kind = elfbin.JumpTablePICRelative
			}
			jt = elfbin.NewJumpTable(arrayStart, jumpTableEntrySize(info.Classification), kind)
			entries := scanJumpTableEntries(fn, jt, info, funcAddr, size)
			if len(entries) < 2 {
				// too few candidates to be a table; fall back to tail call.
				// The values read are not recorded as an interprocedural
				// reference.
				an.ConvertJmpToTailCall(in)
				return
			}
			bctx.RegisterJumpTable(jt)
		}
		fn.JumpTables[jt.Address] = jt
		for _, off := range jt.Offsets {
			fn.TakenBranches = append(fn.TakenBranches, cfgx.TakenBranch{
				FromOffset: offset, ToOffset: off, IsJumpTableEdge: true,
			})
		}
		an.SetJumpTable(in, jt.Address)
	}
}

// orderedInstructions returns the instructions decoded so far, by offset,
// approximating "the instruction stream from the current basic block's
// approximate start ... to the current instruction" (spec.md §4.2a step
// 1) with the full prefix, which AnalyzeBranch/AnalyzeIndirectBranch only
// ever look backward a short fixed distance from idx.
func orderedInstructions(fn *cfgx.Function) []*instr.Instruction {
	out := make([]*instr.Instruction, 0, len(fn.InstructionsAt))
	offs := make([]uint64, 0, len(fn.InstructionsAt))
	for off := range fn.InstructionsAt {
		offs = append(offs, off)
	}
	for i := 0; i < len(offs); i++ {
		for j := i + 1; j < len(offs); j++ {
			if offs[j] < offs[i] {
				offs[i], offs[j] = offs[j], offs[i]
			}
		}
	}
	for _, off := range offs {
		out = append(out, fn.InstructionsAt[off])
	}
	return out
}

// computeArrayStart implements §4.2a step 2.
func computeArrayStart(info instr.IndirectBranchInfo, funcAddr, offset, size uint64) uint64 {
	var base uint64
	if info.Disp.Symbolic && info.Disp.Symbol != nil {
		base = info.Disp.Symbol.Addr + uint64(info.Disp.Addend)
	} else {
		base = uint64(info.Disp.Const)
	}
	if info.BasePC {
		base += funcAddr + offset + size
	}
	return base
}

func jumpTableEntrySize(class instr.IndirectClass) int {
	if class == instr.ClassifyPossiblePICJumpTable {
		return 4
	}
	return 8
}

// scanJumpTableEntries implements §4.2a step 5: read entries from the
// jump table's section data starting at its address, stopping at the
// first entry whose resolved target falls outside the function. An entry
// that points exactly at the function's end (builtin-unreachable) is
// accepted and ends the scan, per the Open Question decision to preserve
// that heuristic exactly.
func scanJumpTableEntries(fn *cfgx.Function, jt *elfbin.JumpTable, info instr.IndirectBranchInfo, funcAddr, size uint64) []uint64 {
	bctx := fn.BinaryContext()
	sec := bctx.SectionForAddress(jt.Address)
	if sec == nil {
		return nil
	}
	var entries []uint64
	for cursor := jt.Address; ; cursor += uint64(jt.EntrySize) {
		if !sec.Contains(cursor) {
			break
		}
		raw := readEntry(sec, cursor, jt.EntrySize)
		var target uint64
		switch jt.Kind {
		case elfbin.JumpTablePICRelative:
			target = jt.Address + uint64(int64(int32(raw)))
		default:
			target = raw
		}

		targetOffset, inside := relativeOffset(target, funcAddr, size)
		switch {
		case inside && targetOffset == size:
			entries = append(entries, targetOffset)
			jt.AddEntry(targetOffset)
			goto done
		case inside && targetOffset != 0:
			entries = append(entries, targetOffset)
			jt.AddEntry(targetOffset)
		default:
			goto done
		}
	}
done:
	return entries
}

func readEntry(sec *elfbin.Section, addr uint64, size int) uint64 {
	off := addr - sec.Addr
	if int(off)+size > len(sec.Data) {
		return 0
	}
	var v uint64
	for i := 0; i < size; i++ {
		v |= uint64(sec.Data[off+uint64(i)]) << (8 * i)
	}
	return v
}

