// Package disasm implements the Function Lifter (spec.md §4.2): turning a
// raw byte range plus BinaryContext into a Disassembled cfgx.Function —
// instruction map, label map, entry points, jump tables, CFI, LSDA, and
// the pre-CFG taken-branches edge list that cfg_build.go later threads
// into actual basic blocks.
//
// Grounded on disasm.Disassemble(fn wasm.Function, module *wasm.Module)
// (*Disassembly, error) (disasm/disasm.go): same "function + parent
// context in, structured result + error out" shape, same linear-scan
// cursor loop, generalized from a bytes.Reader over WASM bytecode to a
// byte-offset cursor over machine code via instr.Analyzer.
package disasm

import (
	"fmt"

	"github.com/bolt-go/boltopt/cfgx"
	"github.com/bolt-go/boltopt/cfi"
	"github.com/bolt-go/boltopt/eh"
	"github.com/bolt-go/boltopt/elfbin"
	"github.com/bolt-go/boltopt/instr"
)

// Input is the byte range and ancillary data the lifter needs beyond the
// BinaryContext, per spec.md §4.2 "Input contract".
type Input struct {
	Names      []string
	Address    uint64
	Size       uint64
	MaxSize    uint64
	Code       []byte
	DataOffsets []Range // ranges, relative to Address, known to be data
	FDEInstructions []cfi.Instruction
	CIEInstructions []cfi.Instruction
	LSDAAddress     uint64
	LSDAData        []byte
	RelocationMode  bool
	TrapAVX512      bool
}

// Range is a half-open [Start, End) byte range relative to a function's
// start address.
type Range struct{ Start, End uint64 }

func (r Range) contains(off uint64) bool { return off >= r.Start && off < r.End }

// Lift runs the Function Lifter's algorithm (spec.md §4.2 steps 1-?) and
// returns a cfgx.Function in state Disassembled.
func Lift(in Input, bctx *elfbin.BinaryContext) (*cfgx.Function, error) {
	fn := cfgx.NewFunction(in.Names, in.Address, in.Size, bctx)
	fn.MaxSize = in.MaxSize
	if fn.MaxSize == 0 {
		fn.MaxSize = in.Size
	}
	fn.InstructionsAt = make(map[uint64]*instr.Instruction)
	fn.CIEInstructions = in.CIEInstructions
	fn.FrameInstructions = in.FDEInstructions
	fn.LSDAAddress = in.LSDAAddress

	entryLabel := elfbin.NewSymbol(fmt.Sprintf("%s.BB0", fn.Name()), in.Address, 0, "")
	fn.LabelAt[0] = entryLabel
	fn.EntryOffsets[0] = true

	an := bctx.Analyzer

	var covered []eh.CoveredCall
	if len(in.LSDAData) > 0 {
		lsda, err := eh.Parse(in.LSDAData)
		if err != nil {
			// Malformed LSDA: warn and continue without EH tags, per §7's
			// "Relocation parse error" recovery class (print warning, leave
			// function unchanged in the affected respect).
			logger.Printf("%s: lsda parse failed: %v", fn.Name(), err)
		} else {
			for _, cs := range lsda.CallSites {
				covered = append(covered, eh.CoveredCall{
					InputOffset:      cs.Start,
					Size:             int(cs.Length),
					LandingPadOffset: cs.LandingPadOffset,
					Action:           cs.ActionEntry,
				})
			}
		}
	}

	relocs := relocationsInRange(bctx.Relocations, in.Address, in.Address+in.MaxSize)
	relocMode := len(relocs) > 0

	cursor := uint64(0)
	for cursor < uint64(len(in.Code)) {
		if inDataRegion(in.DataOffsets, cursor) {
			cursor = nextCodeOffset(in.DataOffsets, cursor, uint64(len(in.Code)))
			continue
		}

		decoded, err := an.Decode(in.Code[cursor:], cursor)
		if err != nil {
			if allZero(in.Code[cursor:]) {
				break // trailing padding
			}
			if in.RelocationMode && in.TrapAVX512 {
				installTraps(fn, an)
				break
			}
			fn.Simple = false
			logger.Printf("%s: decode failed at offset %#x: %v", fn.Name(), cursor, err)
			break
		}

		if lp, action, ok := lookupCoveredCall(covered, cursor); ok && an.IsCall(decoded) {
			decoded.AddAnnotation(instr.AnnoEHLandingPad, lp)
			decoded.AddAnnotation(instr.AnnoEHAction, action)
		}

		an.ShortenInstruction(decoded)

		applyRelocations(fn, an, decoded, relocs, in.Address, cursor)

		classifyAndRecord(fn, an, decoded, cursor, in.Address, in.Size, in.MaxSize, relocMode)

		decoded.AddAnnotation(instr.AnnoOffset, cursor)
		fn.InstructionsAt[cursor] = decoded
		cursor += uint64(decoded.Size)
	}

	fn.SortTakenBranches()
	fn.State = cfgx.StateDisassembled
	return fn, nil
}

func inDataRegion(ranges []Range, off uint64) bool {
	for _, r := range ranges {
		if r.contains(off) {
			return true
		}
	}
	return false
}

func nextCodeOffset(ranges []Range, off, limit uint64) uint64 {
	for _, r := range ranges {
		if r.contains(off) {
			return r.End
		}
	}
	return limit
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func installTraps(fn *cfgx.Function, an instr.Analyzer) {
	fn.InstructionsAt[0] = an.CreateTrap()
}

func lookupCoveredCall(covered []eh.CoveredCall, offset uint64) (string, int64, bool) {
	for _, c := range covered {
		if offset >= c.InputOffset && offset < c.InputOffset+uint64(c.Size) {
			return fmt.Sprintf("LP%x", c.LandingPadOffset), c.Action, true
		}
	}
	return "", 0, false
}

// classifyAndRecord implements the per-kind case split in spec.md §4.2's
// algorithm step "Case split on the classified kind".
func classifyAndRecord(fn *cfgx.Function, an instr.Analyzer, in *instr.Instruction, offset, funcAddr, size, maxSize uint64, relocMode bool) {
	switch {
	case an.IsIndirectBranch(in):
		processIndirectBranch(fn, an, in, offset, funcAddr, size)
	case an.IsBranch(in) || an.IsCall(in):
		processDirectBranch(fn, an, in, offset, funcAddr, size, maxSize, relocMode)
	}
}

// processDirectBranch implements the direct-branch/call sub-case of
// spec.md §4.2's algorithm: target resolution, builtin-unreachable
// detection, interprocedural-reference recording, and TakenBranches
// bookkeeping.
func processDirectBranch(fn *cfgx.Function, an instr.Analyzer, in *instr.Instruction, offset, funcAddr, size, maxSize uint64, relocMode bool) {
	target, ok := an.ResolveBranchTarget(in, funcAddr)
	if !ok {
		return // not evaluatable; this lifter has no handlePCRelOperand
		       // path, so nothing is recorded for it.
	}

	targetOffset, insideFunc := relativeOffset(target.Addr, funcAddr, size)

	if an.IsCall(in) {
		if insideFunc {
			if targetOffset == 0 {
				return // recursive call; target already resolved to entry.
			}
			// Legacy-PIC internal call (a call to a thunk within the same
			// function, not to its own entry): no safe rewrite without
			// deeper dataflow analysis.
			if an.Name() == "x86-64" {
				in.AddAnnotation(instr.AnnoPreserveNops, true)
			} else {
				fn.Simple = false
			}
			return
		}
		recordInterproceduralRef(fn, an, in, target, relocMode)
		return
	}

	if insideFunc {
		if targetOffset == size && maxSize > size {
			// __builtin_unreachable(): replace with a no-op and move on.
			in.Kind = instr.KindNoop
			return
		}
		fn.LabelAt[targetOffset] = getOrCreateLocalLabel(fn, targetOffset)
		fn.TakenBranches = append(fn.TakenBranches, cfgx.TakenBranch{FromOffset: offset, ToOffset: targetOffset})
		if an.IsConditionalBranch(in) {
			// fall-through edge is synthesized later in cfg_build.go step 8.
		}
		return
	}

	// External target, not a call.
	if an.IsConditionalBranch(in) {
		in.AddAnnotation(instr.AnnoConditionalTailCallTarget, target)
		recordInterproceduralRef(fn, an, in, target, relocMode)
		return
	}
	recordInterproceduralRef(fn, an, in, target, relocMode)
	an.ConvertJmpToTailCall(in)
}

// recordInterproceduralRef implements the "external target" sub-case of
// spec.md §4.2: get-or-create a global symbol for the target, tag the
// instruction so the interprocedural-reference pass (rewrite/orchestrator.go
// step 4) can invalidate any function this address lands inside of, and in
// relocation mode register a relative relocation at the call/branch site so
// the reference survives the instruction being moved.
func recordInterproceduralRef(fn *cfgx.Function, an instr.Analyzer, in *instr.Instruction, target *instr.Symbol, relocMode bool) *elfbin.Symbol {
	bctx := fn.BinaryContext()
	sym := getOrCreateGlobalSymbol(bctx, target.Addr)
	an.ReplaceBranchTarget(in, sym.Base())
	in.AddAnnotation(instr.AnnoInterproceduralRef, sym)
	if relocMode {
		bctx.AddRelocation(&elfbin.Relocation{
			Offset: fn.Address + in.Offset + uint64(in.Size) - 4,
			Symbol: sym,
			Type:   relocTypeForCallSite(an),
			Addend: -4,
		})
	}
	return sym
}

func getOrCreateGlobalSymbol(bctx *elfbin.BinaryContext, addr uint64) *elfbin.Symbol {
	if syms := bctx.SymbolsAtAddress(addr); len(syms) > 0 {
		return syms[0]
	}
	return bctx.AddSymbol(elfbin.NewSymbol(fmt.Sprintf("FUN_%x", addr), addr, 0, ""))
}

// relocTypeForCallSite returns the PC-relative call/branch relocation type
// for the given architecture: R_X86_64_PLT32 and R_AARCH64_CALL26
// respectively, the relocation types a linker emits for a direct call in
// --emit-relocs mode.
func relocTypeForCallSite(an instr.Analyzer) uint32 {
	if an.Name() == "aarch64" {
		return 283 // R_AARCH64_CALL26
	}
	return 4 // R_X86_64_PLT32
}

// relocationsInRange returns the subset of relocs whose offset falls in
// [lo, hi), the byte range a function's disassembly spans.
func relocationsInRange(relocs []*elfbin.Relocation, lo, hi uint64) []*elfbin.Relocation {
	var out []*elfbin.Relocation
	for _, r := range relocs {
		if r.Offset >= lo && r.Offset < hi {
			out = append(out, r)
		}
	}
	return out
}

// applyRelocations implements spec.md §4.2's "Apply any relocation whose
// offset falls inside the instruction" step: replace the relevant operand
// with a symbol+addend expression via ReplaceImmWithSymbol (falling back to
// ReplaceMemOperandDisp for a RIP-relative memory reference), and flag
// AnnoUsedReloc so later PC-relative heuristics (AArch64's ADRP/ADD
// tracing, in particular) know not to re-derive this operand themselves.
func applyRelocations(fn *cfgx.Function, an instr.Analyzer, in *instr.Instruction, relocs []*elfbin.Relocation, funcAddr, cursor uint64) {
	lo := funcAddr + cursor
	hi := lo + uint64(in.Size)
	for _, r := range relocs {
		if r.Offset < lo || r.Offset >= hi || r.Symbol == nil {
			continue
		}
		if an.Name() == "x86-64" && r.HasPrecomputed {
			if imm, ok := firstImmOperand(in); ok && uint64(imm) != r.PrecomputedValue {
				logger.Printf("%s: relocation at %#x: encoded immediate %#x does not match precomputed value %#x",
					fn.Name(), r.Offset, imm, r.PrecomputedValue)
			}
		}
		switch {
		case an.ReplaceImmWithSymbol(in, r.Symbol.Base(), r.Addend):
			in.AddAnnotation(instr.AnnoUsedReloc, true)
		case an.ReplaceMemOperandDisp(in, r.Symbol.Base(), r.Addend):
			in.AddAnnotation(instr.AnnoUsedReloc, true)
		}
	}
}

func firstImmOperand(in *instr.Instruction) (int64, bool) {
	for _, op := range in.Operands {
		if op.Kind == instr.OperandImm {
			return op.Imm, true
		}
	}
	return 0, false
}

func relativeOffset(addr, funcAddr, size uint64) (uint64, bool) {
	if addr < funcAddr {
		return 0, false
	}
	off := addr - funcAddr
	return off, off <= size
}

func getOrCreateLocalLabel(fn *cfgx.Function, offset uint64) *elfbin.Symbol {
	if s, ok := fn.LabelAt[offset]; ok {
		return s
	}
	name := fmt.Sprintf("%s.BB.%x", fn.Name(), offset)
	return elfbin.NewSymbol(name, fn.Address+offset, 0, "")
}
