package disasm_test

import (
	"encoding/binary"
	"testing"

	"github.com/bolt-go/boltopt/cfgx"
	"github.com/bolt-go/boltopt/disasm"
	"github.com/bolt-go/boltopt/elfbin"
	"github.com/bolt-go/boltopt/instr"
)

// fakeAnalyzer is a minimal instr.Analyzer test double: every instruction
// decodes to one byte, a 0xc3 byte is a return/terminator, a 0x00 byte fails
// to decode (so Lift's trailing-padding check runs), everything else is a
// plain non-branch instruction. Just enough shape for Lift's cursor
// loop and BuildCFG's block splitting, without depending on a real decoder.
// The conditional-branch/call/jump-table/relocation scenarios below use the
// real x86-64 backend instead, since those need actual operand shapes.
type fakeAnalyzer struct{}

func (fakeAnalyzer) Name() string { return "fake" }

func (fakeAnalyzer) Decode(code []byte, offset uint64) (*instr.Instruction, error) {
	if len(code) == 0 || code[0] == 0x00 {
		return nil, errEOF
	}
	kind := instr.KindOther
	if code[0] == 0xc3 {
		kind = instr.KindReturn
	}
	in := instr.NewInstruction(offset, "db", kind, 1)
	in.Raw = code[0:1]
	return in, nil
}

var errEOF = errShort{}

type errShort struct{}

func (errShort) Error() string { return "short buffer" }

func (fakeAnalyzer) IsBranch(in *instr.Instruction) bool              { return false }
func (fakeAnalyzer) IsConditionalBranch(in *instr.Instruction) bool   { return false }
func (fakeAnalyzer) IsUnconditionalBranch(in *instr.Instruction) bool { return false }
func (fakeAnalyzer) IsCall(in *instr.Instruction) bool                { return false }
func (fakeAnalyzer) IsTailCall(in *instr.Instruction) bool            { return false }
func (fakeAnalyzer) IsReturn(in *instr.Instruction) bool              { return in.Kind == instr.KindReturn }
func (fakeAnalyzer) IsIndirectBranch(in *instr.Instruction) bool      { return false }
func (fakeAnalyzer) IsInvoke(in *instr.Instruction) bool              { return false }
func (fakeAnalyzer) IsTerminator(in *instr.Instruction) bool          { return in.Kind == instr.KindReturn }
func (fakeAnalyzer) IsNoop(in *instr.Instruction) bool                { return in.Kind == instr.KindNoop }
func (fakeAnalyzer) IsPrefix(in *instr.Instruction) bool              { return false }
func (fakeAnalyzer) IsCFI(in *instr.Instruction) bool                 { return false }
func (fakeAnalyzer) IsEHLabel(in *instr.Instruction) bool             { return false }
func (fakeAnalyzer) IsStore(in *instr.Instruction) bool               { return false }
func (fakeAnalyzer) IsLoad(in *instr.Instruction) bool                { return false }

func (fakeAnalyzer) GetTargetSymbol(in *instr.Instruction) (*instr.Symbol, bool) { return nil, false }
func (fakeAnalyzer) ResolveBranchTarget(in *instr.Instruction, funcAddr uint64) (*instr.Symbol, bool) {
	return nil, false
}
func (fakeAnalyzer) GetJumpTableAddress(in *instr.Instruction) (uint64, bool) { return 0, false }
func (fakeAnalyzer) GetEHInfo(in *instr.Instruction) (instr.EHInfo, bool)     { return instr.EHInfo{}, false }
func (fakeAnalyzer) GetConditionalTailCallTarget(in *instr.Instruction) (*instr.Symbol, bool) {
	return nil, false
}
func (fakeAnalyzer) GetGnuArgsSize(in *instr.Instruction) (int64, bool) { return 0, false }
func (fakeAnalyzer) HasPCRelOperand(in *instr.Instruction) bool        { return false }

func (fakeAnalyzer) CreateUncondBranch(target *instr.Symbol) *instr.Instruction { return nil }
func (fakeAnalyzer) CreateTailCall(target *instr.Symbol) *instr.Instruction     { return nil }
func (fakeAnalyzer) CreateNoop() *instr.Instruction {
	in := instr.NewInstruction(0, "nop", instr.KindNoop, 1)
	in.Raw = []byte{0x90}
	return in
}
func (fakeAnalyzer) CreateTrap() *instr.Instruction {
	in := instr.NewInstruction(0, "trap", instr.KindOther, 1)
	in.Raw = []byte{0xcc}
	return in
}
func (fakeAnalyzer) CreateReturn() *instr.Instruction              { return nil }
func (fakeAnalyzer) CreateEHLabel(label string) *instr.Instruction { return nil }
func (fakeAnalyzer) ReplaceBranchTarget(in *instr.Instruction, target *instr.Symbol) bool {
	return false
}
func (fakeAnalyzer) ReverseBranchCondition(in *instr.Instruction, newTarget *instr.Symbol) bool {
	return false
}
func (fakeAnalyzer) ConvertJmpToTailCall(in *instr.Instruction) bool     { return false }
func (fakeAnalyzer) ConvertTailCallToJmp(in *instr.Instruction) bool     { return false }
func (fakeAnalyzer) UnsetConditionalTailCall(in *instr.Instruction) bool { return false }
func (fakeAnalyzer) ReplaceMemOperandDisp(in *instr.Instruction, sym *instr.Symbol, addend int64) bool {
	return false
}
func (fakeAnalyzer) ReplaceImmWithSymbol(in *instr.Instruction, sym *instr.Symbol, addend int64) bool {
	return false
}
func (fakeAnalyzer) SetJumpTable(in *instr.Instruction, address uint64) bool { return false }
func (fakeAnalyzer) AddGnuArgsSize(in *instr.Instruction, size int64)        {}
func (fakeAnalyzer) ShortenInstruction(in *instr.Instruction) bool           { return false }

func (fakeAnalyzer) AnalyzeBranch(block []*instr.Instruction) instr.BranchAnalysis {
	return instr.BranchAnalysis{}
}
func (fakeAnalyzer) AnalyzeIndirectBranch(stream []*instr.Instruction, idx int, functionAddr uint64) instr.IndirectBranchInfo {
	return instr.IndirectBranchInfo{}
}

func newTestContext() *elfbin.BinaryContext {
	return elfbin.NewBareContext(fakeAnalyzer{})
}

func TestLiftSimpleFunction(t *testing.T) {
	bctx := newTestContext()
	code := []byte{0x50, 0x51, 0xc3} // push, push, ret
	in := disasm.Input{
		Names:   []string{"f"},
		Address: 0x1000,
		Size:    uint64(len(code)),
		MaxSize: uint64(len(code)),
		Code:    code,
	}
	fn, err := disasm.Lift(in, bctx)
	if err != nil {
		t.Fatalf("Lift: %v", err)
	}
	if fn.State != cfgx.StateDisassembled {
		t.Fatalf("state = %v, want StateDisassembled", fn.State)
	}
	if len(fn.InstructionsAt) != 3 {
		t.Fatalf("got %d instructions, want 3", len(fn.InstructionsAt))
	}
}

func TestLiftStopsOnTrailingZeroPadding(t *testing.T) {
	bctx := newTestContext()
	code := []byte{0xc3, 0x00, 0x00}
	in := disasm.Input{
		Names:   []string{"g"},
		Address: 0x2000,
		Size:    uint64(len(code)),
		MaxSize: uint64(len(code)),
		Code:    code,
	}
	fn, err := disasm.Lift(in, bctx)
	if err != nil {
		t.Fatalf("Lift: %v", err)
	}
	if len(fn.InstructionsAt) != 1 {
		t.Fatalf("got %d instructions, want 1 (ret only, padding skipped)", len(fn.InstructionsAt))
	}
}

// TestLiftConditionalBranchAndFallThrough models S2: a real conditional
// branch (JE) whose target lands later in the same function. This exercises
// the ResolveBranchTarget fix (the decoded x86asm.Rel operand must turn into
// an absolute-address taken-branch edge, not a bare immediate that
// GetTargetSymbol can never resolve).
func TestLiftConditionalBranchAndFallThrough(t *testing.T) {
	bctx := elfbin.NewBareContext(instr.NewX86Backend())
	// cmp eax, 0; je +1 (to offset 6); ret; ret
	code := []byte{0x83, 0xF8, 0x00, 0x74, 0x01, 0xC3, 0xC3}
	in := disasm.Input{
		Names:   []string{"cond"},
		Address: 0x4000,
		Size:    uint64(len(code)),
		MaxSize: uint64(len(code)),
		Code:    code,
	}
	fn, err := disasm.Lift(in, bctx)
	if err != nil {
		t.Fatalf("Lift: %v", err)
	}

	je, ok := fn.InstructionsAt[3]
	if !ok {
		t.Fatalf("no instruction decoded at offset 3 (JE)")
	}
	sym, ok := bctx.Analyzer.GetTargetSymbol(je)
	if !ok {
		t.Fatalf("GetTargetSymbol: JE target never resolved")
	}
	if want := in.Address + 6; sym.Addr != want {
		t.Fatalf("JE target = %#x, want %#x", sym.Addr, want)
	}

	var found bool
	for _, tb := range fn.TakenBranches {
		if tb.FromOffset == 3 && tb.ToOffset == 6 {
			found = true
		}
	}
	if !found {
		t.Fatalf("TakenBranches = %+v, want an edge 3->6", fn.TakenBranches)
	}

	if err := disasm.BuildCFG(fn, bctx.Analyzer); err != nil {
		t.Fatalf("BuildCFG: %v", err)
	}
	src, ok := fn.BlockAtOffset(0)
	if !ok {
		t.Fatalf("no block at offset 0")
	}
	dst, ok := fn.BlockAtOffset(6)
	if !ok {
		t.Fatalf("no block at offset 6")
	}
	var linked bool
	for _, s := range src.Successors {
		if s == dst {
			linked = true
		}
	}
	if !linked {
		t.Fatalf("block at 0 has no successor edge to block at 6; successors=%v", src.Successors)
	}
}

// TestLiftJumpTable models S3: a PIC-less indirect jump through a SIB memory
// operand (jmp [rax*8+0x4000]) backed by a real .rodata-shaped section,
// exercising the jump-table scan plus the SetJumpTable/GetJumpTableAddress
// round trip (both must agree on a uint64 address, not a label string).
func TestLiftJumpTable(t *testing.T) {
	an := instr.NewX86Backend()
	bctx := elfbin.NewBareContext(an)

	const tableAddr = 0x4000
	data := make([]byte, 24)
	binary.LittleEndian.PutUint64(data[0:], 0x1010)     // offset 0x10, in range
	binary.LittleEndian.PutUint64(data[8:], 0x1018)     // offset 0x18, in range
	binary.LittleEndian.PutUint64(data[16:], 0x99999999) // far out of range, terminates the scan
	bctx.AddSection(&elfbin.Section{Name: ".rodata", Addr: tableAddr, Size: uint64(len(data)), Data: data})

	// FF 24 C5 <disp32> : jmp [rax*8 + 0x4000]
	code := []byte{0xFF, 0x24, 0xC5, 0x00, 0x40, 0x00, 0x00}
	in := disasm.Input{
		Names:   []string{"dispatch"},
		Address: 0x1000,
		Size:    0x20,
		MaxSize: 0x20,
		Code:    code,
	}
	fn, err := disasm.Lift(in, bctx)
	if err != nil {
		t.Fatalf("Lift: %v", err)
	}

	jmp, ok := fn.InstructionsAt[0]
	if !ok {
		t.Fatalf("no instruction decoded at offset 0")
	}
	addr, ok := an.GetJumpTableAddress(jmp)
	if !ok {
		t.Fatalf("GetJumpTableAddress: not set after Lift")
	}
	if addr != tableAddr {
		t.Fatalf("jump table address = %#x, want %#x", addr, uint64(tableAddr))
	}

	jt, ok := fn.JumpTables[tableAddr]
	if !ok {
		t.Fatalf("fn.JumpTables missing entry at %#x", uint64(tableAddr))
	}
	if jt.EntrySize != 8 || jt.Kind != elfbin.JumpTableAbsolute {
		t.Fatalf("jump table shape = {EntrySize:%d Kind:%v}, want {8 Absolute}", jt.EntrySize, jt.Kind)
	}
	if len(jt.Offsets) != 2 || jt.Offsets[0] != 0x10 || jt.Offsets[1] != 0x18 {
		t.Fatalf("jt.Offsets = %v, want [0x10 0x18]", jt.Offsets)
	}

	var edges int
	for _, tb := range fn.TakenBranches {
		if tb.IsJumpTableEdge && tb.FromOffset == 0 {
			edges++
		}
	}
	if edges != 2 {
		t.Fatalf("got %d jump-table TakenBranches from offset 0, want 2", edges)
	}
}

// TestLiftEHCoveredCallToExternalTarget models S4: a call inside an
// LSDA-covered range, to a target outside the function. This exercises both
// the EH-landing-pad tagging path and recordInterproceduralRef's
// get-or-create-global-symbol/AnnoInterproceduralRef bookkeeping for a call
// the relocation table never mentioned (no --emit-relocs in this scenario).
func TestLiftEHCoveredCallToExternalTarget(t *testing.T) {
	an := instr.NewX86Backend()
	bctx := elfbin.NewBareContext(an)

	// E8 <rel32> : call to funcAddr+5+0x3FFB = 0x9000 (external). C3: ret.
	code := []byte{0xE8, 0xFB, 0x3F, 0x00, 0x00, 0xC3}
	// lpstart=omitted, ttype=omitted, call-site table (uleb128): one row
	// covering [0,5) with landing pad 0x20 and action 1.
	lsda := []byte{0xff, 0xff, 0x01, 0x04, 0x00, 0x05, 0x20, 0x01}
	in := disasm.Input{
		Names:    []string{"throws"},
		Address:  0x5000,
		Size:     uint64(len(code)),
		MaxSize:  uint64(len(code)),
		Code:     code,
		LSDAData: lsda,
	}
	fn, err := disasm.Lift(in, bctx)
	if err != nil {
		t.Fatalf("Lift: %v", err)
	}

	call, ok := fn.InstructionsAt[0]
	if !ok {
		t.Fatalf("no instruction decoded at offset 0")
	}
	info, ok := an.GetEHInfo(call)
	if !ok {
		t.Fatalf("GetEHInfo: call inside covered range was not tagged")
	}
	if info.LandingPadLabel != "LP20" || info.Action != 1 {
		t.Fatalf("EHInfo = %+v, want {LP20 1}", info)
	}

	sym, ok := instr.TryGetAnnotationAs[*elfbin.Symbol](call, instr.AnnoInterproceduralRef)
	if !ok {
		t.Fatalf("call to external target was never tagged AnnoInterproceduralRef")
	}
	if sym.Addr != 0x9000 {
		t.Fatalf("interprocedural ref target = %#x, want 0x9000", sym.Addr)
	}
	if _, ok := bctx.SymbolByName(sym.Name); !ok {
		t.Fatalf("recordInterproceduralRef's global symbol %q was never registered in the binary context", sym.Name)
	}
}

// TestLiftAppliesRelocation models the §4.2 "apply any relocation whose
// offset falls inside the instruction" step: a call whose rel32 immediate
// is backed by a relocation against an external symbol must have that
// operand replaced with a symbol expression, not left as the raw
// placeholder displacement the linker would otherwise have resolved.
func TestLiftAppliesRelocation(t *testing.T) {
	an := instr.NewX86Backend()
	bctx := elfbin.NewBareContext(an)
	callee := bctx.AddSymbol(elfbin.NewSymbol("memcpy", 0, 0, ""))
	// The relocation covers the rel32 field (the last 4 of the 5 call
	// bytes); its placeholder displacement content doesn't matter since
	// ReplaceImmWithSymbol overwrites the operand outright.
	bctx.AddRelocation(&elfbin.Relocation{Offset: 0x6000 + 1, Symbol: callee, Type: 4, Addend: -4})

	code := []byte{0xE8, 0x00, 0x00, 0x00, 0x00, 0xC3}
	in := disasm.Input{
		Names:   []string{"caller"},
		Address: 0x6000,
		Size:    uint64(len(code)),
		MaxSize: uint64(len(code)),
		Code:    code,
	}
	fn, err := disasm.Lift(in, bctx)
	if err != nil {
		t.Fatalf("Lift: %v", err)
	}

	call, ok := fn.InstructionsAt[0]
	if !ok {
		t.Fatalf("no instruction decoded at offset 0")
	}
	if !call.HasAnnotation(instr.AnnoUsedReloc) {
		t.Fatalf("call operand was not rewritten from its relocation")
	}
	sym, ok := instr.TryGetAnnotationAs[*elfbin.Symbol](call, instr.AnnoInterproceduralRef)
	if !ok {
		t.Fatalf("relocation-backed external call was never tagged AnnoInterproceduralRef")
	}
	if sym.Name != "memcpy" {
		t.Fatalf("interprocedural ref = %q, want %q", sym.Name, "memcpy")
	}
}
