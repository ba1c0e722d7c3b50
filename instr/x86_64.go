package instr

import (
	"fmt"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
	"golang.org/x/arch/x86/x86asm"
)

// X86Backend is the Analyzer for x86-64 code. Decoding uses
// golang.org/x/arch/x86/x86asm; mutation (the emit* helpers below) builds
// single-instruction obj.Prog streams through golang-asm's amd64 builder,
// the same asm.NewBuilder("amd64", n) + obj.Prog style
// backend_amd64.go uses to synthesize machine code from scratch.
type X86Backend struct{}

func NewX86Backend() *X86Backend { return &X86Backend{} }

func (b *X86Backend) Name() string { return "x86-64" }

// jccReverse maps x86asm conditional jump mnemonics to their reversed
// counterpart, used by ReverseBranchCondition.
var jccReverse = map[string]string{
	"JE": "JNE", "JNE": "JE",
	"JA": "JBE", "JBE": "JA",
	"JAE": "JB", "JB": "JAE",
	"JG": "JLE", "JLE": "JG",
	"JGE": "JL", "JL": "JGE",
	"JS": "JNS", "JNS": "JS",
	"JO": "JNO", "JNO": "JO",
	"JP": "JNP", "JNP": "JP",
}

func (b *X86Backend) Decode(code []byte, offset uint64) (*Instruction, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return nil, fmt.Errorf("x86: decode at offset %#x: %w", offset, err)
	}
	mnemonic := inst.Op.String()
	kind := classifyX86Mnemonic(mnemonic)
	out := NewInstruction(offset, mnemonic, kind, inst.Len)
	out.Raw = append([]byte(nil), code[:inst.Len]...)
	out.Operands = convertX86Args(inst)
	return out, nil
}

func classifyX86Mnemonic(m string) Kind {
	switch m {
	case "RET", "RETF":
		return KindReturn
	case "CALL":
		return KindCall
	case "JMP":
		return KindUncondBranch
	case "UD2":
		return KindTrap
	case "NOP":
		return KindNoop
	case "LOCK", "REP", "REPE", "REPNE":
		return KindPrefix
	default:
		if _, ok := jccReverse[m]; ok {
			return KindCondBranch
		}
		return KindOther
	}
}

func convertX86Args(inst x86asm.Inst) []Operand {
	var ops []Operand
	for _, a := range inst.Args {
		if a == nil {
			continue
		}
		switch v := a.(type) {
		case x86asm.Reg:
			ops = append(ops, Operand{Kind: OperandReg, Reg: Reg(v)})
		case x86asm.Imm:
			ops = append(ops, Operand{Kind: OperandImm, Imm: int64(v)})
		case x86asm.Mem:
			ops = append(ops, Operand{
				Kind:  OperandMem,
				Base:  Reg(v.Base),
				Index: Reg(v.Index),
				Scale: int8(v.Scale),
				Disp:  v.Disp,
			})
		case x86asm.Rel:
			ops = append(ops, Operand{Kind: OperandRel, Imm: int64(v)})
		}
	}
	return ops
}

func (b *X86Backend) IsBranch(in *Instruction) bool {
	switch in.Kind {
	case KindCondBranch, KindUncondBranch, KindIndirectBranch:
		return true
	}
	return false
}
func (b *X86Backend) IsConditionalBranch(in *Instruction) bool   { return in.Kind == KindCondBranch }
func (b *X86Backend) IsUnconditionalBranch(in *Instruction) bool { return in.Kind == KindUncondBranch }
func (b *X86Backend) IsCall(in *Instruction) bool                { return in.Kind == KindCall }
func (b *X86Backend) IsTailCall(in *Instruction) bool            { return in.Kind == KindTailCall }
func (b *X86Backend) IsReturn(in *Instruction) bool              { return in.Kind == KindReturn }
func (b *X86Backend) IsIndirectBranch(in *Instruction) bool {
	if in.Kind != KindUncondBranch && in.Kind != KindCall {
		return false
	}
	for _, op := range in.Operands {
		if op.Kind == OperandMem || op.Kind == OperandReg {
			return true
		}
	}
	return false
}
func (b *X86Backend) IsInvoke(in *Instruction) bool { return in.Kind == KindCall || in.Kind == KindTailCall }
func (b *X86Backend) IsTerminator(in *Instruction) bool {
	switch in.Kind {
	case KindUncondBranch, KindIndirectBranch, KindReturn, KindTailCall, KindTrap:
		return true
	}
	return false
}
func (b *X86Backend) IsNoop(in *Instruction) bool    { return in.Kind == KindNoop }
func (b *X86Backend) IsPrefix(in *Instruction) bool  { return in.Kind == KindPrefix }
func (b *X86Backend) IsCFI(in *Instruction) bool     { return in.Kind == KindCFI }
func (b *X86Backend) IsEHLabel(in *Instruction) bool { return in.Kind == KindEHLabel }
func (b *X86Backend) IsStore(in *Instruction) bool   { return in.Kind == KindStore }
func (b *X86Backend) IsLoad(in *Instruction) bool    { return in.Kind == KindLoad }

func (b *X86Backend) GetTargetSymbol(in *Instruction) (*Symbol, bool) {
	for _, op := range in.Operands {
		if op.Kind == OperandSymbolExpr && op.Symbol != nil {
			return op.Symbol, true
		}
	}
	return nil, false
}

// ResolveBranchTarget computes the absolute target of a direct branch or
// call: funcAddr + in.Offset + in.Size + the decoded displacement. The
// resolved operand replaces the raw OperandRel in place so later callers
// (AnalyzeBranch, the branch-fixing pass) see a plain OperandSymbolExpr
// through GetTargetSymbol without redoing this arithmetic.
func (b *X86Backend) ResolveBranchTarget(in *Instruction, funcAddr uint64) (*Symbol, bool) {
	if sym, ok := b.GetTargetSymbol(in); ok {
		return sym, true
	}
	for i := range in.Operands {
		if in.Operands[i].Kind != OperandRel {
			continue
		}
		addr := funcAddr + in.Offset + uint64(in.Size) + uint64(in.Operands[i].Imm)
		sym := &Symbol{Name: fmt.Sprintf("loc_%x", addr), Addr: addr}
		in.Operands[i] = Operand{Kind: OperandSymbolExpr, Symbol: sym}
		return sym, true
	}
	return nil, false
}

func (b *X86Backend) GetJumpTableAddress(in *Instruction) (uint64, bool) {
	return TryGetAnnotationAs[uint64](in, AnnoJumpTableAddress)
}

func (b *X86Backend) GetEHInfo(in *Instruction) (EHInfo, bool) {
	lp, ok := TryGetAnnotationAs[string](in, AnnoEHLandingPad)
	if !ok {
		return EHInfo{}, false
	}
	action, _ := TryGetAnnotationAs[int64](in, AnnoEHAction)
	return EHInfo{LandingPadLabel: lp, Action: action}, true
}

func (b *X86Backend) GetConditionalTailCallTarget(in *Instruction) (*Symbol, bool) {
	sym, ok := TryGetAnnotationAs[*Symbol](in, AnnoConditionalTailCallTarget)
	return sym, ok
}

func (b *X86Backend) GetGnuArgsSize(in *Instruction) (int64, bool) {
	v, ok := TryGetAnnotationAs[int64](in, AnnoGnuArgsSize)
	return v, ok
}

func (b *X86Backend) HasPCRelOperand(in *Instruction) bool {
	for _, op := range in.Operands {
		if op.Kind == OperandMem && op.Base == Reg(x86asm.RIP) {
			return true
		}
	}
	return false
}

// newBuilder allocates a single-instruction amd64 obj.Prog stream, the unit
// every emit* mutator below assembles and returns as raw bytes.
func newBuilder() (*asm.Builder, error) { return asm.NewBuilder("amd64", 4) }

func (b *X86Backend) assembleJMP(target *Symbol) *Instruction {
	builder, err := newBuilder()
	if err != nil {
		return nil
	}
	prog := builder.NewProg()
	prog.As = x86.AJMP
	prog.To.Type = obj.TYPE_BRANCH
	if target != nil {
		prog.To.Offset = int64(target.Addr)
	}
	builder.AddInstruction(prog)
	out := NewInstruction(0, "JMP", KindUncondBranch, 5)
	out.Raw = builder.Assemble()
	if target != nil {
		out.Operands = []Operand{{Kind: OperandSymbolExpr, Symbol: target}}
	}
	return out
}

func (b *X86Backend) CreateUncondBranch(target *Symbol) *Instruction {
	return b.assembleJMP(target)
}

func (b *X86Backend) CreateTailCall(target *Symbol) *Instruction {
	in := b.assembleJMP(target)
	if in != nil {
		in.Kind = KindTailCall
	}
	return in
}

func (b *X86Backend) CreateNoop() *Instruction {
	builder, err := newBuilder()
	if err != nil {
		return nil
	}
	prog := builder.NewProg()
	prog.As = obj.ANOP
	builder.AddInstruction(prog)
	out := NewInstruction(0, "NOP", KindNoop, 1)
	out.Raw = builder.Assemble()
	return out
}

func (b *X86Backend) CreateTrap() *Instruction {
	builder, err := newBuilder()
	if err != nil {
		return nil
	}
	prog := builder.NewProg()
	prog.As = x86.AUD2
	builder.AddInstruction(prog)
	out := NewInstruction(0, "UD2", KindTrap, 2)
	out.Raw = builder.Assemble()
	return out
}

func (b *X86Backend) CreateReturn() *Instruction {
	builder, err := newBuilder()
	if err != nil {
		return nil
	}
	prog := builder.NewProg()
	prog.As = x86.ARET
	builder.AddInstruction(prog)
	out := NewInstruction(0, "RET", KindReturn, 1)
	out.Raw = builder.Assemble()
	return out
}

func (b *X86Backend) CreateEHLabel(label string) *Instruction {
	out := NewInstruction(0, label, KindEHLabel, 0)
	out.AddAnnotation(AnnoEHLandingPad, label)
	return out
}

func (b *X86Backend) ReplaceBranchTarget(in *Instruction, target *Symbol) bool {
	if !b.IsBranch(in) && !b.IsCall(in) {
		return false
	}
	for i := range in.Operands {
		if in.Operands[i].Kind == OperandSymbolExpr {
			in.Operands[i].Symbol = target
			return true
		}
	}
	in.Operands = append(in.Operands, Operand{Kind: OperandSymbolExpr, Symbol: target})
	return true
}

func (b *X86Backend) ReverseBranchCondition(in *Instruction, newTarget *Symbol) bool {
	rev, ok := jccReverse[in.Mnemonic]
	if !ok {
		return false
	}
	in.Mnemonic = rev
	return b.ReplaceBranchTarget(in, newTarget)
}

func (b *X86Backend) ConvertJmpToTailCall(in *Instruction) bool {
	if in.Kind != KindUncondBranch {
		return false
	}
	in.Kind = KindTailCall
	return true
}

func (b *X86Backend) ConvertTailCallToJmp(in *Instruction) bool {
	if in.Kind != KindTailCall {
		return false
	}
	in.Kind = KindUncondBranch
	return true
}

func (b *X86Backend) UnsetConditionalTailCall(in *Instruction) bool {
	if !in.HasAnnotation(AnnoConditionalTailCallTarget) {
		return false
	}
	in.RemoveAnnotation(AnnoConditionalTailCallTarget)
	in.RemoveAnnotation(AnnoCTCTakenCount)
	in.RemoveAnnotation(AnnoCTCMispredCount)
	return true
}

func (b *X86Backend) ReplaceMemOperandDisp(in *Instruction, sym *Symbol, addend int64) bool {
	for i := range in.Operands {
		if in.Operands[i].Kind == OperandMem {
			in.Operands[i].Symbol = sym
			in.Operands[i].Addend = addend
			return true
		}
	}
	return false
}

// ReplaceImmWithSymbol also matches OperandRel: a relocation at a call or
// branch site means the placeholder displacement the decoder read is
// linker-filler, and the relocation's symbol+addend is the true target, not
// something ResolveBranchTarget's raw-displacement arithmetic should
// recompute.
func (b *X86Backend) ReplaceImmWithSymbol(in *Instruction, sym *Symbol, addend int64) bool {
	for i := range in.Operands {
		if in.Operands[i].Kind == OperandImm || in.Operands[i].Kind == OperandRel {
			in.Operands[i] = Operand{Kind: OperandSymbolExpr, Symbol: sym, Addend: addend}
			return true
		}
	}
	return false
}

func (b *X86Backend) SetJumpTable(in *Instruction, address uint64) bool {
	if !b.IsIndirectBranch(in) {
		return false
	}
	in.AddAnnotation(AnnoJumpTableAddress, address)
	return true
}

func (b *X86Backend) AddGnuArgsSize(in *Instruction, size int64) {
	in.AddAnnotation(AnnoGnuArgsSize, size)
}

// ShortenInstruction rewrites a near (32-bit displacement) Jcc/JMP into its
// short (8-bit displacement) encoding, used by the branch-shortening pass
// (spec.md §6). golang-asm's assembler already prefers the short encoding
// whenever the branch target fits, so shortening here is a matter of
// re-tagging the instruction's expected size; the actual bytes are
// re-emitted by the rewriter once final addresses are known.
func (b *X86Backend) ShortenInstruction(in *Instruction) bool {
	if in.Kind != KindCondBranch && in.Kind != KindUncondBranch {
		return false
	}
	if in.Size <= 2 {
		return false
	}
	in.Size = 2
	return true
}

func (b *X86Backend) AnalyzeBranch(block []*Instruction) BranchAnalysis {
	var res BranchAnalysis
	if len(block) == 0 {
		return res
	}
	last := block[len(block)-1]
	switch {
	case b.IsUnconditionalBranch(last):
		if sym, ok := b.GetTargetSymbol(last); ok {
			res.FBB = sym
		}
		res.Uncond = last
	case b.IsConditionalBranch(last):
		if sym, ok := b.GetTargetSymbol(last); ok {
			res.TBB = sym
		}
		res.Cond = last
		if len(block) >= 2 && b.IsUnconditionalBranch(block[len(block)-2]) {
			if sym, ok := b.GetTargetSymbol(block[len(block)-2]); ok {
				res.FBB = sym
			}
			res.Uncond = block[len(block)-2]
		}
	}
	return res
}

func (b *X86Backend) AnalyzeIndirectBranch(stream []*Instruction, idx int, functionAddr uint64) IndirectBranchInfo {
	info := IndirectBranchInfo{Classification: ClassifyUnknown}
	if idx < 0 || idx >= len(stream) {
		return info
	}
	jmp := stream[idx]
	if !b.IsIndirectBranch(jmp) {
		return info
	}
	var mem *Operand
	for i := range jmp.Operands {
		if jmp.Operands[i].Kind == OperandMem {
			mem = &jmp.Operands[i]
			break
		}
	}
	if mem == nil {
		info.Classification = ClassifyPossibleTailCall
		return info
	}
	info.MemInstr = jmp
	info.Base = mem.Base
	info.Index = mem.Index
	if mem.Symbol != nil {
		info.Disp = Displacement{Symbolic: true, Symbol: mem.Symbol, Addend: mem.Addend}
	} else {
		info.Disp = Displacement{Const: mem.Disp}
	}
	info.BasePC = mem.Base == Reg(x86asm.RIP)
	if info.BasePC {
		info.Classification = ClassifyPossiblePICJumpTable
	} else if mem.Index != NoReg {
		info.Classification = ClassifyPossibleJumpTable
	} else {
		info.Classification = ClassifyPossibleFixedBranch
	}
	return info
}
