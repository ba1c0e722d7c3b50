package instr

import (
	"encoding/binary"
	"fmt"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/arm64"
)

// AArch64Backend is the Analyzer for AArch64 code. AArch64 has no decoder
// in the pack's dependency surface, so Decode hand-rolls the fixed-width
// 32-bit instruction format the way wagon's disasm package hand-decodes
// WASM's variable-width opcode stream (disasm/disasm.go's byte-at-a-time
// switch): classify the top bits, pull out the fields AnalyzeBranch and
// AnalyzeIndirectBranch need, and leave the rest as an opaque operand.
// Mutation reuses golang-asm's obj/arm64 the same way X86Backend reuses
// obj/x86.
type AArch64Backend struct{}

func NewAArch64Backend() *AArch64Backend { return &AArch64Backend{} }

func (b *AArch64Backend) Name() string { return "aarch64" }

const instrSize = 4

func (b *AArch64Backend) Decode(code []byte, offset uint64) (*Instruction, error) {
	if len(code) < instrSize {
		return nil, fmt.Errorf("aarch64: short read at offset %#x", offset)
	}
	word := binary.LittleEndian.Uint32(code[:instrSize])
	mnemonic, kind, ops := decodeAArch64Word(word, offset)
	out := NewInstruction(offset, mnemonic, kind, instrSize)
	out.Raw = append([]byte(nil), code[:instrSize]...)
	out.Operands = ops
	return out, nil
}

// decodeAArch64Word classifies the handful of encoding groups the lifter
// and CFG builder actually care about (unconditional branch, conditional
// branch, branch-and-link, return, indirect branch-register) and falls
// back to KindOther for everything else; full general-purpose decode is
// out of scope, mirroring how the Function Lifter only needs
// control-flow-relevant fields from every other instruction.
func decodeAArch64Word(word uint32, offset uint64) (string, Kind, []Operand) {
	switch {
	case word&0xfc000000 == 0x14000000: // B <imm26>
		imm := signExtend(int64(word&0x03ffffff), 26) * 4
		return "B", KindUncondBranch, []Operand{{Kind: OperandRel, Imm: imm}}
	case word&0xfc000000 == 0x94000000: // BL <imm26>
		imm := signExtend(int64(word&0x03ffffff), 26) * 4
		return "BL", KindCall, []Operand{{Kind: OperandRel, Imm: imm}}
	case word&0xff000010 == 0x54000000: // B.cond <imm19>
		imm := signExtend(int64((word>>5)&0x7ffff), 19) * 4
		cond := word & 0xf
		return fmt.Sprintf("B.COND%d", cond), KindCondBranch, []Operand{{Kind: OperandRel, Imm: imm}}
	case word == 0xd65f03c0: // RET (x30)
		return "RET", KindReturn, nil
	case word&0xfffffc1f == 0xd61f0000: // BR <reg>
		reg := (word >> 5) & 0x1f
		return "BR", KindIndirectBranch, []Operand{{Kind: OperandReg, Reg: Reg(reg)}}
	case word&0xfffffc1f == 0xd63f0000: // BLR <reg>
		reg := (word >> 5) & 0x1f
		return "BLR", KindCall, []Operand{{Kind: OperandReg, Reg: Reg(reg)}}
	case word == 0xd503201f: // NOP
		return "NOP", KindNoop, nil
	case word == 0xd4200000: // BRK #0
		return "BRK", KindTrap, nil
	default:
		return fmt.Sprintf("WORD_%08x", word), KindOther, nil
	}
}

func signExtend(v int64, bits uint) int64 {
	shift := 64 - bits
	return (v << shift) >> shift
}

func (b *AArch64Backend) IsBranch(in *Instruction) bool {
	switch in.Kind {
	case KindCondBranch, KindUncondBranch, KindIndirectBranch:
		return true
	}
	return false
}
func (b *AArch64Backend) IsConditionalBranch(in *Instruction) bool   { return in.Kind == KindCondBranch }
func (b *AArch64Backend) IsUnconditionalBranch(in *Instruction) bool { return in.Kind == KindUncondBranch }
func (b *AArch64Backend) IsCall(in *Instruction) bool                { return in.Kind == KindCall }
func (b *AArch64Backend) IsTailCall(in *Instruction) bool            { return in.Kind == KindTailCall }
func (b *AArch64Backend) IsReturn(in *Instruction) bool              { return in.Kind == KindReturn }
func (b *AArch64Backend) IsIndirectBranch(in *Instruction) bool      { return in.Kind == KindIndirectBranch }
func (b *AArch64Backend) IsInvoke(in *Instruction) bool {
	return in.Kind == KindCall || in.Kind == KindTailCall
}
func (b *AArch64Backend) IsTerminator(in *Instruction) bool {
	switch in.Kind {
	case KindUncondBranch, KindIndirectBranch, KindReturn, KindTailCall, KindTrap:
		return true
	}
	return false
}
func (b *AArch64Backend) IsNoop(in *Instruction) bool    { return in.Kind == KindNoop }
func (b *AArch64Backend) IsPrefix(in *Instruction) bool  { return false }
func (b *AArch64Backend) IsCFI(in *Instruction) bool     { return in.Kind == KindCFI }
func (b *AArch64Backend) IsEHLabel(in *Instruction) bool { return in.Kind == KindEHLabel }
func (b *AArch64Backend) IsStore(in *Instruction) bool   { return in.Kind == KindStore }
func (b *AArch64Backend) IsLoad(in *Instruction) bool    { return in.Kind == KindLoad }

func (b *AArch64Backend) GetTargetSymbol(in *Instruction) (*Symbol, bool) {
	for _, op := range in.Operands {
		if op.Kind == OperandSymbolExpr && op.Symbol != nil {
			return op.Symbol, true
		}
	}
	return nil, false
}

// ResolveBranchTarget mirrors X86Backend.ResolveBranchTarget: B/BL/B.cond
// carry a fixed-width PC-relative word offset rather than a variable-width
// one, but the resolution arithmetic (funcAddr + Offset + Size + imm) is
// identical. BR/BLR have no OperandRel operand and so never resolve here;
// they go through AnalyzeIndirectBranch instead.
func (b *AArch64Backend) ResolveBranchTarget(in *Instruction, funcAddr uint64) (*Symbol, bool) {
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

// GetJumpTableAddress always misses: AArch64 PIC jump tables (ADRP/ADD
// address materialization followed by an indexed load into BR) are left
// ClassifyUnknown, per the Open Question decision to not special-case
// ADRP-relative table recovery.
func (b *AArch64Backend) GetJumpTableAddress(in *Instruction) (uint64, bool) {
	v, ok := TryGetAnnotationAs[uint64](in, AnnoJumpTableAddress)
	return v, ok
}

func (b *AArch64Backend) GetEHInfo(in *Instruction) (EHInfo, bool) {
	lp, ok := TryGetAnnotationAs[string](in, AnnoEHLandingPad)
	if !ok {
		return EHInfo{}, false
	}
	action, _ := TryGetAnnotationAs[int64](in, AnnoEHAction)
	return EHInfo{LandingPadLabel: lp, Action: action}, true
}

func (b *AArch64Backend) GetConditionalTailCallTarget(in *Instruction) (*Symbol, bool) {
	sym, ok := TryGetAnnotationAs[*Symbol](in, AnnoConditionalTailCallTarget)
	return sym, ok
}

func (b *AArch64Backend) GetGnuArgsSize(in *Instruction) (int64, bool) {
	v, ok := TryGetAnnotationAs[int64](in, AnnoGnuArgsSize)
	return v, ok
}

func (b *AArch64Backend) HasPCRelOperand(in *Instruction) bool {
	return in.Mnemonic == "ADRP" || in.Mnemonic == "ADR"
}

func newArm64Builder() (*asm.Builder, error) { return asm.NewBuilder("arm64", 4) }

func (b *AArch64Backend) CreateUncondBranch(target *Symbol) *Instruction {
	builder, err := newArm64Builder()
	if err != nil {
		return nil
	}
	prog := builder.NewProg()
	prog.As = arm64.AB
	prog.To.Type = obj.TYPE_BRANCH
	if target != nil {
		prog.To.Offset = int64(target.Addr)
	}
	builder.AddInstruction(prog)
	out := NewInstruction(0, "B", KindUncondBranch, instrSize)
	out.Raw = builder.Assemble()
	if target != nil {
		out.Operands = []Operand{{Kind: OperandSymbolExpr, Symbol: target}}
	}
	return out
}

func (b *AArch64Backend) CreateTailCall(target *Symbol) *Instruction {
	in := b.CreateUncondBranch(target)
	if in != nil {
		in.Kind = KindTailCall
	}
	return in
}

func (b *AArch64Backend) CreateNoop() *Instruction {
	builder, err := newArm64Builder()
	if err != nil {
		return nil
	}
	prog := builder.NewProg()
	prog.As = obj.ANOP
	builder.AddInstruction(prog)
	out := NewInstruction(0, "NOP", KindNoop, instrSize)
	out.Raw = builder.Assemble()
	return out
}

func (b *AArch64Backend) CreateTrap() *Instruction {
	out := NewInstruction(0, "BRK", KindTrap, instrSize)
	out.Raw = []byte{0x00, 0x00, 0x20, 0xd4}
	return out
}

func (b *AArch64Backend) CreateReturn() *Instruction {
	builder, err := newArm64Builder()
	if err != nil {
		return nil
	}
	prog := builder.NewProg()
	prog.As = arm64.ARET
	builder.AddInstruction(prog)
	out := NewInstruction(0, "RET", KindReturn, instrSize)
	out.Raw = builder.Assemble()
	return out
}

func (b *AArch64Backend) CreateEHLabel(label string) *Instruction {
	out := NewInstruction(0, label, KindEHLabel, 0)
	out.AddAnnotation(AnnoEHLandingPad, label)
	return out
}

func (b *AArch64Backend) ReplaceBranchTarget(in *Instruction, target *Symbol) bool {
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

func (b *AArch64Backend) ReverseBranchCondition(in *Instruction, newTarget *Symbol) bool {
	if in.Kind != KindCondBranch {
		return false
	}
	// B.cond's condition is in the low nibble of the instruction word and
	// of the packed "B.COND<n>" mnemonic decode builds; the AArch64
	// condition codes are arranged as reversible pairs (cond ^ 1).
	var cond uint32
	if _, err := fmt.Sscanf(in.Mnemonic, "B.COND%d", &cond); err != nil || len(in.Raw) != 4 {
		return false
	}
	cond ^= 1
	in.Mnemonic = fmt.Sprintf("B.COND%d", cond)
	in.Raw[0] = in.Raw[0]&^0x0f | byte(cond)
	return b.ReplaceBranchTarget(in, newTarget)
}

func (b *AArch64Backend) ConvertJmpToTailCall(in *Instruction) bool {
	if in.Kind != KindUncondBranch {
		return false
	}
	in.Kind = KindTailCall
	return true
}

func (b *AArch64Backend) ConvertTailCallToJmp(in *Instruction) bool {
	if in.Kind != KindTailCall {
		return false
	}
	in.Kind = KindUncondBranch
	return true
}

func (b *AArch64Backend) UnsetConditionalTailCall(in *Instruction) bool {
	if !in.HasAnnotation(AnnoConditionalTailCallTarget) {
		return false
	}
	in.RemoveAnnotation(AnnoConditionalTailCallTarget)
	in.RemoveAnnotation(AnnoCTCTakenCount)
	in.RemoveAnnotation(AnnoCTCMispredCount)
	return true
}

// ReplaceMemOperandDisp always fails: AArch64 has no BOLT-relevant
// instructions carrying a directly patchable memory displacement operand
// in this backend's scope (loads/stores address through register pairs
// materialized by earlier ADRP/ADD instructions instead).
func (b *AArch64Backend) ReplaceMemOperandDisp(in *Instruction, sym *Symbol, addend int64) bool {
	return false
}

// ReplaceImmWithSymbol also matches OperandRel, mirroring X86Backend: a
// relocation at a B/BL site carries the true target, not the raw branch
// word the decoder read.
func (b *AArch64Backend) ReplaceImmWithSymbol(in *Instruction, sym *Symbol, addend int64) bool {
	for i := range in.Operands {
		if in.Operands[i].Kind == OperandImm || in.Operands[i].Kind == OperandRel {
			in.Operands[i] = Operand{Kind: OperandSymbolExpr, Symbol: sym, Addend: addend}
			return true
		}
	}
	return false
}

// SetJumpTable always fails, matching GetJumpTableAddress's Open Question
// decision to leave AArch64 jump-table recovery unimplemented.
func (b *AArch64Backend) SetJumpTable(in *Instruction, address uint64) bool { return false }

func (b *AArch64Backend) AddGnuArgsSize(in *Instruction, size int64) {
	in.AddAnnotation(AnnoGnuArgsSize, size)
}

// ShortenInstruction is a no-op: AArch64 instructions are fixed-width, so
// there is no shorter encoding to fall back to.
func (b *AArch64Backend) ShortenInstruction(in *Instruction) bool { return false }

func (b *AArch64Backend) AnalyzeBranch(block []*Instruction) BranchAnalysis {
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

// AnalyzeIndirectBranch never classifies past ClassifyUnknown for BR: the
// Open Question decision defers AArch64 PIC jump-table recovery (it would
// require tracing ADRP/ADD/LDR register dataflow, which this backend does
// not attempt).
func (b *AArch64Backend) AnalyzeIndirectBranch(stream []*Instruction, idx int, functionAddr uint64) IndirectBranchInfo {
	info := IndirectBranchInfo{Classification: ClassifyUnknown}
	if idx < 0 || idx >= len(stream) {
		return info
	}
	jmp := stream[idx]
	if b.IsIndirectBranch(jmp) {
		for _, op := range jmp.Operands {
			if op.Kind == OperandReg {
				info.Base = op.Reg
				break
			}
		}
	}
	return info
}
