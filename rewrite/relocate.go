package rewrite

import (
	"encoding/binary"
	"fmt"

	"github.com/bolt-go/boltopt/instr"
)

// patchBranchTarget rewrites the final relative-displacement bytes of an
// already-assembled branch/call instruction once its own output address
// and its target's output address are both known (§4.5 step 7's "link in
// memory" concern). golang-asm's assembler, which produced in.Raw at
// mutation time (instr.CreateUncondBranch and friends), always picks the
// near/full-width encoding for a symbolic target (rel32 on x86-64, a
// 26-bit or 19-bit immediate on AArch64); this function does the final
// relaxation pass the way a linker's relocation processing would, without
// re-invoking the assembler.
func patchBranchTarget(an instr.Analyzer, in *instr.Instruction, instrOutAddr, targetOutAddr uint64) error {
	switch an.Name() {
	case "x86-64":
		return patchX86Displacement(in, instrOutAddr, targetOutAddr)
	case "aarch64":
		return patchAArch64Displacement(in, instrOutAddr, targetOutAddr)
	default:
		return fmt.Errorf("rewrite: unknown architecture %q", an.Name())
	}
}

// patchX86Displacement overwrites the trailing rel32 (or rel8, for
// instructions shortened by instr.ShortenInstruction) field of in.Raw.
func patchX86Displacement(in *instr.Instruction, instrOutAddr, targetOutAddr uint64) error {
	n := len(in.Raw)
	if n < 2 {
		return fmt.Errorf("rewrite: x86 branch too short to patch: %d bytes", n)
	}
	rel := int64(targetOutAddr) - int64(instrOutAddr+uint64(n))
	switch in.Size {
	case 2: // shortened Jcc/JMP: 1-byte opcode + rel8
		if rel < -128 || rel > 127 {
			return fmt.Errorf("rewrite: short branch displacement %d out of rel8 range", rel)
		}
		in.Raw[n-1] = byte(int8(rel))
	default: // near Jcc/JMP/CALL: trailing rel32
		if rel < -(1<<31) || rel >= (1<<31) {
			return fmt.Errorf("rewrite: branch displacement %d out of rel32 range", rel)
		}
		binary.LittleEndian.PutUint32(in.Raw[n-4:], uint32(int32(rel)))
	}
	return nil
}

// patchAArch64Displacement overwrites the imm26 (B/BL) or imm19 (B.cond)
// field of the fixed 32-bit instruction word.
func patchAArch64Displacement(in *instr.Instruction, instrOutAddr, targetOutAddr uint64) error {
	if len(in.Raw) != 4 {
		return fmt.Errorf("rewrite: aarch64 instruction is not one word: %d bytes", len(in.Raw))
	}
	rel := int64(targetOutAddr) - int64(instrOutAddr)
	if rel%4 != 0 {
		return fmt.Errorf("rewrite: aarch64 branch displacement %d not word-aligned", rel)
	}
	word := binary.LittleEndian.Uint32(in.Raw)
	switch in.Kind {
	case instr.KindUncondBranch, instr.KindTailCall, instr.KindCall:
		imm := rel / 4
		if imm < -(1<<25) || imm >= (1<<25) {
			return fmt.Errorf("rewrite: aarch64 B/BL displacement %d out of imm26 range", rel)
		}
		word = (word &^ 0x03ffffff) | (uint32(imm) & 0x03ffffff)
	case instr.KindCondBranch:
		imm := rel / 4
		if imm < -(1<<18) || imm >= (1<<18) {
			return fmt.Errorf("rewrite: aarch64 B.cond displacement %d out of imm19 range", rel)
		}
		word = (word &^ (0x7ffff << 5)) | ((uint32(imm) & 0x7ffff) << 5)
	default:
		return fmt.Errorf("rewrite: aarch64 instruction kind %v is not a relocatable branch", in.Kind)
	}
	binary.LittleEndian.PutUint32(in.Raw, word)
	return nil
}
