package cfi

import "github.com/bolt-go/boltopt/internal/bstack"

// FrameRestoreEquivalents maps a RestoreState instruction's Index to the
// explicit instruction sequence that reproduces the effect of replaying
// from function start up to the matching RememberState, per spec.md
// §4.3.5: "store this expansion ... This ensures later layout changes
// remain correct when RememberState and its RestoreState are separated."
type FrameRestoreEquivalents map[int][]Instruction

// NormalizeCFIState walks fde in order, threading a bstack.Stack[int] of
// RememberState indices exactly the way wagon's disasm package threads a
// stack of per-nesting-level counters (disasm.go's blockIndices stack):
// push on RememberState, pop (and record the equivalence) on
// RestoreState.
func NormalizeCFIState(cie, fde []Instruction) FrameRestoreEquivalents {
	equiv := make(FrameRestoreEquivalents)
	var rememberStack bstack.Stack[int]
	for _, in := range fde {
		switch in.Kind {
		case OpRememberState:
			rememberStack.Push(in.Index)
		case OpRestoreState:
			if rememberStack.Empty() {
				continue
			}
			rememberedAt := rememberStack.Pop()
			snap := BuildSnapshot(cie, fde, rememberedAt)
			equiv[in.Index] = expandSnapshot(snap)
		}
	}
	return equiv
}

// expandSnapshot turns a snapshot back into the explicit primitive
// sequence that would establish it from an empty initial state.
func expandSnapshot(snap *Snapshot) []Instruction {
	var out []Instruction
	if snap.CFA.Set {
		out = append(out, Instruction{Kind: OpDefCfa, Register: snap.CFA.Reg, Offset: snap.CFA.Offset})
	}
	for reg, r := range snap.Registers {
		if !r.Set {
			continue
		}
		out = append(out, Instruction{Kind: OpOffset, Register: reg, Offset: r.Offset})
	}
	return out
}

// expand substitutes any RestoreState instruction in seq with its
// FrameRestoreEquivalents expansion, so downstream consumers never need to
// special-case it.
func expand(seq []Instruction, equiv FrameRestoreEquivalents) []Instruction {
	var out []Instruction
	for _, in := range seq {
		if in.Kind == OpRestoreState {
			if sub, ok := equiv[in.Index]; ok {
				out = append(out, sub...)
				continue
			}
		}
		out = append(out, in)
	}
	return out
}

// ReplayCFIInstrs emits the CFI indices in [from, to), expanding any
// RestoreState via equiv and dropping instructions that are redundant
// against the snapshot already in effect at `from` (spec.md §4.3.5:
// forward-replay case).
func ReplayCFIInstrs(cie, fde []Instruction, from, to int, equiv FrameRestoreEquivalents) []Instruction {
	if from >= to {
		return nil
	}
	current := BuildSnapshot(cie, fde, from)
	var window []Instruction
	for _, in := range fde {
		if in.Index >= from && in.Index < to {
			window = append(window, in)
		}
	}
	window = expand(window, equiv)

	var out []Instruction
	for _, in := range window {
		if IsRedundant(current, in) {
			continue
		}
		out = append(out, in)
		applyOne(current, in)
	}
	return out
}

// UnwindCFIState generates the CFI sequence that undoes the difference
// between the snapshot at `from` and the snapshot at `to`, where to < from
// (spec.md §4.3.5: backward case at a hot/cold-split or reordered block
// entry). It walks the registers Diff reports changed and emits, for
// each, either a restore-to-CIE-default or the target's explicit rule.
func UnwindCFIState(cie, fde []Instruction, from, to int, equiv FrameRestoreEquivalents) []Instruction {
	fromSnap := BuildSnapshot(cie, fde, from)
	toSnap := BuildSnapshot(cie, fde, to)
	changed := Diff(fromSnap, toSnap)

	var out []Instruction
	for _, reg := range changed {
		if reg == -1 {
			out = append(out, Instruction{Kind: OpDefCfa, Register: toSnap.CFA.Reg, Offset: toSnap.CFA.Offset})
			continue
		}
		if r, ok := toSnap.Registers[reg]; ok && r.Set {
			out = append(out, Instruction{Kind: OpOffset, Register: reg, Offset: r.Offset})
		} else {
			out = append(out, Instruction{Kind: OpRestore, Register: reg})
		}
	}
	_ = equiv // not consulted: both snapshots come from a straight replay, and BuildSnapshot does not apply RememberState/RestoreState
	return out
}

func applyOne(snap *Snapshot, in Instruction) {
	switch in.Kind {
	case OpDefCfa:
		snap.CFA = Rule{Set: true, IsCFA: true, Reg: in.Register, Offset: in.Offset}
	case OpDefCfaRegister:
		snap.CFA.Reg = in.Register
		snap.CFA.Set = true
	case OpDefCfaOffset:
		snap.CFA.Offset = in.Offset
		snap.CFA.Set = true
	case OpOffset:
		snap.Registers[in.Register] = Rule{Set: true, Reg: in.Register, Offset: in.Offset}
		delete(snap.Restored, in.Register)
	case OpRestore:
		snap.Restored[in.Register] = true
	}
}
