package cfi

// Rule describes the effective unwind rule for one register (or the CFA
// itself) at a given point in a function, per spec.md §4.3.5a.
type Rule struct {
	Set     bool
	IsCFA   bool
	Reg     int
	Offset  int64
	FromCIE bool
}

// Snapshot records, at a given CFI index, the effective CFA rule plus the
// per-register rule set, per spec.md §4.3.5a.
type Snapshot struct {
	CFA       Rule
	Registers map[int]Rule
	// Restored tracks which registers a DW_CFA_restore has been applied to
	// while building this snapshot or a replay sequence on top of it, used
	// by IsRedundant. It is not cleared at RememberState/RestoreState.
	Restored map[int]bool
}

func newSnapshot() *Snapshot {
	return &Snapshot{Registers: make(map[int]Rule), Restored: make(map[int]bool)}
}

// BuildSnapshot constructs the effective state at cfiIndex by walking cie
// first, then fde instructions with Index in [0, cfiIndex).
func BuildSnapshot(cie, fde []Instruction, cfiIndex int) *Snapshot {
	snap := newSnapshot()
	apply := func(in Instruction) {
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
		case OpSameValue, OpUndefined:
			snap.Registers[in.Register] = Rule{Set: true, Reg: in.Register}
		case OpRestore:
			snap.Restored[in.Register] = true
		}
	}
	for _, in := range cie {
		apply(in)
	}
	for _, in := range fde {
		if in.Index >= cfiIndex {
			break
		}
		apply(in)
	}
	return snap
}

// Diff reports the registers (keyed by register number, with -1 used for
// the CFA) whose effective rule differs between from and to.
func Diff(from, to *Snapshot) []int {
	var changed []int
	if from.CFA != to.CFA {
		changed = append(changed, -1)
	}
	seen := make(map[int]bool)
	for reg, r := range to.Registers {
		seen[reg] = true
		if from.Registers[reg] != r {
			changed = append(changed, reg)
		}
	}
	for reg := range from.Registers {
		if !seen[reg] {
			changed = append(changed, reg)
		}
	}
	return changed
}

// IsRedundant reports whether applying `next` on top of `current` would be
// a no-op: either the referenced register/CFA rule already matches
// current's snapshot, or the register has already been restored within
// the sequence being built (spec.md §4.3.5a).
func IsRedundant(current *Snapshot, next Instruction) bool {
	switch next.Kind {
	case OpDefCfa:
		return current.CFA.Set && current.CFA.IsCFA && current.CFA.Reg == next.Register && current.CFA.Offset == next.Offset
	case OpDefCfaRegister:
		return current.CFA.Set && current.CFA.Reg == next.Register
	case OpDefCfaOffset:
		return current.CFA.Set && current.CFA.Offset == next.Offset
	case OpOffset:
		if current.Restored[next.Register] {
			return false
		}
		r, ok := current.Registers[next.Register]
		return ok && r.Offset == next.Offset
	case OpRestore:
		return current.Restored[next.Register]
	default:
		return false
	}
}
