package elfbin

import "sort"

// Relocation is {offset, symbol, type, addend, precomputed_value} per
// spec.md §3; ordering by Offset is total.
type Relocation struct {
	Offset           uint64
	Symbol           *Symbol
	Type             uint32
	Addend           int64
	PrecomputedValue uint64
	HasPrecomputed   bool
}

// SortRelocations orders relocs by offset in place, establishing the total
// order the spec requires.
func SortRelocations(relocs []*Relocation) {
	sort.Slice(relocs, func(i, j int) bool { return relocs[i].Offset < relocs[j].Offset })
}
