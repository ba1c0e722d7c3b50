package elfbin

// JumpTableKind distinguishes an absolute pointer-array jump table from a
// PIC 32-bit-relative one (spec.md §3 "Jump table").
type JumpTableKind int

const (
	JumpTableAbsolute JumpTableKind = iota
	JumpTablePICRelative
)

// JumpTable is owned by a function but registered in the BinaryContext so
// indirect branches in other functions that happen to alias the same
// address (rare, but seen with hand-written assembly) can be detected.
type JumpTable struct {
	Address   uint64
	EntrySize int
	Kind      JumpTableKind

	// Offsets is populated during lifting: target offsets relative to the
	// owning function's start address.
	Offsets []uint64

	// Labels mirrors Offsets once basic blocks exist, one label per entry.
	Labels []*Symbol

	// Subtables maps a non-zero start offset into this physical array to
	// the logical subtable beginning there, for indirect branches that
	// reference the middle of a shared table.
	Subtables map[uint64][]*Symbol

	OutputSection string
}

// NewJumpTable constructs an empty table of the given kind.
func NewJumpTable(addr uint64, entrySize int, kind JumpTableKind) *JumpTable {
	return &JumpTable{Address: addr, EntrySize: entrySize, Kind: kind, Subtables: make(map[uint64][]*Symbol)}
}

// AddEntry appends a raw target offset, discovered during lifting before
// basic blocks exist.
func (jt *JumpTable) AddEntry(offset uint64) {
	jt.Offsets = append(jt.Offsets, offset)
}

// ResolveLabels fills Labels once block boundaries are known, given a
// lookup from function-relative offset to the block label starting there.
func (jt *JumpTable) ResolveLabels(lookup func(offset uint64) *Symbol) {
	jt.Labels = make([]*Symbol, len(jt.Offsets))
	for i, off := range jt.Offsets {
		jt.Labels[i] = lookup(off)
	}
}

// SplitAt registers a logical subtable starting at startOffset within this
// physical array, covering count entries.
func (jt *JumpTable) SplitAt(startOffset uint64, count int) {
	idx := -1
	for i, off := range jt.Offsets {
		if off == startOffset {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	end := idx + count
	if end > len(jt.Labels) {
		end = len(jt.Labels)
	}
	jt.Subtables[startOffset] = append([]*Symbol(nil), jt.Labels[idx:end]...)
}
