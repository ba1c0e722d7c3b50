package cfgx

import (
	"sort"

	"github.com/bolt-go/boltopt/cfi"
	"github.com/bolt-go/boltopt/eh"
	"github.com/bolt-go/boltopt/elfbin"
	"github.com/bolt-go/boltopt/instr"
)

// State is a function's lifecycle stage, per spec.md §3 "Lifecycle":
// Empty -> Disassembled -> CFG -> CFGFinalized -> Emitted.
type State int

const (
	StateEmpty State = iota
	StateDisassembled
	StateCFG
	StateCFGFinalized
	StateEmitted
)

func (s State) String() string {
	switch s {
	case StateDisassembled:
		return "disassembled"
	case StateCFG:
		return "cfg"
	case StateCFGFinalized:
		return "cfg-finalized"
	case StateEmitted:
		return "emitted"
	default:
		return "empty"
	}
}

// TakenBranch is one pre-CFG edge discovered during lifting: a source
// offset, a destination offset, and its profile counts, sorted and
// deduplicated before CFG construction consumes it (spec.md §5 ordering
// guarantee).
type TakenBranch struct {
	FromOffset uint64
	ToOffset   uint64
	Count      uint64
	Mispred    uint64
	// IsJumpTableEdge marks an edge synthesized by jump-table resolution
	// rather than observed directly from an instruction operand.
	IsJumpTableEdge bool
}

// Function owns its basic blocks and a separate deleted-blocks arena that
// outlives any single mutation pass, per spec.md §3 "Function" and §9
// "Cyclic graphs" (arena-plus-index model: non-owning handles, valid for
// the function's lifetime).
type Function struct {
	Names   []string
	Address uint64
	Size    uint64
	MaxSize uint64

	State State

	// InstructionsAt is valid once State >= Disassembled: function-relative
	// byte offset -> decoded instruction.
	InstructionsAt map[uint64]*instr.Instruction

	// LabelAt maps a function-relative offset to its block label, populated
	// during lifting and kept current by the CFG manipulator.
	LabelAt map[uint64]*elfbin.Symbol

	// Layout is the block order that emission uses; may differ from
	// blocks' creation order after a reordering strategy runs.
	Layout []*BasicBlock

	// blocks holds every live block, in creation order; OffsetIndex speeds
	// up "which block contains offset O" queries.
	blocks      []*BasicBlock
	OffsetIndex map[uint64]*BasicBlock

	// deleted retains invalidated blocks until the function is torn down,
	// so annotations or debug-info translators holding a *BasicBlock never
	// dereference a freed pointer.
	deleted []*BasicBlock

	EntryOffsets map[uint64]bool

	JumpTables map[uint64]*elfbin.JumpTable

	FrameInstructions    []cfi.Instruction
	CIEInstructions      []cfi.Instruction
	OffsetToCFIIndex     map[uint64]int
	FrameRestoreEquivs   cfi.FrameRestoreEquivalents

	CallSiteTable []eh.CallSiteEntry

	TakenBranches []TakenBranch

	ProfileCount uint64

	OutputAddress uint64
	OutputSize    uint64

	ColdOutputAddress uint64
	ColdOutputSize    uint64
	ColdFileOffset    uint64

	LSDAAddress  uint64
	LandingPads  map[uint64]*BasicBlock

	// Simple is false once any recoverable-error path decides this
	// function's CFG cannot be trusted for rewriting (spec.md §7).
	Simple bool

	bctx *elfbin.BinaryContext
}

// NewFunction constructs an Empty-state function owned by bctx.
func NewFunction(names []string, address, size uint64, bctx *elfbin.BinaryContext) *Function {
	return &Function{
		Names:        names,
		Address:      address,
		Size:         size,
		MaxSize:      size,
		State:        StateEmpty,
		LabelAt:      make(map[uint64]*elfbin.Symbol),
		OffsetIndex:  make(map[uint64]*BasicBlock),
		EntryOffsets: make(map[uint64]bool),
		JumpTables:   make(map[uint64]*elfbin.JumpTable),
		LandingPads:  make(map[uint64]*BasicBlock),
		Simple:       true,
		bctx:         bctx,
	}
}

// EntryAddress implements elfbin.FunctionRef.
func (f *Function) EntryAddress() uint64 { return f.Address }

// Name returns the function's primary name (its first alias).
func (f *Function) Name() string {
	if len(f.Names) == 0 {
		return ""
	}
	return f.Names[0]
}

// BinaryContext returns the process-wide context this function belongs to.
func (f *Function) BinaryContext() *elfbin.BinaryContext { return f.bctx }

// Blocks returns every live block in creation order.
func (f *Function) Blocks() []*BasicBlock { return f.blocks }

// AddBlock appends a newly created block to both the creation-order list
// and the layout (at the end), and indexes it by offset.
func (f *Function) AddBlock(b *BasicBlock) {
	b.LayoutIndex = len(f.Layout)
	f.blocks = append(f.blocks, b)
	f.Layout = append(f.Layout, b)
	f.OffsetIndex[b.InputOffset] = b
}

// BlockAtOffset returns the block that starts exactly at offset, via the
// offset index built during CFG construction; an offset inside a block's
// range but past its start finds nothing.
func (f *Function) BlockAtOffset(offset uint64) (*BasicBlock, bool) {
	b, ok := f.OffsetIndex[offset]
	return b, ok
}

// DeleteBlock invalidates b, removes it from blocks/Layout, and moves it
// to the deleted arena. Callers must have already detached every
// successor/predecessor/landing-pad edge.
func (f *Function) DeleteBlock(b *BasicBlock) {
	b.Valid = false
	f.blocks = removeBlock(f.blocks, b)
	f.Layout = removeBlock(f.Layout, b)
	delete(f.OffsetIndex, b.InputOffset)
	f.deleted = append(f.deleted, b)
	reindexLayout(f.Layout)
}

func removeBlock(list []*BasicBlock, b *BasicBlock) []*BasicBlock {
	out := list[:0:0]
	for _, x := range list {
		if x != b {
			out = append(out, x)
		}
	}
	return out
}

func reindexLayout(layout []*BasicBlock) {
	for i, b := range layout {
		b.LayoutIndex = i
	}
}

// SetLayout replaces the emission order with order, which must contain
// exactly the function's current live blocks, and reindexes LayoutIndex.
func (f *Function) SetLayout(order []*BasicBlock) {
	f.Layout = order
	reindexLayout(f.Layout)
}

// DeletedBlocks returns the retained-but-invalid arena, exposed for tests
// verifying teardown semantics.
func (f *Function) DeletedBlocks() []*BasicBlock { return f.deleted }

// SortedEntryOffsets returns the function's entry-point offsets in
// ascending order (multi-entry functions arise from interprocedural jump
// targets recognized as alternate entries).
func (f *Function) SortedEntryOffsets() []uint64 {
	out := make([]uint64, 0, len(f.EntryOffsets))
	for off := range f.EntryOffsets {
		out = append(out, off)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SortTakenBranches orders TakenBranches by (FromOffset, ToOffset) and
// deduplicates exact repeats, per spec.md §5's ordering guarantee: "CFG
// edges are added in the order they are discovered from TakenBranches,
// which has been sorted and deduplicated post-jump-table processing."
func (f *Function) SortTakenBranches() {
	sort.Slice(f.TakenBranches, func(i, j int) bool {
		a, b := f.TakenBranches[i], f.TakenBranches[j]
		if a.FromOffset != b.FromOffset {
			return a.FromOffset < b.FromOffset
		}
		return a.ToOffset < b.ToOffset
	})
	out := f.TakenBranches[:0:0]
	for i, tb := range f.TakenBranches {
		if i > 0 {
			p := f.TakenBranches[i-1]
			if p.FromOffset == tb.FromOffset && p.ToOffset == tb.ToOffset && p.IsJumpTableEdge == tb.IsJumpTableEdge {
				continue
			}
		}
		out = append(out, tb)
	}
	f.TakenBranches = out
}
