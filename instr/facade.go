package instr

// IndirectClass tags the outcome of AnalyzeIndirectBranch, per spec.md
// §4.1/§4.2a.
type IndirectClass int

const (
	ClassifyUnknown IndirectClass = iota
	ClassifyPossibleTailCall
	ClassifyPossibleJumpTable
	ClassifyPossiblePICJumpTable
	ClassifyPossibleFixedBranch
)

func (c IndirectClass) String() string {
	switch c {
	case ClassifyPossibleTailCall:
		return "possible-tail-call"
	case ClassifyPossibleJumpTable:
		return "possible-jump-table"
	case ClassifyPossiblePICJumpTable:
		return "possible-pic-jump-table"
	case ClassifyPossibleFixedBranch:
		return "possible-fixed-branch"
	default:
		return "unknown"
	}
}

// Displacement is either a literal constant or a symbol+addend expression,
// the two shapes analyzeIndirectBranch must distinguish when computing the
// jump-table array start address (spec.md §4.2a step 2).
type Displacement struct {
	Symbolic bool
	Symbol   *Symbol
	Addend   int64
	Const    int64
}

// IndirectBranchInfo is the result of AnalyzeIndirectBranch: the memory
// reference instruction, its base/index registers, its displacement, the
// PC-add instruction to patch on PC-relative architectures, and the overall
// classification.
type IndirectBranchInfo struct {
	MemInstr       *Instruction
	Base, Index    Reg
	Disp           Displacement
	PCAddInstr     *Instruction // non-nil on PC-relative ISAs
	Classification IndirectClass
	BasePC         bool // true if Base is the program counter
}

// EHInfo is the optional exception-handling tag carried by call
// instructions inside a covered range (spec.md §4.2b).
type EHInfo struct {
	LandingPadLabel string
	Action          int64
}

// BranchAnalysis is the result of AnalyzeBranch: the single source of truth
// for how later passes interpret a basic block's ending (spec.md §4.1).
type BranchAnalysis struct {
	TBB    *Symbol      // taken target, non-nil iff Cond != nil
	FBB    *Symbol      // fall-through / unconditional target
	Cond   *Instruction // the trailing conditional branch, if any
	Uncond *Instruction // the trailing unconditional branch, if any
}

// Analyzer is the Instruction Analysis Facade: architecture-specific
// predicates and mutators over instruction records (spec.md §4.1). One
// concrete implementation exists per target architecture; call sites
// elsewhere in this module depend only on this interface.
type Analyzer interface {
	Name() string

	// Decode reads exactly one instruction starting at code[0], which
	// represents the bytes at the given function-relative offset. It
	// returns the decoded instruction and its encoded size.
	Decode(code []byte, offset uint64) (*Instruction, error)

	// Classification
	IsBranch(in *Instruction) bool
	IsConditionalBranch(in *Instruction) bool
	IsUnconditionalBranch(in *Instruction) bool
	IsCall(in *Instruction) bool
	IsTailCall(in *Instruction) bool
	IsReturn(in *Instruction) bool
	IsIndirectBranch(in *Instruction) bool
	IsInvoke(in *Instruction) bool
	IsTerminator(in *Instruction) bool
	IsNoop(in *Instruction) bool
	IsPrefix(in *Instruction) bool
	IsCFI(in *Instruction) bool
	IsEHLabel(in *Instruction) bool
	IsStore(in *Instruction) bool
	IsLoad(in *Instruction) bool

	// Inspection
	GetTargetSymbol(in *Instruction) (*Symbol, bool)
	// ResolveBranchTarget turns a decoded branch/call's raw OperandRel
	// displacement into an absolute-address OperandSymbolExpr, given the
	// function base address the instruction's (function-relative) Offset
	// is measured from. Idempotent: an instruction that already carries an
	// OperandSymbolExpr (e.g. one synthesized by CreateUncondBranch) is
	// returned as-is. ok is false when neither operand shape is present.
	ResolveBranchTarget(in *Instruction, funcAddr uint64) (*Symbol, bool)
	GetJumpTableAddress(in *Instruction) (uint64, bool)
	GetEHInfo(in *Instruction) (EHInfo, bool)
	GetConditionalTailCallTarget(in *Instruction) (*Symbol, bool)
	GetGnuArgsSize(in *Instruction) (int64, bool)
	HasPCRelOperand(in *Instruction) bool

	// Mutation. All mutators that can fail due to an operand shape they
	// cannot rewrite return ok=false; callers must check and either bail
	// out or mark the enclosing function non-simple (spec.md §4.1).
	CreateUncondBranch(target *Symbol) *Instruction
	CreateTailCall(target *Symbol) *Instruction
	CreateNoop() *Instruction
	CreateTrap() *Instruction
	CreateReturn() *Instruction
	CreateEHLabel(label string) *Instruction
	ReplaceBranchTarget(in *Instruction, target *Symbol) bool
	ReverseBranchCondition(in *Instruction, newTarget *Symbol) bool
	ConvertJmpToTailCall(in *Instruction) bool
	ConvertTailCallToJmp(in *Instruction) bool
	UnsetConditionalTailCall(in *Instruction) bool
	ReplaceMemOperandDisp(in *Instruction, sym *Symbol, addend int64) bool
	ReplaceImmWithSymbol(in *Instruction, sym *Symbol, addend int64) bool
	SetJumpTable(in *Instruction, address uint64) bool
	AddGnuArgsSize(in *Instruction, size int64)
	ShortenInstruction(in *Instruction) bool

	// Control-flow analysis
	AnalyzeBranch(block []*Instruction) BranchAnalysis
	AnalyzeIndirectBranch(stream []*Instruction, idx int, functionAddr uint64) IndirectBranchInfo
}
