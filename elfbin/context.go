package elfbin

import (
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/bolt-go/boltopt/instr"
)

// FunctionRef is the minimal view of a lifted function the BinaryContext's
// symbol->function index needs. cfgx.Function implements it; elfbin never
// imports cfgx (instr -> elfbin -> cfgx is the module's acyclic dependency
// order), so the index is built by whoever owns both, not by elfbin itself.
type FunctionRef interface {
	EntryAddress() uint64
}

// BinaryContext is the process-wide state described in spec.md §3: the
// symbol table, allocatable sections indexed by address, global
// relocations, the instruction-analysis facade, the DWARF context, and the
// jump-table registry. One instance is shared across every lifted
// function in a run.
type BinaryContext struct {
	Analyzer instr.Analyzer

	elf     *elf.File
	dwarf   *dwarf.Data
	Machine elf.Machine

	sections    []*Section
	sectionByAd map[uint64]*Section // addr of first byte -> section, for O(1) exact hits

	symByName map[string]*Symbol
	symByAddr map[uint64][]*Symbol // multiple symbols may alias one address

	funcBySym map[*Symbol]FunctionRef

	Relocations []*Relocation

	jumpTables map[uint64]*JumpTable

	localCounter int
}

// Open reads the ELF file at path and constructs a BinaryContext with its
// section table and symbol table populated. The instruction analyzer is
// selected by e.Machine.
func Open(path string) (*BinaryContext, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elfbin: open %s: %w", path, err)
	}
	return newContext(f)
}

func newContext(f *elf.File) (*BinaryContext, error) {
	bc := &BinaryContext{
		elf:         f,
		Machine:     f.Machine,
		sectionByAd: make(map[uint64]*Section),
		symByName:   make(map[string]*Symbol),
		symByAddr:   make(map[uint64][]*Symbol),
		funcBySym:   make(map[*Symbol]FunctionRef),
		jumpTables:  make(map[uint64]*JumpTable),
	}

	switch f.Machine {
	case elf.EM_X86_64:
		bc.Analyzer = instr.NewX86Backend()
	case elf.EM_AARCH64:
		bc.Analyzer = instr.NewAArch64Backend()
	default:
		return nil, fmt.Errorf("elfbin: unsupported machine %s", f.Machine)
	}

	for _, sec := range f.Sections {
		if sec.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			logger.Printf("section %s: read failed: %v", sec.Name, err)
		}
		s := &Section{
			Name:   sec.Name,
			Addr:   sec.Addr,
			Size:   sec.Size,
			Offset: sec.Offset,
			Flags:  uint64(sec.Flags),
			Type:   uint32(sec.Type),
			Data:   data,
		}
		bc.sections = append(bc.sections, s)
		bc.sectionByAd[s.Addr] = s
	}
	sort.Slice(bc.sections, func(i, j int) bool { return bc.sections[i].Addr < bc.sections[j].Addr })

	syms, err := f.Symbols()
	if err != nil && len(syms) == 0 {
		logger.Printf("no static symbol table: %v", err)
	}
	// symsByIndex mirrors the .symtab index space (index 0 is the
	// reserved null entry debug/elf already strips from syms), so
	// relocation entries -- which address symbols by that index, including
	// SHN_UNDEF ones naming an external callee -- can look a symbol back
	// up below.
	symsByIndex := make([]*Symbol, len(syms)+1)
	for i, s := range syms {
		if s.Name == "" {
			continue
		}
		sec := ""
		if s.Section != elf.SHN_UNDEF && int(s.Section) < len(f.Sections) {
			sec = f.Sections[s.Section].Name
		}
		sym := NewSymbol(s.Name, s.Value, s.Size, sec)
		sym.Local = elf.ST_BIND(s.Info) == elf.STB_LOCAL
		bc.AddSymbol(sym)
		symsByIndex[i+1] = sym
	}

	bc.parseRelocations(f, symsByIndex)

	if d, err := f.DWARF(); err == nil {
		bc.dwarf = d
	}

	return bc, nil
}

// relaEntrySize is sizeof(Elf64_Rela): r_offset, r_info, r_addend, each an
// 8-byte field. Both supported machines (x86-64, AArch64) are 64-bit, so
// this is the only layout parseRelocations needs to understand.
const relaEntrySize = 24

// parseRelocations decodes every SHT_RELA section into bc.Relocations.
// Binaries linked without --emit-relocs (BOLT's "relocation mode") carry
// none of these over .text, in which case this is a no-op and the lifter
// falls back to disassembly-only target resolution.
func (bc *BinaryContext) parseRelocations(f *elf.File, symsByIndex []*Symbol) {
	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			logger.Printf("relocation section %s: read failed: %v", sec.Name, err)
			continue
		}
		for off := 0; off+relaEntrySize <= len(data); off += relaEntrySize {
			rOffset := binary.LittleEndian.Uint64(data[off:])
			rInfo := binary.LittleEndian.Uint64(data[off+8:])
			rAddend := int64(binary.LittleEndian.Uint64(data[off+16:]))
			symIdx := rInfo >> 32
			var sym *Symbol
			if int(symIdx) < len(symsByIndex) {
				sym = symsByIndex[symIdx]
			}
			bc.AddRelocation(&Relocation{
				Offset: rOffset,
				Symbol: sym,
				Type:   uint32(rInfo),
				Addend: rAddend,
			})
		}
	}
	SortRelocations(bc.Relocations)
}

// NewBareContext builds a BinaryContext with no backing ELF file: just the
// analyzer plus initialized symbol/jump-table indices. Exported for tests
// elsewhere in the module (the disasm package's lifter tests, in
// particular) that need a real BinaryContext to exercise symbol creation
// and jump-table registration without parsing an actual binary.
func NewBareContext(an instr.Analyzer) *BinaryContext {
	return &BinaryContext{
		Analyzer:    an,
		sectionByAd: make(map[uint64]*Section),
		symByName:   make(map[string]*Symbol),
		symByAddr:   make(map[uint64][]*Symbol),
		funcBySym:   make(map[*Symbol]FunctionRef),
		jumpTables:  make(map[uint64]*JumpTable),
	}
}

// DWARF returns the parsed DWARF data, or nil if the binary carries none.
func (bc *BinaryContext) DWARF() *dwarf.Data { return bc.dwarf }

// ELF returns the underlying debug/elf handle for callers (principally
// rewrite/dwarfx) that need raw section or program-header access.
func (bc *BinaryContext) ELF() *elf.File { return bc.elf }

// AddSymbol registers sym in both the name and address indices. A local
// symbol colliding with an existing name is uniqued by appending
// "/<counter>", mirroring the "locals uniqued by appending /<file>/<counter>"
// rule (spec.md §3 "Symbol").
func (bc *BinaryContext) AddSymbol(sym *Symbol) *Symbol {
	if _, exists := bc.symByName[sym.Name]; exists && sym.Local {
		bc.localCounter++
		sym.Name = fmt.Sprintf("%s/%d", sym.Name, bc.localCounter)
	}
	bc.symByName[sym.Name] = sym
	bc.symByAddr[sym.Addr] = append(bc.symByAddr[sym.Addr], sym)
	return sym
}

// SymbolByName looks up a symbol by its (possibly uniqued) name.
func (bc *BinaryContext) SymbolByName(name string) (*Symbol, bool) {
	s, ok := bc.symByName[name]
	return s, ok
}

// SymbolsAtAddress returns every symbol aliasing addr.
func (bc *BinaryContext) SymbolsAtAddress(addr uint64) []*Symbol {
	return bc.symByAddr[addr]
}

// RegisterFunction records that sym is the entry symbol of fn, populating
// the "symbol -> function" side of the symbol table.
func (bc *BinaryContext) RegisterFunction(sym *Symbol, fn FunctionRef) {
	bc.funcBySym[sym] = fn
}

// FunctionForSymbol returns the function registered for sym, if any.
func (bc *BinaryContext) FunctionForSymbol(sym *Symbol) (FunctionRef, bool) {
	fn, ok := bc.funcBySym[sym]
	return fn, ok
}

// SectionForAddress returns the allocatable section containing addr, if
// any, via binary search over the address-sorted section list.
func (bc *BinaryContext) SectionForAddress(addr uint64) *Section {
	i := sort.Search(len(bc.sections), func(i int) bool { return bc.sections[i].Addr+bc.sections[i].Size > addr })
	if i < len(bc.sections) && bc.sections[i].Contains(addr) {
		return bc.sections[i]
	}
	return nil
}

// AddSection registers a section in the address-sorted section table.
// Exported for tests (and tools building a BinaryContext without a backing
// ELF file) that need SectionForAddress to resolve synthetic data, such as
// a jump table's backing .rodata bytes.
func (bc *BinaryContext) AddSection(s *Section) {
	bc.sections = append(bc.sections, s)
	bc.sectionByAd[s.Addr] = s
	sort.Slice(bc.sections, func(i, j int) bool { return bc.sections[i].Addr < bc.sections[j].Addr })
}

// Sections returns the allocatable sections in address order.
func (bc *BinaryContext) Sections() []*Section { return bc.sections }

// SectionByName returns the first allocatable section with the given
// name, if any.
func (bc *BinaryContext) SectionByName(name string) *Section {
	for _, s := range bc.sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// AllSymbols returns every registered symbol, sorted by address then name,
// the order the Rewriter Orchestrator's symbol-table read (§4.5 step 1)
// walks to build one Function per code symbol.
func (bc *BinaryContext) AllSymbols() []*Symbol {
	out := make([]*Symbol, 0, len(bc.symByName))
	for _, s := range bc.symByName {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Addr != out[j].Addr {
			return out[i].Addr < out[j].Addr
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// RegisterJumpTable records jt under its start address in the process-wide
// registry, so indirect branches in unrelated functions that alias the
// same address are detected instead of silently re-lifted.
func (bc *BinaryContext) RegisterJumpTable(jt *JumpTable) {
	bc.jumpTables[jt.Address] = jt
}

// JumpTableAt returns the jump table registered at addr, if any.
func (bc *BinaryContext) JumpTableAt(addr uint64) (*JumpTable, bool) {
	jt, ok := bc.jumpTables[addr]
	return jt, ok
}

// AddRelocation appends r to the context's relocation list; it is not kept
// sorted incrementally, callers needing total order call SortRelocations.
func (bc *BinaryContext) AddRelocation(r *Relocation) {
	bc.Relocations = append(bc.Relocations, r)
}
