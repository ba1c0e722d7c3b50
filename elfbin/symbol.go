package elfbin

import "github.com/bolt-go/boltopt/instr"

// Symbol extends instr.Symbol with the extra bookkeeping the Binary Context
// needs: size, owning section, local-vs-global linkage, and a dedup
// discriminator for symbols BOLT must synthesize (split fragments, CTC
// lowering targets, veneers) that share a name with something already in
// the symbol table.
type Symbol struct {
	instr.Symbol

	Size    uint64
	Section string
	Local   bool

	// Dedup disambiguates synthetic symbols sharing a base name; 0 means
	// "use Name as-is", any other value appends ".coldN"/".dupN" etc at
	// emission time.
	Dedup int
}

// NewSymbol constructs a global Symbol at the given name/address/size.
func NewSymbol(name string, addr, size uint64, section string) *Symbol {
	return &Symbol{Symbol: instr.Symbol{Name: name, Addr: addr}, Size: size, Section: section}
}

// Base returns the embedded instr.Symbol, the minimal view backends use to
// build branch/call targets.
func (s *Symbol) Base() *instr.Symbol { return &s.Symbol }
