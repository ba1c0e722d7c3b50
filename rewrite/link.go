// Package rewrite implements the Rewriter Orchestrator (spec.md §4.5): the
// per-function lift/optimize/emit pipeline, the in-memory linker that
// assigns output addresses and resolves symbolic branch targets, and the
// final file-patching step. Grounded on exec.VM.NewVM (exec/vm.go) as "the
// one function that ties every package together into a runnable pipeline,
// iterating the index space function-by-function in order" — NewVM's `for
// i, fn := range module.FunctionIndexSpace { disasm.Disassemble(...);
// compile.Compile(...) }` is the direct model for Orchestrator.Run's
// per-function loop.
package rewrite

import (
	"fmt"

	"github.com/bolt-go/boltopt/cfgx"
	"github.com/bolt-go/boltopt/elfbin"
	"github.com/bolt-go/boltopt/instr"
	"github.com/bolt-go/boltopt/outmap"
)

// branchFixup is one instruction whose final relative displacement can
// only be computed once every function's output address is known.
type branchFixup struct {
	In       *instr.Instruction
	Cold     bool
	SegOff   uint64 // offset within the hot or cold byte stream
	Target   *instr.Symbol
}

// EmittedImage is one function's assembled byte streams, ready for
// placement and linking.
type EmittedImage struct {
	HotBytes  []byte
	ColdBytes []byte

	hotRanges  []outmap.BlockRange
	coldRanges []outmap.BlockRange

	fixups []branchFixup
}

// EmitFunction concatenates every live block's instruction bytes in
// layout order, partitioned into a hot stream and a cold stream (§4.5 step
// 6). Alignment padding is inserted with the architecture's no-op encoding
// up to MaxPadding bytes; a block whose requested alignment can't be
// reached within its padding budget is left unaligned rather than failing
// emission, since misalignment only costs performance, not correctness.
func EmitFunction(fn *cfgx.Function, an instr.Analyzer) (*EmittedImage, error) {
	img := &EmittedImage{}
	var hotOff, coldOff uint64

	for _, b := range fn.Layout {
		cold := b.IsCold()
		buf := &img.HotBytes
		off := &hotOff
		if cold {
			buf = &img.ColdBytes
			off = &coldOff
		}

		if b.Alignment > 1 {
			padded := alignUp(*off, uint64(b.Alignment))
			if padded-*off <= uint64(b.MaxPadding) {
				for *off < padded {
					nop := an.CreateNoop()
					if nop == nil {
						break
					}
					*buf = append(*buf, nop.Raw...)
					*off += uint64(len(nop.Raw))
				}
			}
		}

		blockStart := *off
		for _, in := range b.Instructions {
			instrOff := *off
			*buf = append(*buf, in.Raw...)
			*off += uint64(len(in.Raw))

			if sym, ok := an.GetTargetSymbol(in); ok && (an.IsBranch(in) || an.IsCall(in) || an.IsTailCall(in)) {
				img.fixups = append(img.fixups, branchFixup{In: in, Cold: cold, SegOff: instrOff, Target: sym})
			}
		}

		rng := outmap.BlockRange{
			InputOffset: b.InputOffset,
			InputEnd:    b.EndOffset,
			OutputStart: blockStart,
			OutputEnd:   *off,
			Cold:        cold,
		}
		if cold {
			img.coldRanges = append(img.coldRanges, rng)
		} else {
			img.hotRanges = append(img.hotRanges, rng)
		}
	}
	return img, nil
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// Placement records where one function's hot and (if present) cold bytes
// ended up in the output binary.
type Placement struct {
	HotAddr   uint64
	HotInPlace bool
	ColdAddr  uint64
	HasCold   bool
}

// Linker assigns output addresses to emitted functions and resolves
// symbolic branch targets once every function in the current pass has a
// placement, mirroring §4.5 step 7 ("link the emitted object in memory,
// providing a symbol resolver that looks up globals in the
// BinaryContext").
type Linker struct {
	bctx  *elfbin.BinaryContext
	extra *ExtraStorage

	// maps keyed by the function's original (input) address, since symbol
	// targets are expressed in input-address space until resolved.
	funcMaps    map[uint64]*outmap.FunctionMap
	funcRanges  map[uint64][2]uint64 // address -> [inputAddr, inputEnd)
}

// NewLinker constructs a Linker writing overflow allocations into extra.
func NewLinker(bctx *elfbin.BinaryContext, extra *ExtraStorage) *Linker {
	return &Linker{
		bctx:       bctx,
		extra:      extra,
		funcMaps:   make(map[uint64]*outmap.FunctionMap),
		funcRanges: make(map[uint64][2]uint64),
	}
}

// PlaceFunction decides in-place vs extra-storage for the hot stream (§4.5
// step 7: "map its emitted section to the original address if the new
// size <= old size, or to a bump-allocated position in the extra-storage
// region"), and always places the cold stream in extra storage.
func (lk *Linker) PlaceFunction(fn *cfgx.Function, img *EmittedImage) (Placement, error) {
	var p Placement
	if uint64(len(img.HotBytes)) <= fn.Size {
		p.HotAddr = fn.Address
		p.HotInPlace = true
	} else {
		addr, err := lk.extra.Alloc(uint64(len(img.HotBytes)), 16)
		if err != nil {
			return Placement{}, fmt.Errorf("rewrite: place %s: %w", fn.Name(), err)
		}
		p.HotAddr = addr
	}
	if len(img.ColdBytes) > 0 {
		addr, err := lk.extra.Alloc(uint64(len(img.ColdBytes)), 16)
		if err != nil {
			return Placement{}, fmt.Errorf("rewrite: place %s (cold): %w", fn.Name(), err)
		}
		p.ColdAddr = addr
		p.HasCold = true
	}
	return p, nil
}

// LinkFunction records fn's output addresses, builds its FunctionMap for
// address translation (consumed by dwarfx and by later interprocedural
// fixups), and registers the map so other functions' branch fixups can
// resolve calls into fn.
func (lk *Linker) LinkFunction(fn *cfgx.Function, img *EmittedImage, p Placement) {
	fn.OutputAddress = p.HotAddr
	fn.OutputSize = uint64(len(img.HotBytes))
	if p.HasCold {
		fn.ColdOutputAddress = p.ColdAddr
		fn.ColdOutputSize = uint64(len(img.ColdBytes))
	}

	ranges := make([]outmap.BlockRange, 0, len(img.hotRanges)+len(img.coldRanges))
	for _, r := range img.hotRanges {
		r.OutputStart += p.HotAddr
		r.OutputEnd += p.HotAddr
		ranges = append(ranges, r)
	}
	for _, r := range img.coldRanges {
		r.OutputStart += p.ColdAddr
		r.OutputEnd += p.ColdAddr
		ranges = append(ranges, r)
	}

	outputEnd := p.HotAddr + fn.OutputSize
	fm := outmap.NewFunctionMap(fn.Address, fn.Size, outputEnd, ranges)
	lk.funcMaps[fn.Address] = fm
	lk.funcRanges[fn.Address] = [2]uint64{fn.Address, fn.Address + fn.Size}
}

// ResolveFixups patches every recorded branch/call instruction's
// displacement now that this function (and, for intraprocedural targets,
// every function it might call into) has a known output address. Targets
// outside any linked function keep their original address: per spec.md §6
// "symbol addresses for all non-rewritten symbols" are preserved, which
// covers calls into functions this pass left untouched.
func (lk *Linker) ResolveFixups(fn *cfgx.Function, img *EmittedImage, p Placement, an instr.Analyzer) error {
	fm := lk.funcMaps[fn.Address]
	for _, fx := range img.fixups {
		instrOutAddr := p.HotAddr + fx.SegOff
		if fx.Cold {
			instrOutAddr = p.ColdAddr + fx.SegOff
		}

		targetOut := lk.resolveTargetAddress(fx.Target.Addr, fm, fn)
		if err := patchBranchTarget(an, fx.In, instrOutAddr, targetOut); err != nil {
			return fmt.Errorf("rewrite: %s: %w", fn.Name(), err)
		}
	}
	return nil
}

// FunctionMapFor returns the FunctionMap owning inputAddr, if any linked
// function's range contains it — the lookup dwarfx.TranslateCompileUnits
// needs to retarget DW_AT_low_pc/high_pc without dwarfx importing rewrite
// directly (the Orchestrator's patchDebugInfo passes it in).
func (lk *Linker) FunctionMapFor(inputAddr uint64) (*outmap.FunctionMap, bool) {
	for addr, rng := range lk.funcRanges {
		if inputAddr >= rng[0] && inputAddr < rng[1] {
			fm, ok := lk.funcMaps[addr]
			return fm, ok
		}
	}
	return nil, false
}

func (lk *Linker) resolveTargetAddress(targetAddr uint64, fm *outmap.FunctionMap, fn *cfgx.Function) uint64 {
	if targetAddr >= fn.Address && targetAddr < fn.Address+fn.Size {
		return fm.TranslateInputToOutputAddress(targetAddr)
	}
	for addr, rng := range lk.funcRanges {
		if targetAddr >= rng[0] && targetAddr < rng[1] {
			if otherMap, ok := lk.funcMaps[addr]; ok {
				return otherMap.TranslateInputToOutputAddress(targetAddr)
			}
		}
	}
	return targetAddr
}
