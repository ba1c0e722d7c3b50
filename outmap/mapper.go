// Package outmap implements the Output Mapper (spec.md §4.4): the
// per-function mapping from input byte offset to the output address range
// the emitted block landed at, and the translation primitives
// debug-info/exception-table rewriters consume. Grounded on
// wasm/index.go's index-space-by-offset lookup idiom — binary search over
// a sorted slice to map one addressing scheme to another — generalized
// here to input-byte-offset -> output-address-range.
package outmap

import "sort"

// BlockRange is one block's placement: its input offset (function-
// relative) and its emitted [OutputStart, OutputEnd) address range.
type BlockRange struct {
	InputOffset uint64
	InputEnd    uint64
	OutputStart uint64
	OutputEnd   uint64
	Cold        bool
}

// AddrRange is a half-open [Start, End) output address range.
type AddrRange struct{ Start, End uint64 }

// FunctionMap holds one function's (input-offset, block) array, kept
// sorted by InputOffset for binary search.
type FunctionMap struct {
	FunctionAddress uint64
	FunctionSize    uint64
	OutputEnd       uint64 // function_output_end, for the size-boundary special case

	blocks []BlockRange
}

// NewFunctionMap constructs a mapper over blocks, which need not already
// be sorted.
func NewFunctionMap(funcAddr, funcSize, outputEnd uint64, blocks []BlockRange) *FunctionMap {
	sorted := append([]BlockRange(nil), blocks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].InputOffset < sorted[j].InputOffset })
	return &FunctionMap{FunctionAddress: funcAddr, FunctionSize: funcSize, OutputEnd: outputEnd, blocks: sorted}
}

// TranslateInputToOutputAddress implements §4.4's core primitive.
func (m *FunctionMap) TranslateInputToOutputAddress(inputAddr uint64) uint64 {
	if inputAddr == m.FunctionAddress+m.FunctionSize {
		return m.OutputEnd
	}
	offset := inputAddr - m.FunctionAddress
	b, ok := m.blockContaining(offset)
	if !ok {
		return m.OutputEnd
	}
	out := b.OutputStart + (offset - b.InputOffset)
	if out > b.OutputEnd {
		out = b.OutputEnd
	}
	return out
}

func (m *FunctionMap) blockContaining(offset uint64) (BlockRange, bool) {
	i := sort.Search(len(m.blocks), func(i int) bool { return m.blocks[i].InputEnd > offset })
	if i < len(m.blocks) && offset >= m.blocks[i].InputOffset && offset < m.blocks[i].InputEnd {
		return m.blocks[i], true
	}
	return BlockRange{}, false
}

// TranslateInputToOutputRanges maps each input range through the blocks it
// spans, yielding possibly-multiple, possibly-non-contiguous output
// ranges, then sorts and merges adjacent/overlapping ones. Hot and cold
// segments are never merged into each other (spec.md §4.4: "Split
// functions yield two top-level output ranges ... as separate,
// never-merged segments").
func (m *FunctionMap) TranslateInputToOutputRanges(ranges []AddrRange) []AddrRange {
	var hot, cold []AddrRange
	for _, r := range ranges {
		for _, piece := range m.splitAcrossBlocks(r) {
			if piece.cold {
				cold = append(cold, piece.r)
			} else {
				hot = append(hot, piece.r)
			}
		}
	}
	return append(mergeRanges(hot), mergeRanges(cold)...)
}

type taggedRange struct {
	r    AddrRange
	cold bool
}

func (m *FunctionMap) splitAcrossBlocks(r AddrRange) []taggedRange {
	startOff := r.Start - m.FunctionAddress
	endOff := r.End - m.FunctionAddress

	var out []taggedRange
	for _, b := range m.blocks {
		lo, hi := b.InputOffset, b.InputEnd
		if hi <= startOff || lo >= endOff {
			continue
		}
		clampedLo, clampedHi := lo, hi
		if clampedLo < startOff {
			clampedLo = startOff
		}
		if clampedHi > endOff {
			clampedHi = endOff
		}
		out = append(out, taggedRange{
			r: AddrRange{
				Start: b.OutputStart + (clampedLo - b.InputOffset),
				End:   b.OutputStart + (clampedHi - b.InputOffset),
			},
			cold: b.Cold,
		})
	}
	return out
}

func mergeRanges(ranges []AddrRange) []AddrRange {
	if len(ranges) == 0 {
		return nil
	}
	sorted := append([]AddrRange(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	out := []AddrRange{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// LocationEntry is one DWARF location-list entry: an address range plus
// its raw location expression bytes.
type LocationEntry struct {
	Range AddrRange
	Expr  []byte
}

// TranslateInputToOutputLocationList implements §4.4's analogous
// transform for location lists: translate each entry's range, then merge
// adjacent entries sharing an identical expression.
func (m *FunctionMap) TranslateInputToOutputLocationList(entries []LocationEntry) []LocationEntry {
	var out []LocationEntry
	for _, e := range entries {
		for _, piece := range m.splitAcrossBlocks(e.Range) {
			out = append(out, LocationEntry{Range: piece.r, Expr: e.Expr})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Range.Start < out[j].Range.Start })

	var merged []LocationEntry
	for _, e := range out {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if last.Range.End == e.Range.Start && bytesEqual(last.Expr, e.Expr) {
				last.Range.End = e.Range.End
				continue
			}
		}
		merged = append(merged, e)
	}
	return merged
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
