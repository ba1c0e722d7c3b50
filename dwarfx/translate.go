package dwarfx

import (
	"encoding/binary"
	"fmt"

	"github.com/bolt-go/boltopt/outmap"
)

// FunctionMapLookup resolves an input address to the FunctionMap that owns
// it, the same per-function output mapping rewrite.Linker builds. The
// Rewriter Orchestrator supplies this as a closure over its
// address-to-FunctionMap index (rewrite.Linker.FunctionMapFor), so
// rewrite imports dwarfx and dwarfx never imports rewrite.
type FunctionMapLookup func(addr uint64) (*outmap.FunctionMap, bool)

// Patch is one in-place byte overwrite within .debug_info, always the same
// length as the bytes it replaces so DIE offsets stay valid (spec.md §4.5
// step 10: ".debug_info low_pc/high_pc/ranges/location attributes ...
// rewritten in place").
type Patch struct {
	Offset uint64
	Bytes  []byte
}

// TranslateCompileUnits walks every DIE in every compile unit of
// debugInfo, using debugAbbrev to know each DIE's attribute layout, and
// returns the set of in-place patches needed to retarget low_pc/high_pc
// attributes at the addresses lookup reports for their owning function.
// DW_AT_ranges and DW_AT_location values are not patched. DIEs whose range doesn't fall inside
// any function the orchestrator rewrote (data symbols, inlined
// compile-unit-level ranges, library code left untouched) are passed
// through unchanged.
func TranslateCompileUnits(debugInfo, debugAbbrev []byte, lookup FunctionMapLookup) ([]Patch, error) {
	cus, err := ParseCUHeaders(debugInfo)
	if err != nil {
		return nil, fmt.Errorf("dwarfx: parse compile unit headers: %w", err)
	}

	var patches []Patch
	for _, cu := range cus {
		abbrevData := debugAbbrev[cu.AbbrevOffset:]
		abbrevs, err := ParseAbbrevTable(abbrevData)
		if err != nil {
			return nil, fmt.Errorf("dwarfx: CU at %#x: parse abbrev table: %w", cu.Offset, err)
		}
		p, err := translateCU(debugInfo, cu, abbrevs, lookup)
		if err != nil {
			return nil, fmt.Errorf("dwarfx: CU at %#x: %w", cu.Offset, err)
		}
		patches = append(patches, p...)
	}
	return patches, nil
}

func translateCU(debugInfo []byte, cu CUHeader, abbrevs map[uint64]*Abbrev, lookup FunctionMapLookup) ([]Patch, error) {
	var patches []Patch
	pos := cu.FirstDIE
	end := cu.End()

	for pos < end {
		dieStart := pos
		code, n, err := readUleb128At(debugInfo, pos)
		if err != nil {
			return nil, err
		}
		pos += uint64(n)
		if code == 0 {
			continue // null entry closing a sibling chain
		}
		ab, ok := abbrevs[code]
		if !ok {
			return nil, fmt.Errorf("DIE at %#x: unknown abbrev code %d", dieStart, code)
		}

		var lowPC *fieldLoc
		var highPC *fieldLoc
		var highPCIsAddr bool
		var rangesField *fieldLoc
		var locField *fieldLoc

		for _, af := range ab.Attrs {
			loc := &fieldLoc{offset: pos}
			width, err := formWidth(debugInfo, pos, af.Form, cu.AddressSize)
			if err != nil {
				return nil, fmt.Errorf("DIE at %#x attr %#x form %#x: %w", dieStart, af.Attr, af.Form, err)
			}
			loc.width = width

			switch af.Attr {
			case AttrLowPC:
				lowPC = loc
			case AttrHighPC:
				highPC = loc
				highPCIsAddr = af.Form == FormAddr
			case AttrRanges:
				rangesField = loc
			case AttrLocation:
				if af.Form == FormSecOffset {
					locField = loc
				}
			}
			pos += uint64(width)
		}

		if lowPC != nil && highPC != nil {
			p, err := translateLowHighPC(debugInfo, *lowPC, *highPC, highPCIsAddr, lookup)
			if err != nil {
				return nil, fmt.Errorf("DIE at %#x: %w", dieStart, err)
			}
			patches = append(patches, p...)
		}
		_ = rangesField // DWARF<5 .debug_ranges rewriting: see DESIGN.md limitation note
		_ = locField    // location lists needing per-range translation: same limitation
	}
	return patches, nil
}

// fieldLoc is one attribute value's byte span within .debug_info.
type fieldLoc struct {
	offset uint64
	width  int
}

// translateLowHighPC handles the common, fully-supported case: a DIE whose
// PC range [low, low+highOrLen) maps to a single contiguous output range
// (the owning function was not split into hot/cold segments). low_pc is
// overwritten with the translated start address; high_pc is overwritten
// preserving its original form (an absolute end address if it was
// DW_FORM_addr, or a length if it was a constant-class form). When the
// output ranges are non-contiguous (the function was split), this DIE
// would need converting to DW_AT_ranges, which requires growing the
// abbreviation the DIE references — left unconverted here; see
// DESIGN.md's "split function debug ranges" limitation.
func translateLowHighPC(debugInfo []byte, lowPC, highPC fieldLoc, highIsAddr bool, lookup FunctionMapLookup) ([]Patch, error) {
	lowVal, err := readFixedWidth(debugInfo, lowPC.offset, lowPC.width)
	if err != nil {
		return nil, err
	}
	highVal, err := readFixedWidth(debugInfo, highPC.offset, highPC.width)
	if err != nil {
		return nil, err
	}
	highAddr := highVal
	if !highIsAddr {
		highAddr = lowVal + highVal
	}

	fm, ok := lookup(lowVal)
	if !ok {
		return nil, nil // not a rewritten function, leave untouched
	}
	outRanges := fm.TranslateInputToOutputRanges([]outmap.AddrRange{{Start: lowVal, End: highAddr}})
	if len(outRanges) != 1 {
		return nil, nil // split into >1 segment, needs DW_AT_ranges; not converted (see doc comment)
	}
	r := outRanges[0]

	var patches []Patch
	patches = append(patches, Patch{Offset: lowPC.offset, Bytes: encodeFixedWidth(r.Start, lowPC.width)})
	if highIsAddr {
		patches = append(patches, Patch{Offset: highPC.offset, Bytes: encodeFixedWidth(r.End, highPC.width)})
	} else {
		patches = append(patches, Patch{Offset: highPC.offset, Bytes: encodeFixedWidth(r.End-r.Start, highPC.width)})
	}
	return patches, nil
}

func readFixedWidth(data []byte, offset uint64, width int) (uint64, error) {
	if int(offset)+width > len(data) {
		return 0, fmt.Errorf("read at %#x width %d: out of range", offset, width)
	}
	switch width {
	case 1:
		return uint64(data[offset]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(data[offset:])), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(data[offset:])), nil
	case 8:
		return binary.LittleEndian.Uint64(data[offset:]), nil
	default:
		return 0, fmt.Errorf("unsupported fixed width %d at %#x", width, offset)
	}
}

func encodeFixedWidth(v uint64, width int) []byte {
	buf := make([]byte, width)
	switch width {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(buf, v)
	}
	return buf
}

func readUleb128At(data []byte, offset uint64) (uint64, int, error) {
	c := &cursor{buf: data, pos: int(offset)}
	v, err := c.uleb128()
	if err != nil {
		return 0, 0, err
	}
	return v, c.pos - int(offset), nil
}

// formWidth returns the number of bytes the attribute value at pos
// occupies, for the forms real compilers emit in subprogram/lexical-block
// DIEs. Forms outside this set (string-table index forms from DWARF5,
// loclistx/rnglistx) return an error, consistent with CUHeader's
// DWARF2-4-only scope.
func formWidth(data []byte, pos uint64, form uint64, addrSize uint8) (int, error) {
	switch form {
	case FormAddr:
		return int(addrSize), nil
	case FormData1, FormRef1, FormFlag:
		return 1, nil
	case FormData2, FormRef2:
		return 2, nil
	case FormData4, FormRef4, FormSecOffset, FormStrp, FormRefAddr:
		return 4, nil
	case FormData8, FormRef8:
		return 8, nil
	case FormFlagPresent:
		return 0, nil
	case FormString:
		n := 0
		for int(pos)+n < len(data) && data[int(pos)+n] != 0 {
			n++
		}
		return n + 1, nil
	case FormUdata:
		_, n, err := readUleb128At(data, pos)
		return n, err
	case FormSdata:
		c := &cursor{buf: data, pos: int(pos)}
		if _, err := c.sleb128(); err != nil {
			return 0, err
		}
		return c.pos - int(pos), nil
	case FormExprloc:
		length, n, err := readUleb128At(data, pos)
		if err != nil {
			return 0, err
		}
		return n + int(length), nil
	case FormBlock1:
		if int(pos) >= len(data) {
			return 0, fmt.Errorf("short FormBlock1 at %#x", pos)
		}
		return 1 + int(data[pos]), nil
	case FormBlock2:
		if int(pos)+2 > len(data) {
			return 0, fmt.Errorf("short FormBlock2 at %#x", pos)
		}
		return 2 + int(binary.LittleEndian.Uint16(data[pos:])), nil
	case FormBlock4:
		if int(pos)+4 > len(data) {
			return 0, fmt.Errorf("short FormBlock4 at %#x", pos)
		}
		return 4 + int(binary.LittleEndian.Uint32(data[pos:])), nil
	case FormBlock:
		length, n, err := readUleb128At(data, pos)
		if err != nil {
			return 0, err
		}
		return n + int(length), nil
	default:
		return 0, fmt.Errorf("unsupported DW_FORM %#x", form)
	}
}
