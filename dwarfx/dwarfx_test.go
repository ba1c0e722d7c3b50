package dwarfx_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/bolt-go/boltopt/dwarfx"
	"github.com/bolt-go/boltopt/outmap"
)

func uleb128(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}

func TestParseAbbrevTable(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(uleb128(1))           // code
	buf.Write(uleb128(0x2e))        // tag: subprogram
	buf.WriteByte(0)                // has_children = false
	buf.Write(uleb128(dwarfx.AttrLowPC))
	buf.Write(uleb128(dwarfx.FormAddr))
	buf.Write(uleb128(dwarfx.AttrHighPC))
	buf.Write(uleb128(dwarfx.FormAddr))
	buf.Write(uleb128(0)) // terminating (0,0) attr pair
	buf.Write(uleb128(0))
	buf.Write(uleb128(0)) // terminating code

	abbrevs, err := dwarfx.ParseAbbrevTable(buf.Bytes())
	if err != nil {
		t.Fatalf("dwarfx.ParseAbbrevTable: %v", err)
	}
	ab, ok := abbrevs[1]
	if !ok {
		t.Fatalf("abbrev code 1 not found")
	}
	if ab.Tag != 0x2e {
		t.Fatalf("tag = %#x, want 0x2e", ab.Tag)
	}
	if len(ab.Attrs) != 2 {
		t.Fatalf("got %d attrs, want 2", len(ab.Attrs))
	}
	if ab.Attrs[0].Attr != dwarfx.AttrLowPC || ab.Attrs[1].Attr != dwarfx.AttrHighPC {
		t.Fatalf("unexpected attrs: %+v", ab.Attrs)
	}
}

// buildCU assembles one compile unit: an 11-byte DWARF2-4 header followed
// by a single subprogram DIE with low_pc/high_pc (both DW_FORM_addr, 8
// bytes each), matching the one-abbrev table TestParseAbbrevTable builds.
func buildCU(lowPC, highPC uint64) []byte {
	var body bytes.Buffer
	body.Write(uleb128(1)) // abbrev code
	var addr [8]byte
	binary.LittleEndian.PutUint64(addr[:], lowPC)
	body.Write(addr[:])
	binary.LittleEndian.PutUint64(addr[:], highPC)
	body.Write(addr[:])

	var cu bytes.Buffer
	cu.Write(make([]byte, 4)) // unit_length placeholder
	binary.Write(&cu, binary.LittleEndian, uint16(4))  // version
	binary.Write(&cu, binary.LittleEndian, uint32(0))  // abbrev_offset
	cu.WriteByte(8)                                    // address_size
	cu.Write(body.Bytes())

	out := cu.Bytes()
	unitLength := uint32(len(out) - 4)
	binary.LittleEndian.PutUint32(out[0:4], unitLength)
	return out
}

func buildAbbrevTable() []byte {
	var buf bytes.Buffer
	buf.Write(uleb128(1))
	buf.Write(uleb128(0x2e))
	buf.WriteByte(0)
	buf.Write(uleb128(dwarfx.AttrLowPC))
	buf.Write(uleb128(dwarfx.FormAddr))
	buf.Write(uleb128(dwarfx.AttrHighPC))
	buf.Write(uleb128(dwarfx.FormAddr))
	buf.Write(uleb128(0))
	buf.Write(uleb128(0))
	buf.Write(uleb128(0))
	return buf.Bytes()
}

func TestParseCUHeaders(t *testing.T) {
	debugInfo := buildCU(0x1000, 0x1010)
	cus, err := dwarfx.ParseCUHeaders(debugInfo)
	if err != nil {
		t.Fatalf("dwarfx.ParseCUHeaders: %v", err)
	}
	if len(cus) != 1 {
		t.Fatalf("got %d CUs, want 1", len(cus))
	}
	cu := cus[0]
	if cu.Version != 4 {
		t.Fatalf("version = %d, want 4", cu.Version)
	}
	if cu.AddressSize != 8 {
		t.Fatalf("address size = %d, want 8", cu.AddressSize)
	}
	if cu.FirstDIE != 11 {
		t.Fatalf("first DIE offset = %d, want 11", cu.FirstDIE)
	}
	if cu.End() != uint64(len(debugInfo)) {
		t.Fatalf("End() = %d, want %d", cu.End(), len(debugInfo))
	}
}

func TestParseCUHeadersRejectsDWARF5(t *testing.T) {
	debugInfo := buildCU(0x1000, 0x1010)
	binary.LittleEndian.PutUint16(debugInfo[4:6], 5) // force version=5
	if _, err := dwarfx.ParseCUHeaders(debugInfo); err == nil {
		t.Fatalf("expected an error for DWARF5 (unsupported header layout)")
	}
}

func TestTranslateCompileUnitsContiguousRange(t *testing.T) {
	debugInfo := buildCU(0x1000, 0x1010)
	debugAbbrev := buildAbbrevTable()

	fm := outmap.NewFunctionMap(0x1000, 0x10, 0x2010, []outmap.BlockRange{
		{InputOffset: 0, InputEnd: 0x10, OutputStart: 0x2000, OutputEnd: 0x2010},
	})
	lookup := func(addr uint64) (*outmap.FunctionMap, bool) {
		if addr == 0x1000 {
			return fm, true
		}
		return nil, false
	}

	patches, err := dwarfx.TranslateCompileUnits(debugInfo, debugAbbrev, lookup)
	if err != nil {
		t.Fatalf("dwarfx.TranslateCompileUnits: %v", err)
	}
	if len(patches) != 2 {
		t.Fatalf("got %d patches, want 2 (low_pc, high_pc)", len(patches))
	}
	for _, p := range patches {
		if len(p.Bytes) != 8 {
			t.Fatalf("patch width = %d, want 8", len(p.Bytes))
		}
	}
	lowPatch, highPatch := patches[0], patches[1]
	if got := binary.LittleEndian.Uint64(lowPatch.Bytes); got != 0x2000 {
		t.Fatalf("low_pc patch = %#x, want 0x2000", got)
	}
	if got := binary.LittleEndian.Uint64(highPatch.Bytes); got != 0x2010 {
		t.Fatalf("high_pc patch = %#x, want 0x2010", got)
	}
}

func TestTranslateCompileUnitsUnrewrittenFunctionLeftAlone(t *testing.T) {
	debugInfo := buildCU(0x3000, 0x3010)
	debugAbbrev := buildAbbrevTable()
	lookup := func(addr uint64) (*outmap.FunctionMap, bool) { return nil, false }

	patches, err := dwarfx.TranslateCompileUnits(debugInfo, debugAbbrev, lookup)
	if err != nil {
		t.Fatalf("dwarfx.TranslateCompileUnits: %v", err)
	}
	if len(patches) != 0 {
		t.Fatalf("got %d patches, want 0 for an unrewritten function", len(patches))
	}
}

func TestBuildDebugAranges(t *testing.T) {
	out := dwarfx.BuildDebugAranges([]dwarfx.CURanges{
		{CUOffset: 0, Ranges: []struct{ Start, End uint64 }{{Start: 0x1000, End: 0x1010}}},
	})
	if len(out) == 0 {
		t.Fatalf("expected non-empty .debug_aranges output")
	}
	unitLength := binary.LittleEndian.Uint32(out[0:4])
	if uint64(unitLength)+4 != uint64(len(out)) {
		t.Fatalf("unit_length %d does not account for all %d bytes emitted", unitLength, len(out))
	}
	version := binary.LittleEndian.Uint16(out[4:6])
	if version != 2 {
		t.Fatalf("version = %d, want 2", version)
	}
}
