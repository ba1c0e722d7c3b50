package dwarfx

import (
	"encoding/binary"
	"fmt"
)

// CUHeader is one decoded .debug_info compile-unit header. Only the DWARF
// 2-4 header layout (length, version, abbrev_offset, address_size) is
// supported; DWARF5 reorders these fields and adds a unit_type byte, and a
// binary compiled with -gdwarf-5 is reported as an unsupported-version
// error rather than silently misparsed.
type CUHeader struct {
	Offset       uint64 // offset of the 4-byte length field itself, within .debug_info
	Length       uint64 // unit_length, not counting the length field
	Version      uint16
	AbbrevOffset uint64
	AddressSize  uint8
	FirstDIE     uint64 // offset of the first DIE, within .debug_info
}

// End returns the offset one past this compile unit's last byte.
func (h CUHeader) End() uint64 { return h.Offset + 4 + h.Length }

// ParseCUHeaders walks every compile-unit header in .debug_info.
func ParseCUHeaders(debugInfo []byte) ([]CUHeader, error) {
	var out []CUHeader
	pos := 0
	for pos < len(debugInfo) {
		if pos+11 > len(debugInfo) {
			return nil, fmt.Errorf("dwarfx: truncated compile unit header at %#x", pos)
		}
		start := pos
		length := binary.LittleEndian.Uint32(debugInfo[pos:])
		if length == 0xffffffff {
			return nil, fmt.Errorf("dwarfx: 64-bit DWARF format not supported at %#x", pos)
		}
		pos += 4
		version := binary.LittleEndian.Uint16(debugInfo[pos:])
		pos += 2
		if version < 2 || version > 4 {
			return nil, fmt.Errorf("dwarfx: unsupported DWARF version %d at %#x", version, start)
		}
		abbrevOffset := uint64(binary.LittleEndian.Uint32(debugInfo[pos:]))
		pos += 4
		addrSize := debugInfo[pos]
		pos++
		out = append(out, CUHeader{
			Offset:       uint64(start),
			Length:       uint64(length),
			Version:      version,
			AbbrevOffset: abbrevOffset,
			AddressSize:  addrSize,
			FirstDIE:     uint64(pos),
		})
		pos = start + 4 + int(length)
	}
	return out, nil
}
