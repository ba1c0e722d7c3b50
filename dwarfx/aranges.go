package dwarfx

import "encoding/binary"

// CURanges pairs a compile unit's .debug_info offset with the address
// ranges its code now occupies, the input BuildDebugAranges needs per CU.
type CURanges struct {
	CUOffset uint64
	Ranges   []struct{ Start, End uint64 }
}

// BuildDebugAranges regenerates .debug_aranges from scratch given each
// compile unit's final address ranges (§4.5 step 10: ".debug_aranges ...
// regenerated from the final function address ranges" — unlike
// .debug_info, this table has no in-place-patch invariant to preserve, so
// it's simpler to emit fresh than to patch). Each CU's header is a fixed
// 12-byte header (unit_length excluding itself, version=2, debug_info
// offset, address_size=8, segment_size=0) padded so the first tuple starts
// at a 2*address_size boundary, per the DWARF spec's alignment rule,
// followed by (address, length) tuples and a terminating (0, 0) pair.
func BuildDebugAranges(cus []CURanges) []byte {
	var out []byte
	for _, cu := range cus {
		const addrSize = 8
		header := make([]byte, 0, 12)
		header = appendU32(header, 0) // placeholder for unit_length
		header = appendU16(header, 2) // version
		header = appendU32(header, uint32(cu.CUOffset))
		header = append(header, addrSize, 0) // address_size, segment_size

		// Header is 12 bytes; padding aligns the first tuple to 16 (2*addrSize).
		body := make([]byte, 0, len(cu.Ranges)*16+16)
		for (len(header)+len(body))%16 != 0 {
			body = append(body, 0)
		}
		for _, r := range cu.Ranges {
			body = appendU64(body, r.Start)
			body = appendU64(body, r.End-r.Start)
		}
		body = appendU64(body, 0)
		body = appendU64(body, 0)

		unitLength := uint32(len(header) - 4 + len(body))
		binary.LittleEndian.PutUint32(header[0:4], unitLength)

		out = append(out, header...)
		out = append(out, body...)
	}
	return out
}

func appendU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
