package cfi

import (
	"encoding/binary"
	"fmt"
)

// CIE is one parsed Common Information Entry: the default unwind rules
// shared by every FDE that references it.
type CIE struct {
	// IDFieldOffset is this CIE's position in .eh_frame, measured at its
	// 4-byte id field (the field that reads zero for a CIE) — the anchor
	// FDE.CIEPointer back-references arrive relative to.
	IDFieldOffset int64

	CodeAlignmentFactor uint64
	DataAlignmentFactor int64
	ReturnAddressReg    int

	// FDEEncoding is the DW_EH_PE_* byte an 'R' augmentation letter
	// records, applied to every FDE's pc_begin/pc_range fields. Absent an
	// 'R' letter, FDEs referencing this CIE use the natural pointer width
	// (DW_EH_PE_absptr, 8 bytes on ELF64).
	FDEEncoding byte
	HasREncoding bool

	// LSDAEncoding is the 'L' augmentation letter's byte, applied to the
	// FDE's augmentation-data LSDA pointer, if any.
	LSDAEncoding byte
	HasLEncoding bool

	Instructions []Instruction
}

// FDE is one parsed Frame Description Entry: the PC range it covers plus
// its own instruction stream (relative to the owning CIE's initial rules).
type FDE struct {
	CIEIDFieldOffset int64
	PCBegin          uint64
	PCRange          uint64
	LSDAPointer      uint64
	HasLSDA          bool

	// RecordOffset is this FDE's own id-field position, the value
	// .eh_frame_hdr's binary-search table needs when it stores FDE
	// addresses relative to the frame-header.
	RecordOffset int64

	Instructions []Instruction
}

// ParseEHFrame walks the entire .eh_frame section and returns every CIE
// (keyed by IDFieldOffset) and FDE record it contains (§4.5 step 2:
// "parse .eh_frame once and build an address->FDE map"). ehFrameAddr is
// the section's load address, needed to turn a DW_EH_PE_pcrel-encoded
// pc_begin into an absolute address.
func ParseEHFrame(data []byte, ehFrameAddr uint64) (map[int64]*CIE, []*FDE, error) {
	cies := make(map[int64]*CIE)
	var fdes []*FDE

	pos := 0
	for pos < len(data) {
		if pos+4 > len(data) {
			return cies, fdes, fmt.Errorf("cfi: eh_frame: truncated length field at %#x", pos)
		}
		length := binary.LittleEndian.Uint32(data[pos:])
		pos += 4
		if length == 0 {
			break // terminator record
		}
		if length == 0xffffffff {
			return cies, fdes, fmt.Errorf("cfi: eh_frame: 64-bit DWARF extended length not supported")
		}
		recordEnd := pos + int(length)
		if recordEnd > len(data) {
			return cies, fdes, fmt.Errorf("cfi: eh_frame: record at %#x overruns section", pos)
		}

		idFieldPos := pos
		id := binary.LittleEndian.Uint32(data[pos:])
		pos += 4

		if id == 0 {
			cie, err := parseCIERecord(data[pos:recordEnd], int64(idFieldPos))
			if err != nil {
				return cies, fdes, fmt.Errorf("cfi: eh_frame: CIE at %#x: %w", idFieldPos, err)
			}
			cies[cie.IDFieldOffset] = cie
		} else {
			cieOffset := int64(idFieldPos) - int64(id)
			cie, ok := cies[cieOffset]
			if !ok {
				return cies, fdes, fmt.Errorf("cfi: eh_frame: FDE at %#x references unknown CIE at %#x", idFieldPos, cieOffset)
			}
			fde, err := parseFDERecord(data[pos:recordEnd], cie, int64(idFieldPos), ehFrameAddr, uint64(idFieldPos))
			if err != nil {
				return cies, fdes, fmt.Errorf("cfi: eh_frame: FDE at %#x: %w", idFieldPos, err)
			}
			fdes = append(fdes, fde)
		}
		pos = recordEnd
	}
	return cies, fdes, nil
}

func parseCIERecord(data []byte, idFieldOffset int64) (*CIE, error) {
	r := &reader{buf: data}
	version, err := r.byte()
	if err != nil {
		return nil, err
	}
	_ = version

	aug, err := readCString(r)
	if err != nil {
		return nil, err
	}

	caf, err := r.uleb128()
	if err != nil {
		return nil, err
	}
	daf, err := r.sleb128()
	if err != nil {
		return nil, err
	}
	retReg, err := r.uleb128()
	if err != nil {
		return nil, err
	}

	cie := &CIE{
		IDFieldOffset:       idFieldOffset,
		CodeAlignmentFactor: caf,
		DataAlignmentFactor: daf,
		ReturnAddressReg:    int(retReg),
	}

	if len(aug) > 0 && aug[0] == 'z' {
		augLen, err := r.uleb128()
		if err != nil {
			return nil, err
		}
		augStart := r.pos
		for _, c := range aug[1:] {
			switch c {
			case 'R':
				enc, err := r.byte()
				if err != nil {
					return nil, err
				}
				cie.FDEEncoding = enc
				cie.HasREncoding = true
			case 'L':
				enc, err := r.byte()
				if err != nil {
					return nil, err
				}
				cie.LSDAEncoding = enc
				cie.HasLEncoding = true
			case 'P':
				encByte, err := r.byte()
				if err != nil {
					return nil, err
				}
				if _, _, err := readEncodedValue(r, encByte, 0); err != nil {
					return nil, err
				}
			case 'S':
				// signal-frame marker, no payload
			}
		}
		r.pos = augStart + int(augLen)
	}

	cie.Instructions, err = ParseCIE(data[r.pos:])
	if err != nil {
		return nil, err
	}
	return cie, nil
}

func parseFDERecord(data []byte, cie *CIE, idFieldOffset int64, ehFrameAddr uint64, recordOffset uint64) (*FDE, error) {
	r := &reader{buf: data}

	enc := byte(0x00) // DW_EH_PE_absptr default
	if cie.HasREncoding {
		enc = cie.FDEEncoding
	}
	pcBegin, n, err := readEncodedValue(r, enc, ehFrameAddr+recordOffset+4 /* past CIE-pointer field, before pc_begin field */)
	if err != nil {
		return nil, err
	}
	_ = n

	// pc_range always uses the same width as pc_begin's encoding but never
	// the pc-relative application bits (it's a length, not an address).
	pcRange, _, err := readEncodedValue(r, enc&0x0f, 0)
	if err != nil {
		return nil, err
	}

	fde := &FDE{
		CIEIDFieldOffset: cie.IDFieldOffset,
		PCBegin:          pcBegin,
		PCRange:          pcRange,
		RecordOffset:     idFieldOffset,
	}

	if cie.HasLEncoding {
		_, err := r.uleb128() // augmentation data length
		if err != nil {
			return nil, err
		}
		lsda, _, err := readEncodedValue(r, cie.LSDAEncoding, ehFrameAddr+recordOffset+uint64(r.pos))
		if err != nil {
			return nil, err
		}
		fde.LSDAPointer = lsda
		fde.HasLSDA = true
	}

	fde.Instructions, err = ParseFDE(data[r.pos:])
	if err != nil {
		return nil, err
	}
	return fde, nil
}

func readCString(r *reader) (string, error) {
	start := r.pos
	for {
		b, err := r.byte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(r.buf[start : r.pos-1]), nil
		}
	}
}

// readEncodedValue reads one DW_EH_PE_*-encoded value, applying the
// pc-relative bit (0x10) against fieldAddr when present. Only the handful
// of encodings GCC actually emits for .eh_frame on ELF64 (absptr, sdata4,
// udata4, udata8) are supported; anything else is a parse error, which
// callers can treat as spec.md §7's "Relocation parse error" recovery
// (warn, leave function unchanged).
func readEncodedValue(r *reader, enc byte, fieldAddr uint64) (uint64, int, error) {
	if enc == 0xff { // DW_EH_PE_omit
		return 0, 0, nil
	}
	application := enc & 0x70
	format := enc & 0x0f

	start := r.pos
	var raw int64
	switch format {
	case 0x00: // absptr, natural pointer width
		v, err := r.u64()
		if err != nil {
			return 0, 0, err
		}
		raw = int64(v)
	case 0x03: // udata4
		v, err := r.u32()
		if err != nil {
			return 0, 0, err
		}
		raw = int64(v)
	case 0x0b: // sdata4
		v, err := r.u32()
		if err != nil {
			return 0, 0, err
		}
		raw = int64(int32(v))
	case 0x04, 0x0c: // udata8 / sdata8
		v, err := r.u64()
		if err != nil {
			return 0, 0, err
		}
		raw = int64(v)
	default:
		return 0, 0, fmt.Errorf("cfi: unsupported DW_EH_PE encoding %#x", enc)
	}

	n := r.pos - start
	value := uint64(raw)
	if application == 0x10 { // DW_EH_PE_pcrel
		value = uint64(int64(fieldAddr) + raw)
	}
	return value, n, nil
}

func (r *reader) u64() (uint64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, fmt.Errorf("cfi: short u64 read")
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}
