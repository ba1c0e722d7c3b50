// Package profile parses branch-frequency profile data: the fdata text
// format and the YAML format (spec.md §6 "Profile input"), and matches a
// parsed profile's functions against the binary being optimized
// (supplemented feature 2/3, grounded on DataReader.cpp/DataReader.h).
package profile

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// EndpointKind is the {0,1,2} / {3,4,5} discriminator on each side of an
// fdata line: DSO, global symbol, or local symbol; the {3,4,5} range
// additionally marks the line as a memory sample rather than a branch.
type EndpointKind int

const (
	EndpointDSO EndpointKind = iota
	EndpointGlobal
	EndpointLocal
)

// Endpoint is one side of a branch or memory-sample record.
type Endpoint struct {
	Kind   EndpointKind
	Name   string
	Offset uint64
}

// BranchRecord is one parsed fdata branch line.
type BranchRecord struct {
	From, To       Endpoint
	Mispredicts    uint64
	Branches       uint64
}

// MemSampleRecord is one parsed fdata memory-sample line.
type MemSampleRecord struct {
	From, To Endpoint
	Count    uint64
}

// Mode tags the collection mode signaled by an fdata file's leading line,
// per spec.md §6: "A leading `no_lbr [event1 event2 ...]` line switches to
// sample-only mode; a leading `boltedcollection` line signals
// self-profiling" (supplemented feature 3, DataReader.h).
type Mode int

const (
	ModeLBR Mode = iota
	ModeNoLBR
	ModeBoltedCollection
)

// TextProfile is the parsed contents of one fdata file.
type TextProfile struct {
	Mode        Mode
	Events      []string
	Branches    []BranchRecord
	MemSamples  []MemSampleRecord
}

// ReadText scans an fdata stream line by line. The scan loop's shape
// (char/field-at-a-time, small lookahead) is grounded on wast/scanner.go's
// Scanner, reused here at line/field granularity since the fdata grammar
// is one line = one record rather than a nested token grammar.
func ReadText(r io.Reader) (*TextProfile, error) {
	tp := &TextProfile{}
	scanner := bufio.NewScanner(r)
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)

		if first {
			first = false
			switch fields[0] {
			case "no_lbr":
				tp.Mode = ModeNoLBR
				tp.Events = fields[1:]
				continue
			case "boltedcollection":
				tp.Mode = ModeBoltedCollection
				continue
			}
		}

		if len(fields) < 8 {
			return nil, fmt.Errorf("profile: malformed fdata line: %q", line)
		}

		fromKind, err := parseEndpointKind(fields[0])
		if err != nil {
			return nil, err
		}
		from := Endpoint{Kind: clampKind(fromKind), Name: fields[1]}
		from.Offset, err = strconv.ParseUint(strings.TrimPrefix(fields[2], "0x"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("profile: bad from-offset %q: %w", fields[2], err)
		}

		toKind, err := parseEndpointKind(fields[3])
		if err != nil {
			return nil, err
		}
		to := Endpoint{Kind: clampKind(toKind), Name: fields[4]}
		to.Offset, err = strconv.ParseUint(strings.TrimPrefix(fields[5], "0x"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("profile: bad to-offset %q: %w", fields[5], err)
		}

		count1, err := strconv.ParseUint(fields[6], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("profile: bad count field %q: %w", fields[6], err)
		}
		count2, err := strconv.ParseUint(fields[7], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("profile: bad count field %q: %w", fields[7], err)
		}

		if fromKind >= 3 {
			tp.MemSamples = append(tp.MemSamples, MemSampleRecord{From: from, To: to, Count: count2})
			continue
		}
		tp.Branches = append(tp.Branches, BranchRecord{From: from, To: to, Mispredicts: count1, Branches: count2})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("profile: scan: %w", err)
	}
	return tp, nil
}

func parseEndpointKind(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("profile: bad endpoint-kind field %q: %w", s, err)
	}
	return v, nil
}

func clampKind(raw int) EndpointKind {
	switch raw % 3 {
	case 1:
		return EndpointGlobal
	case 2:
		return EndpointLocal
	default:
		return EndpointDSO
	}
}
