package disasm

import (
	"github.com/bolt-go/boltopt/cfgx"
	"github.com/bolt-go/boltopt/instr"
)

// attachLandingPads implements the landing-pad half of §4.2b / the
// "recomputeLandingPads() — rebuild landing-pad/thrower lists from the EH
// tags on call instructions" step of §4.2c: for every call instruction
// carrying an EHLandingPad annotation, look up the block starting at the
// landing-pad offset and wire the AddLandingPad symmetry. No block is
// created here: a call whose landing-pad offset starts no block gets no
// landing-pad edge.
func attachLandingPads(fn *cfgx.Function, an instr.Analyzer) {
	for _, b := range fn.Blocks() {
		for i, in := range b.Instructions {
			ehInfo, ok := an.GetEHInfo(in)
			if !ok {
				continue
			}
			lpOffset := landingPadOffsetFromLabel(ehInfo.LandingPadLabel)
			lpBlock, ok := fn.BlockAtOffset(lpOffset)
			if !ok {
				continue
			}
			b.AddLandingPad(lpBlock)
			b.CoveredCalls = append(b.CoveredCalls, cfgx.CoveredCallRef{
				InstrIndex:       i,
				LandingPadOffset: lpOffset,
				Action:           ehInfo.Action,
			})
		}
	}
}

func landingPadOffsetFromLabel(label string) uint64 {
	var off uint64
	_, _ = fmtSscanLP(label, &off)
	return off
}

// fmtSscanLP parses the "LP<hex>" labels lift.go synthesizes for landing
// pads back into an offset; a tiny hand-rolled hex parser since the label
// format is entirely our own (not worth pulling in fmt.Sscanf's reflection
// machinery for one fixed pattern).
func fmtSscanLP(label string, out *uint64) (int, error) {
	if len(label) < 3 || label[:2] != "LP" {
		return 0, nil
	}
	var v uint64
	for _, c := range label[2:] {
		v <<= 4
		switch {
		case c >= '0' && c <= '9':
			v |= uint64(c - '0')
		case c >= 'a' && c <= 'f':
			v |= uint64(c-'a') + 10
		default:
			return 0, nil
		}
	}
	*out = v
	return 1, nil
}
