package profile

import (
	"crypto/sha1"
	"encoding/hex"

	"github.com/bolt-go/boltopt/cfgx"
)

// FunctionHash computes a content hash over a function's live blocks in
// layout order, used to verify that a YAML profile's recorded hash still
// matches the binary being optimized (spec.md §7 "Profile mismatch":
// "functions whose content no longer matches their profile's recorded hash
// are processed as if no profile had been supplied for them").
//
// The hash covers each block's instruction count and successor count only,
// not raw bytes: BOLT itself hashes a coarser "loose" function signature so
// that harmless recompiles (changed debug info, reordered sections) don't
// invalidate every profile. Grounded on DataReader.cpp's composeHash.
func FunctionHash(fn *cfgx.Function) string {
	h := sha1.New()
	for _, b := range fn.Layout {
		var buf [16]byte
		putUvarint(buf[0:8], uint64(len(b.Instructions)))
		putUvarint(buf[8:16], uint64(len(b.Successors)))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func putUvarint(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * uint(i)))
	}
}

// MatchResult reports whether a function's profile record is usable.
type MatchResult struct {
	Matched bool
	Reason  string
}

// MatchFunction implements the name + hash matching step of supplemented
// feature 2/3: a function matches its profile entry when names agree and
// either no hash was recorded or the recorded hash agrees with the binary's
// current content hash.
func MatchFunction(fn *cfgx.Function, fp *FunctionProfile) MatchResult {
	found := false
	for _, n := range fn.Names {
		if n == fp.Name {
			found = true
			break
		}
	}
	if !found {
		return MatchResult{Matched: false, Reason: "name mismatch"}
	}
	if fp.Hash == "" {
		return MatchResult{Matched: true}
	}
	if got := FunctionHash(fn); got != fp.Hash {
		return MatchResult{Matched: false, Reason: "hash mismatch: profile=" + fp.Hash + " binary=" + got}
	}
	return MatchResult{Matched: true}
}

// ZeroProfile implements §7's mismatch-recovery action: clear every
// profile-derived counter on fn so downstream passes behave exactly as they
// would for an unprofiled function, rather than acting on stale counts.
func ZeroProfile(fn *cfgx.Function) {
	fn.ProfileCount = 0
	for _, b := range fn.Layout {
		b.ExecutionCount = 0
		for i := range b.BranchInfo {
			b.BranchInfo[i] = cfgx.BranchInfo{}
		}
	}
}

// ApplyBlockProfile writes a matched YAML function profile's per-block
// counts onto fn's live blocks, keyed by the block's position in Layout
// (block index is assigned at profile-write time in the same layout order
// BuildCFG produces, so position is a stable enough key within one
// optimization run).
func ApplyBlockProfile(fn *cfgx.Function, fp *FunctionProfile) {
	var total uint64
	for _, bp := range fp.Blocks {
		if bp.Index < 0 || bp.Index >= len(fn.Layout) {
			continue
		}
		b := fn.Layout[bp.Index]
		b.ExecutionCount += bp.Count
		total += bp.Count
		for _, sc := range bp.Successors {
			applySuccessorCount(b, fn, sc)
		}
	}
	fn.ProfileCount += total
}

func applySuccessorCount(b *cfgx.BasicBlock, fn *cfgx.Function, sc SuccessorCount) {
	if sc.Index < 0 || sc.Index >= len(fn.Layout) {
		return
	}
	target := fn.Layout[sc.Index]
	for i, s := range b.Successors {
		if s == target {
			b.BranchInfo[i].Count += sc.Count
			b.BranchInfo[i].MispredictedCount += sc.Mispredicts
			return
		}
	}
}
