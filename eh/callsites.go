package eh

import "sort"

// CoveredCall is one call instruction's EH tag as attached during lifting
// (spec.md §4.2b): the landing-pad label it's covered by (empty if none)
// and its action-table index.
type CoveredCall struct {
	InputOffset      uint64
	Size             int
	LandingPadLabel  string
	LandingPadOffset uint64
	Action           int64
}

// BuildCallSiteTable re-derives the call-site table from the current set
// of covered calls in a function after layout and branch fixing (spec.md
// §4.5 step 6 / supplemented feature 6, grounded on Exceptions.cpp's
// emitLSDA): adjacent calls sharing the same landing pad and action are
// merged into a single covered range, and gaps between calls (or before
// the first / after the last) become implicit uncovered ranges that
// callers do not need to emit an entry for.
func BuildCallSiteTable(calls []CoveredCall) []CallSiteEntry {
	if len(calls) == 0 {
		return nil
	}
	sorted := append([]CoveredCall(nil), calls...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].InputOffset < sorted[j].InputOffset })

	var out []CallSiteEntry
	i := 0
	for i < len(sorted) {
		start := sorted[i].InputOffset
		end := start + uint64(sorted[i].Size)
		lp := sorted[i].LandingPadOffset
		action := sorted[i].Action
		j := i + 1
		for j < len(sorted) && sorted[j].LandingPadOffset == lp && sorted[j].Action == action && sorted[j].InputOffset == end {
			end += uint64(sorted[j].Size)
			j++
		}
		out = append(out, CallSiteEntry{
			Start:            start,
			Length:           end - start,
			LandingPadOffset: lp,
			ActionEntry:      action,
		})
		i = j
	}
	return out
}
