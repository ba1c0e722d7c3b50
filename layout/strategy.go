// Package layout provides pluggable block-ordering strategies, the
// external collaborator named in spec.md §6: the CFG Manipulator and
// Rewriter Orchestrator depend only on the Strategy interface, not on any
// particular algorithm. Supplemented feature 4 (SPEC_FULL.md), grounded
// on ReorderAlgorithm.cpp's named algorithm set.
package layout

import (
	"sort"

	"github.com/bolt-go/boltopt/cfgx"
)

// Strategy orders a function's live blocks for emission. The returned
// slice must be a permutation of fn.Blocks() containing every live block
// exactly once; fn.SetLayout does the reindexing.
type Strategy interface {
	Name() string
	Order(fn *cfgx.Function) []*cfgx.BasicBlock
}

// None preserves input (creation) order: the identity layout used by the
// round-trip testable property (spec.md §8 property 8).
type None struct{}

func (None) Name() string { return "none" }
func (None) Order(fn *cfgx.Function) []*cfgx.BasicBlock {
	return append([]*cfgx.BasicBlock(nil), fn.Blocks()...)
}

// Reverse lays out blocks in the reverse of creation order, excepting the
// entry block which always stays first.
type Reverse struct{}

func (Reverse) Name() string { return "reverse" }
func (Reverse) Order(fn *cfgx.Function) []*cfgx.BasicBlock {
	blocks := fn.Blocks()
	if len(blocks) <= 1 {
		return append([]*cfgx.BasicBlock(nil), blocks...)
	}
	out := make([]*cfgx.BasicBlock, 0, len(blocks))
	out = append(out, blocks[0])
	for i := len(blocks) - 1; i >= 1; i-- {
		out = append(out, blocks[i])
	}
	return out
}

// Normal orders blocks by descending execution count, keeping the entry
// block first and falling back to creation order among ties — the
// baseline "most-executed-first" profile-guided layout.
type Normal struct{}

func (Normal) Name() string { return "normal" }
func (Normal) Order(fn *cfgx.Function) []*cfgx.BasicBlock {
	blocks := append([]*cfgx.BasicBlock(nil), fn.Blocks()...)
	if len(blocks) <= 1 {
		return blocks
	}
	entry := blocks[0]
	rest := append([]*cfgx.BasicBlock(nil), blocks[1:]...)
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].ExecutionCount > rest[j].ExecutionCount })
	return append([]*cfgx.BasicBlock{entry}, rest...)
}

// Cache greedily chains each block to its hottest not-yet-placed
// successor, approximating a cache-friendly layout by keeping
// frequently-taken edges adjacent (spec.md §8 S2's
// "reorder-blocks=cache must place B1 immediately after B0" when B0->B1 is
// the hottest edge).
type Cache struct{}

func (Cache) Name() string { return "cache" }
func (Cache) Order(fn *cfgx.Function) []*cfgx.BasicBlock {
	blocks := fn.Blocks()
	if len(blocks) == 0 {
		return nil
	}
	placed := make(map[*cfgx.BasicBlock]bool, len(blocks))
	out := make([]*cfgx.BasicBlock, 0, len(blocks))

	var place func(b *cfgx.BasicBlock)
	place = func(b *cfgx.BasicBlock) {
		if placed[b] {
			return
		}
		placed[b] = true
		out = append(out, b)

		best := -1
		var bestCount uint64
		for i, s := range b.Successors {
			if placed[s] {
				continue
			}
			if best == -1 || b.BranchInfo[i].Count > bestCount {
				best = i
				bestCount = b.BranchInfo[i].Count
			}
		}
		if best >= 0 {
			place(b.Successors[best])
		}
	}

	place(blocks[0])
	for _, b := range blocks {
		place(b)
	}
	return out
}

// ForName resolves the CLI's -reorder-blocks={none,reverse,normal,cache}
// values (spec.md §6) to a Strategy; branch-predictor is accepted as an
// alias for normal, mirroring BOLT's historical naming.
func ForName(name string) Strategy {
	switch name {
	case "reverse":
		return Reverse{}
	case "normal", "branch-predictor":
		return Normal{}
	case "cache":
		return Cache{}
	default:
		return None{}
	}
}
