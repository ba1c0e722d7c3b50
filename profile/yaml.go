package profile

import (
	"fmt"
	"io"
	"io/ioutil"

	"gopkg.in/yaml.v3"
)

// CallSiteTarget is one entry in a block's indirect-call-target profile:
// a resolved callee symbol name and its observed count.
type CallSiteTarget struct {
	Symbol string `yaml:"sym"`
	Offset uint64 `yaml:"offset"`
	Count  uint64 `yaml:"count"`
}

// BlockProfile is one basic block's profile record in YAML format: its
// index within the function, its execution count, successor counts, and
// any indirect call-site targets observed from within it.
type BlockProfile struct {
	Index        int              `yaml:"bid"`
	Count        uint64           `yaml:"count"`
	Successors   []SuccessorCount `yaml:"succ"`
	CallTargets  []CallSiteTarget `yaml:"calls,omitempty"`
}

// SuccessorCount is one successor edge's profile pair in YAML format.
type SuccessorCount struct {
	Index       int    `yaml:"bid"`
	Count       uint64 `yaml:"count"`
	Mispredicts uint64 `yaml:"mispreds"`
}

// FunctionProfile is one function's YAML profile record: its name, an
// optional content hash for profile-matching (§ "Profile mismatch"), and
// its per-block records.
type FunctionProfile struct {
	Name   string         `yaml:"name"`
	Hash   string         `yaml:"hash,omitempty"`
	Blocks []BlockProfile `yaml:"blocks"`
}

// YAMLProfile is the top-level document: a header plus the function list.
type YAMLProfile struct {
	Header    map[string]string `yaml:"header,omitempty"`
	Functions []FunctionProfile `yaml:"functions"`
}

// ReadYAML parses a YAML profile document.
func ReadYAML(r io.Reader) (*YAMLProfile, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("profile: read yaml: %w", err)
	}
	var yp YAMLProfile
	if err := yaml.Unmarshal(data, &yp); err != nil {
		return nil, fmt.Errorf("profile: unmarshal yaml: %w", err)
	}
	return &yp, nil
}

// MergeYAML additively merges src into dst on matching function name plus
// matching block index / call-site offset, per spec.md §6: "merging
// between YAML profiles is additive on matching block indices and
// call-site offsets."
func MergeYAML(dst *YAMLProfile, src *YAMLProfile) {
	byName := make(map[string]*FunctionProfile, len(dst.Functions))
	for i := range dst.Functions {
		byName[dst.Functions[i].Name] = &dst.Functions[i]
	}
	for _, sf := range src.Functions {
		df, ok := byName[sf.Name]
		if !ok {
			dst.Functions = append(dst.Functions, sf)
			continue
		}
		mergeBlocks(df, sf.Blocks)
	}
}

func mergeBlocks(df *FunctionProfile, blocks []BlockProfile) {
	byIndex := make(map[int]*BlockProfile, len(df.Blocks))
	for i := range df.Blocks {
		byIndex[df.Blocks[i].Index] = &df.Blocks[i]
	}
	for _, sb := range blocks {
		db, ok := byIndex[sb.Index]
		if !ok {
			df.Blocks = append(df.Blocks, sb)
			continue
		}
		db.Count += sb.Count
		mergeSuccessors(db, sb.Successors)
		mergeCallTargets(db, sb.CallTargets)
	}
}

func mergeSuccessors(db *BlockProfile, succs []SuccessorCount) {
	byIndex := make(map[int]*SuccessorCount, len(db.Successors))
	for i := range db.Successors {
		byIndex[db.Successors[i].Index] = &db.Successors[i]
	}
	for _, s := range succs {
		if existing, ok := byIndex[s.Index]; ok {
			existing.Count += s.Count
			existing.Mispredicts += s.Mispredicts
			continue
		}
		db.Successors = append(db.Successors, s)
	}
}

func mergeCallTargets(db *BlockProfile, targets []CallSiteTarget) {
	byOffset := make(map[uint64]*CallSiteTarget, len(db.CallTargets))
	for i := range db.CallTargets {
		byOffset[db.CallTargets[i].Offset] = &db.CallTargets[i]
	}
	for _, t := range targets {
		if existing, ok := byOffset[t.Offset]; ok {
			existing.Count += t.Count
			continue
		}
		db.CallTargets = append(db.CallTargets, t)
	}
}
