// Command boltopt is the CLI surface spec.md §6 describes: a thin flag
// parser that builds a rewrite.Options and hands the opened binary to a
// rewrite.Orchestrator. Modeled on cmd/wasm-run/main.go's flag.Usage/
// log.Fatal idiom, with all real logic living in package rewrite.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/bolt-go/boltopt/elfbin"
	"github.com/bolt-go/boltopt/rewrite"
)

func main() {
	log.SetPrefix("boltopt: ")
	log.SetFlags(0)

	var (
		output               = flag.String("o", "", "output binary path (required)")
		dataPath             = flag.String("data", "", "profile data path (fdata text or YAML)")
		dataYAML             = flag.Bool("yaml", false, "treat -data as the YAML profile format")
		funcsFlag            = flag.String("funcs", "", "comma-separated list of functions to process (default: all)")
		funcsFile            = flag.String("funcs_file", "", "file of function names to process, one per line")
		skipFuncs            = flag.String("skip_funcs", "", "comma-separated list of functions to leave untouched")
		maxFuncs             = flag.Int("max_funcs", 0, "stop after processing this many functions (0: no limit)")
		eliminateUnreachable = flag.Bool("eliminate-unreachable", true, "eliminate blocks unreachable after CFG construction")
		splitFunctions       = flag.Bool("split-functions", false, "split each function's cold blocks into a separate region")
		reorderBlocks        = flag.String("reorder-blocks", "none", "block layout strategy: none, reverse, normal, branch-predictor, cache")
		jumpTables           = flag.String("jump-tables", "none", "jump table handling: none, basic, move, split, aggressive")
		alignBlocks          = flag.Bool("align-blocks", false, "align basic block entries")
		trapAVX512           = flag.Bool("trap-avx512", false, "replace unsupported AVX-512 instructions with traps instead of failing")
		dynoStats            = flag.Bool("dyno-stats", false, "print profile-weighted dynamic execution counters")
		printCFG             = flag.Bool("print-cfg", false, "print each function's control-flow graph")
		printDisasm          = flag.Bool("print-disasm", false, "print lifted instructions")
		printReordered       = flag.Bool("print-reordered", false, "print the block layout chosen for each function")
		printEHRanges        = flag.Bool("print-eh-ranges", false, "print parsed exception-handling address ranges")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s -o OUTPUT [flags] INPUT\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 || *output == "" {
		flag.Usage()
		os.Exit(1)
	}
	input := flag.Arg(0)

	bctx, err := elfbin.Open(input)
	if err != nil {
		log.Fatalf("open %s: %v", input, err)
	}

	opts := rewrite.Options{
		OutputPath:           *output,
		ProfilePath:          *dataPath,
		ProfileYAML:          *dataYAML,
		FuncsAllow:           splitCSV(*funcsFlag),
		FuncsFile:            *funcsFile,
		SkipFuncs:            splitCSV(*skipFuncs),
		MaxFuncs:             *maxFuncs,
		EliminateUnreachable: *eliminateUnreachable,
		SplitFunctions:       *splitFunctions,
		ReorderBlocks:        *reorderBlocks,
		JumpTables:           *jumpTables,
		AlignBlocks:          *alignBlocks,
		TrapAVX512:           *trapAVX512,
		DynoStats:            *dynoStats,
		PrintCFG:             *printCFG,
		PrintDisasm:          *printDisasm,
		PrintReordered:       *printReordered,
		PrintEHRanges:        *printEHRanges,
		Log:                  log.New(os.Stderr, "boltopt: ", 0),
	}

	orch := rewrite.NewOrchestrator(bctx, opts)
	if err := orch.Run(input); err != nil {
		log.Fatalf("%v", err)
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
