// Package report implements CFG Reporting (C11): block/edge/statement
// counts, cyclomatic complexity, and unreachable-block detection. The
// reachability pass is a mark-and-sweep worklist walk adapted from the
// teacher's dead-function elimination, repurposed here from "which
// functions does main call" to "which blocks does entry reach".
package report

import (
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/albanread/FBCQBE-sub004/internal/cfg"
)

// Summary is one procedure's CFG shape report (§4.11).
type Summary struct {
	Procedure          string
	BlockCount         int
	EdgeCount          int
	StatementCount     int
	CyclomaticComplexity int
	UnreachableBlocks  []int
}

// reachable runs mark-and-sweep from g.Entry, mirroring the teacher's
// dceAddRoot/worklist shape: a set plus a LIFO worklist, seeded with one
// root, grown by following every out-edge of each newly-marked block.
func reachable(g *cfg.ControlFlowGraph) map[int]bool {
	seen := make(map[int]bool)
	worklist := []int{g.Entry}
	seen[g.Entry] = true

	for len(worklist) > 0 {
		id := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		blk := g.Block(id)
		for _, e := range blk.Out {
			if !seen[e.To] {
				seen[e.To] = true
				worklist = append(worklist, e.To)
			}
		}
	}
	return seen
}

// Report computes one procedure's Summary.
func Report(g *cfg.ControlFlowGraph) Summary {
	seen := reachable(g)

	s := Summary{
		Procedure:  g.Name,
		BlockCount: len(g.Blocks),
	}

	for _, b := range g.Blocks {
		s.StatementCount += len(b.Stmts)
		s.EdgeCount += len(b.Out)
		if !seen[b.ID] {
			s.UnreachableBlocks = append(s.UnreachableBlocks, b.ID)
		}
	}
	slices.Sort(s.UnreachableBlocks)

	// Cyclomatic complexity for a single-entry graph: E - N + 2.
	s.CyclomaticComplexity = s.EdgeCount - s.BlockCount + 2

	return s
}

// ReportAll summarizes every procedure in a build, in deterministic
// (sorted) name order so two runs over the same input always print
// diagnostics in the same order.
func ReportAll(graphs map[string]*cfg.ControlFlowGraph) []Summary {
	names := maps.Keys(graphs)
	slices.Sort(names)

	out := make([]Summary, 0, len(names))
	for _, name := range names {
		out = append(out, Report(graphs[name]))
	}
	return out
}

// String renders a one-line summary (§4.11 "a one-line summary string").
func (s Summary) String() string {
	label := s.Procedure
	if label == "" {
		label = "<main>"
	}
	if len(s.UnreachableBlocks) == 0 {
		return fmt.Sprintf("%s: %d blocks, %d edges, %d stmts, complexity %d",
			label, s.BlockCount, s.EdgeCount, s.StatementCount, s.CyclomaticComplexity)
	}
	return fmt.Sprintf("%s: %d blocks, %d edges, %d stmts, complexity %d, %d unreachable %v",
		label, s.BlockCount, s.EdgeCount, s.StatementCount, s.CyclomaticComplexity,
		len(s.UnreachableBlocks), s.UnreachableBlocks)
}
