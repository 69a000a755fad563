package report

import (
	"strings"
	"testing"

	"github.com/albanread/FBCQBE-sub004/internal/cfg"
)

// linear builds a 3-block chain entry -> mid -> exit, all reachable.
func linear(t *testing.T) *cfg.ControlFlowGraph {
	t.Helper()
	g := cfg.NewGraph("proc")
	mid := g.NewBlock("")
	g.Exit = g.NewBlock("exit").ID
	g.AddEdge(g.Entry, cfg.Edge{Kind: cfg.Fallthrough, To: mid.ID})
	g.AddEdge(mid.ID, cfg.Edge{Kind: cfg.Fallthrough, To: g.Exit})
	return g
}

func TestReportCountsBlocksEdgesAndComplexity(t *testing.T) {
	g := linear(t)
	s := Report(g)

	if s.BlockCount != 3 {
		t.Fatalf("BlockCount = %d, want 3", s.BlockCount)
	}
	if s.EdgeCount != 2 {
		t.Fatalf("EdgeCount = %d, want 2", s.EdgeCount)
	}
	wantComplexity := s.EdgeCount - s.BlockCount + 2
	if s.CyclomaticComplexity != wantComplexity {
		t.Fatalf("CyclomaticComplexity = %d, want %d", s.CyclomaticComplexity, wantComplexity)
	}
	if len(s.UnreachableBlocks) != 0 {
		t.Fatalf("expected no unreachable blocks, got %v", s.UnreachableBlocks)
	}
}

func TestReportFlagsUnreachableBlocks(t *testing.T) {
	g := linear(t)
	orphan := g.NewBlock("") // never wired into any edge
	_ = orphan

	s := Report(g)
	if len(s.UnreachableBlocks) != 1 || s.UnreachableBlocks[0] != orphan.ID {
		t.Fatalf("expected only block %d unreachable, got %v", orphan.ID, s.UnreachableBlocks)
	}
}

func TestReportAllIsSortedByProcedureName(t *testing.T) {
	graphs := map[string]*cfg.ControlFlowGraph{
		"Zebra": linear(t),
		"Alpha": linear(t),
		"":      linear(t), // top-level program
	}
	summaries := ReportAll(graphs)
	if len(summaries) != 3 {
		t.Fatalf("expected 3 summaries, got %d", len(summaries))
	}
	names := make([]string, len(summaries))
	for i, s := range summaries {
		names[i] = s.Procedure
	}
	if names[0] != "" || names[1] != "Alpha" || names[2] != "Zebra" {
		t.Fatalf("summaries not in sorted order: %v", names)
	}
}

func TestSummaryStringIncludesUnreachableBlocksWhenPresent(t *testing.T) {
	g := linear(t)
	orphan := g.NewBlock("")
	s := Report(g)

	line := s.String()
	if !strings.Contains(line, "unreachable") {
		t.Fatalf("expected summary line to mention unreachable blocks, got %q", line)
	}
	if !strings.Contains(line, "proc") {
		t.Fatalf("expected summary line to name the procedure, got %q", line)
	}
	_ = orphan
}

func TestSummaryStringOmitsUnreachableWhenClean(t *testing.T) {
	g := linear(t)
	s := Report(g)
	line := s.String()
	if strings.Contains(line, "unreachable") {
		t.Fatalf("clean graph should not mention unreachable blocks, got %q", line)
	}
}

func TestSummaryStringUsesMainLabelForTopLevelProgram(t *testing.T) {
	g := linear(t)
	g.Name = ""
	s := Report(g)
	if !strings.HasPrefix(s.String(), "<main>:") {
		t.Fatalf("expected top-level summary to use <main>, got %q", s.String())
	}
}
