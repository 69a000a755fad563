package cfg

import (
	"testing"

	"github.com/albanread/FBCQBE-sub004/internal/ast"
	"github.com/albanread/FBCQBE-sub004/internal/diag"
)

func build(t *testing.T, stmts []*ast.Node) *ControlFlowGraph {
	t.Helper()
	prog := &ast.Node{Kind: ast.KProgram, Nodes: stmts}
	graphs := BuildProgram(prog, nil, diag.NewBag())
	g, ok := graphs[""]
	if !ok {
		t.Fatalf("no top-level graph produced")
	}
	return g
}

func edgeKinds(blk *BasicBlock) []EdgeKind {
	out := make([]EdgeKind, len(blk.Out))
	for i, e := range blk.Out {
		out[i] = e.Kind
	}
	return out
}

func hasKind(kinds []EdgeKind, k EdgeKind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

func TestBuildProgramStraightLineFallsThroughToExit(t *testing.T) {
	g := build(t, []*ast.Node{
		{Kind: ast.KLet, Name: "x"},
		{Kind: ast.KLet, Name: "y"},
	})
	entry := g.Block(g.Entry)
	if len(entry.Stmts) != 2 {
		t.Fatalf("expected both statements on the entry block, got %d", len(entry.Stmts))
	}
	if len(entry.Out) != 1 || entry.Out[0].Kind != Fallthrough || entry.Out[0].To != g.Exit {
		t.Fatalf("expected a single fallthrough edge to exit, got %+v", entry.Out)
	}
}

func TestBuildProgramIfProducesMatchedConditionalEdges(t *testing.T) {
	g := build(t, []*ast.Node{
		{Kind: ast.KIf, X: &ast.Node{Kind: ast.KIntLit, Name: "1"},
			Body: &ast.Node{Nodes: []*ast.Node{{Kind: ast.KLet, Name: "a"}}}},
	})
	entry := g.Block(g.Entry)
	kinds := edgeKinds(entry)
	if !hasKind(kinds, ConditionalTrue) || !hasKind(kinds, ConditionalFalse) {
		t.Fatalf("expected both a ConditionalTrue and ConditionalFalse edge, got %v", kinds)
	}
	var trueTo, falseTo int
	for _, e := range entry.Out {
		switch e.Kind {
		case ConditionalTrue:
			trueTo = e.To
		case ConditionalFalse:
			falseTo = e.To
		}
	}
	if trueTo == falseTo {
		t.Fatalf("true and false branches must not collapse to the same block")
	}
}

func TestBuildProgramForLoopHasExactlyOneBackedgeAndOneExit(t *testing.T) {
	g := build(t, []*ast.Node{
		{Kind: ast.KFor, Name: "i",
			Body: &ast.Node{Nodes: []*ast.Node{{Kind: ast.KLet, Name: "s"}}}},
	})
	if len(g.Loops) != 1 {
		t.Fatalf("expected exactly one LoopInfo, got %d", len(g.Loops))
	}
	loop := g.Loops[0]
	if loop.Kind != ast.LoopFor {
		t.Fatalf("expected LoopFor, got %v", loop.Kind)
	}

	var backedges, exits int
	for _, blk := range g.Blocks {
		for _, e := range blk.Out {
			if e.Kind == LoopBack {
				backedges++
			}
			if e.Kind == ConditionalFalse && blk.ID == loop.Header {
				exits++
			}
		}
	}
	if backedges != 1 {
		t.Fatalf("expected exactly one LoopBack edge, got %d", backedges)
	}
	if exits != 1 {
		t.Fatalf("expected exactly one exit edge off the loop header, got %d", exits)
	}
}

func TestBuildProgramGotoToLabelResolves(t *testing.T) {
	g := build(t, []*ast.Node{
		{Kind: ast.KGoto, TargetLabel: "done"},
		{Kind: ast.KLet, Name: "unreachable"},
		{Kind: ast.KLabelDecl, Name: "done"},
		{Kind: ast.KLet, Name: "after"},
	})
	entry := g.Block(g.Entry)
	if len(entry.Out) != 1 || entry.Out[0].Kind != Unconditional {
		t.Fatalf("expected a single resolved Unconditional edge, got %+v", entry.Out)
	}
	target, ok := g.LabelToBlock["done"]
	if !ok {
		t.Fatalf("label %q never registered", "done")
	}
	if entry.Out[0].To != target {
		t.Fatalf("goto edge points at block %d, want label target block %d", entry.Out[0].To, target)
	}
}

func TestBuildProgramUnresolvedGotoIsFatalAndFallsBackToExit(t *testing.T) {
	prog := &ast.Node{Kind: ast.KProgram, Nodes: []*ast.Node{
		{Kind: ast.KGoto, TargetLabel: "nowhere"},
	}}
	diags := diag.NewBag()
	graphs := BuildProgram(prog, nil, diags)
	g := graphs[""]

	if !diags.Fatal() {
		t.Fatalf("expected an unresolved branch target to be fatal")
	}
	entry := g.Block(g.Entry)
	if entry.Out[0].To != g.Exit {
		t.Fatalf("unresolved goto should fall back to the exit block, landed on %d instead (exit=%d)", entry.Out[0].To, g.Exit)
	}
}

func TestBuildProgramGosubReturnUsesSparseDispatch(t *testing.T) {
	g := build(t, []*ast.Node{
		{Kind: ast.KGosub, TargetLabel: "sub1"},
		{Kind: ast.KGoto, TargetLabel: "tail"},
		{Kind: ast.KLabelDecl, Name: "sub1"},
		{Kind: ast.KReturnStmt},
		{Kind: ast.KLabelDecl, Name: "tail"},
	})
	if g.DispatchBlock < 0 {
		t.Fatalf("expected a dispatch block to have been created for RETURN")
	}
	if len(g.GosubCallSites) != 1 {
		t.Fatalf("expected exactly one registered GOSUB call site, got %d", len(g.GosubCallSites))
	}
	site := g.GosubCallSites[0]
	if !g.SparseReturnSet[site.ReturnBlock] {
		t.Fatalf("call site's return block must be in the sparse return set")
	}

	disp := g.Block(g.DispatchBlock)
	var sawComputed bool
	for _, e := range disp.Out {
		if e.Kind == ComputedCase && e.To == site.ReturnBlock && e.CaseIndex == site.RetID {
			sawComputed = true
		}
	}
	if !sawComputed {
		t.Fatalf("dispatch block has no ComputedCase edge back to the call site's return block")
	}
}

func TestBuildProgramCatchClauseAfterCatchAllIsFatal(t *testing.T) {
	prog := &ast.Node{Kind: ast.KProgram, Nodes: []*ast.Node{
		{Kind: ast.KTry, Body: &ast.Node{Nodes: []*ast.Node{{Kind: ast.KLet, Name: "a"}}},
			Nodes: []*ast.Node{
				{Kind: ast.KCatchClause, X: nil, Body: &ast.Node{}},                                     // catch-all
				{Kind: ast.KCatchClause, X: &ast.Node{Kind: ast.KIntLit, Name: "1"}, Body: &ast.Node{}}, // unreachable
			}},
	}}
	diags := diag.NewBag()
	BuildProgram(prog, nil, diags)

	if !diags.Fatal() {
		t.Fatalf("expected a CATCH clause after a catch-all to be fatal")
	}
	var sawBadTryShape bool
	for _, d := range diags.Items() {
		if d.Kind == diag.BadTryShape {
			sawBadTryShape = true
		}
	}
	if !sawBadTryShape {
		t.Fatalf("expected a BadTryShape diagnostic, got %v", diags.Items())
	}
}

func TestBuildProgramTrySetupBranchesToDispatchOnLongjmpReturn(t *testing.T) {
	g := build(t, []*ast.Node{
		{Kind: ast.KTry, Body: &ast.Node{Nodes: []*ast.Node{{Kind: ast.KLet, Name: "a"}}},
			Nodes: []*ast.Node{
				{Kind: ast.KCatchClause, X: nil, Body: &ast.Node{}},
			}},
	})
	entry := g.Block(g.Entry)
	if len(entry.Stmts) != 1 || entry.Stmts[0].Kind != ast.KTryPush {
		t.Fatalf("expected the try_setup block to carry the KTryPush statement, got %+v", entry.Stmts)
	}
	kinds := edgeKinds(entry)
	if !hasKind(kinds, ConditionalTrue) || !hasKind(kinds, ConditionalFalse) {
		t.Fatalf("try_setup must have a matched ConditionalTrue/ConditionalFalse pair so a longjmp'd setjmp return can reach dispatch, got %v", kinds)
	}
	var trueTo, falseTo int
	for _, e := range entry.Out {
		switch e.Kind {
		case ConditionalTrue:
			trueTo = e.To
		case ConditionalFalse:
			falseTo = e.To
		}
	}
	if trueTo == falseTo {
		t.Fatalf("true (dispatch) and false (try body) targets must differ")
	}
	dispatchBlk := g.Block(trueTo)
	var sawDispatchStmt bool
	for _, s := range dispatchBlk.Stmts {
		if s.Kind == ast.KTryDispatch {
			sawDispatchStmt = true
		}
	}
	if !sawDispatchStmt {
		t.Fatalf("ConditionalTrue out of try_setup must land on the CATCH dispatch block")
	}
}

func TestBuildProgramSelectCaseBodyNeverFallsIntoNextTest(t *testing.T) {
	g := build(t, []*ast.Node{
		{Kind: ast.KSelectCase, X: &ast.Node{Kind: ast.KIntLit, Name: "1"}, Nodes: []*ast.Node{
			{Kind: ast.KCaseClause, CaseKind: ast.CaseSingle,
				Body: &ast.Node{Nodes: []*ast.Node{{Kind: ast.KLet, Name: "a"}}}},
			{Kind: ast.KCaseClause, CaseKind: ast.CaseSingle,
				Body: &ast.Node{Nodes: []*ast.Node{{Kind: ast.KLet, Name: "b"}}}},
		}},
	})
	// Every block whose only statement is a KLet (a case body) must have
	// exactly one out-edge, and it must not be a ConditionalTrue/False edge
	// feeding back into another CASE test.
	for _, blk := range g.Blocks {
		if len(blk.Stmts) != 1 || blk.Stmts[0].Kind != ast.KLet {
			continue
		}
		if len(blk.Out) != 1 {
			t.Fatalf("case body block %d should have exactly one exit edge, got %+v", blk.ID, blk.Out)
		}
		if blk.Out[0].Kind == ConditionalTrue || blk.Out[0].Kind == ConditionalFalse {
			t.Fatalf("case body block %d must not fall into another CASE test, got %v", blk.ID, blk.Out[0].Kind)
		}
	}
}
