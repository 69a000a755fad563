package cfg

import (
	"golang.org/x/exp/slices"

	"github.com/albanread/FBCQBE-sub004/internal/ast"
	"github.com/albanread/FBCQBE-sub004/internal/diag"
)

// Builder is the CFG Builder (C6): a single recursive walk of a
// procedure's statement list that lays down basic blocks and edges
// according to §4.6's per-construct rules. A Builder is not
// goroutine-safe; BuildProgram uses one Builder for every procedure, one
// after another, and only emission runs concurrently (compiler.go).
type Builder struct {
	symtab ast.SymbolTable
	diags  *diag.Bag
	graphs map[string]*ControlFlowGraph

	g   *ControlFlowGraph
	cur *BasicBlock
	pre *PreScan

	loops   contextStack[LoopContext]
	selects contextStack[SelectContext]
	tries   contextStack[TryContext]
	subs    contextStack[SubroutineContext]
}

// BuildProgram runs the CFG Builder over an entire program: one graph for
// the top-level statement list, one more per SUB/FUNCTION declaration
// (§2 data flow, §4.6).
func BuildProgram(prog *ast.Node, symtab ast.SymbolTable, diags *diag.Bag) map[string]*ControlFlowGraph {
	b := &Builder{symtab: symtab, diags: diags, graphs: make(map[string]*ControlFlowGraph)}

	var topLevel []*ast.Node
	var decls []*ast.Node
	for _, n := range prog.Nodes {
		if n.Kind == ast.KSubDecl || n.Kind == ast.KFuncDecl {
			decls = append(decls, n)
		} else {
			topLevel = append(topLevel, n)
		}
	}

	b.buildProcedure("", topLevel)
	for _, d := range decls {
		var body []*ast.Node
		if d.Body != nil {
			body = d.Body.Nodes
		}
		b.buildProcedure(d.Name, body)
	}
	return b.graphs
}

func (b *Builder) buildProcedure(name string, stmts []*ast.Node) {
	g := NewGraph(name)
	b.g = g
	b.cur = g.Block(g.Entry)

	exitBlock := g.NewBlock("exit")
	exitBlock.Term = Terminator{Kind: TermReturn}
	g.Exit = exitBlock.ID

	pre := NewPreScan()
	pre.Scan(stmts)
	b.pre = pre

	b.subs.push(SubroutineContext{Entry: g.Entry, Exit: g.Exit})
	b.walkStmts(stmts)
	b.subs.pop()

	if !b.cur.Terminated() {
		g.AddEdge(b.cur.ID, Edge{Kind: Fallthrough, To: g.Exit})
		b.cur.Term = Terminator{Kind: TermEdges}
	}

	b.finalizeGosubDispatch()
	b.finalizeResumeDispatch()
	g.ResolveDeferred(b.diags)

	b.graphs[name] = g
}

// --- statement dispatch -----------------------------------------------

func (b *Builder) walkStmts(stmts []*ast.Node) {
	for _, n := range stmts {
		b.walkStmt(n)
	}
}

func (b *Builder) walkStmt(n *ast.Node) {
	if n == nil {
		return
	}
	switch n.Kind {
	case ast.KLineLabel, ast.KLabelDecl:
		b.markLabel(n)
	case ast.KLet, ast.KPrint, ast.KInput, ast.KDim, ast.KRedim, ast.KErase, ast.KCallStmt, ast.KRem:
		b.ensureOpen().AddStmt(n)
	case ast.KIf:
		b.lowerIf(n)
	case ast.KSelectCase:
		b.lowerSelectCase(n)
	case ast.KWhile:
		b.lowerWhile(n)
	case ast.KFor:
		b.lowerFor(n)
	case ast.KRepeatUntil:
		b.lowerRepeat(n)
	case ast.KDoLoop:
		b.lowerDoLoop(n)
	case ast.KGoto:
		b.lowerGoto(n)
	case ast.KGosub:
		b.lowerGosub(n)
	case ast.KReturnStmt:
		b.lowerReturn(n)
	case ast.KOnGoto:
		b.lowerOnGoto(n)
	case ast.KOnGosub:
		b.lowerOnGosub(n)
	case ast.KOnCall:
		b.lowerOnCall(n)
	case ast.KTry:
		b.lowerTry(n)
	case ast.KThrow:
		b.lowerThrow(n)
	case ast.KEnd:
		b.lowerEnd(n)
	case ast.KExit:
		b.lowerExit(n)
	case ast.KContinue:
		b.lowerContinue(n)
	case ast.KOnErrorGoto:
		b.lowerOnErrorGoto(n)
	case ast.KOnErrorGotoZero:
		b.lowerOnErrorGotoZero(n)
	case ast.KResume:
		b.lowerResume(n)
	case ast.KResumeNext:
		b.lowerResumeNext(n)
	default:
		b.diags.Invariant("cfg builder: unhandled statement kind %d", n.Kind)
	}
}

// --- block helpers -------------------------------------------------------

func (b *Builder) ensureOpen() *BasicBlock {
	if b.cur.Terminated() {
		b.cur = b.g.NewBlock("")
	}
	return b.cur
}

func (b *Builder) deferEdge(from int, kind EdgeKind, line int, label string) {
	b.g.AddEdge(from, Edge{Kind: Deferred, PendingKind: kind, DeferredLine: line, DeferredLabel: label})
}

func (b *Builder) deferEdgeComputed(from, caseIndex, line int, label string) {
	b.g.AddEdge(from, Edge{Kind: Deferred, PendingKind: ComputedCase, CaseIndex: caseIndex, DeferredLine: line, DeferredLabel: label})
}

func (b *Builder) fallthroughIfOpen(blockID int, to int) {
	blk := b.g.Block(blockID)
	if !blk.Terminated() {
		b.g.AddEdge(blockID, Edge{Kind: Fallthrough, To: to})
		blk.Term = Terminator{Kind: TermEdges}
	}
}

func (b *Builder) markLabel(n *ast.Node) {
	if b.pre.IsTarget(n) && len(b.cur.Stmts) > 0 {
		b.splitBlock()
	}
	blk := b.ensureOpen()
	switch n.Kind {
	case ast.KLineLabel:
		if n.Line != 0 {
			if _, dup := b.g.LineToBlock[n.Line]; dup {
				b.diags.Add(diag.Diagnostic{Kind: diag.DuplicateLabel, Severity: diag.SeverityFatal,
					Location: diag.Location{Line: n.Line}, Message: "duplicate line number"})
			}
			b.g.LineToBlock[n.Line] = blk.ID
		}
	case ast.KLabelDecl:
		if _, dup := b.g.LabelToBlock[n.Name]; dup {
			b.diags.Add(diag.Diagnostic{Kind: diag.DuplicateLabel, Severity: diag.SeverityFatal,
				Message: "duplicate label " + n.Name})
		}
		b.g.LabelToBlock[n.Name] = blk.ID
	}
}

func (b *Builder) splitBlock() {
	if b.cur.Terminated() {
		return
	}
	nb := b.g.NewBlock("")
	b.g.AddEdge(b.cur.ID, Edge{Kind: Fallthrough, To: nb.ID})
	b.cur.Term = Terminator{Kind: TermEdges}
	b.cur = nb
}

// --- unconditional control transfer --------------------------------------

func (b *Builder) lowerGoto(n *ast.Node) {
	cur := b.ensureOpen()
	b.deferEdge(cur.ID, Unconditional, n.TargetLine, n.TargetLabel)
	cur.Term = Terminator{Kind: TermEdges}
	b.cur = b.g.NewBlock("")
}

func (b *Builder) lowerEnd(n *ast.Node) {
	cur := b.ensureOpen()
	cur.Term = Terminator{Kind: TermEnd}
	b.cur = b.g.NewBlock("")
}

func (b *Builder) lowerExit(n *ast.Node) {
	switch n.Name {
	case "SUB", "FUNCTION":
		sub, ok := b.subs.top()
		if !ok {
			b.diags.Invariant("EXIT %s outside any procedure", n.Name)
			return
		}
		cur := b.ensureOpen()
		b.g.AddEdge(cur.ID, Edge{Kind: Unconditional, To: sub.Exit})
		cur.Term = Terminator{Kind: TermReturn, RetVal: n.X}
		b.cur = b.g.NewBlock("")
	default:
		lc, ok := b.loops.top()
		if !ok {
			b.diags.Add(diag.Diagnostic{Kind: diag.BadLoopNesting, Severity: diag.SeverityFatal, Message: "EXIT outside any loop"})
			return
		}
		cur := b.ensureOpen()
		b.g.AddEdge(cur.ID, Edge{Kind: LoopExit, To: lc.Exit})
		cur.Term = Terminator{Kind: TermEdges}
		b.cur = b.g.NewBlock("")
	}
}

func (b *Builder) lowerContinue(n *ast.Node) {
	lc, ok := b.loops.top()
	if !ok {
		b.diags.Add(diag.Diagnostic{Kind: diag.BadLoopNesting, Severity: diag.SeverityFatal, Message: "CONTINUE outside any loop"})
		return
	}
	cur := b.ensureOpen()
	b.g.AddEdge(cur.ID, Edge{Kind: LoopBack, To: lc.Header})
	cur.Term = Terminator{Kind: TermEdges}
	b.cur = b.g.NewBlock("")
}

// --- IF / ELSEIF / ELSE --------------------------------------------------

func (b *Builder) lowerIf(n *ast.Node) {
	cur := b.ensureOpen()
	cur.AddStmt(n)

	thenBlock := b.g.NewBlock("")
	elseBlock := b.g.NewBlock("")
	join := b.g.NewBlock("")

	b.g.AddEdge(cur.ID, Edge{Kind: ConditionalTrue, To: thenBlock.ID})
	b.g.AddEdge(cur.ID, Edge{Kind: ConditionalFalse, To: elseBlock.ID})
	cur.Term = Terminator{Kind: TermEdges}

	b.cur = thenBlock
	if n.Body != nil {
		b.walkStmts(n.Body.Nodes)
	}
	b.fallthroughIfOpen(b.cur.ID, join.ID)

	b.cur = elseBlock
	b.lowerElseChain(n.Y)
	b.fallthroughIfOpen(b.cur.ID, join.ID)

	b.cur = join
}

// lowerElseChain lowers an ELSEIF/ELSE tail into the already-open
// b.cur block (the previous condition's false branch).
func (b *Builder) lowerElseChain(n *ast.Node) {
	if n == nil {
		return
	}
	if n.Kind == ast.KElseIf {
		cur := b.ensureOpen()
		cur.AddStmt(n)
		thenBlock := b.g.NewBlock("")
		nextBlock := b.g.NewBlock("")
		b.g.AddEdge(cur.ID, Edge{Kind: ConditionalTrue, To: thenBlock.ID})
		b.g.AddEdge(cur.ID, Edge{Kind: ConditionalFalse, To: nextBlock.ID})
		cur.Term = Terminator{Kind: TermEdges}

		b.cur = thenBlock
		if n.Body != nil {
			b.walkStmts(n.Body.Nodes)
		}
		thenExitID := b.cur.ID

		b.cur = nextBlock
		b.lowerElseChain(n.Y)
		elseExitID := b.cur.ID

		merge := b.g.NewBlock("")
		b.fallthroughIfOpen(thenExitID, merge.ID)
		b.fallthroughIfOpen(elseExitID, merge.ID)
		b.cur = merge
		return
	}
	// plain ELSE container: n.Nodes holds the statement list directly.
	b.walkStmts(n.Nodes)
}

// --- SELECT CASE ----------------------------------------------------------

func (b *Builder) lowerSelectCase(n *ast.Node) {
	cur := b.ensureOpen()
	cur.AddStmt(n)
	exit := b.g.NewBlock("")
	b.selects.push(SelectContext{Exit: exit.ID})

	testBlock := cur
	var elseClause *ast.Node
	for _, clause := range n.Nodes {
		if clause.CaseKind == ast.CaseElse {
			elseClause = clause
			continue
		}
		body := b.g.NewBlock("")
		nextTest := b.g.NewBlock("")
		testBlock.AddStmt(clause)
		b.g.AddEdge(testBlock.ID, Edge{Kind: ConditionalTrue, To: body.ID})
		b.g.AddEdge(testBlock.ID, Edge{Kind: ConditionalFalse, To: nextTest.ID})
		testBlock.Term = Terminator{Kind: TermEdges}

		b.cur = body
		if clause.Body != nil {
			b.walkStmts(clause.Body.Nodes)
		}
		// no-fallthrough invariant: a CASE body always exits straight to
		// the SELECT's exit block, never into the next CASE test.
		if !b.cur.Terminated() {
			b.g.AddEdge(b.cur.ID, Edge{Kind: Unconditional, To: exit.ID})
			b.cur.Term = Terminator{Kind: TermEdges}
		}

		testBlock = nextTest
	}

	b.cur = testBlock
	if elseClause != nil {
		b.walkStmts(elseClause.Body.Nodes)
	}
	b.fallthroughIfOpen(b.cur.ID, exit.ID)

	b.selects.pop()
	b.cur = exit
}

// --- loops ----------------------------------------------------------------

func (b *Builder) lowerWhile(n *ast.Node) {
	cur := b.ensureOpen()
	header := b.g.NewBlock("")
	b.fallthroughIfOpen(cur.ID, header.ID)

	body := b.g.NewBlock("")
	exit := b.g.NewBlock("")
	header.AddStmt(n)
	b.g.AddEdge(header.ID, Edge{Kind: ConditionalTrue, To: body.ID})
	b.g.AddEdge(header.ID, Edge{Kind: ConditionalFalse, To: exit.ID})
	header.Term = Terminator{Kind: TermEdges}

	b.loops.push(LoopContext{Kind: ast.LoopWhile, Header: header.ID, Exit: exit.ID})
	b.cur = body
	if n.Body != nil {
		b.walkStmts(n.Body.Nodes)
	}
	if !b.cur.Terminated() {
		b.g.AddEdge(b.cur.ID, Edge{Kind: LoopBack, To: header.ID})
		b.cur.Term = Terminator{Kind: TermEdges}
	}
	b.loops.pop()

	b.g.Loops = append(b.g.Loops, LoopInfo{Header: header.ID, Body: body.ID, Exit: exit.ID, Kind: ast.LoopWhile})
	b.cur = exit
}

// lowerFor lowers FOR/NEXT to init -> header-test -> body -> increment ->
// backedge, with CONTINUE targeting the increment block so the step
// always runs before the loop re-tests (§4.6, regardless of a
// compile-time-constant or runtime-signed STEP — the sign only changes
// which comparison op the emitter chooses, never this shape).
func (b *Builder) lowerFor(n *ast.Node) {
	cur := b.ensureOpen()
	cur.AddStmt(&ast.Node{Kind: ast.KForInit, X: n})

	header := b.g.NewBlock("")
	b.g.AddEdge(cur.ID, Edge{Kind: Fallthrough, To: header.ID})
	cur.Term = Terminator{Kind: TermEdges}

	body := b.g.NewBlock("")
	incr := b.g.NewBlock("")
	exit := b.g.NewBlock("")
	header.AddStmt(&ast.Node{Kind: ast.KForTest, X: n})
	b.g.AddEdge(header.ID, Edge{Kind: ConditionalTrue, To: body.ID})
	b.g.AddEdge(header.ID, Edge{Kind: ConditionalFalse, To: exit.ID})
	header.Term = Terminator{Kind: TermEdges}

	b.loops.push(LoopContext{Kind: ast.LoopFor, Header: incr.ID, Exit: exit.ID})
	b.cur = body
	if n.Body != nil {
		b.walkStmts(n.Body.Nodes)
	}
	b.fallthroughIfOpen(b.cur.ID, incr.ID)
	b.loops.pop()

	incr.AddStmt(&ast.Node{Kind: ast.KForStep, X: n})
	b.g.AddEdge(incr.ID, Edge{Kind: LoopBack, To: header.ID})
	incr.Term = Terminator{Kind: TermEdges}

	b.g.Loops = append(b.g.Loops, LoopInfo{Header: header.ID, Body: body.ID, Exit: exit.ID, Kind: ast.LoopFor})
	b.cur = exit
}

func (b *Builder) lowerRepeat(n *ast.Node) {
	cur := b.ensureOpen()
	body := b.g.NewBlock("")
	b.fallthroughIfOpen(cur.ID, body.ID)

	testBlock := b.g.NewBlock("")
	exit := b.g.NewBlock("")

	b.loops.push(LoopContext{Kind: ast.LoopRepeat, Header: testBlock.ID, Exit: exit.ID})
	b.cur = body
	if n.Body != nil {
		b.walkStmts(n.Body.Nodes)
	}
	b.fallthroughIfOpen(b.cur.ID, testBlock.ID)
	b.loops.pop()

	testBlock.AddStmt(n) // UNTIL condition
	b.g.AddEdge(testBlock.ID, Edge{Kind: ConditionalFalse, To: body.ID})
	b.g.AddEdge(testBlock.ID, Edge{Kind: ConditionalTrue, To: exit.ID})
	testBlock.Term = Terminator{Kind: TermEdges}

	b.g.Loops = append(b.g.Loops, LoopInfo{Header: testBlock.ID, Body: body.ID, Exit: exit.ID, Kind: ast.LoopRepeat})
	b.cur = exit
}

func (b *Builder) lowerDoLoop(n *ast.Node) {
	cur := b.ensureOpen()

	switch n.DoKind {
	case ast.DoWhilePre, ast.DoUntilPre:
		header := b.g.NewBlock("")
		b.fallthroughIfOpen(cur.ID, header.ID)
		body := b.g.NewBlock("")
		exit := b.g.NewBlock("")
		header.AddStmt(n)
		if n.DoKind == ast.DoWhilePre {
			b.g.AddEdge(header.ID, Edge{Kind: ConditionalTrue, To: body.ID})
			b.g.AddEdge(header.ID, Edge{Kind: ConditionalFalse, To: exit.ID})
		} else {
			b.g.AddEdge(header.ID, Edge{Kind: ConditionalFalse, To: body.ID})
			b.g.AddEdge(header.ID, Edge{Kind: ConditionalTrue, To: exit.ID})
		}
		header.Term = Terminator{Kind: TermEdges}

		b.loops.push(LoopContext{Kind: ast.LoopDo, Header: header.ID, Exit: exit.ID})
		b.cur = body
		if n.Body != nil {
			b.walkStmts(n.Body.Nodes)
		}
		if !b.cur.Terminated() {
			b.g.AddEdge(b.cur.ID, Edge{Kind: LoopBack, To: header.ID})
			b.cur.Term = Terminator{Kind: TermEdges}
		}
		b.loops.pop()
		b.g.Loops = append(b.g.Loops, LoopInfo{Header: header.ID, Body: body.ID, Exit: exit.ID, Kind: ast.LoopDo})
		b.cur = exit

	case ast.DoWhilePost, ast.DoUntilPost:
		body := b.g.NewBlock("")
		b.fallthroughIfOpen(cur.ID, body.ID)
		testBlock := b.g.NewBlock("")
		exit := b.g.NewBlock("")

		b.loops.push(LoopContext{Kind: ast.LoopDo, Header: testBlock.ID, Exit: exit.ID})
		b.cur = body
		if n.Body != nil {
			b.walkStmts(n.Body.Nodes)
		}
		b.fallthroughIfOpen(b.cur.ID, testBlock.ID)
		b.loops.pop()

		testBlock.AddStmt(n)
		if n.DoKind == ast.DoWhilePost {
			b.g.AddEdge(testBlock.ID, Edge{Kind: ConditionalTrue, To: body.ID})
			b.g.AddEdge(testBlock.ID, Edge{Kind: ConditionalFalse, To: exit.ID})
		} else {
			b.g.AddEdge(testBlock.ID, Edge{Kind: ConditionalFalse, To: body.ID})
			b.g.AddEdge(testBlock.ID, Edge{Kind: ConditionalTrue, To: exit.ID})
		}
		testBlock.Term = Terminator{Kind: TermEdges}
		b.g.Loops = append(b.g.Loops, LoopInfo{Header: testBlock.ID, Body: body.ID, Exit: exit.ID, Kind: ast.LoopDo})
		b.cur = exit

	default: // DoInfinite
		body := b.g.NewBlock("")
		b.fallthroughIfOpen(cur.ID, body.ID)
		exit := b.g.NewBlock("")

		b.loops.push(LoopContext{Kind: ast.LoopDo, Header: body.ID, Exit: exit.ID})
		b.cur = body
		if n.Body != nil {
			b.walkStmts(n.Body.Nodes)
		}
		if !b.cur.Terminated() {
			b.g.AddEdge(b.cur.ID, Edge{Kind: LoopBack, To: body.ID})
			b.cur.Term = Terminator{Kind: TermEdges}
		}
		b.loops.pop()
		b.g.Loops = append(b.g.Loops, LoopInfo{Header: body.ID, Body: body.ID, Exit: exit.ID, Kind: ast.LoopDo})
		b.cur = exit
	}
}

// --- GOTO-family computed dispatch (ON GOTO / ON GOSUB / ON CALL) --------

func (b *Builder) lowerOnGoto(n *ast.Node) {
	cur := b.ensureOpen()
	cur.AddStmt(n)
	cont := b.g.NewBlock("")
	for i, t := range n.Nodes {
		b.deferEdgeComputed(cur.ID, i+1, t.TargetLine, t.TargetLabel)
	}
	b.g.AddEdge(cur.ID, Edge{Kind: Fallthrough, To: cont.ID})
	cur.Term = Terminator{Kind: TermEdges}
	b.cur = cont
}

func (b *Builder) lowerOnGosub(n *ast.Node) {
	cur := b.ensureOpen()
	cur.AddStmt(n)
	retBlock := b.g.NewBlock("")
	for i, t := range n.Nodes {
		id := len(b.g.GosubCallSites)
		b.g.GosubCallSites = append(b.g.GosubCallSites, GosubCallSite{RetID: id, CallBlock: cur.ID, ReturnBlock: retBlock.ID})
		b.g.SparseReturnSet[retBlock.ID] = true
		b.g.GosubReturnSite[cur.ID] = retBlock.ID
		b.deferEdgeComputed(cur.ID, i+1, t.TargetLine, t.TargetLabel)
	}
	b.g.AddEdge(cur.ID, Edge{Kind: Fallthrough, To: retBlock.ID})
	cur.Term = Terminator{Kind: TermEdges}
	b.cur = retBlock
}

// lowerOnCall lowers ON...CALL to a computed branch into one call-stub
// block per listed procedure, each falling through to a shared
// continuation once its call returns.
func (b *Builder) lowerOnCall(n *ast.Node) {
	cur := b.ensureOpen()
	cur.AddStmt(n)
	cont := b.g.NewBlock("")
	for i, t := range n.Nodes {
		stub := b.g.NewBlock("")
		stub.AddStmt(t)
		b.g.AddEdge(stub.ID, Edge{Kind: Fallthrough, To: cont.ID})
		stub.Term = Terminator{Kind: TermEdges}
		b.g.AddEdge(cur.ID, Edge{Kind: ComputedCase, CaseIndex: i + 1, To: stub.ID})
	}
	b.g.AddEdge(cur.ID, Edge{Kind: Fallthrough, To: cont.ID})
	cur.Term = Terminator{Kind: TermEdges}
	b.cur = cont
}

// --- GOSUB / RETURN sparse dispatch (C8) ----------------------------------

func (b *Builder) lowerGosub(n *ast.Node) {
	call := b.ensureOpen()
	retBlock := b.g.NewBlock("")
	id := len(b.g.GosubCallSites)
	b.g.GosubCallSites = append(b.g.GosubCallSites, GosubCallSite{RetID: id, CallBlock: call.ID, ReturnBlock: retBlock.ID})
	b.g.SparseReturnSet[retBlock.ID] = true
	b.g.GosubReturnSite[call.ID] = retBlock.ID

	b.deferEdge(call.ID, Call, n.TargetLine, n.TargetLabel)
	call.Term = Terminator{Kind: TermEdges}
	b.cur = retBlock
}

func (b *Builder) lowerReturn(n *ast.Node) {
	cur := b.ensureOpen()
	disp := b.dispatchBlockID()
	b.g.AddEdge(cur.ID, Edge{Kind: Unconditional, To: disp})
	cur.Term = Terminator{Kind: TermEdges}
	b.cur = b.g.NewBlock("")
}

func (b *Builder) dispatchBlockID() int {
	if b.g.DispatchBlock < 0 {
		nb := b.g.NewBlock("dispatch")
		b.g.DispatchBlock = nb.ID
	}
	return b.g.DispatchBlock
}

// finalizeGosubDispatch wires the sparse comparison chain from the
// dispatch block to every registered call site's return block, sorted by
// return id so the emitter can lower it as the §4.8 O(k) sorted chain.
func (b *Builder) finalizeGosubDispatch() {
	if b.g.DispatchBlock < 0 {
		return
	}
	sites := append([]GosubCallSite(nil), b.g.GosubCallSites...)
	slices.SortFunc(sites, func(x, y GosubCallSite) int { return x.RetID - y.RetID })

	disp := b.g.Block(b.g.DispatchBlock)
	for _, s := range sites {
		b.g.AddEdge(disp.ID, Edge{Kind: ComputedCase, CaseIndex: s.RetID, To: s.ReturnBlock})
	}
	disp.Term = Terminator{Kind: TermEdges}
}

// --- TRY / CATCH / FINALLY / THROW (C7) -----------------------------------

func (b *Builder) lowerTry(n *ast.Node) {
	cur := b.ensureOpen()
	cur.AddStmt(&ast.Node{Kind: ast.KTryPush, X: n})

	tryBody := b.g.NewBlock("")
	dispatch := b.g.NewBlock("")
	exit := b.g.NewBlock("")

	hasFinally := n.Y != nil && n.Y.Kind == ast.KFinally
	finallyBlock := -1
	if hasFinally {
		fb := b.g.NewBlock("")
		finallyBlock = fb.ID
	}

	// try_setup's two out-edges both come from the one basic_setjmp() call
	// lowered for the KTryPush statement above: ConditionalFalse is the
	// normal first-pass return (0), ConditionalTrue is a longjmp landing
	// back here from a THROW raised anywhere below this point in the call
	// graph, including inside a called SUB/FUNCTION.
	b.g.AddEdge(cur.ID, Edge{Kind: ConditionalFalse, To: tryBody.ID})
	b.g.AddEdge(cur.ID, Edge{Kind: ConditionalTrue, To: dispatch.ID})
	cur.Term = Terminator{Kind: TermEdges}

	b.tries.push(TryContext{DispatchBlock: dispatch.ID, FinallyBlock: finallyBlock, HasFinally: hasFinally, Exit: exit.ID})
	b.cur = tryBody
	if n.Body != nil {
		b.walkStmts(n.Body.Nodes)
	}
	normalExit := b.cur
	b.tries.pop()

	if !normalExit.Terminated() {
		normalExit.AddStmt(&ast.Node{Kind: ast.KTryPop, X: n})
		if hasFinally {
			b.g.AddEdge(normalExit.ID, Edge{Kind: Fallthrough, To: finallyBlock})
		} else {
			b.g.AddEdge(normalExit.ID, Edge{Kind: Fallthrough, To: exit.ID})
		}
		normalExit.Term = Terminator{Kind: TermEdges}
	}

	b.lowerCatchChain(n, dispatch, exit.ID, hasFinally, finallyBlock)

	if hasFinally {
		b.cur = b.g.Block(finallyBlock)
		if n.Y.Body != nil {
			b.walkStmts(n.Y.Body.Nodes)
		}
		b.fallthroughIfOpen(b.cur.ID, exit.ID)
	}

	b.cur = exit
}

func (b *Builder) lowerCatchChain(n *ast.Node, dispatch *BasicBlock, exitID int, hasFinally bool, finallyBlock int) {
	b.cur = dispatch
	dispatch.AddStmt(&ast.Node{Kind: ast.KTryDispatch, X: n})

	landTarget := func(blockID int) int {
		if hasFinally {
			return finallyBlock
		}
		return exitID
	}

	b.rejectUnreachableCatchClauses(n)

	testBlock := dispatch
	var catchAll *ast.Node
	for _, clause := range n.Nodes {
		if clause.X == nil {
			catchAll = clause
			continue
		}
		body := b.g.NewBlock("")
		nextTest := b.g.NewBlock("")
		testBlock.AddStmt(clause)
		b.g.AddEdge(testBlock.ID, Edge{Kind: ConditionalTrue, To: body.ID})
		b.g.AddEdge(testBlock.ID, Edge{Kind: ConditionalFalse, To: nextTest.ID})
		testBlock.Term = Terminator{Kind: TermEdges}

		b.cur = body
		if clause.Body != nil {
			b.walkStmts(clause.Body.Nodes)
		}
		b.fallthroughIfOpen(b.cur.ID, landTarget(b.cur.ID))

		testBlock = nextTest
	}

	b.cur = testBlock
	if catchAll != nil {
		if catchAll.Body != nil {
			b.walkStmts(catchAll.Body.Nodes)
		}
		b.fallthroughIfOpen(b.cur.ID, landTarget(b.cur.ID))
		return
	}
	b.rethrow(testBlock)
}

// rejectUnreachableCatchClauses reports a fatal BadTryShape diagnostic for
// any CATCH clause written after a catch-all (X == nil): once a catch-all
// matches everything, every later clause can never run, which is far more
// often a typo'd error code than a deliberate no-op (DESIGN.md open-question
// decisions).
func (b *Builder) rejectUnreachableCatchClauses(n *ast.Node) {
	seenCatchAll := false
	for _, clause := range n.Nodes {
		if seenCatchAll {
			b.diags.Add(diag.Diagnostic{
				Kind:     diag.BadTryShape,
				Severity: diag.SeverityFatal,
				Message:  "CATCH clause follows a catch-all; it can never be reached",
			})
			return
		}
		if clause.X == nil {
			seenCatchAll = true
		}
	}
}

// rethrow handles an exception matching no CATCH clause: propagate to the
// next enclosing TRY's dispatch block, or mark the procedure's abnormal
// exit if none is active.
func (b *Builder) rethrow(blk *BasicBlock) {
	if blk.Terminated() {
		return
	}
	if !b.tries.empty() {
		outer, _ := b.tries.top()
		b.g.AddEdge(blk.ID, Edge{Kind: ExceptionDispatch, To: outer.DispatchBlock})
		blk.Term = Terminator{Kind: TermEdges}
		return
	}
	blk.Term = Terminator{Kind: TermThrow}
}

func (b *Builder) lowerThrow(n *ast.Node) {
	cur := b.ensureOpen()
	cur.AddStmt(n)

	next := b.g.NewBlock("")
	id := len(b.g.ResumeSites)
	b.g.ResumeSites = append(b.g.ResumeSites, ResumeSite{ID: id, ThrowBlock: cur.ID, NextBlock: next.ID})

	if tc, ok := b.tries.top(); ok {
		b.g.AddEdge(cur.ID, Edge{Kind: ExceptionDispatch, To: tc.DispatchBlock})
		cur.Term = Terminator{Kind: TermEdges}
	} else {
		cur.Term = Terminator{Kind: TermThrow}
	}
	b.cur = next
}

// --- ON ERROR GOTO family (SPEC_FULL.md supplement) -----------------------

// lowerOnErrorGoto installs a dynamic-scope error handler active from this
// point to the end of the procedure (or the next ON ERROR GOTO / ON ERROR
// GOTO 0), modeled as a TryContext whose dispatch block jumps straight to
// the named handler rather than testing CATCH predicates.
func (b *Builder) lowerOnErrorGoto(n *ast.Node) {
	b.ensureOpen().AddStmt(n)
	dispatch := b.g.NewBlock("")
	b.deferEdge(dispatch.ID, Unconditional, n.TargetLine, n.TargetLabel)
	dispatch.Term = Terminator{Kind: TermEdges}
	b.tries.push(TryContext{DispatchBlock: dispatch.ID, Exit: -1})
}

func (b *Builder) lowerOnErrorGotoZero(n *ast.Node) {
	b.ensureOpen().AddStmt(n)
	if !b.tries.empty() {
		b.tries.pop()
	}
}

func (b *Builder) lowerResume(n *ast.Node) {
	cur := b.ensureOpen()
	cur.AddStmt(n)
	b.g.AddEdge(cur.ID, Edge{Kind: Unconditional, To: b.resumeDispatchID()})
	cur.Term = Terminator{Kind: TermEdges}
	b.cur = b.g.NewBlock("")
}

func (b *Builder) lowerResumeNext(n *ast.Node) {
	cur := b.ensureOpen()
	cur.AddStmt(n)
	b.g.AddEdge(cur.ID, Edge{Kind: Unconditional, To: b.resumeNextDispatchID()})
	cur.Term = Terminator{Kind: TermEdges}
	b.cur = b.g.NewBlock("")
}

func (b *Builder) resumeDispatchID() int {
	if b.g.ResumeDispatch < 0 {
		nb := b.g.NewBlock("resume_dispatch")
		b.g.ResumeDispatch = nb.ID
	}
	return b.g.ResumeDispatch
}

func (b *Builder) resumeNextDispatchID() int {
	if b.g.ResumeNextDispatch < 0 {
		nb := b.g.NewBlock("resume_next_dispatch")
		b.g.ResumeNextDispatch = nb.ID
	}
	return b.g.ResumeNextDispatch
}

func (b *Builder) finalizeResumeDispatch() {
	sites := append([]ResumeSite(nil), b.g.ResumeSites...)
	slices.SortFunc(sites, func(x, y ResumeSite) int { return x.ID - y.ID })

	if b.g.ResumeDispatch >= 0 {
		disp := b.g.Block(b.g.ResumeDispatch)
		for _, s := range sites {
			b.g.AddEdge(disp.ID, Edge{Kind: ComputedCase, CaseIndex: s.ID, To: s.ThrowBlock})
		}
		disp.Term = Terminator{Kind: TermEdges}
	}
	if b.g.ResumeNextDispatch >= 0 {
		disp := b.g.Block(b.g.ResumeNextDispatch)
		for _, s := range sites {
			b.g.AddEdge(disp.ID, Edge{Kind: ComputedCase, CaseIndex: s.ID, To: s.NextBlock})
		}
		disp.Term = Terminator{Kind: TermEdges}
	}
}
