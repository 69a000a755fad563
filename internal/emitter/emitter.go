// Package emitter implements the QBE Emitter (C9): a block-order
// traversal of a built ControlFlowGraph that lowers each block's
// statements and terminator to textual QBE IL, plus the statement- and
// expression-level lowering rules of §4.10 (LET, PRINT, INPUT, array
// access with bounds checks, record field access, binary/unary
// expressions, short-circuit AND/OR).
package emitter

import (
	"fmt"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/albanread/FBCQBE-sub004/internal/ast"
	"github.com/albanread/FBCQBE-sub004/internal/cfg"
	"github.com/albanread/FBCQBE-sub004/internal/diag"
	"github.com/albanread/FBCQBE-sub004/internal/ilbuild"
	"github.com/albanread/FBCQBE-sub004/internal/runtimeabi"
	"github.com/albanread/FBCQBE-sub004/internal/symbols"
)

// Emitter lowers one procedure's ControlFlowGraph to IL text. It holds no
// state beyond a single procedure's build, so compiler.go gives each
// concurrently-compiled procedure its own Emitter (§5).
type Emitter struct {
	b         *ilbuild.Builder
	scope     *symbols.Scope
	symtab    ast.SymbolTable
	diags     *diag.Bag
	procedure string

	// condTempVal / selectorTemp carry the boolean/selector value a block's
	// statements computed, for lowerTerminator to consume once all of the
	// block's statements have been lowered. Both reset to nil at the start
	// of every block.
	condTempVal  *ilbuild.Temp
	selectorTemp *ilbuild.Temp

	// selectorSideTable holds a SELECT CASE's subject value across the
	// several blocks its CASE clause tests are split into (§4.7); unlike
	// condTempVal/selectorTemp it survives from the SELECT CASE header
	// block through every one of its clause-test blocks, and is only
	// overwritten by the next SELECT CASE in the same procedure.
	selectorSideTable *ilbuild.Temp

	// stringPool maps a string literal's text to its data-segment label,
	// deduplicating repeated literals within one procedure.
	stringPool map[string]string
	stringSeq  int
}

func (e *Emitter) setCond(t ilbuild.Temp)     { e.condTempVal = &t }
func (e *Emitter) setSelector(t ilbuild.Temp) { e.selectorTemp = &t }

// lookupSymbol resolves a source identifier against this procedure's Scope,
// lazily declaring it on first use from the SymbolTable the semantic
// analyzer handed the core (§6 input contract: every identifier the CFG
// builder forwarded here has already been declared there, under this
// procedure or as a global). Declaring lazily rather than bulk-seeding the
// Scope at EmitOne start keeps mangling demand-driven, matching the symbol
// mapper's "pure, deterministic mangling" contract: a name never used by
// this procedure's IL is never mangled for it.
func (e *Emitter) lookupSymbol(name string) (*ast.SymbolRef, string, bool) {
	if sym, ilName, ok := e.scope.ResolveSymbol(name); ok {
		return sym, ilName, ok
	}
	if e.symtab == nil {
		return nil, "", false
	}
	sym, ok := e.symtab.Lookup(e.procedure, name)
	if !ok {
		sym, ok = e.symtab.Lookup("", name)
	}
	if !ok {
		return nil, "", false
	}
	ilName := e.scope.Declare(sym)
	return sym, ilName, true
}

func (e *Emitter) condTemp() ilbuild.Temp {
	if e.condTempVal == nil {
		e.diags.Invariant("procedure %q: conditional block produced no condition temp", e.procedure)
		return e.b.AllocTemp("w")
	}
	return *e.condTempVal
}

// SortedProcedureNames returns a graph map's procedure names in the
// deterministic order EmitProgram emits them in, so a caller that wants to
// emit procedures itself (compiler.go's concurrent path, §5) can reproduce
// the same ordering when reassembling results.
func SortedProcedureNames(graphs map[string]*cfg.ControlFlowGraph) []string {
	names := maps.Keys(graphs)
	slices.Sort(names)
	return names
}

// EmitOne lowers a single procedure's graph to IL text. Each call gets its
// own Builder and Scope (§5: no ambient state shared across procedures), so
// distinct calls may run concurrently provided each is given its own
// *diag.Bag — diag.Bag itself is not safe for concurrent writes.
func EmitOne(name string, g *cfg.ControlFlowGraph, symtab ast.SymbolTable, diags *diag.Bag) string {
	e := newEmitter(name, symtab, diags)
	e.emitGraph(g)
	return e.b.String()
}

// EmitProgram lowers every procedure's graph to one combined IL text, in
// deterministic (sorted) procedure-name order. This is the sequential,
// single-Bag path; compiler.go's concurrent path calls EmitOne directly
// with a per-goroutine Bag instead (§5).
func EmitProgram(graphs map[string]*cfg.ControlFlowGraph, symtab ast.SymbolTable, diags *diag.Bag) string {
	var out strings.Builder
	for _, name := range SortedProcedureNames(graphs) {
		out.WriteString(EmitOne(name, graphs[name], symtab, diags))
		out.WriteByte('\n')
	}
	return out.String()
}

func newEmitter(procedure string, symtab ast.SymbolTable, diags *diag.Bag) *Emitter {
	return &Emitter{
		b:          ilbuild.New(),
		scope:      symbols.NewScope(procedure),
		symtab:     symtab,
		diags:      diags,
		procedure:  procedure,
		stringPool: make(map[string]string),
	}
}

func (e *Emitter) funcLabel() string {
	if e.procedure == "" {
		return "main"
	}
	return e.procedure
}

func (e *Emitter) blockLabel(id int) ilbuild.Label {
	return e.b.FixedLabel(fmt.Sprintf("block_%d", id))
}

// emitGraph walks blocks in id order and lowers each in turn. Block id
// order is not necessarily a dominance order, but QBE's textual IL does
// not require one — every jump target is resolved by label, not by
// fallthrough position, except for blocks that rely on falling off the
// end of their emitted text, which this walk preserves by emitting ids in
// ascending (i.e. construction) order.
func (e *Emitter) emitGraph(g *cfg.ControlFlowGraph) {
	e.b.EmitRaw(fmt.Sprintf("function $%s() {", e.funcLabel()))
	e.b.EmitRaw("@start")
	e.b.EmitJump(e.blockLabel(g.Entry))

	for _, blk := range g.Blocks {
		e.b.EmitLabel(e.blockLabel(blk.ID))
		e.condTempVal = nil
		e.selectorTemp = nil
		for _, stmt := range blk.Stmts {
			e.lowerStmt(stmt)
		}
		e.lowerTerminator(g, blk)
	}
	e.b.EmitRaw("}")
	e.emitStringPool()
}

// emitStringPool emits one data definition per distinct string literal this
// procedure referenced, matching QBE's "data $name = { b "text", b 0 }" form.
func (e *Emitter) emitStringPool() {
	if len(e.stringPool) == 0 {
		return
	}
	texts := maps.Keys(e.stringPool)
	slices.Sort(texts)
	for _, text := range texts {
		e.b.EmitRaw(fmt.Sprintf("data $%s = { b %q, b 0 }", e.stringPool[text], text))
	}
}

// lowerTerminator emits the jump/branch/call/ret instructions implied by a
// block's out-edges and terminator descriptor (§4.9 "terminator emission
// from out-edges").
func (e *Emitter) lowerTerminator(g *cfg.ControlFlowGraph, blk *cfg.BasicBlock) {
	switch blk.Term.Kind {
	case cfg.TermEnd:
		e.b.EmitVoidInstr("call $basic_exit")
		return
	case cfg.TermThrow:
		code := e.b.AllocTemp("w")
		e.b.EmitInstr(code, "w", "call", "$basic_err")
		e.b.EmitVoidInstr("call $basic_throw", "w "+code.String())
		return
	case cfg.TermUnreachable:
		e.b.EmitRaw("\thlt")
		return
	}

	switch len(blk.Out) {
	case 0:
		if blk.ID == g.Exit {
			e.emitReturn(blk)
			return
		}
		e.diags.Invariant("procedure %q: block %d has no out-edges and is not the exit block", g.Name, blk.ID)
		return
	case 1:
		if blk.Out[0].Kind == cfg.Call {
			e.emitGosubCall(g, blk, blk.Out[0].To)
			return
		}
		e.emitOneWay(blk.Out[0])
		return
	default:
		e.emitMultiWay(g, blk)
	}
}

func (e *Emitter) emitOneWay(ed cfg.Edge) {
	switch ed.Kind {
	case cfg.ConditionalTrue, cfg.ConditionalFalse:
		e.diags.Invariant("conditional edge %v found alone on a block", ed.Kind)
	default:
		e.b.EmitJump(e.blockLabel(ed.To))
	}
}

func (e *Emitter) emitMultiWay(g *cfg.ControlFlowGraph, blk *cfg.BasicBlock) {
	var condTrue, condFalse *cfg.Edge
	var computed []cfg.Edge
	var fallback, call *cfg.Edge

	for i := range blk.Out {
		ed := &blk.Out[i]
		switch ed.Kind {
		case cfg.ConditionalTrue:
			condTrue = ed
		case cfg.ConditionalFalse:
			condFalse = ed
		case cfg.ComputedCase:
			computed = append(computed, *ed)
		case cfg.Fallthrough, cfg.Unconditional, cfg.ExceptionDispatch:
			fallback = ed
		case cfg.Call:
			call = ed
		case cfg.Return:
			// informational only: the actual transfer back to this
			// call site happens via the sparse dispatch chain, never a
			// direct edge (§4.8).
		}
	}

	if condTrue != nil && condFalse != nil {
		e.b.EmitCondJump(e.condTemp(), e.blockLabel(condTrue.To), e.blockLabel(condFalse.To))
		return
	}
	if call != nil {
		e.emitGosubCall(g, blk, call.To)
		return
	}
	if len(computed) > 0 {
		e.emitComputedCase(blk, computed, fallback)
		return
	}
	if fallback != nil {
		e.b.EmitJump(e.blockLabel(fallback.To))
	}
}

func (e *Emitter) emitReturn(blk *cfg.BasicBlock) {
	if blk.Term.RetVal != nil {
		v := e.emitExpr(blk.Term.RetVal)
		e.b.EmitRet(&v)
		return
	}
	e.b.EmitRet(nil)
}

// emitGosubCall emits the call-sequence for one GOSUB call site (§4.8):
// push this call site's monotone return id so the shared dispatch block
// can find its way back, then jump to the target block.
func (e *Emitter) emitGosubCall(g *cfg.ControlFlowGraph, blk *cfg.BasicBlock, target int) {
	retID := -1
	for _, s := range g.GosubCallSites {
		if s.CallBlock == blk.ID {
			retID = s.RetID
			break
		}
	}
	if retID < 0 {
		e.diags.Invariant("procedure %q: call-site block %d has no registered GOSUB return id", g.Name, blk.ID)
		return
	}
	e.b.EmitVoidInstr("call $basic_gosub_push", fmt.Sprintf("w %d", retID))
	e.b.EmitJump(e.blockLabel(target))
}

// emitComputedCase lowers a ComputedCase fan-out (ON GOTO/GOSUB, GOSUB
// sparse RETURN dispatch, RESUME/RESUME NEXT dispatch) as a sorted chain
// of equality comparisons against the selector value, falling through to
// `fallback` if none match (§4.8 "sorted comparison chain"). The selector
// itself comes either from an expression the block's own statement
// already computed (ON GOTO/ON GOSUB), or — on a synthetic dispatch block
// with no statements of its own — from the matching runtime pop call.
func (e *Emitter) emitComputedCase(blk *cfg.BasicBlock, cases []cfg.Edge, fallback *cfg.Edge) {
	slices.SortFunc(cases, func(a, b cfg.Edge) int { return a.CaseIndex - b.CaseIndex })

	selector := e.dispatchSelector(blk)
	for _, c := range cases {
		eqLabel := e.b.MakeLabel("case_match")
		nextLabel := e.b.MakeLabel("case_next")
		eqTmp := e.b.AllocTemp("w")
		e.b.EmitInstr(eqTmp, "w", "ceqw", selector.String(), fmt.Sprintf("%d", c.CaseIndex))
		e.b.EmitCondJump(eqTmp, eqLabel, nextLabel)
		e.b.EmitLabel(eqLabel)
		e.b.EmitJump(e.blockLabel(c.To))
		e.b.EmitLabel(nextLabel)
	}
	if fallback != nil {
		e.b.EmitJump(e.blockLabel(fallback.To))
	}
}

// dispatchSelector returns the already-computed selector temp for an ON
// GOTO/ON GOSUB block, or issues the right runtime pop call for one of the
// three synthetic per-graph dispatch blocks (§4.8, SPEC_FULL.md).
func (e *Emitter) dispatchSelector(blk *cfg.BasicBlock) ilbuild.Temp {
	if e.selectorTemp != nil {
		return *e.selectorTemp
	}
	call := runtimeabi.Table["basic_gosub_pop"].Name
	switch blk.Label {
	case "resume_dispatch", "resume_next_dispatch":
		call = runtimeabi.Table["basic_resume_id"].Name
	}
	t := e.b.AllocTemp("w")
	e.b.EmitInstr(t, "w", "call", "$"+call)
	return t
}
