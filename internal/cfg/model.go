// Package cfg implements the control-flow graph data model (§3), the
// Jump-Target Pre-Scan (C5), the CFG Builder (C6), Exception Lowering
// (C7), and GOSUB sparse dispatch (C8).
package cfg

import (
	"github.com/albanread/FBCQBE-sub004/internal/ast"
)

// EdgeKind tags the reason a control-flow edge exists (§3).
type EdgeKind int

const (
	Fallthrough EdgeKind = iota
	Unconditional
	ConditionalTrue
	ConditionalFalse
	LoopBack
	LoopExit
	Call
	Return
	ExceptionDispatch
	Finally
	ComputedCase
	Deferred
)

func (k EdgeKind) String() string {
	switch k {
	case Fallthrough:
		return "Fallthrough"
	case Unconditional:
		return "Unconditional"
	case ConditionalTrue:
		return "ConditionalTrue"
	case ConditionalFalse:
		return "ConditionalFalse"
	case LoopBack:
		return "LoopBack"
	case LoopExit:
		return "LoopExit"
	case Call:
		return "Call"
	case Return:
		return "Return"
	case ExceptionDispatch:
		return "ExceptionDispatch"
	case Finally:
		return "Finally"
	case ComputedCase:
		return "ComputedCase"
	case Deferred:
		return "Deferred"
	}
	return "Unknown"
}

// Edge connects two blocks within the same graph. A Deferred edge carries
// either a target line number or a target label; it is resolved to a
// concrete destination in the post-walk resolution pass (§4.6 rule 14)
// and never survives past ResolveDeferred.
type Edge struct {
	From, To      int
	Kind          EdgeKind
	CaseIndex     int // valid when Kind == ComputedCase
	DeferredLine  int
	DeferredLabel string
	// PendingKind is the edge's real Kind once resolved; Kind reads as
	// Deferred only in the window between AddEdge and ResolveDeferred.
	PendingKind EdgeKind
}

// TerminatorKind describes how a block ends, independent of its out-edges
// (§3 BasicBlock).
type TerminatorKind int

const (
	TermOpen        TerminatorKind = iota // still accepting statements
	TermEdges                             // out-edges fully describe the transfer
	TermReturn                            // kind-Return terminator (procedure/GOSUB return)
	TermEnd                               // END
	TermThrow                             // THROW, does not return
	TermUnreachable                       // explicitly unreachable (e.g. post-panic)
)

// Terminator is the block's terminator descriptor.
type Terminator struct {
	Kind TerminatorKind
	// RetVal is the AST expression producing a FUNCTION's return value,
	// nil for SUB/top-level returns.
	RetVal *ast.Node
}

func (t Terminator) IsTerminating() bool {
	switch t.Kind {
	case TermReturn, TermEnd, TermThrow, TermUnreachable:
		return true
	}
	return false
}

// BasicBlock is a straight-line statement sequence with one terminator and
// a bag of out-edges (§3). Block ids are monotone, insertion-ordered, and
// stable across the build; blocks are appended only, never removed.
type BasicBlock struct {
	ID    int
	Label string
	Stmts []*ast.Node
	Term  Terminator
	Out   []Edge
}

func (b *BasicBlock) Terminated() bool { return b.Term.Kind != TermOpen }

func (b *BasicBlock) AddStmt(n *ast.Node) { b.Stmts = append(b.Stmts, n) }

func (b *BasicBlock) AddEdge(e Edge) { b.Out = append(b.Out, e) }

// LoopInfo records one loop's header/body/exit blocks for reporting and
// for EXIT/CONTINUE resolution (§3 "loop metadata").
type LoopInfo struct {
	Header, Body, Exit int
	Kind                ast.LoopKeyword
}

// ControlFlowGraph is one procedure's (or the top-level program's) graph
// (§3). One graph exists per SUB/FUNCTION plus one for the top level.
type ControlFlowGraph struct {
	Name  string // procedure name, "" for the top-level program
	Entry int
	Exit  int
	Blocks []*BasicBlock

	LineToBlock  map[int]int
	LabelToBlock map[string]int

	// GosubReturnSite maps a GOSUB call-site block id to the block id of
	// its return-site continuation (§4.8).
	GosubReturnSite map[int]int
	// SparseReturnSet is the set of return-site block ids that a RETURN in
	// this graph may jump back to (§3, §4.8). Populated exclusively at
	// build time.
	SparseReturnSet map[int]bool

	Loops []LoopInfo

	// DispatchBlock is the lazily-created GOSUB sparse-dispatch block
	// (§4.8); -1 until the first RETURN statement is lowered.
	DispatchBlock   int
	GosubCallSites  []GosubCallSite
	ResumeDispatch     int
	ResumeNextDispatch int
	ResumeSites        []ResumeSite

	deferred []deferredRef // (blockID, edge index) pairs awaiting resolution
}

// GosubCallSite records one GOSUB call site's monotone return id and its
// return-site continuation block, so the sparse dispatch block can branch
// back to the right caller in O(k) comparisons (§4.8, §3).
type GosubCallSite struct {
	RetID       int
	CallBlock   int
	ReturnBlock int
}

// ResumeSite records one THROW's monotone resume id, the block that threw,
// and the block lexically following it, so RESUME / RESUME NEXT can branch
// back to the right fault site (SPEC_FULL.md "ON ERROR GOTO family").
type ResumeSite struct {
	ID         int
	ThrowBlock int
	NextBlock  int
}

type deferredRef struct {
	blockID   int
	edgeIndex int
}

// NewGraph creates an empty graph with a fresh entry block. It creates no
// exit block: Exit stays 0 until the builder (or caller) appends the exit
// block and sets it.
func NewGraph(name string) *ControlFlowGraph {
	g := &ControlFlowGraph{
		Name:               name,
		LineToBlock:        make(map[int]int),
		LabelToBlock:       make(map[string]int),
		GosubReturnSite:    make(map[int]int),
		SparseReturnSet:    make(map[int]bool),
		DispatchBlock:      -1,
		ResumeDispatch:     -1,
		ResumeNextDispatch: -1,
	}
	entry := g.NewBlock("entry")
	g.Entry = entry.ID
	return g
}

// NewBlock appends a fresh block and returns it. Block ids match the
// graph's block vector indices (§3 invariant (a)).
func (g *ControlFlowGraph) NewBlock(label string) *BasicBlock {
	b := &BasicBlock{ID: len(g.Blocks), Label: label}
	g.Blocks = append(g.Blocks, b)
	return b
}

func (g *ControlFlowGraph) Block(id int) *BasicBlock { return g.Blocks[id] }

// AddEdge appends an edge from src to dst on the given block, tracking
// deferred edges for the second-pass resolution.
func (g *ControlFlowGraph) AddEdge(src int, e Edge) {
	b := g.Block(src)
	idx := len(b.Out)
	b.AddEdge(e)
	if e.Kind == Deferred {
		g.deferred = append(g.deferred, deferredRef{blockID: src, edgeIndex: idx})
	}
}
