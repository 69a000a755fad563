package emitter

import (
	"strings"
	"testing"

	"github.com/albanread/FBCQBE-sub004/internal/ast"
	"github.com/albanread/FBCQBE-sub004/internal/cfg"
	"github.com/albanread/FBCQBE-sub004/internal/diag"
)

// fakeSymbolTable is a minimal ast.SymbolTable backed by a flat map, good
// enough for emitter tests that never need per-procedure shadowing.
type fakeSymbolTable struct {
	globals map[string]*ast.SymbolRef
}

func newFakeTable() *fakeSymbolTable {
	return &fakeSymbolTable{globals: make(map[string]*ast.SymbolRef)}
}

func (f *fakeSymbolTable) declare(name string, tag ast.TypeTag) {
	f.globals[name] = &ast.SymbolRef{
		SourceName: name,
		Storage:    ast.Global,
		Type:       &ast.TypeRef{Tag: tag},
	}
}

func (f *fakeSymbolTable) Lookup(procedure, name string) (*ast.SymbolRef, bool) {
	sym, ok := f.globals[name]
	return sym, ok
}

func (f *fakeSymbolTable) Globals() []*ast.SymbolRef {
	out := make([]*ast.SymbolRef, 0, len(f.globals))
	for _, s := range f.globals {
		out = append(out, s)
	}
	return out
}

func buildAndEmit(t *testing.T, symtab ast.SymbolTable, stmts []*ast.Node) (string, *diag.Bag) {
	t.Helper()
	prog := &ast.Node{Kind: ast.KProgram, Nodes: stmts}
	diags := diag.NewBag()
	graphs := cfg.BuildProgram(prog, symtab, diags)
	g := graphs[""]
	il := EmitOne("", g, symtab, diags)
	return il, diags
}

func TestEmitOneLetIntLiteralStoresToDeclaredGlobal(t *testing.T) {
	symtab := newFakeTable()
	symtab.declare("x", ast.TyInt64)

	il, diags := buildAndEmit(t, symtab, []*ast.Node{
		{Kind: ast.KLet, X: &ast.Node{Kind: ast.KIdent, Name: "x"}, Y: &ast.Node{Kind: ast.KIntLit, Name: "42"}},
	})
	if len(diags.Items()) != 0 {
		t.Fatalf("expected no diagnostics, got %v", diags.Items())
	}
	if !strings.Contains(il, "$var_x_LONG") {
		t.Fatalf("expected the mangled global name in the IL, got:\n%s", il)
	}
	if !strings.Contains(il, "storel") {
		t.Fatalf("expected a storel instruction for the LONG-class LET target, got:\n%s", il)
	}
}

func TestEmitOneUndeclaredIdentifierIsInvariantViolation(t *testing.T) {
	symtab := newFakeTable() // "y" deliberately never declared

	_, diags := buildAndEmit(t, symtab, []*ast.Node{
		{Kind: ast.KLet, X: &ast.Node{Kind: ast.KIdent, Name: "y"}, Y: &ast.Node{Kind: ast.KIntLit, Name: "1"}},
	})
	if !diags.Fatal() {
		t.Fatalf("expected an undeclared identifier to raise a fatal diagnostic")
	}
}

func TestEmitOneProducesFunctionFrameAndReturn(t *testing.T) {
	symtab := newFakeTable()
	il, _ := buildAndEmit(t, symtab, nil)

	if !strings.HasPrefix(il, "function $main() {") {
		t.Fatalf("expected the top-level program to emit as function $main, got:\n%s", il)
	}
	if !strings.Contains(il, "ret") {
		t.Fatalf("expected a ret instruction on the exit path, got:\n%s", il)
	}
	if !strings.HasSuffix(strings.TrimRight(il, "\n"), "}") {
		t.Fatalf("expected the function body to close with '}', got:\n%s", il)
	}
}

func TestEmitOneDeduplicatesRepeatedStringLiterals(t *testing.T) {
	symtab := newFakeTable()
	il, diags := buildAndEmit(t, symtab, []*ast.Node{
		{Kind: ast.KPrint, Nodes: []*ast.Node{{Kind: ast.KStringLit, Name: "hi"}}},
		{Kind: ast.KPrint, Nodes: []*ast.Node{{Kind: ast.KStringLit, Name: "hi"}}},
	})
	if len(diags.Items()) != 0 {
		t.Fatalf("expected no diagnostics, got %v", diags.Items())
	}
	if strings.Count(il, `data $`) != 1 {
		t.Fatalf("expected exactly one pooled data definition for a repeated literal, got:\n%s", il)
	}
}

func TestEmitOneDimEmitsArrayAllocWithElementSize(t *testing.T) {
	symtab := newFakeTable()
	symtab.globals["arr"] = &ast.SymbolRef{
		SourceName: "arr",
		Storage:    ast.Global,
		Type:       &ast.TypeRef{Tag: ast.TyArray, Elem: &ast.TypeRef{Tag: ast.TyInt64}},
	}
	il, diags := buildAndEmit(t, symtab, []*ast.Node{
		{Kind: ast.KDim, Name: "arr", Nodes: []*ast.Node{{Kind: ast.KIntLit, Name: "10"}}},
	})
	if len(diags.Items()) != 0 {
		t.Fatalf("expected no diagnostics, got %v", diags.Items())
	}
	if !strings.Contains(il, "call $arr_alloc") {
		t.Fatalf("expected a call to $arr_alloc, got:\n%s", il)
	}
}

func TestEmitOneAbsFloatUsesSignBitMaskNotACall(t *testing.T) {
	symtab := newFakeTable()
	symtab.declare("x", ast.TyDouble)
	symtab.declare("y", ast.TyDouble)

	il, diags := buildAndEmit(t, symtab, []*ast.Node{
		{Kind: ast.KLet, X: &ast.Node{Kind: ast.KIdent, Name: "x"},
			Y: &ast.Node{Kind: ast.KCallExpr, Name: "ABS", Nodes: []*ast.Node{
				{Kind: ast.KIdent, Name: "y"},
			}}},
	})
	if len(diags.Items()) != 0 {
		t.Fatalf("expected no diagnostics, got %v", diags.Items())
	}
	if strings.Contains(il, "call $ABS") {
		t.Fatalf("ABS on a float operand must lower inline, not as a runtime call:\n%s", il)
	}
	if !strings.Contains(il, "9223372036854775807") {
		t.Fatalf("expected the 64-bit sign-bit mask in the IL, got:\n%s", il)
	}
	if !strings.Contains(il, "cast") {
		t.Fatalf("expected a bit-pattern cast for the sign-bit mask trick, got:\n%s", il)
	}
}

func TestEmitOneAbsIntUsesBranchedFormNotACall(t *testing.T) {
	symtab := newFakeTable()
	symtab.declare("x", ast.TyInt64)
	symtab.declare("y", ast.TyInt64)

	il, diags := buildAndEmit(t, symtab, []*ast.Node{
		{Kind: ast.KLet, X: &ast.Node{Kind: ast.KIdent, Name: "x"},
			Y: &ast.Node{Kind: ast.KCallExpr, Name: "ABS", Nodes: []*ast.Node{
				{Kind: ast.KIdent, Name: "y"},
			}}},
	})
	if len(diags.Items()) != 0 {
		t.Fatalf("expected no diagnostics, got %v", diags.Items())
	}
	if strings.Contains(il, "call $ABS") {
		t.Fatalf("ABS on an integer operand must lower inline, not as a runtime call:\n%s", il)
	}
	if !strings.Contains(il, "jnz") {
		t.Fatalf("expected integer ABS's branched fallback form, got:\n%s", il)
	}
}

func TestEmitOneSgnIsBranchless(t *testing.T) {
	symtab := newFakeTable()
	symtab.declare("x", ast.TyInt64)
	symtab.declare("y", ast.TyInt64)

	il, diags := buildAndEmit(t, symtab, []*ast.Node{
		{Kind: ast.KLet, X: &ast.Node{Kind: ast.KIdent, Name: "x"},
			Y: &ast.Node{Kind: ast.KCallExpr, Name: "SGN", Nodes: []*ast.Node{
				{Kind: ast.KIdent, Name: "y"},
			}}},
	})
	if len(diags.Items()) != 0 {
		t.Fatalf("expected no diagnostics, got %v", diags.Items())
	}
	if strings.Contains(il, "call $SGN") {
		t.Fatalf("SGN must lower inline, not as a runtime call:\n%s", il)
	}
	if strings.Contains(il, "jnz") {
		t.Fatalf("SGN must lower branchless, got a conditional jump:\n%s", il)
	}
}
