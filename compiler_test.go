package fbcqbe

import (
	"strings"
	"testing"

	"github.com/albanread/FBCQBE-sub004/internal/ast"
)

type fakeSymbolTable struct {
	globals map[string]*ast.SymbolRef
}

func newFakeTable() *fakeSymbolTable { return &fakeSymbolTable{globals: make(map[string]*ast.SymbolRef)} }

func (f *fakeSymbolTable) declare(name string, tag ast.TypeTag) {
	f.globals[name] = &ast.SymbolRef{SourceName: name, Storage: ast.Global, Type: &ast.TypeRef{Tag: tag}}
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

// factorialProgram builds the AST for:
//
//	n = 5
//	result = 1
//	FOR i = 1 TO n
//	    result = result * i
//	NEXT i
//	PRINT result
func factorialProgram() []*ast.Node {
	ident := func(name string) *ast.Node { return &ast.Node{Kind: ast.KIdent, Name: name} }
	intLit := func(v string) *ast.Node { return &ast.Node{Kind: ast.KIntLit, Name: v} }
	let := func(target, val *ast.Node) *ast.Node { return &ast.Node{Kind: ast.KLet, X: target, Y: val} }

	forBody := &ast.Node{Nodes: []*ast.Node{
		let(ident("result"), &ast.Node{Kind: ast.KBinaryExpr, Name: "*", X: ident("result"), Y: ident("i")}),
	}}
	forStmt := &ast.Node{
		Kind: ast.KFor, Name: "i",
		X: intLit("1"), Y: ident("n"),
		Body: forBody,
	}

	return []*ast.Node{
		let(ident("n"), intLit("5")),
		let(ident("result"), intLit("1")),
		forStmt,
		{Kind: ast.KPrint, Nodes: []*ast.Node{ident("result")}},
	}
}

func TestCompileFactorialProgramProducesWellFormedIL(t *testing.T) {
	symtab := newFakeTable()
	symtab.declare("n", ast.TyInt64)
	symtab.declare("result", ast.TyInt64)
	symtab.declare("i", ast.TyInt64)

	prog := &ast.Node{Kind: ast.KProgram, Nodes: factorialProgram()}
	res := Compile(prog, symtab)

	if !res.Success {
		t.Fatalf("expected successful compile, diagnostics: %v", res.Diagnostics)
	}
	if !strings.Contains(res.IL, "function $main() {") {
		t.Fatalf("expected a $main function in the IL, got:\n%s", res.IL)
	}
	if !strings.Contains(res.IL, "mul") {
		t.Fatalf("expected the loop body's multiply, got:\n%s", res.IL)
	}
	if strings.Count(res.IL, "function $main() {") != 1 {
		t.Fatalf("expected exactly one $main function definition, got:\n%s", res.IL)
	}
}

func TestCompileUndeclaredIdentifierFailsWithDiagnostics(t *testing.T) {
	symtab := newFakeTable() // "z" never declared
	prog := &ast.Node{Kind: ast.KProgram, Nodes: []*ast.Node{
		{Kind: ast.KLet, X: &ast.Node{Kind: ast.KIdent, Name: "z"}, Y: &ast.Node{Kind: ast.KIntLit, Name: "1"}},
	}}

	res := Compile(prog, symtab)
	if res.Success {
		t.Fatalf("expected compile to fail for an undeclared identifier")
	}
	if len(res.Diagnostics) == 0 {
		t.Fatalf("expected at least one diagnostic explaining the failure")
	}
}

func TestCompileUnresolvedGotoFailsDuringCFGConstruction(t *testing.T) {
	symtab := newFakeTable()
	prog := &ast.Node{Kind: ast.KProgram, Nodes: []*ast.Node{
		{Kind: ast.KGoto, TargetLabel: "nowhere"},
	}}

	res := Compile(prog, symtab)
	if res.Success {
		t.Fatalf("expected compile to fail for an unresolved GOTO target")
	}
	if res.IL != "" {
		t.Fatalf("expected no IL output on a CFG-construction failure, got:\n%s", res.IL)
	}
}

func TestCompileMultipleProceduresEachGetOwnFunction(t *testing.T) {
	symtab := newFakeTable()
	prog := &ast.Node{Kind: ast.KProgram, Nodes: []*ast.Node{
		{Kind: ast.KSubDecl, Name: "Hello", Body: &ast.Node{Nodes: []*ast.Node{
			{Kind: ast.KPrint, Nodes: []*ast.Node{{Kind: ast.KStringLit, Name: "hi"}}},
		}}},
		{Kind: ast.KSubDecl, Name: "World", Body: &ast.Node{Nodes: []*ast.Node{
			{Kind: ast.KPrint, Nodes: []*ast.Node{{Kind: ast.KStringLit, Name: "world"}}},
		}}},
	}}

	res := Compile(prog, symtab)
	if !res.Success {
		t.Fatalf("expected successful compile, diagnostics: %v", res.Diagnostics)
	}
	for _, name := range []string{"Hello", "World"} {
		if !strings.Contains(res.IL, "function $"+name+"() {") {
			t.Fatalf("expected a function for procedure %q, got:\n%s", name, res.IL)
		}
	}
}
