// Package symbols implements the Symbol Mapper (C3): pure, deterministic
// mangling of BASIC identifiers into stable IL names, plus the
// per-procedure scope table that is the authoritative answer to "what
// class is this local" during emission (§4.3).
package symbols

import (
	"fmt"

	"github.com/albanread/FBCQBE-sub004/internal/ast"
	"github.com/albanread/FBCQBE-sub004/internal/types"
)

// typeSuffix returns the mangling suffix that encodes a declared type, so
// that two BASIC variables sharing a name but differing in type never
// collide in IL.
func typeSuffix(t *ast.TypeRef) string {
	if t == nil {
		return "_UNK"
	}
	switch t.Tag {
	case ast.TyByte:
		return "_BYTE"
	case ast.TyShort:
		return "_SHORT"
	case ast.TyInt32:
		return "_INT"
	case ast.TyInt64:
		return "_LONG"
	case ast.TySingle:
		return "_SNG"
	case ast.TyDouble:
		return "_DBL"
	case ast.TyString:
		return "_STR"
	case ast.TyArray:
		return "_ARR" + typeSuffix(t.Elem)
	case ast.TyRecord:
		return "_REC"
	}
	return "_UNK"
}

// Mangle produces the stable IL name for a symbol, per its storage class.
func Mangle(sym *ast.SymbolRef) string {
	suffix := typeSuffix(sym.Type)
	switch sym.Storage {
	case ast.Global:
		return "$var_" + sym.SourceName + suffix
	case ast.Parameter:
		return "%param_" + sym.SourceName + suffix
	case ast.ArrayElement:
		return "%arr_" + sym.SourceName + suffix
	case ast.RecordField:
		return "%fld_" + sym.SourceName + suffix
	case ast.Temporary:
		return "%tmp_" + sym.SourceName + suffix
	default: // Local
		return "%var_" + sym.SourceName + suffix
	}
}

// Scope is a per-procedure table mapping source names to mangled IL names
// and declared classes. It resets at procedure entry (§3 "Locally-declared
// procedure-scoped variables reset their temporary counters at procedure
// entry and exit").
type Scope struct {
	procedure string
	entries   map[string]*entry
}

type entry struct {
	ilName string
	class  types.Class
	sym    *ast.SymbolRef
}

// NewScope starts a fresh scope for the named procedure ("" for the
// top-level program).
func NewScope(procedure string) *Scope {
	return &Scope{procedure: procedure, entries: make(map[string]*entry)}
}

// Declare registers a symbol in this scope, mangling its IL name. It is an
// internal invariant violation to Declare the same source name twice with
// a different type in the same scope; BASIC requires DIM/parameter lists
// to be free of such redeclaration, and the semantic analyzer is expected
// to have caught it before the core sees this AST.
func (s *Scope) Declare(sym *ast.SymbolRef) string {
	name := Mangle(sym)
	s.entries[sym.SourceName] = &entry{
		ilName: name,
		class:  types.ClassOf(sym.Type),
		sym:    sym,
	}
	return name
}

// Resolve looks up a previously-declared identifier's mangled name and IL
// class. ok is false if the name was never declared in this scope — the
// emitter (resolveVar, through ResolveSymbol) treats that as a
// semantic-analyzer bug surfaced as an internal invariant violation, since §6's input contract guarantees every used
// identifier appears in the SymbolTable.
func (s *Scope) Resolve(name string) (ilName string, class types.Class, ok bool) {
	e, found := s.entries[name]
	if !found {
		return "", 0, false
	}
	return e.ilName, e.class, true
}

// ResolveSymbol is like Resolve but also returns the original SymbolRef, so
// callers needing more than the IL name and class (array element type,
// record field layout) can inspect it.
func (s *Scope) ResolveSymbol(name string) (sym *ast.SymbolRef, ilName string, ok bool) {
	e, found := s.entries[name]
	if !found {
		return nil, "", false
	}
	return e.sym, e.ilName, true
}

// QualifiedName returns "<procedure>::<ilName>" (just ilName at top level) for diagnostics, so two
// identically-spelled mangled names in different procedures remain
// distinguishable in error messages even though the IL itself scopes
// locals by frame, not by textual qualification.
func (s *Scope) QualifiedName(ilName string) string {
	if s.procedure == "" {
		return ilName
	}
	return fmt.Sprintf("%s::%s", s.procedure, ilName)
}
