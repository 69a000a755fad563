package emitter

import (
	"fmt"

	"github.com/albanread/FBCQBE-sub004/internal/ast"
	"github.com/albanread/FBCQBE-sub004/internal/ilbuild"
	"github.com/albanread/FBCQBE-sub004/internal/runtimeabi"
	"github.com/albanread/FBCQBE-sub004/internal/types"
)

// resolveVar looks up a local's mangled name and class, surfacing a missing
// declaration as an internal invariant rather than a panic — the semantic
// analyzer is contractually responsible for every identifier reaching here
// having already been declared (§6).
func (e *Emitter) resolveVar(name string) (ilName string, cls types.Class) {
	sym, ilName, ok := e.lookupSymbol(name)
	if !ok {
		e.diags.Invariant("procedure %q: identifier %q not found in scope", e.procedure, name)
		return "$undefined_" + name, types.ClassLong
	}
	return ilName, types.ClassOf(sym.Type)
}

func (e *Emitter) baseSymbol(n *ast.Node) *ast.SymbolRef {
	if n == nil || n.Kind != ast.KIdent {
		return nil
	}
	sym, _, ok := e.lookupSymbol(n.Name)
	if !ok {
		return nil
	}
	return sym
}

// classOf reports the IL class an expression naturally produces, without
// emitting anything. The emitter uses this to pick the class two operands
// of a binary expression should be widened to before the op itself runs.
func (e *Emitter) classOf(n *ast.Node) types.Class {
	switch n.Kind {
	case ast.KIntLit:
		return types.ClassLong
	case ast.KFloatLit:
		return types.ClassDouble
	case ast.KStringLit:
		return types.ClassLong
	case ast.KIdent:
		_, cls := e.resolveVar(n.Name)
		return cls
	case ast.KIndexExpr:
		return e.elementClass(n)
	case ast.KFieldExpr:
		return e.fieldClass(n)
	case ast.KBinaryExpr:
		if isComparison(n.Name) || n.Name == "AND" || n.Name == "OR" {
			return types.ClassWord
		}
		lc := e.classOf(n.X)
		rc := e.classOf(n.Y)
		if types.Widen(lc, rc) {
			return rc
		}
		return lc
	case ast.KUnaryExpr:
		if n.Name == "NOT" {
			return types.ClassWord
		}
		return e.classOf(n.X)
	case ast.KErrExpr, ast.KErlExpr:
		return types.ClassWord
	case ast.KCallExpr:
		switch n.Name {
		case "ABS":
			return e.classOf(n.Nodes[0])
		case "SGN":
			return types.ClassWord
		}
		if sym, _, ok := e.lookupSymbol(n.Name); ok {
			return types.ClassOf(sym.Type)
		}
		return types.ClassLong
	}
	return types.ClassLong
}

// emitExpr lowers an expression and returns the temp holding its value, in
// its natural class. Use emitExprAs when the caller needs a specific class.
func (e *Emitter) emitExpr(n *ast.Node) ilbuild.Temp {
	switch n.Kind {
	case ast.KIntLit:
		t := e.b.AllocTemp("l")
		e.b.EmitInstr(t, "l", "copy", n.Name)
		return t
	case ast.KFloatLit:
		t := e.b.AllocTemp("d")
		e.b.EmitInstr(t, "d", "copy", n.Name)
		return t
	case ast.KStringLit:
		t := e.b.AllocTemp("l")
		e.b.EmitInstr(t, "l", "copy", "$"+e.stringLabel(n.Name))
		return t
	case ast.KIdent:
		ilName, cls := e.resolveVar(n.Name)
		t := e.b.AllocTemp(string(cls))
		e.b.EmitInstr(t, string(cls), "load"+string(cls), ilName)
		return t
	case ast.KBinaryExpr:
		return e.emitBinary(n)
	case ast.KUnaryExpr:
		return e.emitUnary(n)
	case ast.KCallExpr:
		return e.emitCallExpr(n)
	case ast.KIndexExpr:
		return e.emitIndexLoad(n)
	case ast.KFieldExpr:
		return e.emitFieldLoad(n)
	case ast.KErrExpr:
		t := e.b.AllocTemp("w")
		e.b.EmitInstr(t, "w", "call", "$basic_err")
		return t
	case ast.KErlExpr:
		t := e.b.AllocTemp("w")
		e.b.EmitInstr(t, "w", "call", "$basic_erl")
		return t
	}
	e.diags.Invariant("emitter: unhandled expression kind %d", n.Kind)
	return e.b.AllocTemp("l")
}

// emitExprAs lowers an expression and converts it to the requested class,
// via the Type Manager's explicit conversion ops (§4.2: never a bare
// cross-class copy).
func (e *Emitter) emitExprAs(n *ast.Node, want types.Class) ilbuild.Temp {
	v := e.emitExpr(n)
	from := e.classOf(n)
	return types.EmitConversion(e.b, v, from, want)
}

func isComparison(op string) bool {
	switch op {
	case "=", "==", "<>", "!=", "<", "<=", ">", ">=":
		return true
	}
	return false
}

// arithOp names the QBE opcode for a BASIC arithmetic/bitwise operator.
func arithOp(op string) string {
	switch op {
	case "+":
		return "add"
	case "-":
		return "sub"
	case "*":
		return "mul"
	case "/", "\\":
		return "div"
	case "MOD":
		return "rem"
	case "AND":
		return "and"
	case "OR":
		return "or"
	case "XOR":
		return "xor"
	case "SHL":
		return "shl"
	case "SHR":
		return "sar"
	}
	return "add"
}

// cmpOp names the QBE comparison opcode for an operator at a given class:
// "c" + condition + class, with signed "s" qualifiers for integer ordering
// comparisons (equality/inequality need no such qualifier in either family).
func cmpOp(op string, cls types.Class) string {
	letter := cls.String()
	switch op {
	case "=", "==":
		return "ceq" + letter
	case "<>", "!=":
		return "cne" + letter
	case "<":
		if types.IsFloat(cls) {
			return "clt" + letter
		}
		return "cslt" + letter
	case "<=":
		if types.IsFloat(cls) {
			return "cle" + letter
		}
		return "csle" + letter
	case ">":
		if types.IsFloat(cls) {
			return "cgt" + letter
		}
		return "csgt" + letter
	case ">=":
		if types.IsFloat(cls) {
			return "cge" + letter
		}
		return "csge" + letter
	}
	return "ceq" + letter
}

func (e *Emitter) emitBinary(n *ast.Node) ilbuild.Temp {
	if n.Name == "AND" || n.Name == "OR" {
		return e.emitShortCircuit(n)
	}

	cls := e.classOf(n)
	operandCls := cls
	if isComparison(n.Name) {
		lc, rc := e.classOf(n.X), e.classOf(n.Y)
		operandCls = lc
		if types.Widen(lc, rc) {
			operandCls = rc
		}
	}
	lhs := e.emitExprAs(n.X, operandCls)
	rhs := e.emitExprAs(n.Y, operandCls)

	if isComparison(n.Name) {
		res := e.b.AllocTemp("w")
		e.b.EmitInstr(res, "w", cmpOp(n.Name, operandCls), lhs.String(), rhs.String())
		return res
	}
	res := e.b.AllocTemp(string(cls))
	e.b.EmitInstr(res, string(cls), arithOp(n.Name), lhs.String(), rhs.String())
	return res
}

// emitShortCircuit lowers AND/OR (§4.10) via an allocated stack slot rather
// than assigning the result temp from two different branches: a Temp may
// only be assigned once (ilbuild's single-assignment discipline).
func (e *Emitter) emitShortCircuit(n *ast.Node) ilbuild.Temp {
	lhs := e.emitExprAs(n.X, types.ClassWord)
	slot := e.b.AllocTemp("l")
	e.b.EmitInstr(slot, "l", "alloc4", "4")

	shortLabel := e.b.MakeLabel("sc_short")
	evalLabel := e.b.MakeLabel("sc_eval")
	doneLabel := e.b.MakeLabel("sc_done")

	if n.Name == "AND" {
		e.b.EmitCondJump(lhs, evalLabel, shortLabel)
	} else {
		e.b.EmitCondJump(lhs, shortLabel, evalLabel)
	}

	e.b.EmitLabel(shortLabel)
	e.b.EmitVoidInstr("storew", lhs.String(), slot.String())
	e.b.EmitJump(doneLabel)

	e.b.EmitLabel(evalLabel)
	rhs := e.emitExprAs(n.Y, types.ClassWord)
	e.b.EmitVoidInstr("storew", rhs.String(), slot.String())
	e.b.EmitJump(doneLabel)

	e.b.EmitLabel(doneLabel)
	res := e.b.AllocTemp("w")
	e.b.EmitInstr(res, "w", "loadw", slot.String())
	return res
}

func (e *Emitter) emitUnary(n *ast.Node) ilbuild.Temp {
	switch n.Name {
	case "-":
		cls := e.classOf(n.X)
		v := e.emitExprAs(n.X, cls)
		zero := e.b.AllocTemp(string(cls))
		e.b.EmitInstr(zero, string(cls), "copy", "0")
		res := e.b.AllocTemp(string(cls))
		e.b.EmitInstr(res, string(cls), "sub", zero.String(), v.String())
		return res
	case "NOT":
		v := e.emitExprAs(n.X, types.ClassWord)
		res := e.b.AllocTemp("w")
		e.b.EmitInstr(res, "w", "ceqw", v.String(), "0")
		return res
	}
	return e.emitExpr(n.X)
}

// elementClass resolves an array-index expression's element class by
// looking up the array identifier's declared type (§3 "Symbol").
func (e *Emitter) elementClass(n *ast.Node) types.Class {
	sym := e.baseSymbol(n.X)
	if sym == nil || sym.Type == nil || sym.Type.Elem == nil {
		e.diags.Invariant("procedure %q: cannot resolve array element type", e.procedure)
		return types.ClassLong
	}
	return types.ClassOf(sym.Type.Elem)
}

func (e *Emitter) fieldClass(n *ast.Node) types.Class {
	sym := e.baseSymbol(n.X)
	if sym == nil || sym.Type == nil {
		e.diags.Invariant("procedure %q: cannot resolve record type for field access", e.procedure)
		return types.ClassLong
	}
	for _, f := range sym.Type.Fields {
		if f.Name == n.Name {
			return types.ClassOf(f.Type)
		}
	}
	e.diags.Invariant("procedure %q: field %q not found", e.procedure, n.Name)
	return types.ClassLong
}

// elemAddr computes one array element's bounds-checked address (§4.10
// "index * elem_size"), for both load and store sites.
func (e *Emitter) elemAddr(n *ast.Node) (ilbuild.Temp, types.Class) {
	base := e.emitExprAs(n.X, types.ClassLong)
	idx := e.emitExprAs(n.Y, types.ClassLong)
	cls := e.elementClass(n)
	size := runtimeabi.ElemSize(cls)

	e.b.EmitVoidInstr("call $arr_bounds_check", "l "+base.String(), "l "+idx.String(), fmt.Sprintf("l %d", size))

	off := e.b.AllocTemp("l")
	e.b.EmitInstr(off, "l", "mul", idx.String(), fmt.Sprintf("%d", size))
	addr := e.b.AllocTemp("l")
	e.b.EmitInstr(addr, "l", "add", base.String(), off.String())
	return addr, cls
}

func (e *Emitter) emitIndexLoad(n *ast.Node) ilbuild.Temp {
	addr, cls := e.elemAddr(n)
	t := e.b.AllocTemp(string(cls))
	e.b.EmitInstr(t, string(cls), runtimeabi.ArrElemLoadOp(cls), addr.String())
	return t
}

// fieldAddr computes a record field's address. Fields are laid out in
// declaration order at a fixed 8 bytes per slot, matching the runtime's
// fixed-slot record representation (§3 "Record field layout").
func (e *Emitter) fieldAddr(n *ast.Node) (ilbuild.Temp, types.Class) {
	base := e.emitExprAs(n.X, types.ClassLong)
	sym := e.baseSymbol(n.X)
	if sym == nil || sym.Type == nil {
		e.diags.Invariant("procedure %q: cannot resolve record type for field access", e.procedure)
		return base, types.ClassLong
	}
	var offset int64
	cls := types.ClassLong
	for _, f := range sym.Type.Fields {
		if f.Name == n.Name {
			cls = types.ClassOf(f.Type)
			break
		}
		offset += 8
	}
	if offset == 0 {
		return base, cls
	}
	addr := e.b.AllocTemp("l")
	e.b.EmitInstr(addr, "l", "add", base.String(), fmt.Sprintf("%d", offset))
	return addr, cls
}

func (e *Emitter) emitFieldLoad(n *ast.Node) ilbuild.Temp {
	addr, cls := e.fieldAddr(n)
	t := e.b.AllocTemp(string(cls))
	e.b.EmitInstr(t, string(cls), runtimeabi.ArrElemLoadOp(cls), addr.String())
	return t
}

func (e *Emitter) emitCallExpr(n *ast.Node) ilbuild.Temp {
	switch n.Name {
	case "ABS":
		return e.emitAbs(n.Nodes[0])
	case "SGN":
		return e.emitSgn(n.Nodes[0])
	}

	args := e.emitArgs(n.Nodes)
	resultCls := types.ClassLong
	if sym, _, ok := e.lookupSymbol(n.Name); ok {
		resultCls = types.ClassOf(sym.Type)
	}
	t := e.b.AllocTemp(string(resultCls))
	e.b.EmitInstr(t, string(resultCls), "call", append([]string{"$" + n.Name}, args...)...)
	return t
}

// allocSlotFor names the alloc opcode and byte size for a stack slot wide
// enough to hold one value of the given class.
func allocSlotFor(cls types.Class) (op, size string) {
	switch cls {
	case types.ClassByte, types.ClassHalf, types.ClassWord, types.ClassSingle:
		return "alloc4", "4"
	default:
		return "alloc8", "8"
	}
}

// emitAbs lowers ABS (§4.4). Float classes use a sign-bit mask on the bit
// pattern (cast to the same-width integer class, AND off the sign bit,
// cast back) so ±0, ±∞ and NaN survive untouched aside from the cleared
// sign. Integer classes have no such trick available, so they fall back to
// a small branched form through a stack slot, matching the two-path
// assignment pattern the short-circuit AND/OR lowering already uses.
func (e *Emitter) emitAbs(arg *ast.Node) ilbuild.Temp {
	cls := e.classOf(arg)
	v := e.emitExprAs(arg, cls)

	if types.IsFloat(cls) {
		intCls := types.ClassLong
		mask := "9223372036854775807"
		if cls == types.ClassSingle {
			intCls = types.ClassWord
			mask = "2147483647"
		}
		bits := e.b.AllocTemp(string(intCls))
		e.b.EmitInstr(bits, string(intCls), "cast", v.String())
		masked := e.b.AllocTemp(string(intCls))
		e.b.EmitInstr(masked, string(intCls), "and", bits.String(), mask)
		res := e.b.AllocTemp(string(cls))
		e.b.EmitInstr(res, string(cls), "cast", masked.String())
		return res
	}

	zero := e.b.AllocTemp(string(cls))
	e.b.EmitInstr(zero, string(cls), "copy", "0")
	neg := e.b.AllocTemp("w")
	e.b.EmitInstr(neg, "w", cmpOp("<", cls), v.String(), zero.String())

	op, size := allocSlotFor(cls)
	slot := e.b.AllocTemp("l")
	e.b.EmitInstr(slot, "l", op, size)

	negLabel := e.b.MakeLabel("abs_neg")
	posLabel := e.b.MakeLabel("abs_pos")
	doneLabel := e.b.MakeLabel("abs_done")
	e.b.EmitCondJump(neg, negLabel, posLabel)

	e.b.EmitLabel(negLabel)
	negated := e.b.AllocTemp(string(cls))
	e.b.EmitInstr(negated, string(cls), "sub", zero.String(), v.String())
	e.b.EmitVoidInstr("store"+string(cls), negated.String(), slot.String())
	e.b.EmitJump(doneLabel)

	e.b.EmitLabel(posLabel)
	e.b.EmitVoidInstr("store"+string(cls), v.String(), slot.String())
	e.b.EmitJump(doneLabel)

	e.b.EmitLabel(doneLabel)
	res := e.b.AllocTemp(string(cls))
	e.b.EmitInstr(res, string(cls), "load"+string(cls), slot.String())
	return res
}

// emitSgn lowers SGN as the branchless (x>0) - (x<0) (§4.4): two
// comparisons whose IEEE-754 quiet-false behavior on NaN makes both sides
// 0 without any special-casing, and a subtract. Works for both integer and
// float operand classes since cmpOp already picks the right comparison
// opcode for either family.
func (e *Emitter) emitSgn(arg *ast.Node) ilbuild.Temp {
	cls := e.classOf(arg)
	v := e.emitExprAs(arg, cls)
	zero := e.b.AllocTemp(string(cls))
	e.b.EmitInstr(zero, string(cls), "copy", "0")

	gt := e.b.AllocTemp("w")
	e.b.EmitInstr(gt, "w", cmpOp(">", cls), v.String(), zero.String())
	lt := e.b.AllocTemp("w")
	e.b.EmitInstr(lt, "w", cmpOp("<", cls), v.String(), zero.String())

	res := e.b.AllocTemp("w")
	e.b.EmitInstr(res, "w", "sub", gt.String(), lt.String())
	return res
}

// lowerCallStmt lowers a CALL statement, discarding any return value (§4.10).
func (e *Emitter) lowerCallStmt(n *ast.Node) {
	args := e.emitArgs(n.Nodes)
	e.b.EmitVoidInstr("call $"+n.Name, args...)
}

func (e *Emitter) emitArgs(nodes []*ast.Node) []string {
	args := make([]string, 0, len(nodes))
	for _, a := range nodes {
		cls := e.classOf(a)
		v := e.emitExprAs(a, cls)
		args = append(args, cls.String()+" "+v.String())
	}
	return args
}

// stringLabel returns the pooled data-segment label for a string literal,
// allocating one on first use.
func (e *Emitter) stringLabel(text string) string {
	if label, ok := e.stringPool[text]; ok {
		return label
	}
	label := fmt.Sprintf("str_%s_%d", e.funcLabel(), e.stringSeq)
	e.stringSeq++
	e.stringPool[text] = label
	return label
}
