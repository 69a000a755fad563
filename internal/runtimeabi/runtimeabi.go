// Package runtimeabi enumerates the canonical runtime entry points the
// core may emit calls to (C4), their IL signatures, and calling
// convention. The runtime C library implementing these symbols is a
// collaborator outside this module's scope (§1); this package only models
// the contract the emitter depends on.
package runtimeabi

import "github.com/albanread/FBCQBE-sub004/internal/types"

// Signature describes one runtime entry point's IL-level signature.
type Signature struct {
	Name    string
	Params  []types.Class
	Result  types.Class // zero value (0) means void
	HasResult bool
}

var l = types.ClassLong
var w = types.ClassWord
var d = types.ClassDouble

// Table is the static, closed set of runtime functions the emitter is
// allowed to reference. It is authoritative: the emitter never invents a
// runtime call name outside this table.
var Table = map[string]Signature{
	// I/O
	"basic_print_int":    {Name: "basic_print_int", Params: []types.Class{l}},
	"basic_print_long":   {Name: "basic_print_long", Params: []types.Class{l}},
	"basic_print_double": {Name: "basic_print_double", Params: []types.Class{d}},
	"basic_print_string": {Name: "basic_print_string", Params: []types.Class{l}},
	"basic_input_int":    {Name: "basic_input_int", Result: l, HasResult: true},
	"basic_input_double": {Name: "basic_input_double", Result: d, HasResult: true},
	"basic_input_string": {Name: "basic_input_string", Result: l, HasResult: true},

	// String ops
	"str_concat":      {Name: "str_concat", Params: []types.Class{l, l}, Result: l, HasResult: true},
	"str_compare":     {Name: "str_compare", Params: []types.Class{l, l}, Result: w, HasResult: true},
	"str_from_int":    {Name: "str_from_int", Params: []types.Class{l}, Result: l, HasResult: true},
	"str_from_double": {Name: "str_from_double", Params: []types.Class{d}, Result: l, HasResult: true},

	// Array ops
	"arr_alloc":        {Name: "arr_alloc", Params: []types.Class{l, l}, Result: l, HasResult: true},
	"arr_bounds_check": {Name: "arr_bounds_check", Params: []types.Class{l, l, l}},
	"arr_erase":        {Name: "arr_erase", Params: []types.Class{l}},

	// Program termination (END)
	"basic_exit": {Name: "basic_exit"},

	// Exception primitives
	"basic_exception_push": {Name: "basic_exception_push", Params: []types.Class{w}},
	"basic_exception_pop":  {Name: "basic_exception_pop"},
	"basic_throw":          {Name: "basic_throw", Params: []types.Class{w}},
	"basic_err":            {Name: "basic_err", Result: w, HasResult: true},
	"basic_erl":            {Name: "basic_erl", Result: w, HasResult: true},
	"basic_setjmp":         {Name: "basic_setjmp", Result: w, HasResult: true},

	// GOSUB/RETURN sparse-dispatch support (§4.8): the call site pushes its
	// return id before transferring control; RETURN pops it to pick a
	// target off the dispatch chain.
	"basic_gosub_push": {Name: "basic_gosub_push", Params: []types.Class{w}},
	"basic_gosub_pop":  {Name: "basic_gosub_pop", Result: w, HasResult: true},

	// ON ERROR GOTO / RESUME support (SPEC_FULL.md supplement): a THROW
	// records which fault site raised, so RESUME/RESUME NEXT can dispatch
	// back to it or to its successor.
	"basic_resume_push": {Name: "basic_resume_push", Params: []types.Class{w}},
	"basic_resume_id":   {Name: "basic_resume_id", Result: w, HasResult: true},
}

// PrintCallFor returns the runtime entry point name for printing a value
// of the given IL class.
func PrintCallFor(c types.Class) string {
	switch c {
	case types.ClassDouble, types.ClassSingle:
		return "basic_print_double"
	case types.ClassLong:
		return "basic_print_long"
	default:
		return "basic_print_int"
	}
}

// InputCallFor returns the runtime entry point name for reading a value of
// the given IL class. It selects by class alone and never returns
// basic_input_string: strings share class l with integers, so the emitter's
// lowerInput picks basic_input_string itself for a string destination.
func InputCallFor(c types.Class) string {
	if types.IsFloat(c) {
		return "basic_input_double"
	}
	return "basic_input_int"
}

// ArrElemLoadOp / ArrElemStoreOp name the load*/store* IL ops the emitter
// issues for a given element class, used by §4.10's array-access lowering.
func ArrElemLoadOp(c types.Class) string {
	switch c {
	case types.ClassByte:
		return "loadub"
	case types.ClassHalf:
		return "loaduh"
	case types.ClassWord:
		return "loadsw"
	case types.ClassSingle:
		return "loads"
	case types.ClassDouble:
		return "loadd"
	default:
		return "loadl"
	}
}

func ArrElemStoreOp(c types.Class) string {
	switch c {
	case types.ClassByte:
		return "storeb"
	case types.ClassHalf:
		return "storeh"
	case types.ClassWord:
		return "storew"
	case types.ClassSingle:
		return "stores"
	case types.ClassDouble:
		return "stored"
	default:
		return "storel"
	}
}

// ElemSize returns the storage size in bytes for one element of the given
// class, used to compute array element offsets (§4.10: "index * elem_size").
func ElemSize(c types.Class) int64 {
	switch c {
	case types.ClassByte:
		return 1
	case types.ClassHalf:
		return 2
	case types.ClassWord, types.ClassSingle:
		return 4
	default:
		return 8
	}
}
