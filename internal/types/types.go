// Package types implements the Type Manager (C2): mapping BASIC types to
// IL classes and choosing conversion ops between them.
package types

import (
	"github.com/albanread/FBCQBE-sub004/internal/ast"
	"github.com/albanread/FBCQBE-sub004/internal/ilbuild"
)

// Class is an IL temporary's storage class (§3).
type Class byte

const (
	ClassByte   Class = 'b'
	ClassHalf   Class = 'h'
	ClassWord   Class = 'w'
	ClassLong   Class = 'l'
	ClassSingle Class = 's'
	ClassDouble Class = 'd'
)

func (c Class) String() string { return string(byte(c)) }

// ClassOf maps a BASIC type tag to its IL class.
func ClassOf(t *ast.TypeRef) Class {
	if t == nil {
		return ClassLong
	}
	switch t.Tag {
	case ast.TyByte:
		return ClassByte
	case ast.TyShort:
		return ClassHalf
	case ast.TyInt32:
		return ClassWord
	case ast.TyInt64:
		return ClassLong
	case ast.TySingle:
		return ClassSingle
	case ast.TyDouble:
		return ClassDouble
	case ast.TyString, ast.TyArray, ast.TyRecord:
		// Strings, arrays, and records are all pointer-sized handles (§6
		// "Runtime ABI": strings and arrays are pointers in class l).
		return ClassLong
	default:
		// Unknown defaults to the widest integer class; literals default
		// per §3 ("Integer literals default to l; floating literals
		// default to d") and are never silently narrowed from here.
		return ClassLong
	}
}

// IsFloat reports whether a class is a floating-point class.
func IsFloat(c Class) bool { return c == ClassSingle || c == ClassDouble }

// IsInteger reports whether a class is an integer class.
func IsInteger(c Class) bool { return !IsFloat(c) }

// Rank orders integer classes by width for widen/narrow decisions. Float
// classes are ranked separately (single < double) and never compared
// against an integer rank.
func rank(c Class) int {
	switch c {
	case ClassByte:
		return 1
	case ClassHalf:
		return 2
	case ClassWord:
		return 3
	case ClassLong:
		return 4
	case ClassSingle:
		return 1
	case ClassDouble:
		return 2
	}
	return 0
}

// NeedsConversion reports whether moving a value from `from` to `to`
// requires an explicit conversion instruction. The Type Manager must never
// let the emitter fall back to a bare cross-class copy (§4.2).
func NeedsConversion(from, to Class) bool { return from != to }

// Widen reports whether `to` is strictly wider/more-precise than `from`
// within the same float/integer family. Mixed-family widen queries (e.g.
// int -> float) are always considered a widen since every BASIC numeric
// type fits in a double without loss of magnitude (though not always
// precision, which is an accepted narrowing per §3's Non-goals around
// classical dataflow optimization).
func Widen(from, to Class) bool {
	if IsFloat(from) != IsFloat(to) {
		return true
	}
	return rank(to) > rank(from)
}

// ConvOp names the concrete conversion opcode the emitter should issue.
type ConvOp string

const (
	OpExtSW  ConvOp = "extsw"  // word -> long, sign-extend
	OpExtSH  ConvOp = "extsh"  // halfword -> wider, sign-extend
	OpExtSB  ConvOp = "extsb"  // byte -> wider, sign-extend
	OpExtUW  ConvOp = "extuw"  // word -> long, zero-extend (unsigned)
	OpTrunc  ConvOp = "copy"   // narrowing is an implicit class change on copy
	OpSWToF  ConvOp = "swtof"  // signed word -> float
	OpSLToF  ConvOp = "sltof"  // signed long -> float
	OpStoSI  ConvOp = "stosi"  // single -> signed integer
	OpDtoSI  ConvOp = "dtosi"  // double -> signed integer
	OpExtS   ConvOp = "exts"   // single -> double
	OpTruncD ConvOp = "truncd" // double -> single
)

// PickConversion chooses the conversion op for moving a value of class
// `from` into a destination of class `to`. For a pair that needs no
// conversion (equal classes) it still returns OpTrunc, a plain copy;
// callers should check NeedsConversion first.
func PickConversion(from, to Class) ConvOp {
	switch {
	case IsInteger(from) && IsInteger(to) && Widen(from, to):
		switch from {
		case ClassWord:
			return OpExtSW
		case ClassHalf:
			return OpExtSH
		case ClassByte:
			return OpExtSB
		}
		return OpExtSW
	case IsInteger(from) && IsInteger(to) && !Widen(from, to):
		return OpTrunc
	case IsInteger(from) && IsFloat(to):
		if from == ClassWord {
			return OpSWToF
		}
		return OpSLToF
	case IsFloat(from) && IsInteger(to):
		if from == ClassSingle {
			return OpStoSI
		}
		return OpDtoSI
	case from == ClassSingle && to == ClassDouble:
		return OpExtS
	case from == ClassDouble && to == ClassSingle:
		return OpTruncD
	}
	return OpTrunc
}

// EmitConversion emits the instruction(s) needed to convert src (of class
// from) into a freshly allocated temporary of class to, and returns that
// temporary. If no conversion is needed it returns src unchanged.
func EmitConversion(b *ilbuild.Builder, src ilbuild.Temp, from, to Class) ilbuild.Temp {
	if !NeedsConversion(from, to) {
		return src
	}
	dst := b.AllocTemp(string(to))
	op := PickConversion(from, to)
	b.EmitInstr(dst, string(to), string(op), src.String())
	return dst
}

// UnsignedWiden is like PickConversion but forces zero-extension, for
// unsigned source types. Nothing in this module calls it: BASIC's closed
// type set in §3 has no unsigned tag of its own.
func UnsignedWiden(from Class) ConvOp {
	if from == ClassWord {
		return OpExtUW
	}
	return OpExtSW
}
