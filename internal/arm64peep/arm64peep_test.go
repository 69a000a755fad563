package arm64peep

import (
	"testing"

	"github.com/albanread/FBCQBE-sub004/internal/types"
)

func TestFuseBlockMulAdd(t *testing.T) {
	in := []Instr{
		{Op: "mul", Class: types.ClassLong, Dst: Reg("x0"), Src1: Reg("x1"), Src2: Reg("x2")},
		{Op: "add", Class: types.ClassLong, Dst: Reg("x3"), Src1: Reg("x0"), Src2: Reg("x4")},
	}
	out := FuseBlock(in)
	if len(out) != 1 {
		t.Fatalf("expected 1 fused instruction, got %d: %v", len(out), out)
	}
	got := out[0]
	if got.Op != "madd" || got.Dst.Reg != "x3" || got.Src1.Reg != "x1" || got.Src2.Reg != "x2" || got.Src3.Reg != "x4" {
		t.Fatalf("unexpected fused instruction: %+v", got)
	}
}

func TestFuseBlockMulSubOnlyWhenSubtrahend(t *testing.T) {
	// mul result is the minuend (first operand of sub) -> must NOT fuse.
	notFused := []Instr{
		{Op: "mul", Class: types.ClassLong, Dst: Reg("x0"), Src1: Reg("x1"), Src2: Reg("x2")},
		{Op: "sub", Class: types.ClassLong, Dst: Reg("x3"), Src1: Reg("x0"), Src2: Reg("x4")},
	}
	out := FuseBlock(notFused)
	if len(out) != 2 {
		t.Fatalf("expected no fusion (mul result is minuend), got %v", out)
	}

	// mul result is the subtrahend (second operand of sub) -> must fuse.
	fused := []Instr{
		{Op: "mul", Class: types.ClassLong, Dst: Reg("x0"), Src1: Reg("x1"), Src2: Reg("x2")},
		{Op: "sub", Class: types.ClassLong, Dst: Reg("x3"), Src1: Reg("x4"), Src2: Reg("x0")},
	}
	out = FuseBlock(fused)
	if len(out) != 1 || out[0].Op != "msub" {
		t.Fatalf("expected one msub, got %v", out)
	}
	if out[0].Src3.Reg != "x4" {
		t.Fatalf("expected accumulate operand x4, got %+v", out[0].Src3)
	}
}

func TestFuseBlockFloatClasses(t *testing.T) {
	in := []Instr{
		{Op: "fmul", Class: types.ClassDouble, Dst: Reg("d0"), Src1: Reg("d1"), Src2: Reg("d2")},
		{Op: "fadd", Class: types.ClassDouble, Dst: Reg("d3"), Src1: Reg("d0"), Src2: Reg("d4")},
	}
	out := FuseBlock(in)
	if len(out) != 1 || out[0].Op != "fmadd" {
		t.Fatalf("expected fmadd, got %v", out)
	}
}

func TestFuseBlockNoFusionAcrossInterveningInstruction(t *testing.T) {
	in := []Instr{
		{Op: "mul", Class: types.ClassLong, Dst: Reg("x0"), Src1: Reg("x1"), Src2: Reg("x2")},
		{Op: "and", Class: types.ClassLong, Dst: Reg("x5"), Src1: Reg("x6"), Src2: Reg("x7")},
		{Op: "add", Class: types.ClassLong, Dst: Reg("x3"), Src1: Reg("x0"), Src2: Reg("x4")},
	}
	out := FuseBlock(in)
	if len(out) != 3 {
		t.Fatalf("expected mul flushed unfused (intervening instruction), got %v", out)
	}
	if out[0].Op != "mul" || out[2].Op != "add" {
		t.Fatalf("unexpected flush order: %v", out)
	}
}

func TestFuseBlockNoFusionOnSpillOrClassMismatch(t *testing.T) {
	spillConsumer := []Instr{
		{Op: "mul", Class: types.ClassLong, Dst: Reg("x0"), Src1: Reg("x1"), Src2: Reg("x2")},
		{Op: "add", Class: types.ClassLong, Dst: Reg("x3"), Src1: Reg("x0"), Src2: Operand{Kind: OpSpill, Slot: 16}},
	}
	out := FuseBlock(spillConsumer)
	if len(out) != 2 {
		t.Fatalf("expected no fusion with a spilled operand, got %v", out)
	}

	mismatchedClass := []Instr{
		{Op: "mul", Class: types.ClassWord, Dst: Reg("w0"), Src1: Reg("w1"), Src2: Reg("w2")},
		{Op: "add", Class: types.ClassLong, Dst: Reg("x3"), Src1: Reg("x0"), Src2: Reg("x4")},
	}
	out = FuseBlock(mismatchedClass)
	if len(out) != 2 {
		t.Fatalf("expected no fusion across mismatched IL class, got %v", out)
	}
}

func TestFuseBlockTrailingMulFlushedAtBlockEnd(t *testing.T) {
	in := []Instr{
		{Op: "mul", Class: types.ClassLong, Dst: Reg("x0"), Src1: Reg("x1"), Src2: Reg("x2")},
	}
	out := FuseBlock(in)
	if len(out) != 1 || out[0].Op != "mul" {
		t.Fatalf("expected trailing mul flushed unchanged, got %v", out)
	}
}

func TestInstrStringFormatsEachOperandIndependently(t *testing.T) {
	i := Instr{Op: "madd", Class: types.ClassLong, Dst: Reg("x3"), Src1: Reg("x1"), Src2: Reg("x2"), Src3: Reg("x4"), has3: true}
	want := "madd x3, x1, x2, x4"
	if got := i.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
