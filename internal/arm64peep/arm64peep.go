// Package arm64peep implements the ARM64 Peephole Fusion (C10): a
// single-block scan over an already register-resolved ARM64 instruction
// stream that fuses an adjacent MUL+ADD/MUL+SUB (or FMUL+FADD/FMUL+FSUB)
// pair into one MADD/MSUB/FMADD/FMSUB (§4.11). It runs downstream of the
// core's own output — after virtual temporaries have been replaced by
// physical registers, a step the core itself never performs (register
// allocation stays a collaborator's concern, §1 Non-goals) — so its input
// type models that resolved stream rather than reusing ilbuild.Temp.
package arm64peep

import (
	"fmt"
	"strings"

	"github.com/albanread/FBCQBE-sub004/internal/types"
)

// OperandKind distinguishes a fusable physical register from the two
// operand shapes §4.11 excludes from fusion outright.
type OperandKind int

const (
	OpReg OperandKind = iota
	OpImm
	OpSpill
)

// Operand is one ARM64 instruction operand, already resolved to its final
// location.
type Operand struct {
	Kind OperandKind
	Reg  string // e.g. "x3", "d1"; valid only when Kind == OpReg
	Imm  int64  // valid only when Kind == OpImm
	Slot int    // frame-relative stack-slot offset; valid only when Kind == OpSpill
}

// Reg builds a register operand.
func Reg(name string) Operand { return Operand{Kind: OpReg, Reg: name} }

// Instr is one physical-register ARM64 instruction in the peephole's input
// stream. Src3 is unused by every op except the fused MADD/MSUB/FMADD/FMSUB
// forms this pass produces, which need a fourth (accumulate) operand.
type Instr struct {
	Op    string
	Class types.Class
	Dst   Operand
	Src1  Operand
	Src2  Operand
	Src3  Operand
	has3  bool
}

func (i Instr) String() string {
	var b strings.Builder
	b.WriteString(i.Op)
	b.WriteByte(' ')
	b.WriteString(formatOperand(i.Dst))
	b.WriteString(", ")
	b.WriteString(formatOperand(i.Src1))
	b.WriteString(", ")
	b.WriteString(formatOperand(i.Src2))
	if i.has3 {
		b.WriteString(", ")
		b.WriteString(formatOperand(i.Src3))
	}
	return b.String()
}

// formatOperand is called once per operand, never sharing a buffer across
// calls, so that formatting one register name can never alias the text of
// another already placed into an Instr's String().
func formatOperand(o Operand) string {
	switch o.Kind {
	case OpReg:
		return fmt.Sprintf("%s", o.Reg)
	case OpImm:
		return fmt.Sprintf("#%d", o.Imm)
	default:
		return fmt.Sprintf("[sp, #%d]", o.Slot)
	}
}

func isReg(o Operand) bool { return o.Kind == OpReg }

func isMul(op string) bool { return op == "mul" || op == "fmul" }

// FuseBlock scans one basic block's instruction stream and fuses every
// eligible MUL-then-ADD/SUB pair (§4.11). A MUL is deferred until the next
// instruction is examined: if that instruction consumes the MUL's result as
// one of its two operands and every precondition holds, the pair collapses
// into a single MADD/MSUB/FMADD/FMSUB; otherwise the deferred MUL is
// flushed unchanged before the new instruction is considered. Any
// still-deferred MUL is flushed at block end. Scope is exactly one block;
// callers never carry a deferred MUL across a block boundary.
func FuseBlock(instrs []Instr) []Instr {
	out := make([]Instr, 0, len(instrs))
	var pending *Instr

	flush := func() {
		if pending != nil {
			out = append(out, *pending)
			pending = nil
		}
	}

	for _, cur := range instrs {
		if pending == nil {
			if isMul(cur.Op) {
				m := cur
				pending = &m
				continue
			}
			out = append(out, cur)
			continue
		}

		if fused, ok := tryFuse(*pending, cur); ok {
			out = append(out, fused)
			pending = nil
			continue
		}

		flush()
		if isMul(cur.Op) {
			m := cur
			pending = &m
			continue
		}
		out = append(out, cur)
	}
	flush()
	return out
}

// tryFuse attempts to fuse a deferred MUL with the instruction immediately
// following it, checking every §4.11 precondition: same IL class; the MUL's
// destination appears as exactly one of the consumer's two source operands;
// every operand of both instructions resolves to a physical register (no
// spilled slot, no immediate).
func tryFuse(mul, consumer Instr) (Instr, bool) {
	if mul.Class != consumer.Class {
		return Instr{}, false
	}
	if !isReg(mul.Dst) || !isReg(mul.Src1) || !isReg(mul.Src2) {
		return Instr{}, false
	}
	if !isReg(consumer.Dst) || !isReg(consumer.Src1) || !isReg(consumer.Src2) {
		return Instr{}, false
	}
	if consumer.Src1.Reg == mul.Dst.Reg && consumer.Src2.Reg == mul.Dst.Reg {
		return Instr{}, false
	}

	isFloat := types.IsFloat(mul.Class)
	wantAdd, wantSub := "add", "sub"
	if isFloat {
		wantAdd, wantSub = "fadd", "fsub"
	}

	switch consumer.Op {
	case wantAdd:
		switch mul.Dst.Reg {
		case consumer.Src1.Reg:
			return fuse(isFloat, "madd", mul, consumer.Dst, consumer.Src2), true
		case consumer.Src2.Reg:
			return fuse(isFloat, "madd", mul, consumer.Dst, consumer.Src1), true
		}
	case wantSub:
		// MSUB only when the MUL result is the subtrahend (§4.11).
		if mul.Dst.Reg == consumer.Src2.Reg {
			return fuse(isFloat, "msub", mul, consumer.Dst, consumer.Src1), true
		}
	}
	return Instr{}, false
}

// fuse builds the MADD/MSUB/FMADD/FMSUB replacing mul and its consumer:
// Rd <- dst, Rn/Rm <- the MUL's own source operands, Ra <- the consumer's
// other (non-MUL-result) operand.
func fuse(isFloat bool, base string, mul Instr, dst, accumulate Operand) Instr {
	op := base
	if isFloat {
		op = "f" + base
	}
	return Instr{
		Op:    op,
		Class: mul.Class,
		Dst:   dst,
		Src1:  mul.Src1,
		Src2:  mul.Src2,
		Src3:  accumulate,
		has3:  true,
	}
}
