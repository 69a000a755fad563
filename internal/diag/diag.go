// Package diag defines the diagnostic taxonomy and CompileResult surface
// (§6, §7). Diagnostics accumulate during building and emission; only an
// internal invariant violation or a fatal structural error aborts
// emission early.
package diag

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the diagnostic kinds named in §6's "Exit-code/diagnostic
// surface".
type Kind int

const (
	UnresolvedLabel Kind = iota
	DuplicateLabel
	TypeMismatch
	BadLoopNesting
	BadTryShape
	UnreachableBlock
	InternalInvariantViolation
)

func (k Kind) String() string {
	switch k {
	case UnresolvedLabel:
		return "UnresolvedLabel"
	case DuplicateLabel:
		return "DuplicateLabel"
	case TypeMismatch:
		return "TypeMismatch"
	case BadLoopNesting:
		return "BadLoopNesting"
	case BadTryShape:
		return "BadTryShape"
	case UnreachableBlock:
		return "UnreachableBlock"
	case InternalInvariantViolation:
		return "InternalInvariantViolation"
	}
	return "Unknown"
}

// Severity distinguishes fatal diagnostics from warnings. Warnings never
// abort compilation (§7).
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityFatal
)

// Diagnostic carries a kind, an optional source location, and a
// human-readable message, plus the underlying wrapped error (if any) for
// internal invariant violations so callers can unwrap to the origin via
// errors.Cause.
type Diagnostic struct {
	Kind     Kind
	Severity Severity
	Location Location
	Message  string
	Err      error
}

// Location is an optional source position; Line == 0 means "no location".
type Location struct {
	Line int
	Col  int
}

func (d Diagnostic) Error() string {
	if d.Location.Line != 0 {
		return fmt.Sprintf("%s at line %d: %s", d.Kind, d.Location.Line, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.Kind, d.Message)
}

// Bag accumulates diagnostics during a compile. It is owned by the
// CompilationContext (§5), never shared ambiently.
type Bag struct {
	items []Diagnostic
	fatal bool
}

// NewBag returns an empty diagnostic bag.
func NewBag() *Bag { return &Bag{} }

// Add appends a diagnostic. A SeverityFatal diagnostic marks the bag as
// fatal, which compiler.go checks to decide whether to keep emitting.
func (b *Bag) Add(d Diagnostic) {
	b.items = append(b.items, d)
	if d.Severity == SeverityFatal {
		b.fatal = true
	}
}

// Structural records a fatal structural diagnostic (§7 "Build-time
// structural"), wrapping the given cause with pkg/errors so it carries a
// stack trace.
func (b *Bag) Structural(kind Kind, loc Location, cause error) {
	b.Add(Diagnostic{
		Kind:     kind,
		Severity: SeverityFatal,
		Location: loc,
		Message:  cause.Error(),
		Err:      errors.WithStack(cause),
	})
}

// Warn records a non-fatal diagnostic (e.g. narrowing-loss TypeMismatch).
func (b *Bag) Warn(kind Kind, loc Location, format string, args ...interface{}) {
	b.Add(Diagnostic{
		Kind:     kind,
		Severity: SeverityWarning,
		Location: loc,
		Message:  fmt.Sprintf(format, args...),
	})
}

// Invariant records an internal invariant violation — the only kind that,
// per §7, may additionally propagate via panic in extreme cases, but is
// always recorded as a diagnostic first.
func (b *Bag) Invariant(format string, args ...interface{}) {
	err := errors.Errorf(format, args...)
	b.Add(Diagnostic{
		Kind:     InternalInvariantViolation,
		Severity: SeverityFatal,
		Message:  err.Error(),
		Err:      err,
	})
}

// Fatal reports whether any fatal diagnostic has been recorded.
func (b *Bag) Fatal() bool { return b.fatal }

// Items returns the accumulated diagnostics in recorded order.
func (b *Bag) Items() []Diagnostic { return b.items }

// CompileResult is the core's output contract (§6).
type CompileResult struct {
	Success     bool
	IL          string
	Diagnostics []Diagnostic
}
