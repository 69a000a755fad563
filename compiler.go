// Package fbcqbe is the root orchestration package: it wires the Jump-
// Target Pre-Scan, CFG Builder, Exception Lowering, GOSUB Sparse Dispatch,
// QBE Emitter, ARM64 Peephole Fusion, and CFG Reporting components into the
// single entry point external callers use (§2, §6).
package fbcqbe

import (
	"strings"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/albanread/FBCQBE-sub004/internal/ast"
	"github.com/albanread/FBCQBE-sub004/internal/cfg"
	"github.com/albanread/FBCQBE-sub004/internal/diag"
	"github.com/albanread/FBCQBE-sub004/internal/emitter"
	"github.com/albanread/FBCQBE-sub004/internal/report"
)

// Compile lowers a parsed BASIC AST through the CFG builder and the QBE
// emitter, in one pass (§2). It is a pure function of (prog, symtab) to a
// CompileResult: the only mutable state is the diagnostics bag and
// per-procedure graphs this call owns internally (§5).
func Compile(prog *ast.Node, symtab ast.SymbolTable) diag.CompileResult {
	diags := diag.NewBag()

	graphs := cfg.BuildProgram(prog, symtab, diags)
	if diags.Fatal() {
		logrus.WithField("diagnostics", len(diags.Items())).Warn("compile aborted during CFG construction")
		return diag.CompileResult{Success: false, Diagnostics: diags.Items()}
	}

	il, err := emitConcurrently(graphs, symtab, diags)
	if err != nil {
		diags.Invariant("emission failed: %s", err)
	}
	if diags.Fatal() {
		return diag.CompileResult{Success: false, Diagnostics: diags.Items()}
	}

	logSummaries(report.ReportAll(graphs))

	return diag.CompileResult{Success: true, IL: il, Diagnostics: diags.Items()}
}

// emitConcurrently emits every procedure's IL on its own goroutine (§5:
// "distinct compilations are independent and may run in parallel across
// threads provided each owns its context", applied here at per-procedure
// granularity since each Emitter already owns an independent Builder and
// Scope). Each goroutine gets its own diag.Bag — diag.Bag is not safe for
// concurrent writes — and results are merged back in the same
// deterministic order emitter.EmitProgram would have used sequentially.
func emitConcurrently(graphs map[string]*cfg.ControlFlowGraph, symtab ast.SymbolTable, diags *diag.Bag) (string, error) {
	names := emitter.SortedProcedureNames(graphs)
	texts := make([]string, len(names))
	bags := make([]*diag.Bag, len(names))

	var g errgroup.Group
	for i, name := range names {
		i, name := i, name
		bags[i] = diag.NewBag()
		g.Go(func() error {
			texts[i] = emitter.EmitOne(name, graphs[name], symtab, bags[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	var out strings.Builder
	for i := range names {
		for _, d := range bags[i].Items() {
			diags.Add(d)
		}
		out.WriteString(texts[i])
		out.WriteByte('\n')
	}
	return out.String(), nil
}

// logSummaries emits one structured debug line per procedure's CFG report,
// plus a warning for any procedure that still has unreachable blocks after
// building.
func logSummaries(summaries []report.Summary) {
	lines := lo.Map(summaries, func(s report.Summary, _ int) string { return s.String() })
	for i, s := range summaries {
		entry := logrus.WithFields(logrus.Fields{
			"procedure":  s.Procedure,
			"blocks":     s.BlockCount,
			"edges":      s.EdgeCount,
			"complexity": s.CyclomaticComplexity,
		})
		if len(s.UnreachableBlocks) > 0 {
			entry.WithField("unreachable", s.UnreachableBlocks).Warn(lines[i])
			continue
		}
		entry.Debug(lines[i])
	}
}
