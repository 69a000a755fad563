package cfg

import "github.com/albanread/FBCQBE-sub004/internal/ast"

// PreScan is the Jump-Target Pre-Scan (C5): a single read-only walk of a
// procedure body that collects every line number and label name reachable
// as a branch target, before the builder lays down any block. The builder
// consults this set while walking forward so that a target appearing in
// the middle of what would otherwise be one straight-line block forces a
// split (§4.6 rule 14's forward case).
type PreScan struct {
	Lines  map[int]bool
	Labels map[string]bool
}

func NewPreScan() *PreScan {
	return &PreScan{Lines: make(map[int]bool), Labels: make(map[string]bool)}
}

// Scan walks body (and everything nested under it, since BASIC permits a
// GOTO/GOSUB target line to appear inside a structured construct) and
// records every target referenced by a jump-family statement.
func (p *PreScan) Scan(body []*ast.Node) {
	for _, n := range body {
		p.visit(n)
	}
}

func (p *PreScan) visit(n *ast.Node) {
	if n == nil {
		return
	}
	switch n.Kind {
	case ast.KGoto, ast.KGosub, ast.KOnErrorGoto:
		p.addTarget(n.TargetLine, n.TargetLabel)
	case ast.KResume:
		if n.TargetLine != 0 || n.TargetLabel != "" {
			p.addTarget(n.TargetLine, n.TargetLabel)
		}
	case ast.KOnGoto, ast.KOnGosub, ast.KOnCall:
		for _, t := range n.Nodes {
			p.addTarget(t.TargetLine, t.TargetLabel)
		}
	}

	p.visit(n.X)
	p.visit(n.Y)
	p.visit(n.Body)
	p.visit(n.Type)
	for _, c := range n.Nodes {
		p.visit(c)
	}
}

func (p *PreScan) addTarget(line int, label string) {
	if label != "" {
		p.Labels[label] = true
		return
	}
	if line != 0 {
		p.Lines[line] = true
	}
}

// IsTarget reports whether n is a line marker or label declaration that the
// pre-scan found referenced somewhere in the procedure.
func (p *PreScan) IsTarget(n *ast.Node) bool {
	switch n.Kind {
	case ast.KLineLabel:
		return n.Line != 0 && p.Lines[n.Line]
	case ast.KLabelDecl:
		return p.Labels[n.Name]
	}
	return false
}
