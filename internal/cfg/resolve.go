package cfg

import (
	"fmt"

	"github.com/albanread/FBCQBE-sub004/internal/diag"
)

// ResolveDeferred fixes up every edge recorded as Deferred during the walk
// (§4.6 rule 14's second pass), turning a line number or label into a
// concrete destination block id and restoring the edge's real Kind. An
// unresolvable target (no such line or label anywhere in the procedure) is
// reported as a fatal UnresolvedLabel diagnostic; the edge is left
// pointing at the graph's exit block so the rest of resolution can still
// proceed and surface every bad reference in one pass, not just the first.
func (g *ControlFlowGraph) ResolveDeferred(bag *diag.Bag) {
	for _, ref := range g.deferred {
		b := g.Block(ref.blockID)
		e := &b.Out[ref.edgeIndex]

		var target int
		var ok bool
		if e.DeferredLabel != "" {
			target, ok = g.LabelToBlock[e.DeferredLabel]
		} else {
			target, ok = g.LineToBlock[e.DeferredLine]
		}

		if !ok {
			where := fmt.Sprintf("line %d", e.DeferredLine)
			if e.DeferredLabel != "" {
				where = fmt.Sprintf("label %q", e.DeferredLabel)
			}
			bag.Structural(diag.UnresolvedLabel, diag.Location{},
				fmt.Errorf("procedure %q: unresolved branch target %s", g.Name, where))
			target = g.Exit
		}

		e.To = target
		e.Kind = e.PendingKind
	}
	g.deferred = nil
}
