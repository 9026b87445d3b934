package query

import (
	"go.rivulet.dev/core/ivm"
)

// ResultRow is one flattened row of a Pipeline's current result: the table
// it belongs to and its node. Relationship rows of visible joins are
// flattened alongside their parents; hidden relationships are omitted.
type ResultRow struct {
	Table string
	Node  ivm.Node
}

// Results returns the Pipeline's current result, flattened.
func (p *Pipeline) Results() []ResultRow {
	var out []ResultRow
	for _, n := range p.View.Rows() {
		out = appendResults(out, p.table.QualifiedName(), n, p.rels)
	}
	return out
}

func appendResults(out []ResultRow, table string, n ivm.Node, rels []relInfo) []ResultRow {
	out = append(out, ResultRow{Table: table, Node: n})
	for _, ri := range rels {
		if ri.hidden {
			continue
		}
		for _, child := range n.Relationships[ri.name] {
			out = appendResults(out, ri.table, child, ri.nested)
		}
	}
	return out
}
