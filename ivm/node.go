package ivm

import (
	"encoding/json"
	"strings"
)

// Row is a bag of column values. Values are the decoded-JSON / database
// scalar types: nil, bool, string, json.Number, int64, or float64.
type Row map[string]any

// Node is a result row flowing through an operator graph: its column values,
// plus relationship annotations added by joins.
type Node struct {
	Row           Row
	Relationships map[string][]Node
}

// Clone returns a deep copy of the Node. Operators which retain or mutate
// nodes clone first so that deltas observed downstream are immutable.
func (n Node) Clone() Node {
	var out = Node{Row: make(Row, len(n.Row))}
	for k, v := range n.Row {
		out.Row[k] = v
	}
	if n.Relationships != nil {
		out.Relationships = make(map[string][]Node, len(n.Relationships))
		for name, nodes := range n.Relationships {
			var copied = make([]Node, len(nodes))
			for i := range nodes {
				copied[i] = nodes[i].Clone()
			}
			out.Relationships[name] = copied
		}
	}
	return out
}

// Entry is one element of a multiset delta: a Node and its non-zero
// multiplicity.
type Entry struct {
	Node Node
	Mult int
}

// Delta is an ordered sequence of Entries.
type Delta []Entry

// Consumer accepts pushed deltas. Operators implement Consumer on their
// input edges.
type Consumer interface {
	Push(d Delta)
}

// Operator is the uniform capability surface of a dataflow graph node:
// it can be hydrated (full fetch of current output, as +1 entries in
// output order) and wired to a downstream Consumer.
type Operator interface {
	Consumer
	Hydrate() Delta
	SetOutput(out Consumer)
}

// Identity names a Node uniquely within its stream, so that a remove and
// add of the same identity can be recognized as a replacement.
type Identity func(n Node) string

// KeyIdentity returns an Identity over the named columns.
func KeyIdentity(columns []string) Identity {
	return func(n Node) string {
		var b strings.Builder
		for i, c := range columns {
			if i > 0 {
				b.WriteByte(0x00)
			}
			b.WriteString(encodeValue(n.Row[c]))
		}
		return b.String()
	}
}

func encodeValue(v any) string {
	var b, err = json.Marshal(v)
	if err != nil {
		panic(err.Error())
	}
	return string(b)
}
