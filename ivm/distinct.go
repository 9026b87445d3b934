package ivm

// Distinct converts its input multiset to a set under an identity: an
// identity's first appearance emits +1, its final disappearance emits -1,
// and all intermediate multiplicity changes are absorbed. It deduplicates
// the branches of an OR condition, and implements DISTINCT ON under a
// column-valued identity.
type Distinct struct {
	input    Operator
	identity Identity
	down     Consumer

	counts map[string]int
	nodes  map[string]Node // Representative node per live identity.
}

// NewDistinct returns a Distinct of |input| under |identity|.
func NewDistinct(input Operator, identity Identity) *Distinct {
	var d = &Distinct{
		input:    input,
		identity: identity,
		counts:   make(map[string]int),
		nodes:    make(map[string]Node),
	}
	input.SetOutput(d)
	return d
}

// Hydrate fetches the input's hydration, deduplicated in first-appearance
// order.
func (d *Distinct) Hydrate() Delta {
	var out Delta
	for _, e := range d.input.Hydrate() {
		if e.Mult <= 0 {
			continue
		}
		var id = d.identity(e.Node)
		if d.counts[id] == 0 {
			out = append(out, Entry{Node: e.Node, Mult: 1})
			d.nodes[id] = e.Node
		}
		d.counts[id] += e.Mult
	}
	return out
}

// Push applies |d|, emitting only set-membership transitions.
func (d *Distinct) Push(delta Delta) {
	deltaEntriesTotal.WithLabelValues("distinct").Add(float64(len(delta)))
	var out Delta

	for _, e := range delta {
		var id = d.identity(e.Node)
		var was = d.counts[id]
		d.counts[id] = was + e.Mult

		switch {
		case was == 0 && d.counts[id] > 0:
			d.nodes[id] = e.Node
			out = append(out, Entry{Node: e.Node, Mult: 1})
		case was > 0 && d.counts[id] <= 0:
			var n = d.nodes[id]
			delete(d.nodes, id)
			delete(d.counts, id)
			out = append(out, Entry{Node: n, Mult: -1})
		case was > 0 && e.Mult > 0 && !sameRow(d.nodes[id], e.Node):
			// A still-live identity carrying fresh column values: surface
			// the newest image as a replace pair.
			var old = d.nodes[id]
			d.nodes[id] = e.Node
			out = append(out, Entry{Node: old, Mult: -1}, Entry{Node: e.Node, Mult: 1})
		}
		if d.counts[id] == 0 {
			delete(d.counts, id)
		}
	}

	if len(out) != 0 && d.down != nil {
		d.down.Push(out)
	}
}

// SetOutput wires the downstream consumer.
func (d *Distinct) SetOutput(down Consumer) { d.down = down }

func sameRow(a, b Node) bool {
	if len(a.Row) != len(b.Row) {
		return false
	}
	for k, v := range a.Row {
		if !ValuesEqual(v, b.Row[k]) {
			return false
		}
	}
	return true
}
