package ivm

import (
	"sort"
)

// TreeView maintains the sorted, materialized result of an operator graph.
// It applies replace semantics: a removal immediately followed by an add of
// the same identity within one delta is applied as a single in-place or
// seek-and-move update rather than two independent rebalances.
type TreeView struct {
	input    Operator
	cmp      func(a, b Node) int
	identity Identity
	limit    int // Negative = unlimited.
	singular bool

	nodes    []Node // Sorted by cmp.
	hydrated bool
}

// NewTreeView returns a TreeView of |input| ordered by |order| (extended to
// a total order by |identity|). A non-negative |limit| caps the rows exposed
// by Rows (zero exposes none); the full result is still maintained so rows
// re-enter the window as others leave. |singular| marks a one-row view.
func NewTreeView(input Operator, order Ordering, identity Identity, limit int, singular bool) *TreeView {
	var t = &TreeView{
		input:    input,
		cmp:      Comparator(order, identity),
		identity: identity,
		limit:    limit,
		singular: singular,
	}
	input.SetOutput(t)
	return t
}

// Hydrate populates the view from its input's full output. It is called
// once at subscription; subsequent calls return the current contents.
func (t *TreeView) Hydrate() Delta {
	if !t.hydrated {
		for _, e := range t.input.Hydrate() {
			if e.Mult > 0 {
				t.insert(e.Node)
			}
		}
		t.hydrated = true
	}
	var d = make(Delta, len(t.nodes))
	for i, n := range t.nodes {
		d[i] = Entry{Node: n, Mult: 1}
	}
	return d
}

// SetOutput panics: TreeView is a terminal operator.
func (t *TreeView) SetOutput(Consumer) { panic("TreeView is terminal") }

// Push applies |d| to the maintained result.
func (t *TreeView) Push(d Delta) {
	deltaEntriesTotal.WithLabelValues("treeview").Add(float64(len(d)))

	for i := 0; i < len(d); i++ {
		var e = d[i]

		// Replace: a remove whose successor adds the same identity.
		if e.Mult < 0 && i+1 < len(d) && d[i+1].Mult > 0 &&
			t.identity(e.Node) == t.identity(d[i+1].Node) {
			t.replace(e.Node, d[i+1].Node)
			i++
			continue
		}

		for m := e.Mult; m > 0; m-- {
			t.insert(e.Node)
		}
		for m := e.Mult; m < 0; m++ {
			t.remove(e.Node)
		}
	}
}

// Rows returns the view's contents in order, capped by its limit.
func (t *TreeView) Rows() []Node {
	var n = len(t.nodes)
	if t.limit >= 0 && n > t.limit {
		n = t.limit
	}
	if t.singular && n > 1 {
		n = 1
	}
	var out = make([]Node, n)
	copy(out, t.nodes[:n])
	return out
}

// Len returns the total maintained size, ignoring the limit.
func (t *TreeView) Len() int { return len(t.nodes) }

func (t *TreeView) insert(n Node) {
	var i = sort.Search(len(t.nodes), func(i int) bool { return t.cmp(t.nodes[i], n) >= 0 })
	t.nodes = append(t.nodes, Node{})
	copy(t.nodes[i+1:], t.nodes[i:])
	t.nodes[i] = n
}

func (t *TreeView) remove(n Node) {
	var i, ok = t.seek(n)
	if !ok {
		return // Removal of a row not in the view is a no-op.
	}
	t.nodes = append(t.nodes[:i], t.nodes[i+1:]...)
}

// replace removes |old| and inserts |next| with a single seek when their
// sort positions coincide.
func (t *TreeView) replace(old, next Node) {
	var i, ok = t.seek(old)
	if !ok {
		t.insert(next)
		return
	}

	// If |next| still sorts between its neighbors, update in place.
	if (i == 0 || t.cmp(t.nodes[i-1], next) < 0) &&
		(i == len(t.nodes)-1 || t.cmp(next, t.nodes[i+1]) < 0) {
		t.nodes[i] = next
		return
	}
	t.nodes = append(t.nodes[:i], t.nodes[i+1:]...)
	t.insert(next)
}

// seek locates the exact node comparing equal to |n| (same identity).
func (t *TreeView) seek(n Node) (int, bool) {
	var i = sort.Search(len(t.nodes), func(i int) bool { return t.cmp(t.nodes[i], n) >= 0 })
	if i < len(t.nodes) && t.cmp(t.nodes[i], n) == 0 {
		return i, true
	}
	// The node may have been stored under column values which no longer
	// match its sort position (eg, its input edited a sort column without
	// a replace pairing). Fall back to a linear scan by identity.
	var id = t.identity(n)
	for j := range t.nodes {
		if t.identity(t.nodes[j]) == id {
			return j, true
		}
	}
	return 0, false
}
