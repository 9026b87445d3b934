package ivm

import (
	"sort"

	"github.com/pkg/errors"
	"go.rivulet.dev/core/change"
)

// SourceOp discriminates row changes applied to a Source.
type SourceOp int

const (
	SourceAdd SourceOp = iota
	SourceRemove
	SourceEdit
)

// SourceChange is one row change applied to a Source: an add, a remove,
// or an edit carrying both the prior and new row images.
type SourceChange struct {
	Op  SourceOp
	Row Row
	Old Row // Prior image. Set only with SourceEdit.
}

// Source is the root of operator graphs over one replicated table. It keeps
// a single index sorted by the table's primary key, and serves any number of
// connected outputs, each with its own declared ordering.
type Source struct {
	table   *change.TableSchema
	key     Identity
	index   []Node // Sorted by primary key.
	outputs []*SourceOutput
}

// NewSource returns a Source over |table|.
func NewSource(table *change.TableSchema) *Source {
	return &Source{
		table: table,
		key:   KeyIdentity(table.PrimaryKey),
	}
}

// Table returns the Source's table schema.
func (s *Source) Table() *change.TableSchema { return s.table }

// Key returns the Source's primary-key Identity.
func (s *Source) Key() Identity { return s.key }

// Get returns the current row under the same key as |n|, if any.
func (s *Source) Get(n Node) (Node, bool) {
	var i, found = s.search(n)
	if !found {
		return Node{}, false
	}
	return s.index[i], true
}

// Nodes returns the Source's rows in primary-key order.
func (s *Source) Nodes() []Node {
	var out = make([]Node, len(s.index))
	copy(out, s.index)
	return out
}

// Connect adds an output with the given Ordering, which is extended by the
// primary key to a total order. The output serves hydration in that order,
// and forwards pushed deltas to its downstream consumer.
func (s *Source) Connect(order Ordering) *SourceOutput {
	var out = &SourceOutput{
		source: s,
		cmp:    Comparator(order, s.key),
		order:  order,
	}
	s.outputs = append(s.outputs, out)
	return out
}

// Disconnect removes a previously Connected output.
func (s *Source) Disconnect(out *SourceOutput) {
	for i := range s.outputs {
		if s.outputs[i] == out {
			s.outputs = append(s.outputs[:i], s.outputs[i+1:]...)
			return
		}
	}
}

// Push applies a row change to the Source index and forwards the resulting
// delta to every connected output. An edit is forwarded as a remove of the
// prior image immediately followed by an add of the new image, which
// downstream operators recognize as a replacement.
func (s *Source) Push(c SourceChange) error {
	var d Delta

	switch c.Op {
	case SourceAdd:
		var n = Node{Row: c.Row}
		if err := s.insert(n); err != nil {
			return err
		}
		d = Delta{{Node: n, Mult: 1}}

	case SourceRemove:
		var n, err = s.remove(Node{Row: c.Row})
		if err != nil {
			return err
		}
		d = Delta{{Node: n, Mult: -1}}

	case SourceEdit:
		var old, err = s.remove(Node{Row: c.Old})
		if err != nil {
			return err
		}
		var n = Node{Row: c.Row}
		if err = s.insert(n); err != nil {
			return err
		}
		d = Delta{{Node: old, Mult: -1}, {Node: n, Mult: 1}}

	default:
		return errors.Errorf("unknown source op %d", c.Op)
	}

	deltaEntriesTotal.WithLabelValues("source").Add(float64(len(d)))
	for _, out := range s.outputs {
		if out.down != nil {
			out.down.Push(d)
		}
	}
	return nil
}

func (s *Source) insert(n Node) error {
	var i, found = s.search(n)
	if found {
		return errors.Errorf("row %s of %s already exists", s.key(n), s.table.QualifiedName())
	}
	s.index = append(s.index, Node{})
	copy(s.index[i+1:], s.index[i:])
	s.index[i] = n
	return nil
}

func (s *Source) remove(n Node) (Node, error) {
	var i, found = s.search(n)
	if !found {
		return Node{}, errors.Errorf("row %s of %s doesn't exist", s.key(n), s.table.QualifiedName())
	}
	var out = s.index[i]
	s.index = append(s.index[:i], s.index[i+1:]...)
	return out, nil
}

func (s *Source) search(n Node) (int, bool) {
	var id = s.key(n)
	var i = sort.Search(len(s.index), func(i int) bool { return s.key(s.index[i]) >= id })
	return i, i < len(s.index) && s.key(s.index[i]) == id
}

// SourceOutput is one connected output edge of a Source.
type SourceOutput struct {
	source *Source
	order  Ordering
	cmp    func(a, b Node) int
	down   Consumer
}

// Order returns the output's declared Ordering.
func (o *SourceOutput) Order() Ordering { return o.order }

// SetOutput wires the downstream consumer of pushed deltas.
func (o *SourceOutput) SetOutput(down Consumer) { o.down = down }

// Hydrate returns every current row as +1 entries in the output's order.
func (o *SourceOutput) Hydrate() Delta {
	var nodes = make([]Node, len(o.source.index))
	copy(nodes, o.source.index)
	sort.SliceStable(nodes, func(i, j int) bool { return o.cmp(nodes[i], nodes[j]) < 0 })

	var d = make(Delta, len(nodes))
	for i, n := range nodes {
		d[i] = Entry{Node: n, Mult: 1}
	}
	return d
}

// Push implements Consumer so that a SourceOutput may also be fed directly
// (by tests and by concatenated branches).
func (o *SourceOutput) Push(d Delta) {
	if o.down != nil {
		o.down.Push(d)
	}
}
