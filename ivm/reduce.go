package ivm

import (
	"reflect"
	"sort"
	"strings"
)

// Combiner folds the members of a group into a single output row. The
// members slice is immutable and sorted by member identity, so Combine is
// a pure function of the group's multiset regardless of insertion order.
// Combine must include the group-key columns in its result.
type Combiner interface {
	Combine(groupKey Row, members []Node) Row
}

// Reduce groups its input by key columns and folds each group through a
// Combiner. The Combiner runs lazily: a group's output is computed at most
// once per membership change, when the output delta is materialized, and
// the computed row and member slice are memoized so that re-reading a
// yielded group returns identical data without recomputation.
type Reduce struct {
	input    Operator
	groupKey []string
	identity Identity // valueIdentity of contributing rows.
	combiner Combiner
	down     Consumer

	groups map[string]*reduceGroup
	gid    Identity
}

// NewReduce returns a Reduce of |input| grouped by |groupKey| columns.
// An empty |groupKey| folds the whole stream into a single group.
// |identity| uniquely names contributing rows, so that a remove and add of
// the same identity within one commit nets to a replace.
func NewReduce(input Operator, groupKey []string, identity Identity, combiner Combiner) *Reduce {
	var r = &Reduce{
		input:    input,
		groupKey: groupKey,
		identity: identity,
		combiner: combiner,
		groups:   make(map[string]*reduceGroup),
		gid:      KeyIdentity(groupKey),
	}
	input.SetOutput(r)
	return r
}

// GroupKey returns the grouping columns.
func (r *Reduce) GroupKey() []string { return r.groupKey }

// SetOutput wires the downstream consumer.
func (r *Reduce) SetOutput(down Consumer) { r.down = down }

// Hydrate folds the input's hydration and returns one +1 entry per
// non-empty group, ordered by group identity.
func (r *Reduce) Hydrate() Delta {
	for _, e := range r.input.Hydrate() {
		if e.Mult <= 0 {
			continue
		}
		r.group(e.Node).put(r.identity(e.Node), e.Node)
	}

	var gids = make([]string, 0, len(r.groups))
	for gid := range r.groups {
		gids = append(gids, gid)
	}
	sort.Strings(gids)

	var out = make(Delta, 0, len(gids))
	for _, gid := range gids {
		out = append(out, Entry{Node: Node{Row: r.groups[gid].value(r.combiner)}, Mult: 1})
	}
	return out
}

// Push applies |d|, collapsing all entries touching one group to the net
// difference of the group's prior and current outputs. A group whose
// output is unchanged emits nothing.
func (r *Reduce) Push(d Delta) {
	deltaEntriesTotal.WithLabelValues("reduce").Add(float64(len(d)))

	// Snapshot the prior output of each touched group before mutating it.
	var prior = make(map[string]Row)
	var touched []string

	for _, e := range d {
		var gid = r.gid(e.Node)
		if _, ok := prior[gid]; !ok {
			touched = append(touched, gid)
			if g, live := r.groups[gid]; live {
				prior[gid] = g.value(r.combiner)
			} else {
				prior[gid] = nil
			}
		}

		var g = r.group(e.Node)
		var id = r.identity(e.Node)
		if e.Mult > 0 {
			g.put(id, e.Node)
		} else {
			g.del(id)
		}
	}

	var out Delta
	for _, gid := range touched {
		var g = r.groups[gid]
		if g != nil && len(g.members) == 0 {
			delete(r.groups, gid)
			g = nil
		}

		var old = prior[gid]
		var cur Row
		if g != nil {
			cur = g.value(r.combiner)
		}

		if old != nil && cur != nil && reflect.DeepEqual(old, cur) {
			continue
		}
		if old != nil {
			out = append(out, Entry{Node: Node{Row: old}, Mult: -1})
		}
		if cur != nil {
			out = append(out, Entry{Node: Node{Row: cur}, Mult: 1})
		}
	}

	if len(out) != 0 && r.down != nil {
		r.down.Push(out)
	}
}

func (r *Reduce) group(n Node) *reduceGroup {
	var gid = r.gid(n)
	var g, ok = r.groups[gid]
	if !ok {
		var key = make(Row, len(r.groupKey))
		for _, c := range r.groupKey {
			key[c] = n.Row[c]
		}
		g = &reduceGroup{key: key, members: make(map[string]Node)}
		r.groups[gid] = g
	}
	return g
}

// reduceGroup is one group's membership and memoized output.
type reduceGroup struct {
	key     Row
	members map[string]Node
	slice   []Node // Memoized member slice, sorted by identity.
	cached  Row    // Memoized Combine output.
	ids     []string
}

func (g *reduceGroup) put(id string, n Node) {
	g.members[id] = n
	g.invalidate()
}

func (g *reduceGroup) del(id string) {
	delete(g.members, id)
	g.invalidate()
}

func (g *reduceGroup) invalidate() { g.slice, g.cached, g.ids = nil, nil, nil }

// value computes (or returns the memoized) Combine output of the group.
func (g *reduceGroup) value(c Combiner) Row {
	if g.cached == nil {
		reduceGroupRecomputeTotal.Inc()
		g.cached = c.Combine(g.key, g.memberSlice())
	}
	return g.cached
}

// memberSlice materializes the group into an immutable slice sorted by
// member identity. The slice is restartable: callers may iterate it any
// number of times and observe identical membership.
func (g *reduceGroup) memberSlice() []Node {
	if g.slice != nil {
		return g.slice
	}
	g.ids = g.ids[:0]
	for id := range g.members {
		g.ids = append(g.ids, id)
	}
	sort.Slice(g.ids, func(i, j int) bool { return strings.Compare(g.ids[i], g.ids[j]) < 0 })

	g.slice = make([]Node, 0, len(g.ids))
	for _, id := range g.ids {
		g.slice = append(g.slice, g.members[id])
	}
	return g.slice
}
