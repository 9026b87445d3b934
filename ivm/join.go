package ivm

// JoinSpec configures an equijoin of a parent stream with a child stream.
type JoinSpec struct {
	// ParentKey and ChildKey are the join columns of either side.
	ParentKey string
	ChildKey  string
	// Relationship names the annotation under which matched child rows are
	// attached to each parent node.
	Relationship string
	// Left joins emit a parent with an empty relationship when no child
	// matches; inner joins drop it.
	Left bool
	// Hidden marks the relationship as excluded from final projections.
	Hidden bool
	// System marks a join serving an internal query.
	System bool
}

// Join is an incremental equijoin. It indexes both sides by join-key value:
// the child index resolves annotations for parent rows, and the parent index
// locates parents affected by a child delta. Child rows with a null join key
// are never indexed, so null matches nothing on either side.
type Join struct {
	parent, child Operator
	spec          JoinSpec

	parentStore, childStore Storage
	parentID, childID       Identity

	down Consumer
}

// NewJoin returns a Join of |parent| with |child| under |spec|. The parent
// and child identities name nodes of either side; |newStorage| supplies the
// side indexes.
func NewJoin(parent, child Operator, parentID, childID Identity, spec JoinSpec, newStorage func() Storage) *Join {
	var j = &Join{
		parent:      parent,
		child:       child,
		spec:        spec,
		parentStore: newStorage(),
		childStore:  newStorage(),
		parentID:    parentID,
		childID:     childID,
	}
	parent.SetOutput(parentInput{j})
	child.SetOutput(childInput{j})
	return j
}

// SetOutput wires the downstream consumer.
func (j *Join) SetOutput(down Consumer) { j.down = down }

// Hydrate populates both side indexes from their inputs and returns every
// (annotated) parent row as +1 entries in parent order.
func (j *Join) Hydrate() Delta {
	for _, e := range j.child.Hydrate() {
		j.indexChild(e.Node)
	}

	var out Delta
	for _, e := range j.parent.Hydrate() {
		j.indexParent(e.Node)
		if ann, ok := j.annotate(e.Node); ok {
			out = append(out, Entry{Node: ann, Mult: 1})
		}
	}
	joinStorageKeys.Set(float64(j.parentStore.Keys() + j.childStore.Keys()))
	return out
}

// Push applies a parent-side delta. Child-side deltas arrive via the wired
// child input.
func (j *Join) Push(d Delta) { j.pushParent(d) }

func (j *Join) pushParent(d Delta) {
	deltaEntriesTotal.WithLabelValues("join").Add(float64(len(d)))
	var out Delta

	for _, e := range d {
		if e.Mult > 0 {
			j.indexParent(e.Node)
		} else {
			j.parentStore.Delete(j.joinKey(e.Node, j.spec.ParentKey), j.parentID(e.Node), j.parentID)
		}
		if ann, ok := j.annotate(e.Node); ok {
			out = append(out, Entry{Node: ann, Mult: e.Mult})
		}
	}
	j.emit(out)
}

func (j *Join) pushChild(d Delta) {
	deltaEntriesTotal.WithLabelValues("join").Add(float64(len(d)))
	var out Delta

	for _, e := range d {
		var key = j.joinKey(e.Node, j.spec.ChildKey)
		if key == nullKey {
			continue // Null joins nothing.
		}
		var parents = j.parentStore.Get(key)

		// Annotate affected parents under the prior child set, mutate the
		// index, then annotate again under the new set. An inner-join parent
		// gaining its first child emits a bare add; one losing its last
		// child emits a bare remove; otherwise a replace pair is emitted.
		var before = make([]Node, 0, len(parents))
		var beforeOK = make([]bool, 0, len(parents))
		for _, p := range parents {
			var ann, ok = j.annotate(p)
			before = append(before, ann)
			beforeOK = append(beforeOK, ok)
		}

		if e.Mult > 0 {
			j.indexChild(e.Node)
		} else {
			j.childStore.Delete(key, j.childID(e.Node), j.childID)
		}

		for i, p := range parents {
			var after, afterOK = j.annotate(p)
			if beforeOK[i] {
				out = append(out, Entry{Node: before[i], Mult: -1})
			}
			if afterOK {
				out = append(out, Entry{Node: after, Mult: 1})
			}
		}
	}
	j.emit(out)
}

func (j *Join) emit(out Delta) {
	joinStorageKeys.Set(float64(j.parentStore.Keys() + j.childStore.Keys()))
	if len(out) != 0 && j.down != nil {
		j.down.Push(out)
	}
}

// annotate clones |p| with its current matched children attached, returning
// false if an inner join has no match.
func (j *Join) annotate(p Node) (Node, bool) {
	var children = j.childStore.Get(j.joinKey(p, j.spec.ParentKey))
	if len(children) == 0 && !j.spec.Left {
		return Node{}, false
	}
	var out = p.Clone()
	if out.Relationships == nil {
		out.Relationships = make(map[string][]Node, 1)
	}
	var copied = make([]Node, len(children))
	for i := range children {
		copied[i] = children[i].Clone()
	}
	out.Relationships[j.spec.Relationship] = copied
	return out, true
}

func (j *Join) indexParent(n Node) {
	j.parentStore.Put(j.joinKey(n, j.spec.ParentKey), n)
}

func (j *Join) indexChild(n Node) {
	if key := j.joinKey(n, j.spec.ChildKey); key != nullKey {
		j.childStore.Put(key, n)
	}
}

const nullKey = "null"

func (j *Join) joinKey(n Node, col string) string {
	return encodeValue(n.Row[col])
}
