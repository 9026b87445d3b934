package query

import (
	"github.com/pkg/errors"
	"go.rivulet.dev/core/change"
	"go.rivulet.dev/core/ivm"
)

// SourceProvider resolves a table name to its live Source.
type SourceProvider interface {
	Source(table string) (*ivm.Source, error)
}

// Pipeline is a compiled, incrementally-maintained query: an operator
// graph rooted at table Sources and terminated by a TreeView.
type Pipeline struct {
	AST  *AST
	Hash string
	View *ivm.TreeView

	table   *change.TableSchema
	rels    []relInfo
	columns map[string]map[string]bool
	detach  []func()
}

// relInfo names a relationship annotation and the table its rows belong to.
type relInfo struct {
	name   string
	table  string
	hidden bool
	nested []relInfo
}

// Compile translates |ast| into a running Pipeline over |sources|.
// Compilation errors (unknown table or column, bad limit, unsupported
// aggregate placement) leave no operator attached to any source.
func Compile(ast *AST, sources SourceProvider) (*Pipeline, error) {
	var p = &Pipeline{
		AST:     ast,
		Hash:    ast.Hash(),
		columns: make(map[string]map[string]bool),
	}

	var g, err = p.compileGraph(ast, sources)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.table = g.table
	p.rels = g.rels

	var limit int
	if limit, err = ast.limitOf(); err != nil {
		p.Close()
		return nil, err
	}

	var order = toOrdering(ast.OrderBy)
	p.View = ivm.NewTreeView(g.head, order, g.identity, limit, ast.One)
	return p, nil
}

// Close detaches the Pipeline from its sources.
func (p *Pipeline) Close() {
	for _, fn := range p.detach {
		fn()
	}
	p.detach = nil
}

// Table returns the root table's schema.
func (p *Pipeline) Table() *change.TableSchema { return p.table }

// ColumnsByTable returns, per table, the columns this query selects or
// conditions on. The CVR projects row records to exactly these sets.
func (p *Pipeline) ColumnsByTable() map[string][]string {
	var out = make(map[string][]string, len(p.columns))
	for table, set := range p.columns {
		var cols = make([]string, 0, len(set))
		for c := range set {
			cols = append(cols, c)
		}
		out[table] = cols
	}
	return out
}

// graph is a compiled sub-query: its head operator and result identity.
type graph struct {
	head     ivm.Operator
	src      *ivm.Source
	table    *change.TableSchema
	identity ivm.Identity
	rels     []relInfo
}

func (p *Pipeline) compileGraph(ast *AST, sources SourceProvider) (*graph, error) {
	var src, err = sources.Source(ast.Table)
	if err != nil {
		return nil, err
	}
	var table = src.Table()
	var g = &graph{src: src, table: table, identity: src.Key()}

	if err = p.noteColumns(ast, table); err != nil {
		return nil, err
	}
	var order = toOrdering(ast.OrderBy)

	// Where: AND composes stacked filters on one branch. OR branches the
	// stream, filters each branch by its sub-condition, concatenates, and
	// deduplicates with a distinct over the row identity.
	var branches []*Condition
	if ast.Where == nil {
		branches = []*Condition{nil}
	} else if ast.Where.Kind == CondOr {
		for i := range ast.Where.Conds {
			branches = append(branches, &ast.Where.Conds[i])
		}
	} else {
		branches = []*Condition{ast.Where}
	}

	var heads = make([]ivm.Operator, 0, len(branches))
	for _, cond := range branches {
		var out = src.Connect(order)
		p.detach = append(p.detach, func() { src.Disconnect(out) })

		var head ivm.Operator = out
		if head, err = p.applyConds(head, cond, table); err != nil {
			return nil, err
		}
		heads = append(heads, head)
	}

	if len(heads) == 1 {
		g.head = heads[0]
	} else {
		g.head = ivm.NewDistinct(ivm.NewConcat(heads), src.Key())
	}

	// Joins, each reading its child pipeline via a recursive compile.
	for i := range ast.Joins {
		var j = &ast.Joins[i]
		if j.Kind != "inner" && j.Kind != "left" {
			return nil, errors.Errorf("join kind %q must be inner or left", j.Kind)
		} else if j.Other == nil || j.As == "" {
			return nil, errors.New("join is missing its sub-query or relationship name")
		}
		if table.Column(j.ParentField) == nil {
			return nil, errors.Errorf("join of %s names unknown parent column %q",
				table.QualifiedName(), j.ParentField)
		}

		var child *graph
		if child, err = p.compileGraph(j.Other, sources); err != nil {
			return nil, err
		}
		if child.table.Column(j.ChildField) == nil {
			return nil, errors.Errorf("join of %s names unknown child column %q",
				child.table.QualifiedName(), j.ChildField)
		}
		p.noteColumn(table.QualifiedName(), j.ParentField)
		p.noteColumn(child.table.QualifiedName(), j.ChildField)

		g.head = ivm.NewJoin(g.head, child.head, g.identity, child.identity,
			ivm.JoinSpec{
				ParentKey:    j.ParentField,
				ChildKey:     j.ChildField,
				Relationship: j.As,
				Left:         j.Kind == "left",
				Hidden:       j.Hidden,
				System:       j.System,
			},
			func() ivm.Storage { return ivm.NewMemoryStorage() },
		)
		g.rels = append(g.rels, relInfo{
			name:   j.As,
			table:  child.table.QualifiedName(),
			hidden: j.Hidden,
			nested: child.rels,
		})
	}

	// Group-by emits a Reduce whose combiner computes the aggregate terms.
	// Aggregates without a group-by fold the whole stream; min, max and
	// array require a group-by.
	if len(ast.Aggregates) != 0 {
		if len(ast.GroupBy) == 0 {
			for _, t := range ast.Aggregates {
				switch t.Func {
				case "min", "max", "array":
					return nil, errors.Errorf(
						"aggregate %s requires a groupBy", t.Func)
				}
			}
		}
		for _, c := range ast.GroupBy {
			if table.Column(c) == nil {
				return nil, errors.Errorf("groupBy names unknown column %q of %s",
					c, table.QualifiedName())
			}
		}

		var combiner *aggregateCombiner
		if combiner, err = newAggregateCombiner(ast.Aggregates); err != nil {
			return nil, err
		}
		g.head = ivm.NewReduce(g.head, ast.GroupBy, g.identity, combiner)
		g.identity = ivm.KeyIdentity(ast.GroupBy)

		// Having applies the condition machinery to reduced rows, whose
		// schema is the group key plus aggregate aliases.
		if ast.Having != nil {
			var reduced = reducedSchema(table, ast)
			var pred ivm.Predicate
			if pred, err = CompilePredicate(ast.Having, reduced); err != nil {
				return nil, err
			}
			g.head = ivm.NewFilter(g.head, pred)
		}
	} else if ast.Having != nil {
		return nil, errors.New("having requires aggregates")
	}

	if ast.Distinct != nil {
		var id ivm.Identity
		if col := *ast.Distinct; col != "" {
			if table.Column(col) == nil {
				return nil, errors.Errorf("distinct names unknown column %q of %s",
					col, table.QualifiedName())
			}
			id = ivm.KeyIdentity([]string{col})
		} else {
			id = g.identity
		}
		g.head = ivm.NewDistinct(g.head, id)
	}
	return g, nil
}

func (p *Pipeline) applyConds(head ivm.Operator, cond *Condition, table *change.TableSchema) (ivm.Operator, error) {
	if cond == nil {
		return head, nil
	}

	// AND stacks one filter per conjunct; everything else is one filter.
	var conjuncts []*Condition
	if cond.Kind == CondAnd {
		for i := range cond.Conds {
			conjuncts = append(conjuncts, &cond.Conds[i])
		}
	} else {
		conjuncts = []*Condition{cond}
	}

	for _, c := range conjuncts {
		var pred, err = CompilePredicate(c, table)
		if err != nil {
			return nil, err
		}
		head = ivm.NewFilter(head, pred)
	}
	return head, nil
}

// noteColumns records the columns of |ast| touched on its root table.
func (p *Pipeline) noteColumns(ast *AST, table *change.TableSchema) error {
	var name = table.QualifiedName()

	if len(ast.Select) == 0 {
		for _, c := range table.Columns {
			p.noteColumn(name, c.Name)
		}
	} else {
		for _, c := range ast.Select {
			if table.Column(c) == nil {
				return errors.Errorf("select names unknown column %q of %s", c, name)
			}
			p.noteColumn(name, c)
		}
		// The key and version columns ride along with any selection.
		for _, c := range table.PrimaryKey {
			p.noteColumn(name, c)
		}
		p.noteColumn(name, change.VersionColumn)
	}

	var noteCond func(c *Condition) error
	noteCond = func(c *Condition) error {
		if c == nil {
			return nil
		}
		if c.Kind == CondSimple {
			if table.Column(c.Field) == nil {
				return errors.Errorf("condition names unknown column %q of %s", c.Field, name)
			}
			p.noteColumn(name, c.Field)
			return nil
		}
		for i := range c.Conds {
			if err := noteCond(&c.Conds[i]); err != nil {
				return err
			}
		}
		return nil
	}
	if err := noteCond(ast.Where); err != nil {
		return err
	}

	for _, o := range ast.OrderBy {
		if table.Column(o.Column) == nil {
			return errors.Errorf("orderBy names unknown column %q of %s", o.Column, name)
		}
		p.noteColumn(name, o.Column)
	}
	for _, c := range ast.GroupBy {
		p.noteColumn(name, c)
	}
	for _, a := range ast.Aggregates {
		if a.Field != "" {
			if table.Column(a.Field) == nil {
				return errors.Errorf("aggregate names unknown column %q of %s", a.Field, name)
			}
			p.noteColumn(name, a.Field)
		}
	}
	return nil
}

func (p *Pipeline) noteColumn(table, column string) {
	var set = p.columns[table]
	if set == nil {
		set = make(map[string]bool)
		p.columns[table] = set
	}
	set[column] = true
}

// reducedSchema synthesizes the post-Reduce row schema: group-key columns
// plus one column per aggregate alias.
func reducedSchema(table *change.TableSchema, ast *AST) *change.TableSchema {
	var out = &change.TableSchema{
		Schema:     table.Schema,
		Name:       table.Name + "/reduced",
		PrimaryKey: ast.GroupBy,
	}
	var pos = 1
	for _, c := range ast.GroupBy {
		var col = table.Column(c)
		out.Columns = append(out.Columns, change.Column{
			Name: c, Type: col.Type, NotNull: col.NotNull, Pos: pos})
		pos++
	}
	for _, a := range ast.Aggregates {
		out.Columns = append(out.Columns, change.Column{
			Name: a.Alias, Type: "numeric", Pos: pos})
		pos++
	}
	return out
}

func toOrdering(terms []OrderTerm) ivm.Ordering {
	var out = make(ivm.Ordering, len(terms))
	for i, t := range terms {
		out[i] = ivm.OrderPart{Column: t.Column, Desc: t.Desc}
	}
	return out
}
