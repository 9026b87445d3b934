// Package query defines the declarative query AST served to clients, and
// compiles ASTs into incrementally-maintained ivm operator graphs.
package query

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
)

// AST is a declarative query over one table, with optional joins into
// other tables. It is the unit a client desires, and is compiled into an
// operator graph rooted at named sources.
type AST struct {
	Table string `json:"table"`
	Alias string `json:"alias,omitempty"`
	// Select names the projected columns. Empty selects all columns.
	Select  []string     `json:"select,omitempty"`
	Where   *Condition   `json:"where,omitempty"`
	Joins   []Join       `json:"joins,omitempty"`
	GroupBy []string     `json:"groupBy,omitempty"`
	// Aggregates are computed per group, or over the whole table when
	// GroupBy is empty.
	Aggregates []Aggregate `json:"aggregates,omitempty"`
	Having     *Condition  `json:"having,omitempty"`
	OrderBy    []OrderTerm `json:"orderBy,omitempty"`
	// Limit caps the result. It must be a non-negative integer.
	Limit *json.Number `json:"limit,omitempty"`
	// Distinct deduplicates the result, on a column when set to one.
	Distinct   *string `json:"distinct,omitempty"`
	// One marks the query singular: it returns the first row or absent.
	One bool `json:"one,omitempty"`
}

// Join is one join clause of an AST.
type Join struct {
	// Kind is "inner" or "left".
	Kind string `json:"kind"`
	// ParentField and ChildField are the equijoin columns
	// (on=[parentField, childField]).
	ParentField string `json:"parentField"`
	ChildField  string `json:"childField"`
	// Other is the joined sub-query.
	Other *AST `json:"other"`
	// As names the relationship carrying matched child rows.
	As string `json:"as"`
	// Hidden excludes the relationship from the projected result.
	Hidden bool `json:"hidden,omitempty"`
	// System marks a join serving an internal query.
	System bool `json:"system,omitempty"`
}

// Aggregate is one aggregate term.
type Aggregate struct {
	// Func is one of count, sum, avg, min, max, array.
	Func string `json:"func"`
	// Field is the aggregated column. Optional for count.
	Field string `json:"field,omitempty"`
	// Alias names the output column.
	Alias string `json:"alias"`
}

// OrderTerm is one column of an ordering.
type OrderTerm struct {
	Column string `json:"column"`
	Desc   bool   `json:"desc,omitempty"`
}

// CondKind discriminates Condition variants.
type CondKind string

const (
	CondAnd    CondKind = "and"
	CondOr     CondKind = "or"
	CondSimple CondKind = "simple"
)

// Condition is a tree of AND / OR over simple (op, field, value) terms.
type Condition struct {
	Kind  CondKind    `json:"kind"`
	Conds []Condition `json:"conds,omitempty"`
	Op    string      `json:"op,omitempty"`
	Field string      `json:"field,omitempty"`
	Value any         `json:"value,omitempty"`
}

// Hash returns the canonical hash naming this AST, under which clients
// desire it and CVRs record it.
func (a *AST) Hash() string {
	var b, err = json.Marshal(a)
	if err != nil {
		panic(err.Error())
	}
	var sum = sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

// DecodeAST decodes an AST from JSON, preserving numeric precision.
func DecodeAST(raw []byte) (*AST, error) {
	var dec = json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var ast AST
	if err := dec.Decode(&ast); err != nil {
		return nil, errors.Wrap(err, "decoding query AST")
	}
	return &ast, nil
}

// limitOf validates and extracts the AST's limit. An absent limit
// returns -1, the unlimited sentinel of TreeView; an explicit limit of
// zero caps the result at zero rows. A limit which is negative or not
// an integer is rejected.
func (a *AST) limitOf() (int, error) {
	if a.Limit == nil {
		return -1, nil
	}
	var n, err = a.Limit.Int64()
	if err != nil {
		return 0, errors.Errorf("limit %v is not an integer", *a.Limit)
	} else if n < 0 {
		return 0, errors.Errorf("limit %d is negative", n)
	}
	return int(n), nil
}
