package query

import (
	"encoding/json"

	"github.com/pkg/errors"
	"go.rivulet.dev/core/change"
	"go.rivulet.dev/core/ivm"
)

// Condition operators.
const (
	OpEq          = "="
	OpNeq         = "!="
	OpLt          = "<"
	OpGt          = ">"
	OpLte         = "<="
	OpGte         = ">="
	OpIn          = "IN"
	OpNotIn       = "NOT IN"
	OpLike        = "LIKE"
	OpNotLike     = "NOT LIKE"
	OpILike       = "ILIKE"
	OpNotILike    = "NOT ILIKE"
	OpIntersects  = "INTERSECTS"
	OpDisjoint    = "DISJOINT"
	OpSuperset    = "SUPERSET"
	OpSubset      = "SUBSET"
	OpCongruent   = "CONGRUENT"
	OpIncongruent = "INCONGRUENT"
)

// CompilePredicate compiles |cond| into a Predicate over rows of |table|.
// Compilation validates the condition: unknown columns, unknown operators,
// malformed operand shapes, and ordered comparisons across differing value
// types are all rejected here rather than at evaluation.
//
// A null field value matches no operator, negated operators included.
func CompilePredicate(cond *Condition, table *change.TableSchema) (ivm.Predicate, error) {
	switch cond.Kind {
	case CondAnd, CondOr:
		var subs = make([]ivm.Predicate, 0, len(cond.Conds))
		for i := range cond.Conds {
			var p, err = CompilePredicate(&cond.Conds[i], table)
			if err != nil {
				return nil, err
			}
			subs = append(subs, p)
		}
		if cond.Kind == CondAnd {
			return func(n ivm.Node) bool {
				for _, p := range subs {
					if !p(n) {
						return false
					}
				}
				return true
			}, nil
		}
		return func(n ivm.Node) bool {
			for _, p := range subs {
				if p(n) {
					return true
				}
			}
			return false
		}, nil

	case CondSimple:
		return compileSimple(cond, table)

	default:
		return nil, errors.Errorf("unknown condition kind %q", cond.Kind)
	}
}

func compileSimple(cond *Condition, table *change.TableSchema) (ivm.Predicate, error) {
	var col = table.Column(cond.Field)
	if col == nil {
		return nil, errors.Errorf("condition names unknown column %q of table %s",
			cond.Field, table.QualifiedName())
	}
	var field = cond.Field

	switch cond.Op {
	case OpEq, OpNeq:
		var want = cond.Op == OpEq
		var value = cond.Value
		return func(n ivm.Node) bool {
			var v = n.Row[field]
			if v == nil {
				return false
			}
			return ivm.ValuesEqual(v, value) == want
		}, nil

	case OpLt, OpGt, OpLte, OpGte:
		if err := checkOrderedOperand(col, cond.Value); err != nil {
			return nil, err
		}
		var op, value = cond.Op, cond.Value
		return func(n ivm.Node) bool {
			var v = n.Row[field]
			if v == nil {
				return false
			}
			var c = ivm.CompareValues(v, value)
			switch op {
			case OpLt:
				return c < 0
			case OpGt:
				return c > 0
			case OpLte:
				return c <= 0
			default:
				return c >= 0
			}
		}, nil

	case OpIn, OpNotIn:
		var members, err = operandList(cond)
		if err != nil {
			return nil, err
		}
		var want = cond.Op == OpIn
		return func(n ivm.Node) bool {
			var v = n.Row[field]
			if v == nil {
				return false
			}
			for _, m := range members {
				if ivm.ValuesEqual(v, m) {
					return want
				}
			}
			return !want
		}, nil

	case OpLike, OpNotLike, OpILike, OpNotILike:
		var pattern, ok = cond.Value.(string)
		if !ok {
			return nil, errors.Errorf("%s operand of column %q must be a string pattern",
				cond.Op, field)
		}
		var ci = cond.Op == OpILike || cond.Op == OpNotILike
		var negate = cond.Op == OpNotLike || cond.Op == OpNotILike

		var match, err = CompileLike(pattern, ci)
		if err != nil {
			return nil, err
		}
		return func(n ivm.Node) bool {
			var s, ok = n.Row[field].(string)
			if !ok {
				return false // Null or non-text matches nothing.
			}
			return match(s) != negate
		}, nil

	case OpIntersects, OpDisjoint, OpSuperset, OpSubset, OpCongruent, OpIncongruent:
		var members, err = operandList(cond)
		if err != nil {
			return nil, err
		}
		var operand = makeValueSet(members)
		var op = cond.Op
		return func(n ivm.Node) bool {
			var list, ok = n.Row[field].([]any)
			if !ok {
				return false // Null or scalar matches nothing.
			}
			return evalSetOp(op, makeValueSet(list), operand)
		}, nil

	default:
		return nil, errors.Errorf("unknown condition operator %q", cond.Op)
	}
}

// checkOrderedOperand rejects ordered comparisons whose operand type
// differs from the column's type class. Comparing a number to a string is
// a query-authoring mistake which would otherwise silently rank by type.
func checkOrderedOperand(col *change.Column, value any) error {
	var class = typeClass(col.Type)
	var ok bool
	switch value.(type) {
	case json.Number, int64, int, float64:
		ok = class == classNumber || class == classAny
	case string:
		ok = class == classString || class == classAny
	case bool:
		ok = class == classBool || class == classAny
	default:
		ok = false
	}
	if !ok {
		return errors.Errorf("cannot order column %q (%s) against operand %v",
			col.Name, col.Type, value)
	}
	return nil
}

func operandList(cond *Condition) ([]any, error) {
	var list, ok = cond.Value.([]any)
	if !ok {
		return nil, errors.Errorf("%s operand of column %q must be a list", cond.Op, cond.Field)
	}
	return list, nil
}

type typeClassT int

const (
	classAny typeClassT = iota
	classNumber
	classString
	classBool
)

func typeClass(t string) typeClassT {
	switch t {
	case "int2", "int4", "int8", "float4", "float8", "numeric", "real", "integer":
		return classNumber
	case "text", "varchar", "char", "uuid", "timestamp", "timestamptz", "date":
		return classString
	case "bool", "boolean":
		return classBool
	default:
		return classAny
	}
}

// valueSet is a set of scalar values under their canonical encodings.
type valueSet map[string]struct{}

func makeValueSet(list []any) valueSet {
	var s = make(valueSet, len(list))
	for _, v := range list {
		var b, err = json.Marshal(v)
		if err != nil {
			panic(err.Error())
		}
		s[string(b)] = struct{}{}
	}
	return s
}

func (s valueSet) intersects(o valueSet) bool {
	for k := range s {
		if _, ok := o[k]; ok {
			return true
		}
	}
	return false
}

func (s valueSet) superset(o valueSet) bool {
	for k := range o {
		if _, ok := s[k]; !ok {
			return false
		}
	}
	return true
}

func evalSetOp(op string, field, operand valueSet) bool {
	switch op {
	case OpIntersects:
		return field.intersects(operand)
	case OpDisjoint:
		return !field.intersects(operand)
	case OpSuperset:
		// An empty operand is a subset of anything.
		return field.superset(operand)
	case OpSubset:
		return operand.superset(field)
	case OpCongruent:
		return field.superset(operand) && operand.superset(field)
	case OpIncongruent:
		return !(field.superset(operand) && operand.superset(field))
	default:
		panic("unknown set operator " + op)
	}
}
