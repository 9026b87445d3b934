package ivm

import (
	"encoding/json"
	"strings"
)

// OrderPart is one column of an ordering, with its direction.
type OrderPart struct {
	Column string
	Desc   bool
}

// Ordering is an ordered list of sort columns.
type Ordering []OrderPart

// Columns returns the ordering's column names.
func (o Ordering) Columns() []string {
	var out = make([]string, len(o))
	for i, p := range o {
		out[i] = p.Column
	}
	return out
}

// Compare orders Nodes |a| and |b| under the Ordering.
func (o Ordering) Compare(a, b Node) int {
	for _, p := range o {
		var c = CompareValues(a.Row[p.Column], b.Row[p.Column])
		if p.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// Comparator returns a total order over Nodes: the Ordering, with ties
// broken by Identity so that distinct rows never compare equal.
func Comparator(o Ordering, id Identity) func(a, b Node) int {
	return func(a, b Node) int {
		if c := o.Compare(a, b); c != 0 {
			return c
		}
		return strings.Compare(id(a), id(b))
	}
}

// CompareValues orders two scalar values. Values of differing kinds order
// as: null < booleans < numbers < strings. Null never matches under query
// conditions, but still requires a stable position in sort orders.
func CompareValues(a, b any) int {
	var ka, kb = kindOf(a), kindOf(b)
	if ka != kb {
		return int(ka) - int(kb)
	}
	switch ka {
	case kindNull:
		return 0
	case kindBool:
		var ab, bb = a.(bool), b.(bool)
		if ab == bb {
			return 0
		} else if bb {
			return -1
		}
		return 1
	case kindNumber:
		var af, bf = asFloat(a), asFloat(b)
		if af < bf {
			return -1
		} else if af > bf {
			return 1
		}
		return 0
	default:
		return strings.Compare(asString(a), asString(b))
	}
}

// ValuesEqual returns whether two scalar values are equal under
// CompareValues semantics.
func ValuesEqual(a, b any) bool { return CompareValues(a, b) == 0 }

type valueKind int

const (
	kindNull valueKind = iota
	kindBool
	kindNumber
	kindString
)

func kindOf(v any) valueKind {
	switch v.(type) {
	case nil:
		return kindNull
	case bool:
		return kindBool
	case string:
		return kindString
	case json.Number, int64, int, float64:
		return kindNumber
	default:
		// Composite values (arrays from set-valued columns) order as strings
		// of their canonical encoding.
		return kindString
	}
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case json.Number:
		var f, err = t.Float64()
		if err != nil {
			panic(err.Error())
		}
		return f
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case float64:
		return t
	default:
		panic("not a number")
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return encodeValue(v)
}
