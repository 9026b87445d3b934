package query

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"go.rivulet.dev/core/ivm"
)

// AggregateFold folds the |field| column of |members| to a single value.
// Members are an immutable slice sorted by member identity; a fold must be
// a pure function of its inputs.
type AggregateFold func(field string, members []ivm.Node) any

var (
	aggregateMu    sync.RWMutex
	aggregateFolds = map[string]AggregateFold{
		"count": foldCount,
		"sum":   foldSum,
		"avg":   foldAvg,
		"min":   foldMin,
		"max":   foldMax,
		"array": foldArray,
	}
)

// RegisterAggregate registers a named aggregate fold, replacing any
// existing registration. The built-in folds are registered at init.
func RegisterAggregate(name string, fold AggregateFold) {
	aggregateMu.Lock()
	defer aggregateMu.Unlock()
	aggregateFolds[name] = fold
}

func lookupAggregate(name string) (AggregateFold, error) {
	aggregateMu.RLock()
	defer aggregateMu.RUnlock()
	var fold, ok = aggregateFolds[name]
	if !ok {
		return nil, errors.Errorf("unknown aggregate function %q", name)
	}
	return fold, nil
}

// aggregateCombiner folds a group's members through each aggregate term.
// Its output row carries the group-key columns plus one column per alias.
type aggregateCombiner struct {
	terms []boundAggregate
}

type boundAggregate struct {
	Aggregate
	fold AggregateFold
}

func newAggregateCombiner(terms []Aggregate) (*aggregateCombiner, error) {
	var c = &aggregateCombiner{terms: make([]boundAggregate, 0, len(terms))}
	for _, t := range terms {
		if t.Alias == "" {
			return nil, errors.Errorf("aggregate %s(%s) has no alias", t.Func, t.Field)
		}
		var fold, err = lookupAggregate(t.Func)
		if err != nil {
			return nil, err
		}
		c.terms = append(c.terms, boundAggregate{Aggregate: t, fold: fold})
	}
	return c, nil
}

func (c *aggregateCombiner) Combine(key ivm.Row, members []ivm.Node) ivm.Row {
	var out = make(ivm.Row, len(key)+len(c.terms))
	for k, v := range key {
		out[k] = v
	}
	for _, t := range c.terms {
		out[t.Alias] = t.fold(t.Field, members)
	}
	return out
}

func foldCount(field string, members []ivm.Node) any {
	if field == "" {
		return int64(len(members))
	}
	var n int64
	for _, m := range members {
		if m.Row[field] != nil {
			n++
		}
	}
	return n
}

// foldSum sums as int64 while every member is integral, widening to
// float64 on the first fractional member.
func foldSum(field string, members []ivm.Node) any {
	var sumI int64
	var sumF float64
	var isFloat = false

	for _, m := range members {
		var v = m.Row[field]
		if v == nil {
			continue
		}
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil && !isFloat {
				sumI += i
				continue
			}
		} else if i, ok := v.(int64); ok && !isFloat {
			sumI += i
			continue
		}
		if !isFloat {
			isFloat = true
			sumF = float64(sumI)
		}
		sumF += numValue(v)
	}
	if isFloat {
		return sumF
	}
	return sumI
}

func foldAvg(field string, members []ivm.Node) any {
	var sum float64
	var n int
	for _, m := range members {
		if v := m.Row[field]; v != nil {
			sum += numValue(v)
			n++
		}
	}
	if n == 0 {
		return nil
	}
	return sum / float64(n)
}

func foldMin(field string, members []ivm.Node) any { return foldExtreme(field, members, -1) }
func foldMax(field string, members []ivm.Node) any { return foldExtreme(field, members, 1) }

func foldExtreme(field string, members []ivm.Node, sign int) any {
	var best any
	for _, m := range members {
		var v = m.Row[field]
		if v == nil {
			continue
		}
		if best == nil || ivm.CompareValues(v, best)*sign > 0 {
			best = v
		}
	}
	return best
}

// foldArray collects member values in member-identity order, so the array
// is a pure function of group membership.
func foldArray(field string, members []ivm.Node) any {
	var out = make([]any, 0, len(members))
	for _, m := range members {
		out = append(out, m.Row[field])
	}
	return out
}

func numValue(v any) float64 {
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
		return 0
	}
}
