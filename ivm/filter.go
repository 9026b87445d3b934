package ivm

// Predicate tests a Node.
type Predicate func(n Node) bool

// Filter passes entries whose nodes satisfy a Predicate. It is pure and
// keeps no state.
type Filter struct {
	input Operator
	pred  Predicate
	down  Consumer
}

// NewFilter returns a Filter over |input| with predicate |pred|.
func NewFilter(input Operator, pred Predicate) *Filter {
	var f = &Filter{input: input, pred: pred}
	input.SetOutput(f)
	return f
}

// Hydrate fetches the input's hydration, filtered.
func (f *Filter) Hydrate() Delta { return f.apply(f.input.Hydrate()) }

// Push filters |d| and forwards the remainder downstream.
func (f *Filter) Push(d Delta) {
	deltaEntriesTotal.WithLabelValues("filter").Add(float64(len(d)))
	if out := f.apply(d); len(out) != 0 && f.down != nil {
		f.down.Push(out)
	}
}

// SetOutput wires the downstream consumer.
func (f *Filter) SetOutput(down Consumer) { f.down = down }

func (f *Filter) apply(d Delta) Delta {
	var out Delta
	for _, e := range d {
		if f.pred(e.Node) {
			out = append(out, e)
		}
	}
	return out
}
