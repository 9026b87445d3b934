package ivm

// Concat merges several input branches into one stream. Branch order is
// preserved within hydration; pushed deltas pass through as they arrive.
type Concat struct {
	inputs []Operator
	down   Consumer
}

// NewConcat returns a Concat of |inputs|.
func NewConcat(inputs []Operator) *Concat {
	var c = &Concat{inputs: inputs}
	for _, in := range inputs {
		in.SetOutput(c)
	}
	return c
}

// Hydrate concatenates the hydration of every branch.
func (c *Concat) Hydrate() Delta {
	var out Delta
	for _, in := range c.inputs {
		out = append(out, in.Hydrate()...)
	}
	return out
}

// Push forwards |d| downstream.
func (c *Concat) Push(d Delta) {
	deltaEntriesTotal.WithLabelValues("concat").Add(float64(len(d)))
	if c.down != nil {
		c.down.Push(d)
	}
}

// SetOutput wires the downstream consumer.
func (c *Concat) SetOutput(down Consumer) { c.down = down }
