package ivm

// Catch is a test sink which records every pushed delta for assertions.
type Catch struct {
	input  Operator
	Pushed []Delta
}

// NewCatch returns a Catch of |input|.
func NewCatch(input Operator) *Catch {
	var c = &Catch{input: input}
	input.SetOutput(c)
	return c
}

// Hydrate fetches the input's hydration without recording it.
func (c *Catch) Hydrate() Delta { return c.input.Hydrate() }

// Push records |d|.
func (c *Catch) Push(d Delta) { c.Pushed = append(c.Pushed, d) }

// SetOutput panics: Catch is terminal.
func (c *Catch) SetOutput(Consumer) { panic("Catch is terminal") }

// Reset clears recorded deltas.
func (c *Catch) Reset() { c.Pushed = nil }
