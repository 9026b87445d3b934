package ivm

// parentInput and childInput adapt a Join's two input edges to Consumer.
type parentInput struct{ j *Join }

func (i parentInput) Push(d Delta) { i.j.pushParent(d) }

type childInput struct{ j *Join }

func (i childInput) Push(d Delta) { i.j.pushChild(d) }
