// Package mapping binds transforms to slots of the global parameter vector.
//
// A mapping knows where its free parameters live (index), whether they are
// currently fitted (fixed) and how to compute derivatives of its output with
// respect to them. Composite chip∘visit mappings share their sub-mappings
// with other composites, so parameter offsets are applied by the owning model
// on the unique sub-mappings, never through the composites.
package mapping

import (
	"fmt"
	"io"
)

// base carries the index and fixed state shared by all leaf mappings.
type base struct {
	index int
	fixed bool
}

// Index returns the position of the first parameter in the global vector.
func (b *base) Index() int { return b.index }

// SetIndex sets the position of the first parameter in the global vector.
func (b *base) SetIndex(i int) { b.index = i }

// Fixed reports whether the parameters are held constant.
func (b *base) Fixed() bool { return b.fixed }

// SetFixed holds the parameters constant (or frees them).
func (b *base) SetFixed(fixed bool) { b.fixed = fixed }

func (b *base) indices(buf []int, npar int) []int {
	for k := 0; k < npar; k++ {
		buf = append(buf, b.index+k)
	}
	return buf
}

// Leaf is a mapping owning a single transform and a block of parameters.
type Leaf interface {
	Index() int
	SetIndex(i int)
	Fixed() bool
	SetFixed(fixed bool)
	NPar() int
	OffsetParams(delta []float64)
	FreezeErrorTransform()
	Dump(w io.Writer)
}

func dumpLeaf(w io.Writer, name string, b *base, npar int, what fmt.Stringer) {
	state := "free"
	if b.fixed {
		state = "fixed"
	}
	fmt.Fprintf(w, "%s index=%d npar=%d %s: %s\n", name, b.index, npar, state, what)
}
