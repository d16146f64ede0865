// Package fit assembles and solves the linearized least-squares problem of
// a joint calibration.
//
// Every measurement contributes one or more whitened equations: a residual
// and its derivatives with respect to a handful of parameters, both already
// multiplied by the square root of the inverse covariance. The derivatives
// are stored as a TripletList (the transposed Jacobian, one column per
// equation), from which the normal matrix is Σ c cᵀ over columns, and the
// gradient is accumulated alongside as JᵀWr.
package fit

// Triplet is one non-zero of the transposed Jacobian.
type Triplet struct {
	Row   int // parameter index
	Col   int // equation index
	Value float64
}

// TripletList is an append-only list of triplets. Entries of one column must be
// added consecutively.
type TripletList struct {
	entries []Triplet
	nextCol int
}

// NewTripletList creates an empty list with room for capacity entries.
func NewTripletList(capacity int) *TripletList {
	if capacity < 0 {
		capacity = 0
	}
	return &TripletList{entries: make([]Triplet, 0, capacity)}
}

// Add appends one entry.
func (t *TripletList) Add(row, col int, value float64) {
	t.entries = append(t.entries, Triplet{Row: row, Col: col, Value: value})
}

// NextFreeIndex returns the column the next equation should use.
func (t *TripletList) NextFreeIndex() int { return t.nextCol }

// SetNextFreeIndex records that columns below i are used.
func (t *TripletList) SetNextFreeIndex(i int) { t.nextCol = i }

// Len returns the number of entries.
func (t *TripletList) Len() int { return len(t.entries) }

// Entries returns the stored triplets.
func (t *TripletList) Entries() []Triplet { return t.entries }

// Append moves the columns of other after the columns of t.
func (t *TripletList) Append(other *TripletList) {
	offset := t.nextCol
	for _, e := range other.entries {
		t.entries = append(t.entries, Triplet{Row: e.Row, Col: e.Col + offset, Value: e.Value})
	}
	t.nextCol += other.nextCol
}
