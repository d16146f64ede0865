package fit

import (
	"fmt"
	"math"

	"jointcal/internal/catalog"
)

// Chi2Statistic is a chi2 value and its number of degrees of freedom.
type Chi2Statistic struct {
	Chi2 float64
	NDof int
}

// PerDof returns Chi2/NDof, or NaN when there are no degrees of freedom.
func (c Chi2Statistic) PerDof() float64 {
	if c.NDof <= 0 {
		return math.NaN()
	}
	return c.Chi2 / float64(c.NDof)
}

func (c Chi2Statistic) String() string {
	return fmt.Sprintf("chi2/ndof: %g/%d=%g", c.Chi2, c.NDof, c.PerDof())
}

// chi2Contribution is the chi2 of one measured star or of one reference
// association, with the parameters it constrains.
type chi2Contribution struct {
	chi2     float64
	measured *catalog.MeasuredStar
	fitted   catalog.StarID
	indices  []int
}

// Outliers are the measurements and reference associations selected for removal.
type Outliers struct {
	Measured []*catalog.MeasuredStar
	Refs     []catalog.StarID
}

// Len returns the total number of outliers.
func (o Outliers) Len() int { return len(o.Measured) + len(o.Refs) }

// MinimizeResult is the outcome of one Minimize call.
type MinimizeResult int

const (
	Converged MinimizeResult = iota
	Chi2Increased
	Failed
	NonFinite
)

func (r MinimizeResult) String() string {
	switch r {
	case Converged:
		return "Converged"
	case Chi2Increased:
		return "Chi2Increased"
	case Failed:
		return "Failed"
	case NonFinite:
		return "NonFinite"
	}
	return fmt.Sprintf("MinimizeResult(%d)", int(r))
}

// State tracks where a fitter is in its assemble/solve/apply cycle.
type State int

const (
	Unconfigured State = iota
	Configured
	Assembled
	SolvedOK
	SolveFailed
	Applied
	Evaluated
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Configured:
		return "configured"
	case Assembled:
		return "assembled"
	case SolvedOK:
		return "solved"
	case SolveFailed:
		return "solve failed"
	case Applied:
		return "applied"
	case Evaluated:
		return "evaluated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}
